package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"collateral-risk/internal/app"
)

var positionsLimit int

var healthCmd = &cobra.Command{
	Use:   "health <owner>",
	Short: "Show the health factor of a position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context(), args[0])
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List positions from least to most healthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if positionsLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().Positions(cmd.Context(), app.PositionsOptions{Limit: positionsLimit})
	},
}

var ltvCmd = &cobra.Command{
	Use:   "ltv <asset>",
	Short: "Show the volatility-adjusted LTV of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().LTV(cmd.Context(), args[0])
	},
}

func init() {
	positionsCmd.Flags().IntVar(&positionsLimit, "limit", 20, "Number of positions to display (0 for all)")
}
