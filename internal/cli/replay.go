package cli

import (
	"github.com/spf13/cobra"

	"collateral-risk/internal/app"
)

var (
	replayAsset string
	replayFile  string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a CSV of prices through the volatility tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{Asset: replayAsset, Path: replayFile})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayAsset, "asset", "", "Asset symbol as configured under oracle.assets")
	replayCmd.Flags().StringVar(&replayFile, "file", "", "CSV file of timestamp,price rows")
	_ = replayCmd.MarkFlagRequired("asset")
}
