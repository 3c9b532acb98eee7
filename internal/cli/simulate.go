package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCollateral string
	simulateDebt       string
	simulateJSON       bool
)

var simulateLiquidationCmd = &cobra.Command{
	Use:   "simulate-liquidation",
	Short: "Solve a liquidation for hypothetical collateral and debt",
	RunE: func(cmd *cobra.Command, args []string) error {
		collateral, err := decimal.NewFromString(simulateCollateral)
		if err != nil {
			return fmt.Errorf("invalid --collateral value: %w", err)
		}
		debt, err := decimal.NewFromString(simulateDebt)
		if err != nil {
			return fmt.Errorf("invalid --debt value: %w", err)
		}
		if !collateral.IsPositive() || !debt.IsPositive() {
			return errors.New("--collateral and --debt must be greater than 0")
		}
		return getApp().SimulateLiquidation(cmd.Context(), collateral, debt)
	},
}

var simulateStopLossCmd = &cobra.Command{
	Use:   "simulate-stop-loss <owner>",
	Short: "Print the swap plan a stop-loss trigger would execute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateStopLoss(cmd.Context(), args[0], simulateJSON)
	},
}

func init() {
	simulateLiquidationCmd.Flags().StringVar(&simulateCollateral, "collateral", "", "Weighted collateral value in USD")
	simulateLiquidationCmd.Flags().StringVar(&simulateDebt, "debt", "", "Debt value in USD")
	simulateStopLossCmd.Flags().BoolVar(&simulateJSON, "json", false, "Print the plan as JSON")
}
