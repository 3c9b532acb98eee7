package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the keeper loop and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var initParamsCmd = &cobra.Command{
	Use:   "init-params",
	Short: "Store the configured risk parameters and admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().InitParams(cmd.Context())
	},
}
