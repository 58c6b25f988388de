package main

import (
	"github.com/spf13/cobra"

	"github.com/fleetillo/dispatch-gateway/internal/config"
)

var envPath string

var rootCmd = &cobra.Command{
	Use:           "dispatch-cli",
	Short:         "Operational commands for the dispatch gateway",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Load(envPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "path to an env file")
}
