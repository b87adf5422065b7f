// Package cmd wires the beacon CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - business profile data service",
	Long: `Beacon is the data core for the business profile platform: a
resilient PostgreSQL access layer with vector search, business-scoped
memories and an encrypted credential vault, exposed as a JSON API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
