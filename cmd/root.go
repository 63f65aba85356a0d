// Package cmd wires the advisor binary's subcommands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "advisor",
	Short: "Advisor - conversational assistant backend for advisory staff",
	Long: `Advisor is the backend service behind the firm's conversational
assistant. It augments user questions with retrieved domain context, runs a
bounded tool-calling protocol against the configured model provider, and
streams the answer back chunk by chunk.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
