/*
Package cmd implements the stopctl subcommands.

stopctl is the operator surface for the stop protection daemon: one-shot
or continuous protection sweeps, trailing stop previews and ratchets,
margin health checks and position sizing, all against the same store and
exchange the daemon uses.
*/
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "stopctl",
		Short: "Stop-loss protection operator CLI",
		Long: `stopctl operates the stop protection system from the command line.

Subcommands run the same detection, trailing and margin logic as the
daemon, sharing its database. Every mutating path is idempotent: re-running
a command never double-fires a stop or re-applies a trailing step.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all subcommands
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format for automation")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(trailCmd)
	rootCmd.AddCommand(marginCmd)
	rootCmd.AddCommand(sizeCmd)
}
