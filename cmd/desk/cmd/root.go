package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "desk",
	Short: "An autonomous multi-strategy trading desk simulator",
	Long: `Desk is an autonomous trading desk simulator written in Go.

A market director feeds snapshots and directives to a council of
strategies; their votes are merged into consensus proposals which pass
through a risk engine and a compliance gate before a paper executor
fills them. Everything communicates over an in-process event bus and a
kill switch halts the run when limits are breached.

It provides tools for:
  - Running the live pipeline against a simulated market feed
  - Backtesting the same pipeline over historical bar data
  - Generating and validating configuration files`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
