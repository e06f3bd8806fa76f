package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the desk CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("desk version %s\n", version)
		fmt.Println("An autonomous multi-strategy trading desk simulator")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
