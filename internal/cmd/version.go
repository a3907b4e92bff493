package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print waveflowctl version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("waveflowctl v%s\n", Version)
		return nil
	},
}
