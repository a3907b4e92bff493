// Package cmd wires waveflowctl's cobra command tree: cache maintenance
// operations (scan, diagnose, clean, stats) and a long-running serve mode
// that keeps the cache pruned and exposes Prometheus metrics, for operators
// who embed this framework in their own DAQ pipelines but still want an
// off-the-shelf ops tool for the storage root it leaves behind.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "waveflowctl",
	Short: "Operate the waveflow plugin framework's on-disk cache",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
