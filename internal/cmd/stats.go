package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
)

var statsFormat string

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "json", "json or csv")
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report cache size, count, and age statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}

		analyzer := cachemaint.NewAnalyzer(store)
		if _, err := analyzer.Scan(false); err != nil {
			return err
		}

		stats := cachemaint.NewStatsCollector(analyzer).Collect()

		switch statsFormat {
		case "csv":
			return cachemaint.WriteCSV(os.Stdout, stats)
		default:
			return cachemaint.WriteJSON(os.Stdout, stats)
		}
	},
}
