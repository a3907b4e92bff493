package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
)

var scanForce bool

func init() {
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "rescan every artifact instead of only new ones")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Index the storage root's cache artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}

		analyzer := cachemaint.NewAnalyzer(store)
		entries, err := analyzer.Scan(scanForce)
		if err != nil {
			return err
		}

		fmt.Printf("indexed %d cache entries under %s\n", len(entries), store.Root)
		return nil
	},
}
