package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
)

var (
	cleanStrategy       string
	cleanTargetSizeMB   int64
	cleanMaxEntries     int
	cleanKeepRecentDays int
	cleanRunID          string
	cleanDataName       string
	cleanApply          bool
)

func init() {
	cleanCmd.Flags().StringVar(&cleanStrategy, "strategy", "LRU",
		"LRU, OLDEST, LARGEST, VERSION_MISMATCH, FAILED_INTEGRITY, BY_RUN, or BY_DATA_TYPE")
	cleanCmd.Flags().Int64Var(&cleanTargetSizeMB, "target-size-mb", 0, "stop once total cache size is at or below this (LRU/OLDEST/LARGEST)")
	cleanCmd.Flags().IntVar(&cleanMaxEntries, "max-entries", 0, "stop once entry count is at or below this (LRU/OLDEST/LARGEST)")
	cleanCmd.Flags().IntVar(&cleanKeepRecentDays, "keep-recent-days", 7, "never select entries newer than this many days")
	cleanCmd.Flags().StringVar(&cleanRunID, "run-id", "", "run id (required for BY_RUN)")
	cleanCmd.Flags().StringVar(&cleanDataName, "data-name", "", "data product name (required for BY_DATA_TYPE)")
	cleanCmd.Flags().BoolVar(&cleanApply, "apply", false, "actually delete the selected entries (default is a dry-run plan)")
	rootCmd.AddCommand(cleanCmd)
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Plan (and optionally execute) cache eviction under a strategy",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}

		analyzer := cachemaint.NewAnalyzer(store)
		if _, err := analyzer.Scan(false); err != nil {
			return err
		}
		diagnostics := cachemaint.NewDiagnostics(analyzer, store, nil)
		cleaner := cachemaint.NewCleaner(analyzer, diagnostics, store)

		plan, err := cleaner.PlanCleanup(cachemaint.CleanupOptions{
			Strategy:       cachemaint.Strategy(cleanStrategy),
			TargetSizeMB:   cleanTargetSizeMB,
			MaxEntries:     cleanMaxEntries,
			KeepRecentDays: cleanKeepRecentDays,
			RunID:          cleanRunID,
			DataName:       cleanDataName,
		})
		if err != nil {
			return err
		}

		fmt.Printf("strategy %s selected %d entries, %d bytes reclaimable\n", plan.Strategy, len(plan.Selected), plan.ReclaimedBytes)
		for _, e := range plan.Selected {
			fmt.Printf("  %s (%d bytes, modified %s)\n", e.Key, e.SizeBytes, e.ModTime.Format("2006-01-02T15:04:05"))
		}

		if !cleanApply {
			fmt.Println("dry run: pass --apply to delete the entries above")
			return nil
		}

		if err := cleaner.Execute(plan); err != nil {
			return err
		}
		fmt.Printf("removed %d entries, reclaimed %d bytes\n", len(plan.Selected), plan.ReclaimedBytes)
		return nil
	},
}
