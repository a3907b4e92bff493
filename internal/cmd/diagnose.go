package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowingwolf/waveflow/internal/cachemaint"
)

var (
	diagnoseRunID string
	diagnoseFix   bool
)

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseRunID, "run-id", "", "restrict to one run (default: all runs)")
	diagnoseCmd.Flags().BoolVar(&diagnoseFix, "fix", false, "repair auto-fixable issues instead of just reporting them")
	rootCmd.AddCommand(diagnoseCmd)
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check cache integrity: version, size, checksum, orphan issues",
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

		issues, err := diagnostics.Diagnose(diagnoseRunID, !diagnoseFix)
		if err != nil {
			return err
		}

		if len(issues) == 0 {
			fmt.Println("no issues found")
			return nil
		}

		for _, issue := range issues {
			fixed := ""
			if diagnoseFix && issue.AutoFixable {
				fixed = " [fixed]"
			}
			fmt.Printf("[%s] %s %s: %s%s\n", issue.Severity, issue.Kind, issue.Key, issue.Message, fixed)
		}
		fmt.Printf("%d issue(s) found\n", len(issues))
		return nil
	},
}
