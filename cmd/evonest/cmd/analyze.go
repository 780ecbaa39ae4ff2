package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/orchestrator"
)

var (
	analyzeCycles int
	analyzeAll    bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Observe only; write findings as proposals, change nothing",
	RunE: func(_ *cobra.Command, _ []string) error {
		eng, err := buildEngine(true)
		if err != nil {
			return err
		}
		orch := orchestrator.New(eng.ps, eng.cfg, eng.run, eng.git, nil, eng.logger,
			orchestrator.Options{
				AllPersonas: analyzeAll,
				MaxCycles:   analyzeCycles,
			})
		summary, err := orch.Analyze(context.Background())
		printSummary(summary)
		return err
	},
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzeCycles, "cycles", 0,
		"observation passes to run (default: config max_cycles_per_run)")
	analyzeCmd.Flags().BoolVar(&analyzeAll, "all-personas", false,
		"run one pass per enabled persona")
	rootCmd.AddCommand(analyzeCmd)
}
