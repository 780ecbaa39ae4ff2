package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/orchestrator"
)

var improveAll bool

var improveCmd = &cobra.Command{
	Use:   "improve [proposal]",
	Short: "Execute a pending proposal as the plan",
	Long: `Skips Observe and Plan: the selected proposal is the plan. Without an
argument the highest-priority, oldest pending proposal is picked.
Consumed proposals move to proposals/done/ regardless of outcome.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		eng, err := buildEngine(true)
		if err != nil {
			return err
		}
		opts := orchestrator.Options{All: improveAll}
		if len(args) == 1 {
			opts.ProposalID = args[0]
		}
		orch := orchestrator.New(eng.ps, eng.cfg, eng.run, eng.git, nil, eng.logger, opts)
		summary, err := orch.Improve(context.Background())
		printSummary(summary)
		return err
	},
}

func init() {
	improveCmd.Flags().BoolVar(&improveAll, "all", false,
		"loop until the pending proposal queue is empty")
	rootCmd.AddCommand(improveCmd)
}
