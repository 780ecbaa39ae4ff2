package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/orchestrator"
)

var (
	evolveCycles   int
	evolveCautious bool
	evolveAll      bool
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run full Observe -> Plan -> Execute -> Verify cycles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		eng, err := buildEngine(true)
		if err != nil {
			return err
		}
		orch := orchestrator.New(eng.ps, eng.cfg, eng.run, eng.git, nil, eng.logger,
			orchestrator.Options{
				Cautious:    evolveCautious,
				AllPersonas: evolveAll,
				MaxCycles:   evolveCycles,
			})
		summary, err := orch.Evolve(context.Background())
		printSummary(summary)
		return err
	},
}

func init() {
	evolveCmd.Flags().IntVar(&evolveCycles, "cycles", 0,
		"cycles to run this invocation (default: config max_cycles_per_run)")
	evolveCmd.Flags().BoolVar(&evolveCautious, "cautious", false,
		"pause after Plan for human review; continue with `evonest resume`")
	evolveCmd.Flags().BoolVar(&evolveAll, "all-personas", false,
		"sweep personas deterministically instead of weighted sampling")
	rootCmd.AddCommand(evolveCmd)
}
