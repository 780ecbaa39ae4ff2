package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/orchestrator"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a cautiously paused run at Execute",
	RunE: func(_ *cobra.Command, _ []string) error {
		eng, err := buildEngine(true)
		if err != nil {
			return err
		}
		orch := orchestrator.New(eng.ps, eng.cfg, eng.run, eng.git, nil, eng.logger,
			orchestrator.Options{})
		summary, err := orch.Resume(context.Background())
		printSummary(summary)
		return err
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
