package cmd

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress, backlog, and recent cycles",
	RunE: func(_ *cobra.Command, _ []string) error {
		eng, err := buildEngine(false)
		if err != nil {
			return err
		}
		if !eng.ps.Initialized() {
			return core.ErrState("NOT_INITIALIZED", "no .evonest/ here; run `evonest init` first")
		}

		progress, err := eng.ps.ReadProgress()
		if err != nil {
			return err
		}
		backlog, err := eng.ps.LoadBacklog()
		if err != nil {
			return err
		}
		history, err := eng.ps.ReadHistory(5)
		if err != nil {
			return err
		}
		proposals, err := eng.ps.ListProposals()
		if err != nil {
			return err
		}

		head := lipgloss.NewStyle().Bold(true)
		fmt.Println(head.Render("progress"))
		fmt.Printf("  cycles=%d successes=%d failures=%d skipped=%d\n",
			progress.TotalCycles, progress.TotalSuccesses, progress.TotalFailures, progress.TotalSkipped)
		if len(progress.Converged) > 0 {
			converged := append([]string(nil), progress.Converged...)
			sort.Strings(converged)
			fmt.Println("  converged areas:")
			for _, dir := range converged {
				fmt.Println("    -", dir)
			}
		}

		counts := map[core.BacklogStatus]int{}
		for _, item := range backlog {
			counts[item.Status]++
		}
		fmt.Println(head.Render("backlog"))
		fmt.Printf("  pending=%d in_progress=%d completed=%d stale=%d\n",
			counts[core.BacklogPending], counts[core.BacklogInProgress],
			counts[core.BacklogCompleted], counts[core.BacklogStale])
		fmt.Println(head.Render("proposals"))
		fmt.Printf("  pending=%d\n", len(proposals))

		if len(history) > 0 {
			fmt.Println(head.Render("recent cycles"))
			for _, rec := range history {
				fmt.Println("  " + rec.StatusLine())
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
