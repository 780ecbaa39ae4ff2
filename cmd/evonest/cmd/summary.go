package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/noory-code/evonest/internal/orchestrator"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// printSummary renders the run-level report: per-cycle status lines and
// the succeeded-of-attempted total.
func printSummary(summary *orchestrator.RunSummary) {
	if summary == nil {
		return
	}
	for _, line := range summary.Lines {
		fmt.Println(dimStyle.Render(line))
	}
	if summary.Paused {
		fmt.Println(summaryTitle.Render("paused after plan; review .evonest/plan.txt and run `evonest resume`"))
		return
	}
	counts := fmt.Sprintf("%d of %d cycles succeeded", summary.Succeeded, summary.Attempted)
	if summary.Failed > 0 {
		counts = failStyle.Render(counts)
	} else {
		counts = okStyle.Render(counts)
	}
	fmt.Println(summaryTitle.Render("run: ") + counts)
}
