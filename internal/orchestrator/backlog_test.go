package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/phases"
)

func TestMergeImprovements_AddsAndDedupes(t *testing.T) {
	root := "/p"
	backlog := []core.BacklogItem{{
		ID: "x1", Title: "Fix the parser", Status: core.BacklogPending,
		Files: []string{"src/parser/lex.go"},
	}}

	improvements := []phases.ImprovementEnvelope{
		// Exact duplicate (normalized) in the same area.
		{Title: "  fix THE parser ", Description: "d", Files: []string{"src/parser/lex.go"}},
		// Same title, different area: kept.
		{Title: "Fix the parser", Description: "d", Files: []string{"src/web/handler.go"}},
		// Genuinely new.
		{Title: "Add coverage for retries", Description: "d", Category: "test-coverage", Priority: "high"},
	}

	merged, added := mergeImprovements(backlog, improvements, root, 3)
	assert.Equal(t, 2, added)
	require.Len(t, merged, 3)

	last := merged[2]
	assert.Equal(t, core.CategoryTestCoverage, last.Category)
	assert.Equal(t, core.PriorityHigh, last.Priority)
	assert.Equal(t, core.BacklogPending, last.Status)
	assert.Equal(t, 3, last.CreatedCycle)
	assert.NotEmpty(t, last.ID)
}

func TestMergeImprovements_DefaultsForUnknownEnums(t *testing.T) {
	merged, added := mergeImprovements(nil, []phases.ImprovementEnvelope{
		{Title: "T", Description: "d", Category: "mystery", Priority: "urgent"},
	}, "/p", 1)
	require.Equal(t, 1, added)
	assert.Equal(t, core.CategoryRefactor, merged[0].Category)
	assert.Equal(t, core.PriorityMedium, merged[0].Priority)
}

func TestPruneBacklog(t *testing.T) {
	backlog := []core.BacklogItem{
		{ID: "keep-pending", Status: core.BacklogPending, LastStatusCycle: 1},
		{ID: "prune-done", Status: core.BacklogCompleted, LastStatusCycle: 1},
		{ID: "keep-done", Status: core.BacklogCompleted, LastStatusCycle: 20},
		{ID: "prune-stale", Status: core.BacklogStale, LastStatusCycle: 1},
	}
	kept, pruned := pruneBacklog(backlog, 30)
	assert.Equal(t, 2, pruned)
	require.Len(t, kept, 2)
	assert.Equal(t, "keep-pending", kept[0].ID)
	assert.Equal(t, "keep-done", kept[1].ID)
}

func TestIsStopDirective(t *testing.T) {
	assert.True(t, isStopDirective("stop"))
	assert.True(t, isStopDirective("\n\nSTOP\n"))
	assert.True(t, isStopDirective("# heading skipped\nstop\n"))
	assert.False(t, isStopDirective("please stop being slow"))
	assert.False(t, isStopDirective("focus on tests"))
	assert.False(t, isStopDirective(""))
}

func TestProposalPriorityParsing(t *testing.T) {
	assert.Equal(t, core.PriorityHigh, proposalPriority("# T\n\nPriority: high\n\nbody"))
	assert.Equal(t, core.PriorityLow, proposalPriority("Priority: LOW\n"))
	assert.Equal(t, core.PriorityMedium, proposalPriority("no priority line"))
}

func TestProposalTitleFromBody(t *testing.T) {
	assert.Equal(t, "Big Idea", proposalTitleFromBody("# Big Idea\n\nbody", "001-x.md"))
	assert.Equal(t, "001-x", proposalTitleFromBody("no heading", "001-x.md"))
}

func TestSummaryErr(t *testing.T) {
	clean := &RunSummary{Attempted: 2, Succeeded: 2}
	assert.NoError(t, clean.Err())

	failed := &RunSummary{Attempted: 2, Failed: 1, VerifyFailed: true}
	err := failed.Err()
	require.Error(t, err)
	assert.Equal(t, 4, core.ExitCode(err))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(core.ErrLockHeld("x")))
	assert.True(t, isFatal(core.ErrStateCorrupt("f", nil)))
	assert.True(t, isFatal(core.ErrGit(core.CodeRevertFailed, "x")))
	assert.False(t, isFatal(core.ErrVerifyFail("test", "x")))
	assert.False(t, isFatal(core.ErrLM("Y", "x")))
	assert.False(t, isFatal(core.ErrTimeout("x")))
}
