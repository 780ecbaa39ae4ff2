package orchestrator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
	"github.com/noory-code/evonest/internal/scheduler"
	"github.com/noory-code/evonest/internal/state"
)

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *state.ProjectState) {
	t.Helper()
	ps, err := state.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ps.InitProject())

	cfg, err := config.NewLoader(ps).Load()
	require.NoError(t, err)

	orch := New(ps, cfg, nil, nil, nil, logging.NewNop(), opts)
	return orch, ps
}

func TestPickProposal_PriorityThenOldest(t *testing.T) {
	orch, ps := newTestOrchestrator(t, Options{})

	low1, err := ps.CreateProposal("Low One", "# Low One\n\nPriority: low\n")
	require.NoError(t, err)
	high1, err := ps.CreateProposal("High One", "# High One\n\nPriority: high\n")
	require.NoError(t, err)
	_, err = ps.CreateProposal("High Two", "# High Two\n\nPriority: high\n")
	require.NoError(t, err)

	picked, err := orch.pickProposal()
	require.NoError(t, err)
	assert.Equal(t, high1, picked, "highest priority, then oldest ordinal")

	require.NoError(t, ps.MarkProposalDone(high1))
	_ = low1
}

func TestPickProposal_ByID(t *testing.T) {
	orch, ps := newTestOrchestrator(t, Options{})
	name, err := ps.CreateProposal("Target", "# Target\n")
	require.NoError(t, err)

	orch.opts.ProposalID = name
	picked, err := orch.pickProposal()
	require.NoError(t, err)
	assert.Equal(t, name, picked)

	orch.opts.ProposalID = "does-not-exist"
	picked, err = orch.pickProposal()
	require.NoError(t, err)
	assert.Empty(t, picked)
}

func TestPickProposal_Empty(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})
	picked, err := orch.pickProposal()
	require.NoError(t, err)
	assert.Empty(t, picked)
}

func TestResume_NothingToResume(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})

	_, err := orch.Resume(context.Background())
	require.Error(t, err)

	var domErr *core.DomainError
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, core.CodeNothingToResume, domErr.Code)
}

func TestResume_ReleasesLock(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})

	_, err := orch.Resume(context.Background())
	require.Error(t, err)

	// The lock must be free again after the failed resume: a second
	// attempt reports nothing-to-resume, not lock-held.
	_, err = orch.Resume(context.Background())
	require.Error(t, err)
	assert.False(t, core.IsCategory(err, core.ErrCatLock))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func selectionFor(id string) scheduler.Selection {
	return scheduler.Selection{Persona: core.Mutation{
		ID:   id,
		Kind: core.MutationPersona,
		Name: id,
	}}
}

func TestBuildCycleContext_ConsumesStimuliAndDecisions(t *testing.T) {
	orch, ps := newTestOrchestrator(t, Options{})

	require.NoError(t, ps.CreateStimulus("Nudge", "look at the cache layer"))
	decisionPath := ps.DecisionsDir() + "/only-docs.md"
	require.NoError(t, writeFile(decisionPath, "only touch docs this cycle"))

	identity, err := ps.ReadIdentity()
	require.NoError(t, err)
	progress := core.NewProgressState()

	cc, err := orch.buildCycleContext(1, identity, selectionFor("maintainer"), progress)
	require.NoError(t, err)

	assert.Equal(t, []string{"look at the cache layer"}, cc.Stimuli)
	assert.Equal(t, []string{"only touch docs this cycle"}, cc.Decisions)

	// Both are consumed: stimuli moved, decisions deleted.
	stimuli, err := ps.ListStimuli()
	require.NoError(t, err)
	assert.Empty(t, stimuli)
	decisions, err := ps.ListDecisions()
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestStartupConsistencyCheck_RepairsCounters(t *testing.T) {
	orch, ps := newTestOrchestrator(t, Options{})

	require.NoError(t, ps.AppendHistory(&core.CycleRecord{CycleNumber: 1, Outcome: core.OutcomeSuccess}))
	require.NoError(t, ps.AppendHistory(&core.CycleRecord{CycleNumber: 2, Outcome: core.OutcomeFailure}))
	require.NoError(t, ps.AppendHistory(&core.CycleRecord{CycleNumber: 3, Outcome: core.OutcomeSkipped}))

	drifted := core.NewProgressState()
	drifted.TotalCycles = 99
	require.NoError(t, ps.WriteProgress(drifted))

	require.NoError(t, orch.startupConsistencyCheck())

	progress, err := ps.ReadProgress()
	require.NoError(t, err)
	assert.Equal(t, 3, progress.TotalCycles)
	assert.Equal(t, 1, progress.TotalSuccesses)
	assert.Equal(t, 1, progress.TotalFailures)
	assert.Equal(t, 1, progress.TotalSkipped)
}
