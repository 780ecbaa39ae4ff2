package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/core"
)

func newTestState(t *testing.T) *ProjectState {
	t.Helper()
	ps, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ps.InitProject())
	return ps
}

func TestInitProject_Idempotent(t *testing.T) {
	dir := t.TempDir()
	ps, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, ps.InitProject())
	require.True(t, ps.Initialized())

	// Mutate identity, re-init, and confirm nothing is overwritten.
	require.NoError(t, ps.WriteIdentity("# Identity\n\ncustomized\n"))
	require.NoError(t, ps.InitProject())

	identity, err := ps.ReadIdentity()
	require.NoError(t, err)
	assert.Contains(t, identity.Raw, "customized")

	// .gitignore gains the entry exactly once.
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), DirName+"/"))
}

func TestProgressRoundTrip(t *testing.T) {
	ps := newTestState(t)

	progress, err := ps.ReadProgress()
	require.NoError(t, err)
	assert.Equal(t, 0, progress.TotalCycles)

	progress.TotalCycles = 7
	progress.PersonaStats("x").Successes = 3
	require.NoError(t, ps.WriteProgress(progress))

	loaded, err := ps.ReadProgress()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.TotalCycles)
	assert.Equal(t, 3, loaded.Personas["x"].Successes)
}

func TestReadProgress_CorruptRaises(t *testing.T) {
	ps := newTestState(t)
	require.NoError(t, os.WriteFile(ps.ProgressPath(), []byte("{not json"), 0o600))

	_, err := ps.ReadProgress()
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestBacklogAbsentMeansEmpty(t *testing.T) {
	ps := newTestState(t)
	items, err := ps.LoadBacklog()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBacklogRoundTrip(t *testing.T) {
	ps := newTestState(t)
	items := []core.BacklogItem{
		{ID: "a1", Title: "Fix flake", Status: core.BacklogPending, CreatedCycle: 1},
	}
	require.NoError(t, ps.SaveBacklog(items))

	loaded, err := ps.LoadBacklog()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "Fix flake", loaded[0].Title)
}

func TestProposalLifecycle(t *testing.T) {
	ps := newTestState(t)

	first, err := ps.CreateProposal("Add Retry Logic", "# Add Retry Logic\n\nbody\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "001-"))
	assert.True(t, strings.HasSuffix(first, "-add-retry-logic.md"))

	second, err := ps.CreateProposal("Another Idea", "# Another Idea\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(second, "002-"))

	proposals, err := ps.ListProposals()
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, first, proposals[0].Filename)

	require.NoError(t, ps.MarkProposalDone(first))
	proposals, err = ps.ListProposals()
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	// Ordinals keep counting past archived proposals.
	third, err := ps.CreateProposal("Third", "# Third\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(third, "003-"))
}

func TestStimulusConsumeMovesToProcessed(t *testing.T) {
	ps := newTestState(t)
	require.NoError(t, ps.CreateStimulus("Try Harder", "push on tests"))

	names, err := ps.ListStimuli()
	require.NoError(t, err)
	require.Len(t, names, 1)

	body, err := ps.ReadStimulus(names[0])
	require.NoError(t, err)
	assert.Equal(t, "push on tests", body)

	require.NoError(t, ps.ConsumeStimulus(names[0]))

	names, err = ps.ListStimuli()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = os.Stat(filepath.Join(ps.StimuliProcessedDir(), "try-harder.md"))
	assert.NoError(t, err, "consumed stimulus should move to .processed/")
}

func TestDecisionConsumeDeletes(t *testing.T) {
	ps := newTestState(t)
	path := filepath.Join(ps.DecisionsDir(), "focus.md")
	require.NoError(t, os.WriteFile(path, []byte("only touch docs"), 0o600))

	names, err := ps.ListDecisions()
	require.NoError(t, err)
	require.Len(t, names, 1)

	require.NoError(t, ps.ConsumeDecision("focus.md"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCautiousResumeTokenRoundTrip(t *testing.T) {
	ps := newTestState(t)

	token, err := ps.ReadCautiousResume()
	require.NoError(t, err)
	assert.Nil(t, token)

	require.NoError(t, ps.WriteCautiousResume(&CautiousResume{
		CycleNumber:      4,
		PlanArtifactPath: ps.PhaseArtifactPath(core.PhasePlan),
		PersonaID:        "maintainer",
	}))

	token, err = ps.ReadCautiousResume()
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, 4, token.CycleNumber)

	require.NoError(t, ps.ClearCautiousResume())
	require.NoError(t, ps.ClearCautiousResume(), "clearing twice is fine")

	token, err = ps.ReadCautiousResume()
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestScoutCacheDedupes(t *testing.T) {
	ps := newTestState(t)
	key := core.ScoutKey{SourceURL: "https://example.com/a", Title: "A"}

	require.NoError(t, ps.UpdateScoutCache([]core.ScoutKey{key}))
	require.NoError(t, ps.UpdateScoutCache([]core.ScoutKey{key}))

	keys, err := ps.ReadScoutCache()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPhaseArtifactRoundTrip(t *testing.T) {
	ps := newTestState(t)

	empty, err := ps.ReadPhaseArtifact(core.PhaseObserve)
	require.NoError(t, err)
	assert.Empty(t, empty)

	path, err := ps.WritePhaseArtifact(core.PhaseObserve, "notes")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ps.Dir(), "observe.txt"), path)

	got, err := ps.ReadPhaseArtifact(core.PhaseObserve)
	require.NoError(t, err)
	assert.Equal(t, "notes", got)
}

func TestDynamicMutationsRoundTrip(t *testing.T) {
	ps := newTestState(t)
	muts := []core.Mutation{{
		ID: "night-owl", Kind: core.MutationPersona, Name: "Night Owl",
		Dynamic: true, CreatedCycle: 2, TTLCycles: 15,
	}}
	require.NoError(t, ps.WriteDynamicPersonas(muts))

	loaded, err := ps.ReadDynamicPersonas()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "night-owl", loaded[0].ID)
}
