package scheduler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/core"
)

func seeded(seed int64) *Scheduler {
	return New(WithRand(rand.New(rand.NewSource(seed))))
}

func TestComputeWeight_SpecScenario(t *testing.T) {
	// Persona X: 3/3 successes, last used cycle 1, current cycle 5.
	x := &core.MutationStats{Uses: 3, Successes: 3, Failures: 0, LastUsedCycle: 1}
	assert.InDelta(t, 1.80, ComputeWeight(x, 5), 1e-9)

	// Persona Y: 0/3 successes.
	y := &core.MutationStats{Uses: 3, Successes: 0, Failures: 3, LastUsedCycle: 1}
	assert.InDelta(t, 1.00, ComputeWeight(y, 5), 1e-9)
}

func TestComputeWeight_RecencyBoundary(t *testing.T) {
	s := &core.MutationStats{Uses: 1, LastUsedCycle: 5}
	// Exactly 3 cycles unused earns the bonus (>= 3, not > 3).
	assert.InDelta(t, 1.3, ComputeWeight(s, 8), 1e-9)
	assert.InDelta(t, 1.0, ComputeWeight(s, 7), 1e-9)
}

func TestComputeWeight_ZeroUses(t *testing.T) {
	s := &core.MutationStats{LastUsedCycle: 0}
	// max(uses, 1) guards the division; a never-used mutation at cycle 3
	// gets the neutral weight plus recency.
	assert.InDelta(t, 1.3, ComputeWeight(s, 3), 1e-9)
}

func TestComputeWeight_Clamped(t *testing.T) {
	over := &core.MutationStats{Uses: 1, Successes: 1, LastUsedCycle: 0}
	w := ComputeWeight(over, 100)
	assert.LessOrEqual(t, w, core.WeightMax)
	assert.GreaterOrEqual(t, w, core.WeightMin)
}

func TestRecomputeWeights_AllMutationsEveryCycle(t *testing.T) {
	progress := core.NewProgressState()
	progress.PersonaStats("ran").Uses = 1
	progress.PersonaStats("ran").LastUsedCycle = 10
	progress.PersonaStats("idle").Uses = 1
	progress.PersonaStats("idle").LastUsedCycle = 1
	progress.AdversarialStats("adv").Uses = 2
	progress.AdversarialStats("adv").LastUsedCycle = 1

	RecomputeWeights(progress, 10)

	assert.InDelta(t, 1.0, progress.Personas["ran"].Weight, 1e-9)
	assert.InDelta(t, 1.3, progress.Personas["idle"].Weight, 1e-9, "idle persona earns recency bonus")
	assert.InDelta(t, 1.3, progress.Adversarials["adv"].Weight, 1e-9)

	for _, stats := range progress.Personas {
		assert.GreaterOrEqual(t, stats.Weight, core.WeightMin)
		assert.LessOrEqual(t, stats.Weight, core.WeightMax)
	}
}

func personas(ids ...string) []core.Mutation {
	out := make([]core.Mutation, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.Mutation{ID: id, Kind: core.MutationPersona, Enabled: true, Weight: 1})
	}
	return out
}

func TestSelectPersona_Empty(t *testing.T) {
	_, err := seeded(1).SelectPersona(nil, core.NewProgressState())
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestSelectPersona_WeightsBias(t *testing.T) {
	s := seeded(42)
	progress := core.NewProgressState()
	progress.PersonaStats("heavy").Weight = 3.0
	progress.PersonaStats("light").Weight = 0.2

	counts := map[string]int{}
	muts := personas("heavy", "light")
	for i := 0; i < 2000; i++ {
		m, err := s.SelectPersona(muts, progress)
		require.NoError(t, err)
		counts[m.ID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"]*5,
		"3.0-weight persona should dominate a 0.2-weight one")
	assert.Greater(t, counts["light"], 0, "low weight still gets sampled")
}

func TestRollAdversarial_Probability(t *testing.T) {
	muts := []core.Mutation{{ID: "adv", Kind: core.MutationAdversarial, Enabled: true, Weight: 1}}
	progress := core.NewProgressState()

	never := seeded(7)
	for i := 0; i < 100; i++ {
		assert.Nil(t, never.RollAdversarial(muts, progress, 0.0))
	}

	always := seeded(7)
	for i := 0; i < 100; i++ {
		require.NotNil(t, always.RollAdversarial(muts, progress, 1.0))
	}

	assert.Nil(t, seeded(7).RollAdversarial(nil, progress, 1.0), "no adversarials, no roll")
}

func TestRecordOutcome(t *testing.T) {
	progress := core.NewProgressState()
	adv := core.Mutation{ID: "adv", Kind: core.MutationAdversarial}
	sel := Selection{
		Persona:     core.Mutation{ID: "p", Kind: core.MutationPersona},
		Adversarial: &adv,
	}

	RecordOutcome(progress, sel, core.OutcomeSuccess, 4)
	RecordOutcome(progress, sel, core.OutcomeFailure, 5)
	RecordOutcome(progress, sel, core.OutcomeSkipped, 6)

	p := progress.Personas["p"]
	assert.Equal(t, 3, p.Uses)
	assert.Equal(t, 1, p.Successes)
	assert.Equal(t, 1, p.Failures)
	assert.Equal(t, 6, p.LastUsedCycle)

	a := progress.Adversarials["adv"]
	assert.Equal(t, 3, a.Uses)
}
