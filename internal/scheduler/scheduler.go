// Package scheduler picks the mutation for each cycle by weighted random
// selection and learns from outcomes by recomputing weights.
package scheduler

import (
	"math/rand"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
)

// Weight update coefficients. Applied to every mutation after every
// cycle so the recency bonus stays consistent.
const (
	successCoeff = 0.5
	failureCoeff = 0.3
	recencyBonus = 0.3
	// recencyAfter is the unused-cycle span that earns the bonus.
	recencyAfter = 3
)

// Scheduler selects mutations and maintains their weights.
type Scheduler struct {
	rng    *rand.Rand
	logger *logging.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand injects a seeded source (tests use this for determinism).
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		rng:    rand.New(rand.NewSource(rand.Int63())),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Selection is the mutation pair chosen for one cycle.
type Selection struct {
	Persona     core.Mutation
	Adversarial *core.Mutation
}

// SelectPersona picks one enabled persona by weighted random: probability
// proportional to weight (as recorded in progress, falling back to the
// mutation's own weight).
func (s *Scheduler) SelectPersona(personas []core.Mutation, progress *core.ProgressState) (core.Mutation, error) {
	if len(personas) == 0 {
		return core.Mutation{}, core.ErrState(core.CodeNoMutations, "no mutations available: all personas disabled")
	}
	idx := s.weightedIndex(personas, progress, true)
	return personas[idx], nil
}

// RollAdversarial samples an adversarial with the given probability.
// Returns nil when the roll misses or no adversarials are enabled.
// The roll is orthogonal to persona selection and fires even during a
// deterministic all-personas sweep.
func (s *Scheduler) RollAdversarial(adversarials []core.Mutation, progress *core.ProgressState, probability float64) *core.Mutation {
	if len(adversarials) == 0 || s.rng.Float64() >= probability {
		return nil
	}
	idx := s.weightedIndex(adversarials, progress, false)
	adv := adversarials[idx]
	return &adv
}

// weightedIndex picks an index with probability proportional to weight.
func (s *Scheduler) weightedIndex(muts []core.Mutation, progress *core.ProgressState, persona bool) int {
	total := 0.0
	weights := make([]float64, len(muts))
	for i, m := range muts {
		w := s.effectiveWeight(m, progress, persona)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return s.rng.Intn(len(muts))
	}
	target := s.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target < acc {
			return i
		}
	}
	return len(muts) - 1
}

func (s *Scheduler) effectiveWeight(m core.Mutation, progress *core.ProgressState, persona bool) float64 {
	if progress != nil {
		var stats *core.MutationStats
		var ok bool
		if persona {
			stats, ok = progress.Personas[m.ID]
		} else {
			stats, ok = progress.Adversarials[m.ID]
		}
		if ok && stats.Weight > 0 {
			return core.ClampWeight(stats.Weight)
		}
	}
	if m.Weight > 0 {
		return core.ClampWeight(m.Weight)
	}
	return core.WeightNeutral
}

// ComputeWeight applies the learning formula for one mutation's stats at
// the given cycle:
//
//	success_rate = successes / max(uses, 1)
//	failure_rate = failures / max(uses, 1)
//	recency      = 0.3 if (cycle - last_used) >= 3 else 0
//	weight       = clamp(0.2, 3.0, 1.0 + 0.5*sr - 0.3*fr + recency)
func ComputeWeight(stats *core.MutationStats, currentCycle int) float64 {
	uses := stats.Uses
	if uses < 1 {
		uses = 1
	}
	successRate := float64(stats.Successes) / float64(uses)
	failureRate := float64(stats.Failures) / float64(uses)
	bonus := 0.0
	if currentCycle-stats.LastUsedCycle >= recencyAfter {
		bonus = recencyBonus
	}
	return core.ClampWeight(core.WeightNeutral + successCoeff*successRate - failureCoeff*failureRate + bonus)
}

// RecomputeWeights refreshes every persona and adversarial weight in
// progress. Runs after every cycle, for every mutation, so the recency
// bonus appears and disappears on schedule.
func RecomputeWeights(progress *core.ProgressState, currentCycle int) {
	for _, stats := range progress.Personas {
		stats.Weight = ComputeWeight(stats, currentCycle)
	}
	for _, stats := range progress.Adversarials {
		stats.Weight = ComputeWeight(stats, currentCycle)
	}
}

// RecordOutcome updates the selected mutations' statistics for a
// finished cycle. Skipped cycles count a use without success or failure.
func RecordOutcome(progress *core.ProgressState, sel Selection, outcome core.CycleOutcome, cycle int) {
	apply := func(stats *core.MutationStats) {
		stats.Uses++
		stats.LastUsedCycle = cycle
		switch outcome {
		case core.OutcomeSuccess:
			stats.Successes++
		case core.OutcomeFailure, core.OutcomeAborted:
			stats.Failures++
		}
	}
	apply(progress.PersonaStats(sel.Persona.ID))
	if sel.Adversarial != nil {
		apply(progress.AdversarialStats(sel.Adversarial.ID))
	}
}
