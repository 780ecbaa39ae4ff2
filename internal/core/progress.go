package core

import "time"

// MutationStats is the per-mutation slice of ProgressState.
type MutationStats struct {
	Uses          int     `json:"uses"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	LastUsedCycle int     `json:"last_used_cycle"`
	Weight        float64 `json:"weight"`
}

// AreaWindowSize is the rolling outcome window tracked per directory for
// convergence detection.
const AreaWindowSize = 3

// AreaStats tracks how often a directory was touched and how the last
// few touches went.
type AreaStats struct {
	TouchCount int `json:"touch_count"`
	// LastOutcomes is a rolling window (oldest first) of whether each of
	// the last touches produced a clean commit.
	LastOutcomes []bool `json:"last_outcomes,omitempty"`
}

// RecordTouch appends an outcome to the rolling window.
func (a *AreaStats) RecordTouch(committed bool) {
	a.TouchCount++
	a.LastOutcomes = append(a.LastOutcomes, committed)
	if len(a.LastOutcomes) > AreaWindowSize {
		a.LastOutcomes = a.LastOutcomes[len(a.LastOutcomes)-AreaWindowSize:]
	}
}

// Converged reports whether the area has been touched at least
// AreaWindowSize times with none of the last touches committing cleanly.
func (a *AreaStats) Converged() bool {
	if a.TouchCount < AreaWindowSize || len(a.LastOutcomes) < AreaWindowSize {
		return false
	}
	for _, ok := range a.LastOutcomes {
		if ok {
			return false
		}
	}
	return true
}

// ProgressState is the engine's accumulated learning, persisted in
// progress.json. It is a pure function of history and can be recomputed
// from scratch as a consistency check.
type ProgressState struct {
	Personas     map[string]*MutationStats `json:"personas"`
	Adversarials map[string]*MutationStats `json:"adversarials"`
	Areas        map[string]*AreaStats     `json:"area_touch_counts"`
	Converged    []string                  `json:"converged_areas,omitempty"`

	TotalCycles    int       `json:"total_cycles"`
	TotalSuccesses int       `json:"total_successes"`
	TotalFailures  int       `json:"total_failures"`
	TotalSkipped   int       `json:"total_skipped"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewProgressState returns an empty, fully-initialized progress state.
func NewProgressState() *ProgressState {
	return &ProgressState{
		Personas:     make(map[string]*MutationStats),
		Adversarials: make(map[string]*MutationStats),
		Areas:        make(map[string]*AreaStats),
	}
}

// Normalize backfills nil maps after unmarshaling an older or partial file.
func (p *ProgressState) Normalize() {
	if p.Personas == nil {
		p.Personas = make(map[string]*MutationStats)
	}
	if p.Adversarials == nil {
		p.Adversarials = make(map[string]*MutationStats)
	}
	if p.Areas == nil {
		p.Areas = make(map[string]*AreaStats)
	}
}

// PersonaStats returns the stats bucket for a persona, creating it if absent.
func (p *ProgressState) PersonaStats(id string) *MutationStats {
	s, ok := p.Personas[id]
	if !ok {
		s = &MutationStats{Weight: WeightNeutral}
		p.Personas[id] = s
	}
	return s
}

// AdversarialStats returns the stats bucket for an adversarial, creating
// it if absent.
func (p *ProgressState) AdversarialStats(id string) *MutationStats {
	s, ok := p.Adversarials[id]
	if !ok {
		s = &MutationStats{Weight: WeightNeutral}
		p.Adversarials[id] = s
	}
	return s
}

// AreaStatsFor returns the stats bucket for a directory, creating it if
// absent.
func (p *ProgressState) AreaStatsFor(dir string) *AreaStats {
	a, ok := p.Areas[dir]
	if !ok {
		a = &AreaStats{}
		p.Areas[dir] = a
	}
	return a
}

// RefreshConverged recomputes the converged-area set from area windows.
func (p *ProgressState) RefreshConverged() {
	p.Converged = p.Converged[:0]
	for dir, a := range p.Areas {
		if a.Converged() {
			p.Converged = append(p.Converged, dir)
		}
	}
}

// IsConverged reports whether a directory is currently flagged.
func (p *ProgressState) IsConverged(dir string) bool {
	for _, d := range p.Converged {
		if d == dir {
			return true
		}
	}
	return false
}
