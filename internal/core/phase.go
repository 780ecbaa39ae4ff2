package core

import "time"

// Phase represents a stage in the evolution cycle.
type Phase string

const (
	// PhaseMetaObserve is the periodic gate that reflects on the engine's
	// own strategy: it may add dynamic mutations and emit advice.
	PhaseMetaObserve Phase = "meta-observe"

	// PhaseScout is the periodic gate that searches external sources for
	// ecosystem findings and injects relevant ones as stimuli.
	PhaseScout Phase = "scout"

	// PhaseObserve inspects the project and proposes improvements.
	PhaseObserve Phase = "observe"

	// PhasePlan selects exactly one backlog item and produces a plan.
	PhasePlan Phase = "plan"

	// PhaseExecute applies the plan to the working tree.
	PhaseExecute Phase = "execute"

	// PhaseVerify runs the build/test gate and commits or reverts.
	PhaseVerify Phase = "verify"
)

// CyclePhases returns the phases of a full evolve cycle in execution order.
// Gate phases are not part of every cycle and are excluded.
func CyclePhases() []Phase {
	return []Phase{PhaseObserve, PhasePlan, PhaseExecute, PhaseVerify}
}

// IsGate reports whether the phase only fires on a periodic schedule.
func IsGate(p Phase) bool {
	return p == PhaseMetaObserve || p == PhaseScout
}

// PhaseStatus is the outcome of a single phase within a cycle.
type PhaseStatus string

const (
	PhaseStatusOK      PhaseStatus = "ok"
	PhaseStatusFailed  PhaseStatus = "failed"
	PhaseStatusSkipped PhaseStatus = "skipped"
)

// PhaseResult captures what a phase produced.
type PhaseResult struct {
	Phase        Phase       `json:"phase"`
	Status       PhaseStatus `json:"status"`
	DurationMS   int64       `json:"duration_ms"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
	TurnsUsed    int         `json:"turns_used,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// NewPhaseResult builds a result for a phase that ran for the given duration.
func NewPhaseResult(phase Phase, status PhaseStatus, d time.Duration) PhaseResult {
	return PhaseResult{Phase: phase, Status: status, DurationMS: d.Milliseconds()}
}
