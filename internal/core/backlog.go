package core

import "fmt"

// BacklogStatus is the lifecycle state of a backlog item.
type BacklogStatus string

const (
	BacklogPending    BacklogStatus = "pending"
	BacklogInProgress BacklogStatus = "in_progress"
	BacklogCompleted  BacklogStatus = "completed"
	BacklogStale      BacklogStatus = "stale"
)

// BacklogCategory classifies the kind of improvement.
type BacklogCategory string

const (
	CategoryTestCoverage BacklogCategory = "test-coverage"
	CategoryBug          BacklogCategory = "bug"
	CategoryRefactor     BacklogCategory = "refactor"
	CategoryProposal     BacklogCategory = "proposal"
	CategoryEcosystem    BacklogCategory = "ecosystem"
)

// Priority orders backlog items for selection.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// MaxAttempts is the failure count after which a pending item goes stale.
const MaxAttempts = 3

// PruneAfterCycles is how long completed/stale items linger before pruning.
const PruneAfterCycles = 20

// BacklogItem is one improvement tracked across cycles. Items are created
// by the observe phase, transitioned by the orchestrator, and removed only
// by pruning.
type BacklogItem struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Category         BacklogCategory `json:"category"`
	Priority         Priority        `json:"priority"`
	Status           BacklogStatus   `json:"status"`
	Attempts         int             `json:"attempts"`
	Files            []string        `json:"files,omitempty"`
	CreatedCycle     int             `json:"created_cycle"`
	LastAttemptCycle int             `json:"last_attempt_cycle,omitempty"`
	LastStatusCycle  int             `json:"last_status_cycle,omitempty"`
}

// legalTransitions encodes the only permitted status moves:
// pending -> in_progress -> {completed | pending}, pending -> stale.
var legalTransitions = map[BacklogStatus][]BacklogStatus{
	BacklogPending:    {BacklogInProgress, BacklogStale},
	BacklogInProgress: {BacklogCompleted, BacklogPending},
}

// Transition moves the item to next, enforcing the state machine.
// The cycle is recorded so pruning can age out terminal items.
func (b *BacklogItem) Transition(next BacklogStatus, cycle int) error {
	for _, allowed := range legalTransitions[b.Status] {
		if allowed == next {
			b.Status = next
			b.LastStatusCycle = cycle
			return nil
		}
	}
	return ErrState("ILLEGAL_TRANSITION",
		fmt.Sprintf("backlog item %s: %s -> %s not permitted", b.ID, b.Status, next))
}

// RecordFailure returns the item to pending, or to stale once attempts
// reach the cap.
func (b *BacklogItem) RecordFailure(cycle int) error {
	b.Attempts++
	b.LastAttemptCycle = cycle
	if err := b.Transition(BacklogPending, cycle); err != nil {
		return err
	}
	if b.Attempts >= MaxAttempts {
		return b.Transition(BacklogStale, cycle)
	}
	return nil
}

// Prunable reports whether a terminal item has aged past the retention
// window at the given cycle.
func (b *BacklogItem) Prunable(currentCycle int) bool {
	if b.Status != BacklogCompleted && b.Status != BacklogStale {
		return false
	}
	return currentCycle-b.LastStatusCycle > PruneAfterCycles
}
