package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklogTransition_LegalPath(t *testing.T) {
	item := BacklogItem{ID: "a", Status: BacklogPending}

	require.NoError(t, item.Transition(BacklogInProgress, 1))
	assert.Equal(t, BacklogInProgress, item.Status)

	require.NoError(t, item.Transition(BacklogCompleted, 1))
	assert.Equal(t, BacklogCompleted, item.Status)
	assert.Equal(t, 1, item.LastStatusCycle)
}

func TestBacklogTransition_BackToPending(t *testing.T) {
	item := BacklogItem{ID: "a", Status: BacklogInProgress}
	require.NoError(t, item.Transition(BacklogPending, 2))
	assert.Equal(t, BacklogPending, item.Status)
}

func TestBacklogTransition_Illegal(t *testing.T) {
	cases := []struct {
		name string
		from BacklogStatus
		to   BacklogStatus
	}{
		{"pending to completed", BacklogPending, BacklogCompleted},
		{"completed to pending", BacklogCompleted, BacklogPending},
		{"completed to in_progress", BacklogCompleted, BacklogInProgress},
		{"stale to in_progress", BacklogStale, BacklogInProgress},
		{"in_progress to stale", BacklogInProgress, BacklogStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := BacklogItem{ID: "a", Status: tc.from}
			err := item.Transition(tc.to, 1)
			require.Error(t, err)
			assert.Equal(t, tc.from, item.Status)
		})
	}
}

func TestBacklogRecordFailure_StaleAfterThree(t *testing.T) {
	item := BacklogItem{ID: "a", Status: BacklogPending}

	for i := 1; i <= MaxAttempts; i++ {
		require.NoError(t, item.Transition(BacklogInProgress, i))
		require.NoError(t, item.RecordFailure(i))
	}
	assert.Equal(t, BacklogStale, item.Status)
	assert.Equal(t, MaxAttempts, item.Attempts)
}

func TestBacklogRecordFailure_StaysPendingBeforeCap(t *testing.T) {
	item := BacklogItem{ID: "a", Status: BacklogInProgress}
	require.NoError(t, item.RecordFailure(1))
	assert.Equal(t, BacklogPending, item.Status)
}

func TestBacklogPrunable(t *testing.T) {
	item := BacklogItem{Status: BacklogCompleted, LastStatusCycle: 10}

	assert.False(t, item.Prunable(10+PruneAfterCycles))
	assert.True(t, item.Prunable(10+PruneAfterCycles+1))

	pending := BacklogItem{Status: BacklogPending, LastStatusCycle: 0}
	assert.False(t, pending.Prunable(1000))
}
