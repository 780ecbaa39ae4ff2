package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/core"
)

func record(cycle int, outcome core.CycleOutcome) *core.CycleRecord {
	return &core.CycleRecord{
		CycleNumber: cycle,
		StartedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
		PersonaID:   "maintainer",
		Outcome:     outcome,
	}
}

func TestJSONHistoryStore(t *testing.T) {
	store := NewJSONHistoryStore(filepath.Join(t.TempDir(), "history"))

	last, err := store.LastCycle()
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	require.NoError(t, store.Append(record(1, core.OutcomeSuccess)))
	require.NoError(t, store.Append(record(2, core.OutcomeFailure)))
	require.NoError(t, store.Append(record(3, core.OutcomeSkipped)))

	last, err = store.LastCycle()
	require.NoError(t, err)
	assert.Equal(t, 3, last)

	all, err := store.Read(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].CycleNumber, "oldest first")

	tail, err := store.Read(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 2, tail[0].CycleNumber)
}

func TestJSONHistoryStore_ReappendOverwrites(t *testing.T) {
	store := NewJSONHistoryStore(filepath.Join(t.TempDir(), "history"))
	require.NoError(t, store.Append(record(1, core.OutcomeFailure)))
	require.NoError(t, store.Append(record(1, core.OutcomeSuccess)))

	all, err := store.Read(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, core.OutcomeSuccess, all[0].Outcome)
}

func TestSQLiteHistoryStore(t *testing.T) {
	store, err := NewSQLiteHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(record(1, core.OutcomeSuccess)))
	rec2 := record(2, core.OutcomeFailure)
	rec2.CommitSHA = "abc1234"
	require.NoError(t, store.Append(rec2))

	last, err := store.LastCycle()
	require.NoError(t, err)
	assert.Equal(t, 2, last)

	all, err := store.Read(0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].CycleNumber, "oldest first")
	assert.Equal(t, "abc1234", all[1].CommitSHA)

	one, err := store.Read(1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 2, one[0].CycleNumber)
}

func TestHistoryOrderingTotalByCycleNumber(t *testing.T) {
	ps := newTestState(t)
	for i := 1; i <= 12; i++ {
		require.NoError(t, ps.AppendHistory(record(i, core.OutcomeSuccess)))
	}
	all, err := ps.ReadHistory(0)
	require.NoError(t, err)
	require.Len(t, all, 12)
	for i, rec := range all {
		assert.Equal(t, i+1, rec.CycleNumber)
	}
}
