package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/fsutil"
)

// HistoryStore persists the append-only cycle history. The default
// backend is one JSON file per cycle under history/; a sqlite archive is
// available for projects with long histories.
type HistoryStore interface {
	Append(record *core.CycleRecord) error
	Read(limit int) ([]core.CycleRecord, error)
	LastCycle() (int, error)
	Close() error
}

// JSONHistoryStore stores each cycle as history/cycle-NNNN.json.
type JSONHistoryStore struct {
	dir string
}

// NewJSONHistoryStore creates a JSON history store rooted at dir.
func NewJSONHistoryStore(dir string) *JSONHistoryStore {
	return &JSONHistoryStore{dir: dir}
}

func (s *JSONHistoryStore) recordPath(cycle int) string {
	return filepath.Join(s.dir, fmt.Sprintf("cycle-%04d.json", cycle))
}

// Append writes the record for its cycle number. History is totally
// ordered by cycle number; re-appending the same cycle overwrites, which
// keeps crash-retry idempotent.
func (s *JSONHistoryStore) Append(record *core.CycleRecord) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cycle record: %w", err)
	}
	return atomicWriteFile(s.recordPath(record.CycleNumber), data, 0o600)
}

// Read returns up to limit most recent records, oldest first.
// limit <= 0 returns everything.
func (s *JSONHistoryStore) Read(limit int) ([]core.CycleRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "cycle-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	records := make([]core.CycleRecord, 0, len(names))
	for _, name := range names {
		data, err := fsutil.ReadFileScoped(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		var rec core.CycleRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, core.ErrStateCorrupt(filepath.Join(s.dir, name), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LastCycle returns the highest recorded cycle number, 0 when empty.
func (s *JSONHistoryStore) LastCycle() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "cycle-%d.json", &n); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

// Close is a no-op for the JSON backend.
func (s *JSONHistoryStore) Close() error { return nil }
