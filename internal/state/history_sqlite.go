package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/noory-code/evonest/internal/core"
)

// SQLiteHistoryStore archives cycle records in a sqlite database. It is
// an opt-in backend (history.backend = "sqlite") for projects whose
// histories outgrow a directory of JSON files; the record schema is the
// same JSON document, stored alongside indexed columns for queries.
type SQLiteHistoryStore struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS cycles (
	cycle_number INTEGER PRIMARY KEY,
	persona_id   TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT NOT NULL,
	commit_sha   TEXT,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome);
CREATE INDEX IF NOT EXISTS idx_cycles_persona ON cycles(persona_id);
`

// NewSQLiteHistoryStore opens (creating if needed) the history database.
func NewSQLiteHistoryStore(path string) (*SQLiteHistoryStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// Single writer: the engine holds the project lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &SQLiteHistoryStore{db: db}, nil
}

// Append inserts or replaces the record for its cycle number.
func (s *SQLiteHistoryStore) Append(record *core.CycleRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling cycle record: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO cycles
			(cycle_number, persona_id, outcome, started_at, ended_at, commit_sha, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.CycleNumber,
		record.PersonaID,
		string(record.Outcome),
		record.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		record.EndedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		record.CommitSHA,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting cycle record: %w", err)
	}
	return nil
}

// Read returns up to limit most recent records, oldest first.
func (s *SQLiteHistoryStore) Read(limit int) ([]core.CycleRecord, error) {
	query := `SELECT record FROM cycles ORDER BY cycle_number DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []core.CycleRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec core.CycleRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, core.ErrStateCorrupt("history.db", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first to match the JSON backend.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// LastCycle returns the highest recorded cycle number, 0 when empty.
func (s *SQLiteHistoryStore) LastCycle() (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(cycle_number) FROM cycles`).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64), nil
}

// Close closes the database.
func (s *SQLiteHistoryStore) Close() error {
	return s.db.Close()
}
