// Package statestore persists the pod state snapshot so occupancy and
// disinfection continuity survive process restarts. The main cycle
// writes the snapshot before every telemetry send; on startup the
// agent reads it back and seeds the state machine. The store is a
// single-row table, not a history log — telemetry that must reach the
// backend goes through the offline queue, not here.
package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gomama/pod-agent/internal/pod"
)

// Store persists the pod snapshot in SQLite. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at the given path. The
// schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pod_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		snapshot   TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS send_marks (
		transport TEXT PRIMARY KEY,
		sent_at   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the current pod snapshot. Called once per send cycle,
// before the snapshot leaves the process.
func (s *Store) Save(state pod.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO pod_state (id, snapshot, updated_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot. The second return is false when
// no snapshot has ever been saved.
func (s *Store) Load() (pod.State, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT snapshot FROM pod_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return pod.State{}, false, nil
	}
	if err != nil {
		return pod.State{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var state pod.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return pod.State{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, true, nil
}

// MarkSent records a successful delivery over the named transport
// ("mqtt" or "http"), for diagnostics and the status topic.
func (s *Store) MarkSent(transport string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO send_marks (transport, sent_at)
		 VALUES (?, ?)
		 ON CONFLICT (transport) DO UPDATE SET sent_at = excluded.sent_at`,
		transport, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", transport, err)
	}
	return nil
}

// LastSent returns the most recent delivery time over the named
// transport. The second return is false when that transport has never
// delivered.
func (s *Store) LastSent(transport string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT sent_at FROM send_marks WHERE transport = ?`, transport,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last sent %s: %w", transport, err)
	}

	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse sent_at %s: %w", transport, err)
	}
	return at, true, nil
}
