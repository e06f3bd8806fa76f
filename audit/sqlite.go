package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Schema creates the append-only audit table. Record ids are ULIDs, so the
// primary key index doubles as a time order.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id      TEXT PRIMARY KEY,
	at      TEXT NOT NULL,
	action  TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
`

// SQLite stores audit records in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed audit store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(action string, payload map[string]any) error {
	record := newRecord(action, payload)
	data, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (id, at, action, payload) VALUES (?, ?, ?, ?)`,
		record.ID, record.At.Format("2006-01-02T15:04:05.000Z07:00"), record.Action, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Actions returns recorded action names in insertion (id) order, newest
// last. Intended for inspection and tests.
func (s *SQLite) Actions() ([]string, error) {
	rows, err := s.db.Query(`SELECT action FROM audit_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []string
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
