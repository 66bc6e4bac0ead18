// Package sqlite implements the audit store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clawbox/clawbox/pkg/store"
)

// Store implements store.AuditStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.AuditStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL,
		argv TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, timestamp);

	CREATE TABLE IF NOT EXISTS terminations (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		stop_reason TEXT NOT NULL,
		turns INTEGER NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_terminations_conversation ON terminations(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) RecordToolCall(ctx context.Context, rec *store.ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, conversation_id, container_id, tool, argv, success, error_kind, exit_code, duration_ms, truncated, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.ContainerID, rec.Tool, rec.Argv,
		rec.Success, rec.ErrorKind, rec.ExitCode, rec.DurationMS, rec.Truncated,
		rec.Timestamp,
	)
	return err
}

func (s *Store) RecordTermination(ctx context.Context, rec *store.TerminationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminations (id, conversation_id, container_id, stop_reason, turns, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.ContainerID, rec.StopReason, rec.Turns, rec.Timestamp,
	)
	return err
}

func (s *Store) RecentToolCalls(ctx context.Context, limit int) ([]store.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, container_id, tool, argv, success, error_kind, exit_code, duration_ms, truncated, timestamp
		 FROM tool_calls ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.ToolCallRecord
	for rows.Next() {
		var r store.ToolCallRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.ContainerID, &r.Tool, &r.Argv,
			&r.Success, &r.ErrorKind, &r.ExitCode, &r.DurationMS, &r.Truncated, &r.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Store) RecentTerminations(ctx context.Context, limit int) ([]store.TerminationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, container_id, stop_reason, turns, timestamp
		 FROM terminations ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.TerminationRecord
	for rows.Next() {
		var r store.TerminationRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.ContainerID, &r.StopReason, &r.Turns, &r.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
