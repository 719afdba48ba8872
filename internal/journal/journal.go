// Package journal persists accepted update events so a console restart can
// rebuild its in-memory state by replay.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/fleetdeck/internal/monitor"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fd-v1-2026-08-20-update-journal"
)

// Entry is one journaled update event.
type Entry struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"session_id"`
	TargetKind  string          `json:"target_kind"`
	TargetID    string          `json:"target_id"`
	EventTimeMs int64           `json:"event_time_ms"`
	Patch       json.RawMessage `json:"patch"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Journal is an append-only log of accepted updates backed by SQLite.
type Journal struct {
	db        *sql.DB
	sessionID string
}

// Open opens or creates the journal at path and starts a new session.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, sessionID: uuid.NewString()}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.startSession(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// SessionID returns the identifier of the session opened by Open.
func (j *Journal) SessionID() string {
	return j.sessionID
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionV1 {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersionV1)
	}
	if maxVersion == schemaVersionV1 {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if checksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, checksum, schemaChecksumV1)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			target_kind TEXT NOT NULL CHECK(target_kind IN ('agent', 'task_node', 'todo')),
			target_id TEXT NOT NULL,
			event_time_ms INTEGER NOT NULL,
			patch JSON NOT NULL,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_updates_session ON updates(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_updates_target ON updates(target_kind, target_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

func (j *Journal) startSession(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at) VALUES (?, CURRENT_TIMESTAMP);
	`, j.sessionID); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Append records one accepted update under the current session.
func (j *Journal) Append(ctx context.Context, ev monitor.UpdateEvent) error {
	patch := ev.Patch
	if len(patch) == 0 {
		patch = json.RawMessage("{}")
	}
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO updates (session_id, target_kind, target_id, event_time_ms, patch, received_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, j.sessionID, string(ev.TargetKind), ev.TargetID, ev.EventTimeMs, string(patch)); err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

// LatestSessionID returns the most recent session recorded before the one
// opened by Open, or "" when the journal is fresh.
func (j *Journal) LatestSessionID(ctx context.Context) (string, error) {
	var id string
	err := j.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE id != ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1;
	`, j.sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest session: %w", err)
	}
	return id, nil
}

// Replay streams the updates of a session in append order, invoking apply for
// each. Replay stops at the first apply error.
func (j *Journal) Replay(ctx context.Context, sessionID string, apply func(monitor.UpdateEvent) error) (int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT target_kind, target_id, event_time_ms, patch
		FROM updates
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	applied := 0
	for rows.Next() {
		var (
			kind  string
			ev    monitor.UpdateEvent
			patch string
		)
		if err := rows.Scan(&kind, &ev.TargetID, &ev.EventTimeMs, &patch); err != nil {
			return applied, fmt.Errorf("scan update: %w", err)
		}
		ev.TargetKind = monitor.Kind(kind)
		ev.Patch = json.RawMessage(patch)
		if err := apply(ev); err != nil {
			return applied, fmt.Errorf("replay update %s/%s: %w", kind, ev.TargetID, err)
		}
		applied++
	}
	if err := rows.Err(); err != nil {
		return applied, fmt.Errorf("update rows: %w", err)
	}
	return applied, nil
}

// Entries lists a session's journaled updates, newest last. Used by the
// gateway's session inspection endpoint.
func (j *Journal) Entries(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, target_kind, target_id, event_time_ms, patch, received_at
		FROM updates
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			patch string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TargetKind, &e.TargetID, &e.EventTimeMs, &patch, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		e.Patch = json.RawMessage(patch)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("update rows: %w", err)
	}
	return out, nil
}

// Sessions lists known session ids, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// CloseSession marks the current session finished.
func (j *Journal) CloseSession(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, j.sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
