package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilnrun/coder/internal/model"
)

// SQLiteMirror is a best-effort relational mirror of lifecycle
// snapshots, written alongside workflow-state.json (§3 "relational
// mirror", §4.F). It is never the source of truth: the JSON file is
// authoritative, and every method here treats its own failures as
// non-fatal to the caller (see Mirror.Write).
//
// Connection shape (WAL mode, busy timeout, foreign keys on) and
// migrate-on-open pattern are grounded on the teacher's
// internal/workspace/sqlite.go, which uses the same modernc.org/sqlite
// driver for its own (unrelated) workspace store.
type SQLiteMirror struct {
	db *sql.DB
}

// OpenSQLiteMirror opens (creating if necessary) the mirror database
// at path and ensures its schema exists.
func OpenSQLiteMirror(path string) (*SQLiteMirror, error) {
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open state.db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state.db: %w", err)
	}

	m := &SQLiteMirror{db: db}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMirror) migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
		run_id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		value TEXT NOT NULL,
		context_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate state.db: %w", err)
	}
	return nil
}

// Write upserts a lifecycle snapshot row. Errors are returned to the
// caller to log, but must never be treated as fatal to the run — the
// JSON file under §4.G remains authoritative regardless of mirror
// health.
func (m *SQLiteMirror) Write(ctx context.Context, snap model.LifecycleSnapshot) error {
	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("marshal snapshot context: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `INSERT INTO snapshots (run_id, workflow, value, context_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow = excluded.workflow,
			value = excluded.value,
			context_json = excluded.context_json,
			updated_at = excluded.updated_at`,
		snap.RunID, snap.Workflow, string(snap.Value), string(ctxJSON), snap.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("write snapshot mirror: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}
