// Package state keeps durable per-watcher bookkeeping in a SQLite database
// under the vault's .workvault/ directory. The seen-event set is what makes
// re-polling idempotent across restarts.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "workvault.db"

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".workvault", defaultDBName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".workvault")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Store is the durable watcher state.
type Store struct {
	db *sql.DB
}

// Open opens the state database and applies the schema.
func Open(ctx context.Context, workspace string) (*Store, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", dbPath(workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn}
	if err := s.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS watcher_events (
			watcher TEXT NOT NULL,
			event_id TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			PRIMARY KEY (watcher, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS watcher_cursors (
			watcher TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init state schema: %w", err)
		}
	}
	return nil
}

// Seen reports whether a watcher already materialized an external event.
func (s *Store) Seen(ctx context.Context, watcher, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM watcher_events WHERE watcher = ? AND event_id = ?`,
		watcher, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query seen event: %w", err)
	}
	return true, nil
}

// MarkSeen records an external event as materialized. Marking twice is a
// no-op.
func (s *Store) MarkSeen(ctx context.Context, watcher, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO watcher_events (watcher, event_id, first_seen) VALUES (?, ?, ?)`,
		watcher, eventID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark event seen: %w", err)
	}
	return nil
}

// Cursor returns a watcher's saved poll cursor, empty if none.
func (s *Store) Cursor(ctx context.Context, watcher string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM watcher_cursors WHERE watcher = ?`, watcher).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor saves a watcher's poll cursor.
func (s *Store) SetCursor(ctx context.Context, watcher, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watcher_cursors (watcher, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(watcher) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		watcher, cursor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
