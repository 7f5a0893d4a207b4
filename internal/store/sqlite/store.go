// Package sqlite is the default durable backend: thread checkpoints and the
// archive of finalized turns live in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/gosuda/tako/internal/checkpoint"
)

// Store implements checkpoint.Store on SQLite and exposes the turn archive.
type Store struct {
	db     *sql.DB
	locks  *checkpoint.ThreadLocks
	turns  *TurnRepo
	closed atomic.Bool
}

var _ checkpoint.Store = (*Store)(nil)

// DSNForFile returns the DSN used for on-disk databases.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite.DSNForFile: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// OpenFile creates the parent directory of path if needed and opens it.
func OpenFile(ctx context.Context, path string) (*Store, error) {
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite.OpenFile: mkdir %s: %w", dir, err)
		}
	}
	return Open(ctx, dsn)
}

// Open connects to the SQLite database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite.Open: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: ping: %w", err)
	}

	s := &Store{
		db:    db,
		locks: checkpoint.NewThreadLocks(),
		turns: NewTurnRepo(db),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL UNIQUE,
			parent_id TEXT NOT NULL DEFAULT '',
			data_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS checkpoints_by_thread ON checkpoints(thread_id, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			turn_json TEXT NOT NULL,
			PRIMARY KEY (thread_id, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_thread ON turns(thread_id, started_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("sqlite.Store.migrate: %w", err)
		}
	}
	return nil
}

// Turns returns the archive of finalized turns.
func (s *Store) Turns() *TurnRepo { return s.turns }

// WithThread checks out a dedicated connection for threadID and returns it to
// the pool when fn returns or panics.
func (s *Store) WithThread(ctx context.Context, threadID string, fn func(context.Context, checkpoint.Handle) error) error {
	if s.closed.Load() {
		return fmt.Errorf("sqlite.Store.WithThread: %w", checkpoint.ErrUnavailable)
	}

	release, err := s.locks.Acquire(ctx, threadID)
	if err != nil {
		return fmt.Errorf("sqlite.Store.WithThread: %w: %w", checkpoint.ErrUnavailable, err)
	}
	defer release()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite.Store.WithThread: %w: %w", checkpoint.ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	return fn(ctx, &handle{conn: conn, threadID: threadID})
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite.Store.DeleteThread: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
