package postgres

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/domain"
)

// Store implements checkpoint.Store on PostgreSQL and exposes the turn archive.
type Store struct {
	pool   *pgxpool.Pool
	locks  *checkpoint.ThreadLocks
	turns  *TurnRepo
	closed atomic.Bool
}

var _ checkpoint.Store = (*Store)(nil)

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	s := &Store{
		pool:  pool,
		locks: checkpoint.NewThreadLocks(),
		turns: NewTurnRepo(pool),
	}

	err = s.Migrate(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Migrate creates the checkpoint and turn tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			checkpoint_id UUID NOT NULL UNIQUE,
			parent_id TEXT NOT NULL DEFAULT '',
			data JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoints_by_thread ON checkpoints (thread_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS turns (
			thread_id TEXT NOT NULL,
			turn_id UUID NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			turn JSONB NOT NULL,
			PRIMARY KEY (thread_id, turn_id)
		)`,
		`CREATE INDEX IF NOT EXISTS turns_by_thread ON turns (thread_id, started_at DESC)`,
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st); err != nil {
			return fmt.Errorf("postgres.Store.Migrate: %w", err)
		}
	}
	return nil
}

// WithThread acquires a pooled connection for threadID and releases it when
// fn returns or panics.
func (s *Store) WithThread(ctx context.Context, threadID string, fn func(context.Context, checkpoint.Handle) error) error {
	if s.closed.Load() {
		return fmt.Errorf("postgres.Store.WithThread: %w", checkpoint.ErrUnavailable)
	}

	release, err := s.locks.Acquire(ctx, threadID)
	if err != nil {
		return fmt.Errorf("postgres.Store.WithThread: %w: %w", checkpoint.ErrUnavailable, err)
	}
	defer release()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres.Store.WithThread: %w: %w", checkpoint.ErrUnavailable, err)
	}
	defer conn.Release()

	return fn(ctx, &handle{conn: conn, threadID: threadID})
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("postgres.Store.DeleteThread: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	if !s.closed.Swap(true) {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Turns() domain.TurnRepository { return s.turns }
