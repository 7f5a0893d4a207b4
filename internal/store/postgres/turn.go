package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tako/internal/domain"
)

type TurnRepo struct {
	pool *pgxpool.Pool
}

func NewTurnRepo(pool *pgxpool.Pool) *TurnRepo {
	return &TurnRepo{pool: pool}
}

func (r *TurnRepo) Save(ctx context.Context, t *domain.Turn) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("turnRepo.Save: encode: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO turns (thread_id, turn_id, status, started_at, turn)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id, turn_id) DO UPDATE SET status = EXCLUDED.status, turn = EXCLUDED.turn`,
		t.ThreadID, t.ID, string(t.Status), t.StartedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("turnRepo.Save: %w", err)
	}

	return nil
}

func (r *TurnRepo) ListByThread(ctx context.Context, threadID string, limit int) ([]*domain.Turn, error) {
	query := `SELECT turn FROM turns WHERE thread_id = $1 ORDER BY started_at DESC, turn_id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("turnRepo.ListByThread: %w", err)
	}
	defer rows.Close()

	var turns []*domain.Turn
	for rows.Next() {
		var doc []byte

		err = rows.Scan(&doc)
		if err != nil {
			return nil, fmt.Errorf("turnRepo.ListByThread: scan: %w", err)
		}

		var t domain.Turn
		if err = json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("turnRepo.ListByThread: decode: %w", err)
		}
		turns = append(turns, &t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("turnRepo.ListByThread: rows: %w", err)
	}

	// Newest-first from the query; callers expect chronological order.
	slices.Reverse(turns)

	return turns, nil
}

func (r *TurnRepo) DeleteByThread(ctx context.Context, threadID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM turns WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("turnRepo.DeleteByThread: %w", err)
	}

	return nil
}
