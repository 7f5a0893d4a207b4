package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gosuda/tako/internal/domain"
)

// TurnRepo archives finalized turns as JSON documents.
type TurnRepo struct {
	db *sql.DB
}

var _ domain.TurnRepository = (*TurnRepo)(nil)

func NewTurnRepo(db *sql.DB) *TurnRepo {
	return &TurnRepo{db: db}
}

func (r *TurnRepo) Save(ctx context.Context, t *domain.Turn) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sqlite.TurnRepo.Save: encode: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO turns (thread_id, turn_id, status, started_at_ms, turn_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, turn_id) DO UPDATE SET
			status = excluded.status,
			turn_json = excluded.turn_json`,
		t.ThreadID, t.ID, string(t.Status), t.StartedAt.UnixMilli(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("sqlite.TurnRepo.Save: %w", err)
	}
	return nil
}

// ListByThread returns the newest limit turns of a thread in chronological
// order. limit <= 0 returns every turn.
func (r *TurnRepo) ListByThread(ctx context.Context, threadID string, limit int) ([]*domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT turn_json FROM (
			SELECT turn_json, started_at_ms, turn_id FROM turns
			WHERE thread_id = ?
			ORDER BY started_at_ms DESC, turn_id DESC
			LIMIT ?
		) ORDER BY started_at_ms ASC, turn_id ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite.TurnRepo.ListByThread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*domain.Turn
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite.TurnRepo.ListByThread: scan: %w", err)
		}
		var t domain.Turn
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("sqlite.TurnRepo.ListByThread: decode: %w", err)
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.TurnRepo.ListByThread: rows: %w", err)
	}
	return turns, nil
}

func (r *TurnRepo) DeleteByThread(ctx context.Context, threadID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM turns WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite.TurnRepo.DeleteByThread: %w", err)
	}
	return nil
}
