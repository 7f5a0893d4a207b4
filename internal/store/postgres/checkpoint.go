package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tako/internal/checkpoint"
)

type handle struct {
	conn     *pgxpool.Conn
	threadID string
}

func (h *handle) ThreadID() string { return h.threadID }

func (h *handle) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	row := h.conn.QueryRow(ctx,
		`SELECT checkpoint_id::text, thread_id, parent_id, data, metadata, created_at
		 FROM checkpoints WHERE thread_id = $1
		 ORDER BY seq DESC LIMIT 1`,
		h.threadID,
	)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres.handle.Latest(%s): %w", h.threadID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres.handle.Latest: %w", err)
	}

	return cp, nil
}

func (h *handle) Put(ctx context.Context, cp checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	parent := ""
	latest, err := h.Latest(ctx)
	switch {
	case err == nil:
		parent = latest.ID
	case !errors.Is(err, checkpoint.ErrNotFound):
		return nil, fmt.Errorf("postgres.handle.Put: %w", err)
	}

	prepared, err := checkpoint.Prepare(cp, h.threadID, parent, time.Now())
	if err != nil {
		return nil, fmt.Errorf("postgres.handle.Put: %w", err)
	}

	meta := prepared.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("postgres.handle.Put: metadata: %w", err)
	}

	_, err = h.conn.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, data, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		prepared.ThreadID, prepared.ID, prepared.ParentID, []byte(prepared.Data), metaJSON, prepared.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.handle.Put: %w", err)
	}

	return &prepared, nil
}

func (h *handle) List(ctx context.Context, limit int) ([]*checkpoint.Checkpoint, error) {
	query := `SELECT checkpoint_id::text, thread_id, parent_id, data, metadata, created_at
		 FROM checkpoints WHERE thread_id = $1
		 ORDER BY seq DESC`
	args := []any{h.threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := h.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres.handle.List: %w", err)
	}
	defer rows.Close()

	out := []*checkpoint.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres.handle.List: scan: %w", err)
		}
		out = append(out, cp)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.handle.List: rows: %w", err)
	}

	return out, nil
}

func scanCheckpoint(row pgx.Row) (*checkpoint.Checkpoint, error) {
	var (
		cp   checkpoint.Checkpoint
		data []byte
		meta []byte
	)

	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &data, &meta, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	cp.Data = json.RawMessage(data)
	if len(meta) > 0 {
		if err = json.Unmarshal(meta, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	cp.CreatedAt = cp.CreatedAt.UTC()

	return &cp, nil
}
