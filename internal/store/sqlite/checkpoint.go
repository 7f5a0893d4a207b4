package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gosuda/tako/internal/checkpoint"
)

type handle struct {
	conn     *sql.Conn
	threadID string
}

func (h *handle) ThreadID() string { return h.threadID }

func (h *handle) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	row := h.conn.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, parent_id, data_json, metadata_json, created_at_ms
		FROM checkpoints WHERE thread_id = ?
		ORDER BY seq DESC LIMIT 1`, h.threadID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite.handle.Latest(%s): %w", h.threadID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.handle.Latest: %w", err)
	}
	return cp, nil
}

func (h *handle) Put(ctx context.Context, cp checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	parent := ""
	if latest, err := h.Latest(ctx); err == nil {
		parent = latest.ID
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("sqlite.handle.Put: %w", err)
	}

	prepared, err := checkpoint.Prepare(cp, h.threadID, parent, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sqlite.handle.Put: %w", err)
	}
	meta, err := encodeMetadata(prepared.Metadata)
	if err != nil {
		return nil, fmt.Errorf("sqlite.handle.Put: metadata: %w", err)
	}

	_, err = h.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, data_json, metadata_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		prepared.ThreadID, prepared.ID, prepared.ParentID, string(prepared.Data), meta, prepared.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.handle.Put: %w", err)
	}
	return &prepared, nil
}

func (h *handle) List(ctx context.Context, limit int) ([]*checkpoint.Checkpoint, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.conn.QueryContext(ctx, `
		SELECT checkpoint_id, thread_id, parent_id, data_json, metadata_json, created_at_ms
		FROM checkpoints WHERE thread_id = ?
		ORDER BY seq DESC LIMIT ?`, h.threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite.handle.List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*checkpoint.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite.handle.List: scan: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.handle.List: rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		data      string
		meta      string
		createdMs int64
	)
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &data, &meta, &createdMs); err != nil {
		return nil, err
	}
	cp.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(meta), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &cp, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
