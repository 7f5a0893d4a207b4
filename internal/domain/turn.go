package domain

import (
	"context"
	"time"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStatusStreaming TurnStatus = "streaming"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusAborted   TurnStatus = "aborted"
	TurnStatusCancelled TurnStatus = "cancelled"
)

// Terminal reports whether the turn has been finalized.
func (s TurnStatus) Terminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusAborted || s == TurnStatusCancelled
}

// Turn is one user prompt plus the agent's reaction.
type Turn struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"thread_id"`
	UserText     string       `json:"user_text"`
	ResponseText string       `json:"response_text"`
	Steps        []StepRecord `json:"steps"`
	Segments     []Segment    `json:"segments"`
	Status       TurnStatus   `json:"status"`
	Error        string       `json:"error,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// TurnRepository archives finalized turns so history survives restarts.
type TurnRepository interface {
	Save(ctx context.Context, t *Turn) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]*Turn, error)
	DeleteByThread(ctx context.Context, threadID string) error
}
