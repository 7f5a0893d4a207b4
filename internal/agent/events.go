package agent

import (
	"time"

	"github.com/gosuda/tako/internal/domain"
)

// EventType names the live events published per thread.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventStep           EventType = "step"
	EventTurnFinished   EventType = "turn_finished"
	EventHistoryCleared EventType = "history_cleared"
)

// Event is the payload published on a thread's live channel.
type Event struct {
	Type      EventType          `json:"type"`
	ThreadID  string             `json:"thread_id"`
	TurnID    string             `json:"turn_id,omitempty"`
	Step      *domain.StepRecord `json:"step,omitempty"`
	Turn      *domain.Turn       `json:"turn,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
