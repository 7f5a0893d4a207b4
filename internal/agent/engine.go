package agent

import (
	"context"
	"iter"

	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/stream"
)

// Engine runs one agent turn and yields its raw events in emission order.
// A non-nil error ends the turn as a stream fault. Implementations must stop
// when ctx is done.
type Engine interface {
	Name() string
	Stream(ctx context.Context, req Request) iter.Seq2[stream.RawEvent, error]
}

// Request is the input of one engine turn.
type Request struct {
	ThreadID string
	TurnID   string
	Prompt   string
	// Checkpoint is the scoped handle for ThreadID. It is nil when the
	// checkpoint store was unavailable; the engine then starts from scratch.
	Checkpoint checkpoint.Handle
}

// Session binds a thread to the engine that serves it. Callers own sessions;
// the orchestrator keeps no engine of its own.
type Session struct {
	ThreadID string
	Engine   Engine
}
