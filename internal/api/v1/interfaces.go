package v1

import (
	"context"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/domain"
)

// TurnService abstracts the turn lifecycle for handler testing.
// *agent.Orchestrator satisfies this interface.
type TurnService interface {
	StartTurn(ctx context.Context, sess agent.Session, prompt string) (*agent.Run, error)
	Active(threadID string) (*agent.Run, bool)
	History(ctx context.Context, threadID string) ([]*domain.Turn, error)
	Turn(ctx context.Context, threadID, turnID string) (*domain.Turn, error)
	Clear(ctx context.Context, threadID string) error
}

// EngineProvider returns the engine that serves a thread. The server binds
// every thread to the configured engine.
type EngineProvider func(threadID string) (agent.Engine, error)
