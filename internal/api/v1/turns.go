package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/domain"
)

type StartTurnInput struct {
	ThreadID string `path:"threadID" pattern:"^[A-Za-z0-9._:-]{1,128}$" doc:"Thread ID"`
	Wait     bool   `query:"wait" doc:"Block until the turn is finalized"`
	Body     struct {
		Prompt string `json:"prompt" minLength:"1" maxLength:"100000" doc:"User prompt for this turn"`
	}
}

type TurnOutput struct {
	Status int
	Body   *domain.Turn
}

type ListTurnsInput struct {
	ThreadID string `path:"threadID" pattern:"^[A-Za-z0-9._:-]{1,128}$" doc:"Thread ID"`
}

type ThreadTurns struct {
	Turns  []*domain.Turn `json:"turns" doc:"Finalized turns, oldest first"`
	Active *domain.Turn   `json:"active,omitempty" doc:"The turn currently streaming, if any"`
}

type ListTurnsOutput struct {
	Body ThreadTurns
}

type TurnPathInput struct {
	ThreadID string `path:"threadID" pattern:"^[A-Za-z0-9._:-]{1,128}$" doc:"Thread ID"`
	TurnID   string `path:"turnID" doc:"Turn ID"`
}

type GetTurnOutput struct {
	Body *domain.Turn
}

type ClearThreadInput struct {
	ThreadID string `path:"threadID" pattern:"^[A-Za-z0-9._:-]{1,128}$" doc:"Thread ID"`
}

type ClearResult struct {
	Cleared bool   `json:"cleared"`
	Warning string `json:"warning,omitempty" doc:"Set when durable state could not be fully removed"`
}

type ClearThreadOutput struct {
	Body ClearResult
}

// RegisterTurnRoutes registers the thread and turn endpoints.
func RegisterTurnRoutes(api huma.API, turns TurnService, engines EngineProvider) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-turn",
		Method:        http.MethodPost,
		Path:          "/threads/{threadID}/turns",
		Summary:       "Start a turn on a thread",
		Tags:          []string{"Turns"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *StartTurnInput) (*TurnOutput, error) {
		engine, err := engines(input.ThreadID)
		if err != nil {
			return nil, huma.Error503ServiceUnavailable("no engine available", err)
		}

		run, err := turns.StartTurn(ctx, agent.Session{ThreadID: input.ThreadID, Engine: engine}, input.Body.Prompt)
		if err != nil {
			return nil, turnError(err, "failed to start turn")
		}

		if !input.Wait {
			return &TurnOutput{Status: http.StatusAccepted, Body: run.Turn()}, nil
		}

		select {
		case <-run.Done():
			return &TurnOutput{Status: http.StatusOK, Body: run.Turn()}, nil
		case <-ctx.Done():
			return &TurnOutput{Status: http.StatusAccepted, Body: run.Turn()}, nil
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-turns",
		Method:      http.MethodGet,
		Path:        "/threads/{threadID}/turns",
		Summary:     "List the turns of a thread",
		Tags:        []string{"Turns"},
	}, func(ctx context.Context, input *ListTurnsInput) (*ListTurnsOutput, error) {
		history, err := turns.History(ctx, input.ThreadID)
		if err != nil {
			return nil, turnError(err, "failed to load history")
		}

		out := &ListTurnsOutput{Body: ThreadTurns{Turns: history}}
		if run, ok := turns.Active(input.ThreadID); ok {
			out.Body.Active = run.Turn()
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-turn",
		Method:      http.MethodGet,
		Path:        "/threads/{threadID}/turns/{turnID}",
		Summary:     "Get a turn",
		Tags:        []string{"Turns"},
	}, func(ctx context.Context, input *TurnPathInput) (*GetTurnOutput, error) {
		turn, err := turns.Turn(ctx, input.ThreadID, input.TurnID)
		if err != nil {
			return nil, turnError(err, "failed to get turn")
		}
		return &GetTurnOutput{Body: turn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-turn",
		Method:      http.MethodPost,
		Path:        "/threads/{threadID}/turns/{turnID}/cancel",
		Summary:     "Cancel a streaming turn",
		Tags:        []string{"Turns"},
	}, func(ctx context.Context, input *TurnPathInput) (*GetTurnOutput, error) {
		run, ok := turns.Active(input.ThreadID)
		if !ok || run.ID() != input.TurnID {
			if _, err := turns.Turn(ctx, input.ThreadID, input.TurnID); err != nil {
				return nil, turnError(err, "failed to get turn")
			}
			return nil, huma.Error409Conflict("turn already finished")
		}

		run.Cancel()
		select {
		case <-run.Done():
		case <-ctx.Done():
		}
		return &GetTurnOutput{Body: run.Turn()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-thread",
		Method:      http.MethodDelete,
		Path:        "/threads/{threadID}",
		Summary:     "Clear a thread's history and checkpoints",
		Tags:        []string{"Threads"},
	}, func(ctx context.Context, input *ClearThreadInput) (*ClearThreadOutput, error) {
		err := turns.Clear(ctx, input.ThreadID)
		switch {
		case err == nil:
			return &ClearThreadOutput{Body: ClearResult{Cleared: true}}, nil
		case errors.Is(err, agent.ErrCheckpointFault):
			return &ClearThreadOutput{Body: ClearResult{
				Cleared: true,
				Warning: "History was cleared, but stored conversation memory could not be fully removed.",
			}}, nil
		default:
			return nil, turnError(err, "failed to clear thread")
		}
	})

	registerStepRoutes(api, turns)
}

// turnError maps orchestrator errors to problem responses.
func turnError(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrInvalidThreadID), errors.Is(err, agent.ErrEmptyPrompt):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, agent.ErrTurnNotFound):
		return huma.Error404NotFound("turn not found")
	case errors.Is(err, agent.ErrTurnActive):
		return huma.Error409Conflict("a turn is already active on this thread")
	case errors.Is(err, agent.ErrShuttingDown):
		return huma.Error503ServiceUnavailable("server is shutting down")
	case errors.Is(err, agent.ErrCheckpointFault):
		return huma.Error503ServiceUnavailable("turn archive unavailable", err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
