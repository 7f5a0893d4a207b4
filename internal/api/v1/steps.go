package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/stream"
)

type StepsInput struct {
	ThreadID string `path:"threadID" pattern:"^[A-Za-z0-9._:-]{1,128}$" doc:"Thread ID"`
	TurnID   string `path:"turnID" doc:"Turn ID"`
	Cursor   int    `query:"cursor" minimum:"0" default:"0" doc:"Number of steps already consumed"`
	WaitMS   int    `query:"wait_ms" minimum:"0" maximum:"30000" default:"0" doc:"Long-poll for new steps up to this many milliseconds"`
}

type StepsPage struct {
	Steps        []domain.StepRecord `json:"steps" doc:"Steps beyond the cursor, in order"`
	Cursor       int                 `json:"cursor" doc:"Cursor to send on the next read"`
	Done         bool                `json:"done" doc:"The turn is finalized; no more steps will arrive"`
	InterimText  string              `json:"interim_text,omitempty" doc:"Streamed text so far with embed markup removed"`
	EmbedPending bool                `json:"embed_pending,omitempty" doc:"Embed markup was seen while streaming"`
}

type StepsOutput struct {
	Body StepsPage
}

func registerStepRoutes(api huma.API, turns TurnService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-turn-steps",
		Method:      http.MethodGet,
		Path:        "/threads/{threadID}/turns/{turnID}/steps",
		Summary:     "Read the steps of a turn beyond a cursor",
		Tags:        []string{"Turns"},
	}, func(ctx context.Context, input *StepsInput) (*StepsOutput, error) {
		run, ok := turns.Active(input.ThreadID)
		if !ok || run.ID() != input.TurnID {
			turn, err := turns.Turn(ctx, input.ThreadID, input.TurnID)
			if err != nil {
				return nil, turnError(err, "failed to get turn")
			}
			steps, next := stream.StepsSince(turn.Steps, input.Cursor)
			return &StepsOutput{Body: StepsPage{Steps: nonNil(steps), Cursor: next, Done: true}}, nil
		}

		if input.WaitMS > 0 {
			waitCtx, cancel := context.WithTimeout(ctx, time.Duration(input.WaitMS)*time.Millisecond)
			// Expiry only ends the long poll; the read below still answers.
			_ = run.Wait(waitCtx, input.Cursor)
			cancel()
		}

		// Read done first: once the log is sealed every step is visible.
		done := isDone(run.Done())
		steps, next := run.StepsSince(input.Cursor)
		page := StepsPage{Steps: nonNil(steps), Cursor: next, Done: done}
		if !done {
			page.InterimText, page.EmbedPending = run.Interim()
		}
		return &StepsOutput{Body: page}, nil
	})
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func nonNil(steps []domain.StepRecord) []domain.StepRecord {
	if steps == nil {
		return []domain.StepRecord{}
	}
	return steps
}
