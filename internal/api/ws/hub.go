package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/domain"
	redisstore "github.com/gosuda/tako/internal/store/redis"
)

// Subscriber abstracts the Redis pub/sub subscribe operation.
// *redis.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// TurnSource resolves live and finalized turns.
// *agent.Orchestrator satisfies this interface.
type TurnSource interface {
	Active(threadID string) (*agent.Run, bool)
	Turn(ctx context.Context, threadID, turnID string) (*domain.Turn, error)
}

// Hub serves WebSocket streams: thread events fanned out through Redis, and
// the step stream of a single turn read through its cursor.
type Hub struct {
	pubsub Subscriber
	turns  TurnSource
}

// NewHub creates a new WebSocket hub. pubsub may be nil when Redis is not
// configured; thread streams then answer 503.
func NewHub(pubsub Subscriber, turns TurnSource) *Hub {
	return &Hub{pubsub: pubsub, turns: turns}
}

// ServeThread handles WebSocket connections for every event of a thread.
// Subscribes to Redis channel "thread:<threadID>".
func (h *Hub) ServeThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := domain.ValidateThreadID(threadID); err != nil {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return
	}
	if h.pubsub == nil {
		http.Error(w, "live events unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	channel := redisstore.ThreadChannel(threadID)

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

// ServeTurn streams the steps of one turn beyond the "cursor" query
// parameter, then the finalized turn, then closes. A finalized turn is
// replayed the same way.
func (h *Hub) ServeTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	turnID := chi.URLParam(r, "turnID")
	if err := domain.ValidateThreadID(threadID); err != nil {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return
	}

	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = n
	}

	run, live := h.turns.Active(threadID)
	live = live && run.ID() == turnID

	var final *domain.Turn
	if !live {
		turn, err := h.turns.Turn(r.Context(), threadID, turnID)
		if err != nil {
			if errors.Is(err, agent.ErrTurnNotFound) {
				http.Error(w, "turn not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load turn", http.StatusInternalServerError)
			return
		}
		final = turn
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	if live {
		final, err = streamRun(ctx, conn, run, cursor)
		if err != nil {
			log.Debug().Err(err).Str("turn_id", turnID).Msg("websocket turn stream")
			return
		}
	} else if err := writeSteps(ctx, conn, final.ThreadID, final.ID, final.Steps[min(cursor, len(final.Steps)):]); err != nil {
		log.Debug().Err(err).Str("turn_id", turnID).Msg("websocket turn replay")
		return
	}

	if err := wsjson.Write(ctx, conn, agent.Event{
		Type:      agent.EventTurnFinished,
		ThreadID:  final.ThreadID,
		TurnID:    final.ID,
		Turn:      final,
		Timestamp: timestamp(final),
	}); err != nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "turn finished")
}

// streamRun forwards steps as they are appended and returns the finalized
// turn once every step has been sent.
func streamRun(ctx context.Context, conn *websocket.Conn, run *agent.Run, cursor int) (*domain.Turn, error) {
	for {
		if err := run.Wait(ctx, cursor); err != nil {
			return nil, fmt.Errorf("ws.streamRun: %w", err)
		}

		finished := isDone(run.Done())
		var steps []domain.StepRecord
		steps, cursor = run.StepsSince(cursor)
		if err := writeSteps(ctx, conn, run.ThreadID(), run.ID(), steps); err != nil {
			return nil, err
		}

		if finished {
			return run.Turn(), nil
		}
		if len(steps) == 0 {
			// The log is sealed; finalization is moments away.
			select {
			case <-run.Done():
			case <-ctx.Done():
				return nil, fmt.Errorf("ws.streamRun: %w", ctx.Err())
			}
		}
	}
}

func writeSteps(ctx context.Context, conn *websocket.Conn, threadID, turnID string, steps []domain.StepRecord) error {
	for i := range steps {
		evt := agent.Event{
			Type:     agent.EventStep,
			ThreadID: threadID,
			TurnID:   turnID,
			Step:     &steps[i],
		}
		if err := wsjson.Write(ctx, conn, evt); err != nil {
			return fmt.Errorf("ws.writeSteps: %w", err)
		}
	}
	return nil
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func timestamp(t *domain.Turn) time.Time {
	if t.FinishedAt != nil {
		return *t.FinishedAt
	}
	return t.StartedAt
}
