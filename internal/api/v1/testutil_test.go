package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tako/internal/agent"
	v1 "github.com/gosuda/tako/internal/api/v1"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/stream"
)

// ---------------------------------------------------------------------------
// Scripted engine
// ---------------------------------------------------------------------------

type scriptEngine struct {
	events []stream.RawEvent
	// gate, when set, holds the stream open after events until closed or
	// until ctx ends.
	gate chan struct{}
}

func (e *scriptEngine) Name() string { return "script" }

func (e *scriptEngine) Stream(ctx context.Context, _ agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
		if e.gate != nil {
			select {
			case <-e.gate:
			case <-ctx.Done():
			}
		}
	}
}

func textEvent(s string) stream.RawEvent {
	b, _ := json.Marshal(map[string]string{"chunk": s})
	return stream.RawEvent{Event: stream.EventChatModelStream, Data: b}
}

func toolEvents(name string) []stream.RawEvent {
	return []stream.RawEvent{
		{Event: stream.EventToolStart, Name: name, Data: json.RawMessage(`{"input":{"q":"x"}}`)},
		{Event: stream.EventToolEnd, Name: name, Data: json.RawMessage(`{"output":{"r":1}}`)},
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	api    humatest.TestAPI
	orch   *agent.Orchestrator
	store  *checkpoint.MemoryStore
	engine agent.Engine
}

func newTurnTestAPI(t *testing.T, engine agent.Engine) *testEnv {
	t.Helper()

	_, api := humatest.New(t)
	env := &testEnv{api: api, store: checkpoint.NewMemoryStore(), engine: engine}
	env.orch = agent.NewOrchestrator(env.store, nil, nil)

	v1.RegisterTurnRoutes(api, env.orch, func(string) (agent.Engine, error) {
		if env.engine == nil {
			return nil, errors.New("engine offline")
		}
		return env.engine, nil
	})

	return env
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
