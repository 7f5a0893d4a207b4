package backends_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/agent/backends"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/stream"
)

const engineOutput = `{"event":"on_tool_start","name":"search","data":{"input":{"q":"x"}}}
{"event":"on_checkpoint","data":{"checkpoint":{"step":1}}}
{"event":"on_tool_end","name":"search","data":{"output":{"r":1}}}
{"event":"on_chat_model_stream","data":{"chunk":{"content":"done"}}}
`

func drain(seq func(func(stream.RawEvent, error) bool)) ([]stream.RawEvent, error) {
	var events []stream.RawEvent
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Registry wiring
// ---------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := agent.NewRegistry()
	backends.Register(reg)

	assert.Equal(t, []string{"docker", "http"}, reg.Available())

	_, err := reg.Create("docker", agent.EngineOptions{})
	require.ErrorIs(t, err, backends.ErrNoRuntime)

	engine, err := reg.Create("http", agent.EngineOptions{URL: "http://agent:8080/turns"})
	require.NoError(t, err)
	assert.Equal(t, "http", engine.Name())
}

// ---------------------------------------------------------------------------
// Container engine
// ---------------------------------------------------------------------------

type fakeRuntime struct {
	mu       sync.Mutex
	created  []agent.ContainerOptions
	calls    []string
	output   string
	exitCode int64
	startErr error
	// hold keeps stdout open until ctx ends.
	hold bool
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) CreateContainer(_ context.Context, opts agent.ContainerOptions) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, opts)
	f.mu.Unlock()
	f.record("create")
	return "c1", nil
}

func (f *fakeRuntime) StartContainer(context.Context, string) error {
	f.record("start")
	return f.startErr
}

func (f *fakeRuntime) StreamStdout(ctx context.Context, _ string) (io.ReadCloser, error) {
	f.record("logs")
	if !f.hold {
		return io.NopCloser(strings.NewReader(f.output)), nil
	}
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, f.output)
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (f *fakeRuntime) WaitContainer(context.Context, string) (int64, error) {
	f.record("wait")
	return f.exitCode, nil
}

func (f *fakeRuntime) StopContainer(context.Context, string) error {
	f.record("stop")
	return nil
}

func (f *fakeRuntime) RemoveContainer(context.Context, string) error {
	f.record("remove")
	return nil
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestContainerEngine_Stream(t *testing.T) {
	t.Parallel()

	t.Run("decodes stdout and saves checkpoints", func(t *testing.T) {
		t.Parallel()

		rt := &fakeRuntime{output: engineOutput}
		engine := backends.NewContainerEngineWithRuntime(rt, "", []string{"run-agent"})
		store := checkpoint.NewMemoryStore()

		// Seed resume state from an earlier turn.
		require.NoError(t, store.WithThread(context.Background(), "t1", func(ctx context.Context, h checkpoint.Handle) error {
			_, err := h.Put(ctx, checkpoint.Checkpoint{Data: json.RawMessage(`{"step":0}`)})
			return err
		}))

		var events []stream.RawEvent
		err := store.WithThread(context.Background(), "t1", func(ctx context.Context, h checkpoint.Handle) error {
			var err error
			events, err = drain(engine.Stream(ctx, agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "find x", Checkpoint: h}))
			if err != nil {
				return err
			}
			assert.JSONEq(t, `{"step":1}`, string(agent.ResumeState(ctx, h)))
			return nil
		})
		require.NoError(t, err)

		require.Len(t, events, 3)
		assert.Equal(t, stream.EventToolStart, events[0].Event)
		assert.Equal(t, stream.EventToolEnd, events[1].Event)
		assert.Equal(t, stream.EventChatModelStream, events[2].Event)

		require.Len(t, rt.created, 1)
		created := rt.created[0]
		assert.Equal(t, "t1", created.ThreadID)
		assert.Equal(t, "u1", created.TurnID)
		assert.Equal(t, "ghcr.io/gosuda/tako-engine:latest", created.Image)
		assert.Equal(t, []string{"run-agent"}, created.Cmd)
		assert.Equal(t, "find x", created.Environment["TAKO_PROMPT"])
		assert.JSONEq(t, `{"step":0}`, created.Environment["TAKO_CHECKPOINT"])

		assert.Equal(t, []string{"create", "start", "logs", "wait", "remove"}, rt.callLog())
	})

	t.Run("no resume state without a handle", func(t *testing.T) {
		t.Parallel()

		rt := &fakeRuntime{}
		engine := backends.NewContainerEngineWithRuntime(rt, "custom:1", nil)

		_, err := drain(engine.Stream(context.Background(), agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "p"}))
		require.NoError(t, err)

		_, ok := rt.created[0].Environment["TAKO_CHECKPOINT"]
		assert.False(t, ok)
		assert.Equal(t, "custom:1", rt.created[0].Image)
	})

	t.Run("non-zero exit is an error", func(t *testing.T) {
		t.Parallel()

		rt := &fakeRuntime{output: engineOutput, exitCode: 2}
		engine := backends.NewContainerEngineWithRuntime(rt, "", nil)

		events, err := drain(engine.Stream(context.Background(), agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "p"}))
		require.ErrorIs(t, err, backends.ErrEngineExit)
		assert.Len(t, events, 3)
	})

	t.Run("start failure removes the container", func(t *testing.T) {
		t.Parallel()

		rt := &fakeRuntime{startErr: errors.New("no such image")}
		engine := backends.NewContainerEngineWithRuntime(rt, "", nil)

		_, err := drain(engine.Stream(context.Background(), agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "p"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such image")
		assert.Equal(t, []string{"create", "start", "stop", "remove"}, rt.callLog())
	})

	t.Run("cancellation stops the container", func(t *testing.T) {
		t.Parallel()

		rt := &fakeRuntime{output: engineOutput, hold: true}
		engine := backends.NewContainerEngineWithRuntime(rt, "", nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n := 0
		for _, err := range engine.Stream(ctx, agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "p"}) {
			require.NoError(t, err)
			n++
			if n == 3 {
				cancel()
			}
		}

		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"create", "start", "logs", "stop", "remove"}, rt.callLog())
	})
}

// ---------------------------------------------------------------------------
// HTTP engine
// ---------------------------------------------------------------------------

func TestNewHTTPEngine_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "agent:8080", "ftp://agent/turns", "http://"} {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()

			_, err := backends.NewHTTPEngine(agent.EngineOptions{URL: raw})
			require.ErrorIs(t, err, backends.ErrInvalidURL)
		})
	}
}

func TestHTTPEngine_Stream(t *testing.T) {
	t.Parallel()

	t.Run("posts the turn and decodes NDJSON", func(t *testing.T) {
		t.Parallel()

		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = io.WriteString(w, "warming up\n"+engineOutput)
		}))
		t.Cleanup(srv.Close)

		engine, err := backends.NewHTTPEngine(agent.EngineOptions{URL: srv.URL, Timeout: 5 * time.Second})
		require.NoError(t, err)

		store := checkpoint.NewMemoryStore()
		var events []stream.RawEvent
		err = store.WithThread(context.Background(), "t1", func(ctx context.Context, h checkpoint.Handle) error {
			var err error
			events, err = drain(engine.Stream(ctx, agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "hello", Checkpoint: h}))
			return err
		})
		require.NoError(t, err)

		require.Len(t, events, 3)
		assert.Equal(t, "t1", got["thread_id"])
		assert.Equal(t, "u1", got["turn_id"])
		assert.Equal(t, "hello", got["prompt"])
		_, hasCheckpoint := got["checkpoint"]
		assert.False(t, hasCheckpoint)
		assert.Len(t, store.Threads(), 1)
	})

	t.Run("error status is a stream error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		engine, err := backends.NewHTTPEngine(agent.EngineOptions{URL: srv.URL})
		require.NoError(t, err)

		_, err = drain(engine.Stream(context.Background(), agent.Request{ThreadID: "t1", TurnID: "u1", Prompt: "p"}))
		require.ErrorIs(t, err, backends.ErrEngineStatus)
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "model overloaded")
	})

	t.Run("drives a full turn through the orchestrator", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, engineOutput)
		}))
		t.Cleanup(srv.Close)

		engine, err := backends.NewHTTPEngine(agent.EngineOptions{URL: srv.URL})
		require.NoError(t, err)

		o := agent.NewOrchestrator(checkpoint.NewMemoryStore(), nil, nil)
		turn, err := o.RunTurn(context.Background(), agent.Session{ThreadID: "t1", Engine: engine}, "find x")
		require.NoError(t, err)

		require.Len(t, turn.Steps, 3)
		displays := make([]string, 0, len(turn.Steps))
		for _, s := range turn.Steps {
			displays = append(displays, fmt.Sprintf("%s:%d", s.Kind, s.Display))
		}
		assert.Equal(t, []string{"tool_start:1", "tool_end:1", "text_delta:0"}, displays)
		assert.Equal(t, "done", turn.ResponseText)
		assert.Equal(t, domain.TurnStatusCompleted, turn.Status)
	})
}
