package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/stream"
)

// --- raw event builders ---

func toolBegin(name, input string) stream.RawEvent {
	data := `{}`
	if input != "" {
		data = `{"input":` + input + `}`
	}
	return stream.RawEvent{Event: stream.EventToolStart, Name: name, Data: json.RawMessage(data)}
}

func toolFinish(name, output string) stream.RawEvent {
	data := `{}`
	if output != "" {
		data = `{"output":` + output + `}`
	}
	return stream.RawEvent{Event: stream.EventToolEnd, Name: name, Data: json.RawMessage(data)}
}

func token(text string) stream.RawEvent {
	b, _ := json.Marshal(map[string]any{"chunk": map[string]any{"content": text}})
	return stream.RawEvent{Event: stream.EventChatModelStream, Data: b}
}

// --- scripted engine ---

type scriptEngine struct {
	events []stream.RawEvent
	// fail is yielded after events when set.
	fail error
	// block keeps the stream open after events until ctx ends.
	block bool
	// started is closed when Stream begins, if set.
	started chan struct{}
	// hook runs before any event is yielded.
	hook func(ctx context.Context, req agent.Request)
	panics bool

	mu       sync.Mutex
	requests []agent.Request
}

func (e *scriptEngine) Name() string { return "script" }

func (e *scriptEngine) Stream(ctx context.Context, req agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		e.mu.Lock()
		e.requests = append(e.requests, req)
		e.mu.Unlock()

		if e.hook != nil {
			e.hook(ctx, req)
		}
		if e.started != nil {
			close(e.started)
		}
		if e.panics {
			panic("engine exploded")
		}

		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
		if e.block {
			<-ctx.Done()
			return
		}
		if e.fail != nil {
			yield(stream.RawEvent{}, e.fail)
		}
	}
}

func (e *scriptEngine) lastRequest() agent.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

// --- recording publisher ---

type recordingPublisher struct {
	delay  time.Duration
	mu     sync.Mutex
	events []agent.Event
	chans  []string
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	var evt agent.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	p.chans = append(p.chans, channel)
	return nil
}

func (p *recordingPublisher) types() []agent.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// --- in-memory turn archive ---

type memTurns struct {
	mu       sync.Mutex
	turns    map[string][]*domain.Turn
	saveErr  error
	clearErr error
}

func newMemTurns() *memTurns {
	return &memTurns{turns: make(map[string][]*domain.Turn)}
}

func (m *memTurns) Save(_ context.Context, t *domain.Turn) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.turns[t.ThreadID] = append(m.turns[t.ThreadID], &cp)
	return nil
}

func (m *memTurns) ListByThread(_ context.Context, threadID string, _ int) ([]*domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Turn(nil), m.turns[threadID]...), nil
}

func (m *memTurns) DeleteByThread(_ context.Context, threadID string) error {
	if m.clearErr != nil {
		return m.clearErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, threadID)
	return nil
}

// --- checkpoint store whose deletes fail ---

type brokenDeleteStore struct {
	*checkpoint.MemoryStore
}

var errDiskGone = errors.New("disk gone")

func (brokenDeleteStore) DeleteThread(context.Context, string) error { return errDiskGone }
