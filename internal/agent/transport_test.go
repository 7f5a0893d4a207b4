package agent_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/stream"
)

func TestNDJSONTransport_FilterOutput(t *testing.T) {
	t.Parallel()

	header := string([]byte{1, 0, 0, 0, 0, 0, 0, 42})

	tests := []struct {
		name     string
		line     string
		want     string
		wantKeep bool
	}{
		{name: "json line", line: `{"event":"x"}`, want: `{"event":"x"}`, wantKeep: true},
		{name: "surrounding whitespace", line: "  {\"event\":\"x\"}\r", want: `{"event":"x"}`, wantKeep: true},
		{name: "blank", line: "   ", wantKeep: false},
		{name: "plain log line", line: "starting agent...", wantKeep: false},
		{name: "docker header", line: header + `{"event":"x"}`, want: `{"event":"x"}`, wantKeep: true},
		{name: "bare docker header", line: header, wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, keep := agent.NDJSONTransport{}.FilterOutput(tt.line)
			assert.Equal(t, tt.wantKeep, keep)
			assert.Equal(t, tt.want, got)
		})
	}
}

func collect(t *testing.T, seq func(func(stream.RawEvent, error) bool)) ([]stream.RawEvent, error) {
	t.Helper()

	var (
		events []stream.RawEvent
		last   error
	)
	for ev, err := range seq {
		if err != nil {
			last = err
			break
		}
		events = append(events, ev)
	}
	return events, last
}

func TestDecodeEvents(t *testing.T) {
	t.Parallel()

	t.Run("skips noise and keeps order", func(t *testing.T) {
		t.Parallel()

		input := strings.Join([]string{
			"booting",
			`{"event":"on_tool_start","name":"search","data":{"input":{"q":"x"}}}`,
			`{not json`,
			`{"name":"no event tag"}`,
			"",
			`{"event":"on_chat_model_stream","data":{"chunk":"hi"}}`,
		}, "\n")

		events, err := collect(t, agent.DecodeEvents(context.Background(), strings.NewReader(input), agent.NDJSONTransport{}, nil))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, stream.EventToolStart, events[0].Event)
		assert.Equal(t, "search", events[0].Name)
		assert.Equal(t, stream.EventChatModelStream, events[1].Event)
	})

	t.Run("saves checkpoints through the handle", func(t *testing.T) {
		t.Parallel()

		store := checkpoint.NewMemoryStore()
		input := `{"event":"on_checkpoint","data":{"checkpoint":{"step":3},"metadata":{"source":"loop"}}}` + "\n" +
			`{"event":"on_chat_model_stream","data":{"chunk":"after"}}`

		err := store.WithThread(context.Background(), "t1", func(ctx context.Context, h checkpoint.Handle) error {
			events, err := collect(t, agent.DecodeEvents(ctx, strings.NewReader(input), agent.NDJSONTransport{}, h))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, stream.EventChatModelStream, events[0].Event)

			assert.JSONEq(t, `{"step":3}`, string(agent.ResumeState(ctx, h)))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("checkpoint without handle is dropped", func(t *testing.T) {
		t.Parallel()

		input := `{"event":"on_checkpoint","data":{"checkpoint":{}}}`
		events, err := collect(t, agent.DecodeEvents(context.Background(), strings.NewReader(input), agent.NDJSONTransport{}, nil))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("read error ends the sequence", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("pipe broke")
		r := io.MultiReader(
			strings.NewReader(`{"event":"on_chat_model_stream","data":{"chunk":"a"}}`+"\n"),
			&failingReader{err: boom},
		)

		events, err := collect(t, agent.DecodeEvents(context.Background(), r, agent.NDJSONTransport{}, nil))
		require.ErrorIs(t, err, boom)
		assert.Len(t, events, 1)
	})

	t.Run("stops when consumer breaks", func(t *testing.T) {
		t.Parallel()

		input := strings.Repeat(`{"event":"on_chat_model_stream","data":{"chunk":"a"}}`+"\n", 10)
		n := 0
		for range agent.DecodeEvents(context.Background(), strings.NewReader(input), agent.NDJSONTransport{}, nil) {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})
}

func TestResumeState_Empty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, agent.ResumeState(context.Background(), nil))

	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.WithThread(context.Background(), "t1", func(ctx context.Context, h checkpoint.Handle) error {
		assert.Nil(t, agent.ResumeState(ctx, h))
		return nil
	}))
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }
