package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/stream"
)

const (
	initialLineBuffer = 256 * 1024
	maxLineBuffer     = 4 * 1024 * 1024
)

// TransportHandler adapts how an engine frames its output lines.
type TransportHandler interface {
	// FilterOutput cleans one raw output line. Returns the cleaned line and
	// whether to keep it.
	FilterOutput(line string) (string, bool)
}

// NDJSONTransport reads one JSON event per line. It also accepts lines that
// still carry the 8-byte Docker multiplexing header.
type NDJSONTransport struct{}

func (NDJSONTransport) FilterOutput(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	// Binary prefix from a multiplexed Docker log stream.
	if trimmed[0] < 0x20 {
		if len(trimmed) <= 8 {
			return "", false
		}
		trimmed = strings.TrimSpace(trimmed[8:])
	}

	if trimmed == "" || trimmed[0] != '{' {
		return "", false
	}
	return trimmed, true
}

type checkpointData struct {
	Checkpoint json.RawMessage `json:"checkpoint"`
	ParentID   string          `json:"parent_id"`
	Metadata   map[string]any  `json:"metadata"`
}

// DecodeEvents yields the events read line by line from r.
//
// Lines the transport drops and lines that are not JSON objects are skipped.
// on_checkpoint events are saved through h and never yielded; a failed save
// is logged and the stream continues. A read error ends the sequence with
// that error.
func DecodeEvents(ctx context.Context, r io.Reader, t TransportHandler, h checkpoint.Handle) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line, keep := t.FilterOutput(scanner.Text())
			if !keep {
				continue
			}

			var ev stream.RawEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				log.Warn().Err(err).Msg("agent.DecodeEvents: skipping undecodable line")
				continue
			}
			if ev.Event == "" {
				continue
			}

			if ev.Event == stream.EventCheckpoint {
				saveCheckpoint(ctx, h, ev)
				continue
			}

			if !yield(ev, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield(stream.RawEvent{}, fmt.Errorf("agent.DecodeEvents: %w", err))
		}
	}
}

func saveCheckpoint(ctx context.Context, h checkpoint.Handle, ev stream.RawEvent) {
	if h == nil {
		return
	}

	var data checkpointData
	if err := json.Unmarshal(ev.Data, &data); err != nil || len(data.Checkpoint) == 0 {
		log.Warn().Err(err).Str("thread_id", h.ThreadID()).Msg("agent.DecodeEvents: malformed checkpoint event")
		return
	}

	_, err := h.Put(ctx, checkpoint.Checkpoint{
		ParentID: data.ParentID,
		Data:     data.Checkpoint,
		Metadata: data.Metadata,
	})
	if err != nil {
		log.Warn().Err(err).Str("thread_id", h.ThreadID()).Msg("agent.DecodeEvents: failed to save checkpoint")
	}
}

// ResumeState returns the latest checkpoint data of h, or nil when there is
// nothing to resume from.
func ResumeState(ctx context.Context, h checkpoint.Handle) json.RawMessage {
	if h == nil {
		return nil
	}
	cp, err := h.Latest(ctx)
	if err != nil {
		return nil
	}
	return cp.Data
}
