package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/stream"
)

const (
	httpEngine       = "http"
	maxErrorBodySize = 4 * 1024
)

var (
	// ErrInvalidURL is returned for an engine URL that is not absolute http(s).
	ErrInvalidURL = errors.New("backends: invalid engine url") //nolint:gochecknoglobals // sentinel error
	// ErrEngineStatus is returned when the engine answers with a non-2xx status.
	ErrEngineStatus = errors.New("backends: engine returned error status") //nolint:gochecknoglobals // sentinel error
)

// HTTPEngine posts each turn to a remote agent service and reads the NDJSON
// event stream from the response body.
type HTTPEngine struct {
	client    *http.Client
	url       string
	transport agent.TransportHandler
}

type turnRequest struct {
	ThreadID   string          `json:"thread_id"`
	TurnID     string          `json:"turn_id"`
	Prompt     string          `json:"prompt"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// NewHTTPEngine is the registry factory for the "http" engine type.
// opts.Timeout caps a whole turn; zero means no cap.
func NewHTTPEngine(opts agent.EngineOptions) (agent.Engine, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backends.NewHTTPEngine(%q): %w", opts.URL, ErrInvalidURL)
	}

	return &HTTPEngine{
		client:    &http.Client{Timeout: opts.Timeout},
		url:       u.String(),
		transport: agent.NDJSONTransport{},
	}, nil
}

func (e *HTTPEngine) Name() string { return httpEngine }

func (e *HTTPEngine) Stream(ctx context.Context, req agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		body, err := json.Marshal(turnRequest{
			ThreadID:   req.ThreadID,
			TurnID:     req.TurnID,
			Prompt:     req.Prompt,
			Checkpoint: agent.ResumeState(ctx, req.Checkpoint),
		})
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.HTTPEngine.Stream: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.HTTPEngine.Stream: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.HTTPEngine.Stream: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			yield(stream.RawEvent{}, fmt.Errorf("backends.HTTPEngine.Stream: %d %s: %w",
				resp.StatusCode, bytes.TrimSpace(msg), ErrEngineStatus))
			return
		}

		for ev, err := range agent.DecodeEvents(ctx, resp.Body, e.transport, req.Checkpoint) {
			if err != nil {
				yield(stream.RawEvent{}, fmt.Errorf("backends.HTTPEngine.Stream: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
