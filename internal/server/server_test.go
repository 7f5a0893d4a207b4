package server_test

import (
	"context"
	"encoding/json"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/auth"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/config"
	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/server"
	"github.com/gosuda/tako/internal/stream"
)

const testSecret = "server-test-secret-at-least-32-chars"

type echoEngine struct{}

func (echoEngine) Name() string { return "echo" }

func (echoEngine) Stream(_ context.Context, req agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		b, _ := json.Marshal(map[string]string{"chunk": "echo: " + req.Prompt})
		yield(stream.RawEvent{Event: stream.EventChatModelStream, Data: b}, nil)
	}
}

// stallEngine streams one chunk and then holds the turn open until cancelled.
type stallEngine struct {
	started chan struct{}
}

func (stallEngine) Name() string { return "stall" }

func (e stallEngine) Stream(ctx context.Context, _ agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		b, _ := json.Marshal(map[string]string{"chunk": "partial"})
		if !yield(stream.RawEvent{Event: stream.EventChatModelStream, Data: b}, nil) {
			return
		}
		close(e.started)
		<-ctx.Done()
	}
}

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()

	orch := agent.NewOrchestrator(checkpoint.NewMemoryStore(), nil, nil)
	srv := newServer(t, secret, orch, echoEngine{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newServer(t *testing.T, secret string, orch *agent.Orchestrator, engine agent.Engine) *server.Server {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			ReadTimeout:     5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		JWT: config.JWTConfig{Secret: secret, TokenTTL: time.Hour},
	}

	engines := func(string) (agent.Engine, error) { return engine, nil }
	return server.New(t.Context(), cfg, orch, engines, nil)
}

func issue(t *testing.T, role string, threads ...string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, "user-1", role, threads, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testSecret)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AccessControl(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testSecret)
	turnsURL := ts.URL + "/api/v1/threads/t1/turns"

	tests := []struct {
		name   string
		method string
		token  string
		body   string
		want   int
	}{
		{name: "missing token", method: http.MethodGet, want: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, token: "nope", want: http.StatusUnauthorized},
		{name: "viewer may read", method: http.MethodGet, token: issue(t, "viewer"), want: http.StatusOK},
		{name: "viewer may not write", method: http.MethodPost, token: issue(t, "viewer"), body: `{"prompt":"hi"}`, want: http.StatusForbidden},
		{name: "thread outside scope", method: http.MethodGet, token: issue(t, "member", "other"), want: http.StatusForbidden},
		{name: "thread inside scope", method: http.MethodGet, token: issue(t, "member", "t1"), want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := do(t, tc.method, turnsURL, tc.token, tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestServer_TurnRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testSecret)
	tok := issue(t, "member")

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/t1/turns?wait=true", tok, `{"prompt":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turn domain.Turn
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turn))
	assert.Equal(t, domain.TurnStatusCompleted, turn.Status)
	assert.Equal(t, "echo: ping", turn.ResponseText)

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/threads/t1", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthDisabled(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/open/turns?wait=true", "", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ThreadSocketUnavailableWithoutPubSub(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")

	resp := do(t, http.MethodGet, ts.URL+"/ws/threads/t1", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestServer_ShutdownReleasesWaitingRequests(t *testing.T) {
	t.Parallel()

	orch := agent.NewOrchestrator(checkpoint.NewMemoryStore(), nil, nil)
	engine := stallEngine{started: make(chan struct{})}
	srv := newServer(t, "", orch, engine)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	type result struct {
		status int
		turn   domain.Turn
		err    error
	}
	results := make(chan result, 1)
	go func() {
		url := "http://" + ln.Addr().String() + "/api/v1/threads/t1/turns?wait=true"
		resp, postErr := http.Post(url, "application/json", strings.NewReader(`{"prompt":"hold"}`)) //nolint:noctx // bounded by server shutdown
		if postErr != nil {
			results <- result{err: postErr}
			return
		}
		defer resp.Body.Close()
		var r result
		r.status = resp.StatusCode
		r.err = json.NewDecoder(resp.Body).Decode(&r.turn)
		results <- r
	}()

	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started streaming")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-served)

	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, domain.TurnStatusCancelled, r.turn.Status)
	assert.Equal(t, "partial", r.turn.ResponseText)

	_, active := orch.Active("t1")
	assert.False(t, active)
}
