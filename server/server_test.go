package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/batch"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/command"
	"github.com/wolfeidau/devtools-relay/guard"
	"github.com/wolfeidau/devtools-relay/status"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent map[devtoolsrelay.EventKind]int
}

func (t *recordingTransport) Send(_ context.Context, kind devtoolsrelay.EventKind, _ any) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sent == nil {
		t.sent = make(map[devtoolsrelay.EventKind]int)
	}
	t.sent[kind]++
	return -1, nil
}

type fakeJournal []devtoolsrelay.TerminalResult

func (j fakeJournal) Recent(_ context.Context, n int) ([]devtoolsrelay.TerminalResult, error) {
	return j[:min(n, len(j))], nil
}

type testEnv struct {
	server     *Server
	pipeline   *batch.Pipeline
	dispatcher *command.Dispatcher
	tracker    *status.Tracker
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracker := status.NewTracker()
	brk := breaker.New(breaker.Config{}, breaker.WithLogger(logger))
	pipeline := batch.NewPipeline(batch.PipelineConfig{}, &recordingTransport{}, brk, tracker, batch.WithPipelineLogger(logger))

	reg := command.NewRegistry()
	reg.Register("ping", func(_ context.Context, c *command.Context) error {
		c.SendResult(map[string]any{"pong": true})
		return nil
	})
	dispatcher := command.NewDispatcher(reg, command.Config{}, command.WithLogger(logger))

	g := guard.New(guard.WithLogger(logger))
	g.Start("sync", func(context.Context) {}, time.Hour)
	t.Cleanup(g.StopAll)

	cfg := Config{
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Breaker:    brk,
		Guard:      g,
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{server: s, pipeline: pipeline, dispatcher: dispatcher, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil, "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestIngestLogs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/logs", []byte(`{"entries":[
		{"level":"info","message":"loaded"},
		{"level":"error","message":"boom","source":"app.js:1"}
	]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, map[string]int{"accepted": 2}, decode[map[string]int](t, rec))
	require.Equal(t, 2, env.pipeline.Entries())
	require.Equal(t, 2, env.tracker.Get().Entries)
}

func TestIngestEveryKind(t *testing.T) {
	env := newTestEnv(t, nil)

	bodies := map[devtoolsrelay.EventKind]string{
		devtoolsrelay.KindWebSocketEvent:      `{"events":[{"event":"message","id":"ws1"}]}`,
		devtoolsrelay.KindEnhancedAction:      `{"actions":[{"type":"click","timestamp":1}]}`,
		devtoolsrelay.KindNetworkBody:         `{"bodies":[{"url":"https://example.com","method":"GET","status":200}]}`,
		devtoolsrelay.KindPerformanceSnapshot: `{"snapshots":[{"url":"https://example.com"}]}`,
	}
	for kind, body := range bodies {
		rec := env.do(t, http.MethodPost, kind.Endpoint(), []byte(body))
		require.Equal(t, http.StatusAccepted, rec.Code, "kind %s: %s", kind, rec.Body.String())
	}
	require.Equal(t, 4, env.pipeline.Entries())
}

func TestIngestZstdBody(t *testing.T) {
	env := newTestEnv(t, nil)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	payload := enc.EncodeAll([]byte(`{"entries":[{"level":"warn","message":"slow"}]}`), nil)

	rec := env.do(t, http.MethodPost, "/logs", payload, "Content-Encoding", "zstd")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, env.pipeline.Entries())
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/logs", []byte(`{"events":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decode[map[string]string](t, rec)["error"], `missing "entries"`)

	rec = env.do(t, http.MethodPost, "/logs", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/logs", []byte("garbage"), "Content-Encoding", "zstd")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/logs", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	require.Equal(t, 0, env.pipeline.Entries())
}

func TestIngestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	big := `{"entries":[{"level":"info","message":"` + strings.Repeat("x", MaxBodySize) + `"}]}`
	rec := env.do(t, http.MethodPost, "/logs", []byte(big))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/queries", []byte(`{"id":"q1","type":"ping","correlation_id":"c1","params":{}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	require.Equal(t, "q1", got["id"])
	require.Equal(t, "c1", got["correlation_id"])
	require.Equal(t, "complete", got["status"])
	require.Equal(t, map[string]any{"pong": true}, got["result"])
}

func TestQueryUnknownCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/queries", []byte(`{"type":"nope"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	require.Equal(t, "error", got["status"])
	require.NotEmpty(t, got["id"])
	require.Equal(t, devtoolsrelay.CodeUnknownCommand, got["result"].(map[string]any)["code"])
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/queries", []byte(`{"id":"q1"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/queries", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"commands":["ping"]}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tracker.Merge(status.Update{Connected: status.Ptr(true)})

	rec := env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Status         status.Snapshot `json:"status"`
		PendingQueries int             `json:"pending_queries"`
		Breaker        breakerView     `json:"breaker"`
		Tasks          []string        `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Status.Connected)
	require.Equal(t, "closed", got.Breaker.State)
	require.Equal(t, []string{"sync"}, got.Tasks)
	require.Equal(t, 0, got.PendingQueries)
}

func TestResults(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/results", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	journal := fakeJournal{
		{ID: "b", Status: devtoolsrelay.StatusComplete},
		{ID: "a", Status: devtoolsrelay.StatusError, Error: "timeout"},
	}
	env = newTestEnv(t, func(c *Config) { c.Journal = journal })

	rec = env.do(t, http.MethodGet, "/results?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string][]devtoolsrelay.TerminalResult](t, rec)
	require.Len(t, got["results"], 1)
	require.Equal(t, "b", got["results"][0].ID)

	rec = env.do(t, http.MethodGet, "/results?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthIntegration(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthToken = "secret" })

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/status", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/status", nil, "Authorization", "Bearer secret").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestServeAndShutdown(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxConnections = 2 })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	require.NoError(t, <-errCh)
}
