package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/command"
	"github.com/wolfeidau/devtools-relay/script"
	"github.com/wolfeidau/devtools-relay/status"
)

type staticHistory []devtoolsrelay.TerminalResult

func (h staticHistory) FailedCommands() []devtoolsrelay.TerminalResult { return h }

func newDispatcher(t *testing.T, deps Deps) *command.Dispatcher {
	t.Helper()
	reg := command.NewRegistry()
	Register(reg, deps)
	return command.NewDispatcher(reg, command.Config{})
}

func dispatch(d *command.Dispatcher, typ string, params map[string]any) devtoolsrelay.TerminalResult {
	return d.Dispatch(context.Background(), devtoolsrelay.Query{
		ID:            typ + "-1",
		Type:          typ,
		CorrelationID: "corr-" + typ,
		Params:        devtoolsrelay.StructuredParams(params),
	})
}

func TestPing(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := newDispatcher(t, Deps{Clock: fc})

	r := dispatch(d, TypePing, nil)
	require.Equal(t, devtoolsrelay.StatusComplete, r.Status)
	m := r.Result.(map[string]any)
	require.Equal(t, true, m["pong"])
	require.Equal(t, fc.Now().UTC().Format(time.RFC3339Nano), m["time"])
}

func TestRegisterSkipsMissingDeps(t *testing.T) {
	reg := command.NewRegistry()
	Register(reg, Deps{})
	require.Equal(t, []string{TypePing}, reg.Types())

	reg = command.NewRegistry()
	Register(reg, Deps{
		Tracker:  status.NewTracker(),
		History:  staticHistory{},
		Executor: ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) { return ExecResult{}, nil }),
	})
	require.Equal(t, []string{TypeExecuteJS, TypeFailedCommands, TypeGetStatus, TypePing}, reg.Types())
}

func TestGetStatus(t *testing.T) {
	tracker := status.NewTracker()
	tracker.Merge(status.Update{Connected: status.Ptr(true), ErrorCountDelta: 3})
	d := newDispatcher(t, Deps{Tracker: tracker})

	r := dispatch(d, TypeGetStatus, nil)
	snap := r.Result.(status.Snapshot)
	require.True(t, snap.Connected)
	require.Equal(t, 3, snap.ErrorCount)
}

func TestFailedCommandsLimit(t *testing.T) {
	h := staticHistory{{ID: "c"}, {ID: "b"}, {ID: "a"}}
	d := newDispatcher(t, Deps{History: h})

	r := dispatch(d, TypeFailedCommands, nil)
	require.Equal(t, 3, r.Result.(map[string]any)["count"])

	r = dispatch(d, TypeFailedCommands, map[string]any{"limit": float64(1)})
	m := r.Result.(map[string]any)
	require.Equal(t, 1, m["count"])
	require.Equal(t, "c", m["commands"].([]devtoolsrelay.TerminalResult)[0].ID)
}

func TestExecuteJSSuccess(t *testing.T) {
	var got ExecRequest
	exec := ExecutorFunc(func(_ context.Context, req ExecRequest) (ExecResult, error) {
		got = req
		return ExecResult{Status: "success", Result: json.RawMessage(`{"title":"Home"}`)}, nil
	})
	d := newDispatcher(t, Deps{Executor: exec})

	r := dispatch(d, TypeExecuteJS, map[string]any{"script": "return document.title", "timeout_ms": float64(500)})
	require.Equal(t, devtoolsrelay.StatusComplete, r.Status)
	require.Equal(t, "corr-execute_js", r.CorrelationID)
	require.JSONEq(t, `{"title":"Home"}`, string(r.Result.(json.RawMessage)))

	require.Equal(t, "execute_js-1", got.QueryID)
	require.Equal(t, 500*time.Millisecond, got.Timeout)
	require.Equal(t, "return document.title", got.Script.Source)
}

func TestExecuteJSDefaultTimeout(t *testing.T) {
	var got ExecRequest
	exec := ExecutorFunc(func(_ context.Context, req ExecRequest) (ExecResult, error) {
		got = req
		return ExecResult{Status: "complete"}, nil
	})
	d := newDispatcher(t, Deps{Executor: exec})

	dispatch(d, TypeExecuteJS, map[string]any{"script": "1"})
	require.Equal(t, DefaultScriptTimeout, got.Timeout)
}

func TestExecuteJSExecutorFailureIsStructured(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		return ExecResult{}, errors.New("tab closed")
	})
	d := newDispatcher(t, Deps{Executor: exec})

	r := dispatch(d, TypeExecuteJS, map[string]any{"script": "1"})
	require.Equal(t, devtoolsrelay.StatusComplete, r.Status)
	m := r.Result.(map[string]any)
	require.Equal(t, false, m["success"])
	require.Equal(t, "error", m["status"])
	require.Equal(t, "tab closed", m["error"])
}

func TestExecuteJSPageTimeout(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		return ExecResult{Status: "timeout", Error: "script timed out after 10ms"}, nil
	})
	d := newDispatcher(t, Deps{Executor: exec})

	r := dispatch(d, TypeExecuteJS, map[string]any{"script": "1"})
	m := r.Result.(map[string]any)
	require.Equal(t, "timeout", m["status"])
	require.Equal(t, "script timed out after 10ms", m["error"])
}

func TestExecuteJSInvalidParams(t *testing.T) {
	var called atomic.Bool
	exec := ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		called.Store(true)
		return ExecResult{}, nil
	})
	d := newDispatcher(t, Deps{Executor: exec})

	r := dispatch(d, TypeExecuteJS, map[string]any{"timeout_ms": float64(5)})
	require.Equal(t, devtoolsrelay.StatusError, r.Status)
	require.Equal(t, devtoolsrelay.CodeInvalidParams, r.Result.(map[string]any)["code"])
	require.False(t, called.Load())
}

func TestExecuteJSTooLarge(t *testing.T) {
	var called atomic.Bool
	exec := ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		called.Store(true)
		return ExecResult{}, nil
	})
	d := newDispatcher(t, Deps{Executor: exec})

	r := dispatch(d, TypeExecuteJS, map[string]any{"script": strings.Repeat("x", script.MaxSourceSize+1)})
	m := r.Result.(map[string]any)
	require.Equal(t, false, m["success"])
	require.Contains(t, m["error"], "script too large")
	require.False(t, called.Load())
}

func TestHTTPExecutor(t *testing.T) {
	var body bridgeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"complete","result":42}`))
	}))
	defer srv.Close()

	cs, err := script.Compile("return 42")
	require.NoError(t, err)

	res, err := NewHTTPExecutor(srv.URL).Execute(context.Background(), ExecRequest{
		QueryID: "q1",
		TabID:   7,
		Script:  cs,
		Timeout: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "complete", res.Status)
	require.JSONEq(t, `42`, string(res.Result))

	require.Equal(t, "q1", body.QueryID)
	require.Equal(t, 7, body.TabID)
	require.Equal(t, int64(1000), body.TimeoutMS)
	require.Equal(t, cs.Invocation(time.Second), body.Script)
	require.Equal(t, cs.Signature.String(), body.Signature)
}

func TestHTTPExecutorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no tab", http.StatusNotFound)
	}))
	defer srv.Close()

	cs, err := script.Compile("1")
	require.NoError(t, err)
	_, err = NewHTTPExecutor(srv.URL).Execute(context.Background(), ExecRequest{QueryID: "q", Script: cs})
	require.ErrorContains(t, err, "page bridge returned 404: no tab")
}
