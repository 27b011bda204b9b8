package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/devtools-relay/script"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// ExecRequest is a compiled script to run in a tab.
type ExecRequest struct {
	QueryID string
	TabID   int
	Script  *script.Compiled
	Timeout time.Duration
}

// ExecResult is what the page reported. Status uses the async status
// vocabulary (complete, error, timeout, ...).
type ExecResult struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Executor runs scripts in the page.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}

// maxBridgeResponse caps the size of a bridge reply.
const maxBridgeResponse = 8 << 20

// bridgeSlack is added to the script timeout for the HTTP round trip.
const bridgeSlack = 2 * time.Second

// HTTPExecutor posts compiled scripts to a page bridge.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

// HTTPExecutorOption configures an HTTPExecutor.
type HTTPExecutorOption func(*HTTPExecutor)

// WithExecutorClient sets the HTTP client used to reach the bridge.
func WithExecutorClient(c *http.Client) HTTPExecutorOption {
	return func(e *HTTPExecutor) {
		e.client = c
	}
}

// NewHTTPExecutor creates an executor posting to bridgeURL.
func NewHTTPExecutor(bridgeURL string, opts ...HTTPExecutorOption) *HTTPExecutor {
	e := &HTTPExecutor{
		url:    bridgeURL,
		client: &http.Client{Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type bridgeRequest struct {
	QueryID   string `json:"query_id"`
	TabID     int    `json:"tab_id,omitempty"`
	Script    string `json:"script"`
	Signature string `json:"signature"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	body, err := json.Marshal(bridgeRequest{
		QueryID:   req.QueryID,
		TabID:     req.TabID,
		Script:    req.Script.Invocation(req.Timeout),
		Signature: req.Script.Signature.String(),
		TimeoutMS: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("encoding bridge request: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout+bridgeSlack)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating bridge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return ExecResult{}, fmt.Errorf("calling page bridge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeResponse))
	if err != nil {
		return ExecResult{}, fmt.Errorf("reading bridge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ExecResult{}, fmt.Errorf("page bridge returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out ExecResult
	if err := json.Unmarshal(data, &out); err != nil {
		return ExecResult{}, fmt.Errorf("decoding bridge response: %w", err)
	}
	return out, nil
}
