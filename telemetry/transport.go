package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with collector request metrics.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := req.URL.Path
	sent := req.ContentLength

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordCollectorRequest(req.Context(), endpoint, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		endpoint:   endpoint,
		start:      start,
		sent:       sent,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body so the request is recorded once
// the caller has finished with the response.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	endpoint string
	start    time.Time
	sent     int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordCollectorRequest(b.ctx, b.endpoint, time.Since(b.start), b.sent, b.outcome)
	}
	return b.ReadCloser.Close()
}
