package command

import (
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
)

// Outcome is how a query settled. Only the types in this package
// implement it.
type Outcome interface {
	terminal(q devtoolsrelay.Query, now time.Time) devtoolsrelay.TerminalResult
}

// Completed is a direct result from SendResult.
type Completed struct {
	Payload any
}

// AsyncReported is a result reported through SendAsyncResult. Status is
// normalized before rendering.
type AsyncReported struct {
	Status string
	Result any
	Error  string
}

// Failed is a failure synthesized by the dispatcher or returned by the
// handler.
type Failed struct {
	Code    string
	Message string
}

func base(q devtoolsrelay.Query, now time.Time) devtoolsrelay.TerminalResult {
	return devtoolsrelay.TerminalResult{
		ID:            q.ID,
		Type:          q.Type,
		CorrelationID: q.CorrelationID,
		CompletedAt:   now,
	}
}

func (c Completed) terminal(q devtoolsrelay.Query, now time.Time) devtoolsrelay.TerminalResult {
	r := base(q, now)
	r.Status = devtoolsrelay.StatusComplete
	r.Result = c.Payload
	return r
}

// An async-reported failure is still a complete delivery; the failure
// travels inside the result.
func (a AsyncReported) terminal(q devtoolsrelay.Query, now time.Time) devtoolsrelay.TerminalResult {
	r := base(q, now)
	r.Status = devtoolsrelay.StatusComplete

	status := devtoolsrelay.NormalizeStatus(a.Status)
	if devtoolsrelay.IsFailedStatus(status) {
		r.Result = map[string]any{
			"success": false,
			"status":  status,
			"error":   a.Error,
			"result":  a.Result,
		}
		return r
	}
	r.Result = a.Result
	return r
}

func (f Failed) terminal(q devtoolsrelay.Query, now time.Time) devtoolsrelay.TerminalResult {
	r := base(q, now)
	r.Status = devtoolsrelay.StatusError

	msg := f.Message
	if msg == "" {
		msg = f.Code
	}
	r.Error = msg
	result := map[string]any{"error": msg}
	if f.Code != "" && f.Code != msg {
		result["code"] = f.Code
	}
	r.Result = result
	return r
}
