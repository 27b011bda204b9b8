package devtoolsrelay

import (
	"strings"
	"time"
)

// Status is the terminal status of a query.
type Status string

const (
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Error codes carried by synthesized terminal results.
const (
	CodeNoResult       = "no_result"
	CodeTimeout        = "timeout"
	CodeExpired        = "expired"
	CodeCancelled      = "cancelled"
	CodeUnknownCommand = "unknown_command"
	CodeInvalidParams  = "invalid_params"
)

// TerminalResult is the single, final completion reported for a query.
type TerminalResult struct {
	ID            string    `json:"id"`
	Type          string    `json:"type,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        Status    `json:"status"`
	Result        any       `json:"result"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}

// Failed reports whether the result is an outer error or an inner
// structured failure from an async-reported error.
func (r TerminalResult) Failed() bool {
	if r.Status == StatusError {
		return true
	}
	if m, ok := r.Result.(map[string]any); ok {
		if success, ok := m["success"].(bool); ok && !success {
			return true
		}
	}
	return false
}

// NormalizeStatus maps the loose status strings handlers report to the
// canonical set: complete, pending, error, timeout, expired, cancelled.
// Unknown values are treated as complete.
func NormalizeStatus(status string) string {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case "", "ok", "success", "succeeded", "done":
		return "complete"
	case "pending", "queued", "running", "still_processing":
		return "pending"
	case "complete", "error", "timeout", "expired", "cancelled":
		return normalized
	case "canceled":
		return "cancelled"
	default:
		return "complete"
	}
}

// IsFailedStatus reports whether a normalized status is a terminal failure.
func IsFailedStatus(status string) bool {
	switch status {
	case "error", "timeout", "expired", "cancelled":
		return true
	default:
		return false
	}
}
