// Package capture defines the telemetry items the relay forwards and the
// processing applied to them before they leave the process.
package capture

import (
	"encoding/json"
)

// LogEntry is a console or page error log line.
type LogEntry struct {
	Timestamp string          `json:"ts,omitempty"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Source    string          `json:"source,omitempty"`
	URL       string          `json:"url,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	TabID     int             `json:"tab_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsError reports whether the entry counts toward the status error count.
func (e LogEntry) IsError() bool {
	return e.Level == "error"
}

// WebSocketEvent is a captured WebSocket lifecycle or message event.
type WebSocketEvent struct {
	Timestamp   string          `json:"ts,omitempty"`
	Event       string          `json:"event"`
	ID          string          `json:"id"`
	URL         string          `json:"url,omitempty"`
	Direction   string          `json:"direction,omitempty"`
	Data        string          `json:"data,omitempty"`
	Size        int             `json:"size,omitempty"`
	CloseCode   int             `json:"code,omitempty"`
	CloseReason string          `json:"reason,omitempty"`
	Sampled     json.RawMessage `json:"sampled,omitempty"`
}

// EnhancedAction is a recorded user action with its selector strategies.
type EnhancedAction struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	URL       string          `json:"url,omitempty"`
	Selectors json.RawMessage `json:"selectors,omitempty"`
	Value     string          `json:"value,omitempty"`
	InputType string          `json:"inputType,omitempty"`
	Key       string          `json:"key,omitempty"`
	FromURL   string          `json:"fromUrl,omitempty"`
	ToURL     string          `json:"toUrl,omitempty"`
	ScrollY   int             `json:"scrollY,omitempty"`
}

// NetworkBody is a captured request/response pair.
type NetworkBody struct {
	Timestamp         string            `json:"ts,omitempty"`
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Status            int               `json:"status"`
	RequestBody       string            `json:"requestBody,omitempty"`
	ResponseBody      string            `json:"responseBody,omitempty"`
	ContentType       string            `json:"contentType,omitempty"`
	Duration          int               `json:"duration,omitempty"`
	RequestTruncated  bool              `json:"requestTruncated,omitempty"`
	ResponseTruncated bool              `json:"responseTruncated,omitempty"`
	RequestHeaders    map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	HasAuthHeader     bool              `json:"hasAuthHeader,omitempty"`
}

// PerformanceSnapshot is a page-load performance sample. Timing and
// resource detail is passed through untouched.
type PerformanceSnapshot struct {
	URL       string          `json:"url"`
	Timestamp string          `json:"timestamp"`
	Timing    json.RawMessage `json:"timing,omitempty"`
	Network   json.RawMessage `json:"network,omitempty"`
	LongTasks json.RawMessage `json:"longTasks,omitempty"`
	CLS       *float64        `json:"cumulativeLayoutShift,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
}
