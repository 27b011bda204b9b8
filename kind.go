package devtoolsrelay

import "fmt"

// EventKind identifies one telemetry stream. Each kind has its own batcher
// and collector endpoint.
type EventKind string

const (
	KindLog                 EventKind = "log"
	KindWebSocketEvent      EventKind = "websocket-event"
	KindEnhancedAction      EventKind = "enhanced-action"
	KindNetworkBody         EventKind = "network-body"
	KindPerformanceSnapshot EventKind = "performance-snapshot"
)

var kinds = []EventKind{
	KindLog,
	KindWebSocketEvent,
	KindEnhancedAction,
	KindNetworkBody,
	KindPerformanceSnapshot,
}

// Kinds returns every event kind in a stable order.
func Kinds() []EventKind {
	out := make([]EventKind, len(kinds))
	copy(out, kinds)
	return out
}

// ParseKind parses an event kind name.
func ParseKind(s string) (EventKind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Endpoint returns the collector path for the kind.
func (k EventKind) Endpoint() string {
	switch k {
	case KindLog:
		return "/logs"
	case KindWebSocketEvent:
		return "/websocket-events"
	case KindEnhancedAction:
		return "/enhanced-actions"
	case KindNetworkBody:
		return "/network-bodies"
	case KindPerformanceSnapshot:
		return "/performance-snapshots"
	default:
		return ""
	}
}

// PayloadKey returns the JSON field that carries the batch items.
func (k EventKind) PayloadKey() string {
	switch k {
	case KindLog:
		return "entries"
	case KindWebSocketEvent:
		return "events"
	case KindEnhancedAction:
		return "actions"
	case KindNetworkBody:
		return "bodies"
	case KindPerformanceSnapshot:
		return "snapshots"
	default:
		return ""
	}
}
