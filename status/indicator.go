package status

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Indicator reflects connection changes outward: it logs each
// connected/disconnected edge and keeps the connection gauge current.
type Indicator struct {
	logger *slog.Logger

	mu       sync.Mutex
	seen     bool
	last     bool
	lastBrk  string
	lastPres string
}

// NewIndicator creates an Indicator. Attach it with Tracker.Subscribe.
func NewIndicator(logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{logger: logger}
}

// Observe handles a merged snapshot.
func (i *Indicator) Observe(s Snapshot) {
	i.mu.Lock()
	connChanged := !i.seen || i.last != s.Connected
	brkChanged := i.seen && i.lastBrk != s.CircuitBreakerState
	presChanged := i.seen && i.lastPres != s.MemoryPressureLevel
	i.seen = true
	i.last = s.Connected
	i.lastBrk = s.CircuitBreakerState
	i.lastPres = s.MemoryPressureLevel
	i.mu.Unlock()

	if connChanged {
		telemetry.SetConnected(context.Background(), s.Connected)
		if s.Connected {
			i.logger.Info("collector connected")
		} else if s.LastError != "" {
			i.logger.Warn("collector disconnected", "error", s.LastError)
		}
	}
	if brkChanged {
		i.logger.Info("circuit breaker state changed", "state", s.CircuitBreakerState)
	}
	if presChanged {
		i.logger.Warn("memory pressure changed", "level", s.MemoryPressureLevel)
	}
}
