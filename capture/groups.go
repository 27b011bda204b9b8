package capture

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/store/bounded"
)

const (
	DefaultGroupCapacity = 100
	DefaultGroupWindow   = time.Hour
)

// Group counts repeats of one error signature within the window.
type Group struct {
	Signature devtoolsrelay.Signature `json:"signature"`
	Level     string                  `json:"level"`
	Message   string                  `json:"message"`
	Source    string                  `json:"source,omitempty"`
	Count     int                     `json:"count"`
	FirstSeen time.Time               `json:"first_seen"`
	LastSeen  time.Time               `json:"last_seen"`
}

// Groups deduplicates error log entries. The first entry of a signature
// within the window is forwarded; repeats only bump the count.
type Groups struct {
	clock clock.Clock

	mu    sync.Mutex
	store *bounded.Store[devtoolsrelay.Signature, *Group]
}

// NewGroups creates a group set bounded by capacity and window.
func NewGroups(capacity int, window time.Duration, c clock.Clock, logger *slog.Logger) *Groups {
	if capacity <= 0 {
		capacity = DefaultGroupCapacity
	}
	if window <= 0 {
		window = DefaultGroupWindow
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Groups{
		clock: c,
		store: bounded.NewDual[devtoolsrelay.Signature, *Group](capacity, window,
			bounded.WithName("error_groups"),
			bounded.WithClock(c),
			bounded.WithLogger(logger),
		),
	}
}

// Observe records e. Entries below error level are always forwarded and
// are not grouped.
func (g *Groups) Observe(e LogEntry) (forward bool, group Group) {
	if !e.IsError() {
		return true, Group{}
	}
	sig := devtoolsrelay.ErrorSignature(e.Level, e.Message, e.Source)
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.store.Get(sig); ok {
		existing.Count++
		existing.LastSeen = now
		return false, *existing
	}

	ng := &Group{
		Signature: sig,
		Level:     e.Level,
		Message:   e.Message,
		Source:    e.Source,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	g.store.Set(sig, ng)
	return true, *ng
}

// Sweep drops groups whose window has passed.
func (g *Groups) Sweep() int {
	return g.store.Sweep()
}

// Len returns the number of live groups.
func (g *Groups) Len() int {
	return g.store.Len()
}

// Snapshot lists the groups, highest count first.
func (g *Groups) Snapshot() []Group {
	g.mu.Lock()
	out := make([]Group, 0, g.store.Len())
	g.store.Range(func(_ devtoolsrelay.Signature, v *Group) bool {
		out = append(out, *v)
		return true
	})
	g.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Group) int {
		return cmp.Compare(b.Count, a.Count)
	})
	return out
}
