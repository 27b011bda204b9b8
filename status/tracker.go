// Package status holds the relay's shared connection status record and the
// observers that react to it.
package status

import (
	"maps"
	"sync"
	"time"

	"github.com/wolfeidau/devtools-relay/clock"
)

// Memory pressure levels.
const (
	PressureNormal = "normal"
	PressureSoft   = "soft"
	PressureHard   = "hard"
)

// Snapshot is a consistent copy of the connection status.
type Snapshot struct {
	Connected           bool           `json:"connected"`
	Entries             int            `json:"entries"`
	MaxEntries          int            `json:"max_entries"`
	ErrorCount          int            `json:"error_count"`
	CircuitBreakerState string         `json:"circuit_breaker_state"`
	MemoryPressureLevel string         `json:"memory_pressure_level"`
	LastError           string         `json:"last_error,omitempty"`
	LastSuccessAt       time.Time      `json:"last_success_at,omitzero"`
	LastFailureAt       time.Time      `json:"last_failure_at,omitzero"`
	SentByKind          map[string]int `json:"sent_by_kind"`
	DroppedByKind       map[string]int `json:"dropped_by_kind"`
	PendingQueries      int            `json:"pending_queries"`
	ErrorGroups         int            `json:"error_groups"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	s.SentByKind = maps.Clone(s.SentByKind)
	s.DroppedByKind = maps.Clone(s.DroppedByKind)
	return s
}

// Update is a partial change. Nil pointer fields are left alone. Delta
// fields are added to the current value under the tracker lock, so
// concurrent batchers never lose increments.
type Update struct {
	Connected           *bool
	Entries             *int
	MaxEntries          *int
	ErrorCountDelta     int
	CircuitBreakerState *string
	MemoryPressureLevel *string
	LastError           *string
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	SentDelta           map[string]int
	DroppedDelta        map[string]int
	PendingQueries      *int
	ErrorGroups         *int
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T {
	return &v
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used for UpdatedAt.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithMaxEntries sets the initial buffer bound reported as max_entries.
func WithMaxEntries(n int) Option {
	return func(t *Tracker) {
		t.snap.MaxEntries = n
	}
}

// Tracker is the process-wide connection status. Construct one per
// process and pass it to every component that reports or reads status.
type Tracker struct {
	clock clock.Clock

	mu        sync.Mutex
	snap      Snapshot
	nextID    int
	observers map[int]func(Snapshot)
}

// NewTracker creates a tracker with every field initialised.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock: clock.Real(),
		snap: Snapshot{
			CircuitBreakerState: "closed",
			MemoryPressureLevel: PressureNormal,
			SentByKind:          map[string]int{},
			DroppedByKind:       map[string]int{},
		},
		observers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.snap.UpdatedAt = t.clock.Now()
	return t
}

// Get returns a copy of the current status.
func (t *Tracker) Get() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.clone()
}

// Merge applies u and notifies observers with the resulting snapshot.
// Observers run on the caller's goroutine after the lock is released.
func (t *Tracker) Merge(u Update) Snapshot {
	t.mu.Lock()
	s := &t.snap
	if u.Connected != nil {
		s.Connected = *u.Connected
	}
	if u.Entries != nil {
		s.Entries = *u.Entries
	}
	if u.MaxEntries != nil {
		s.MaxEntries = *u.MaxEntries
	}
	s.ErrorCount += u.ErrorCountDelta
	if u.CircuitBreakerState != nil {
		s.CircuitBreakerState = *u.CircuitBreakerState
	}
	if u.MemoryPressureLevel != nil {
		s.MemoryPressureLevel = *u.MemoryPressureLevel
	}
	if u.LastError != nil {
		s.LastError = *u.LastError
	}
	if u.LastSuccessAt != nil {
		s.LastSuccessAt = *u.LastSuccessAt
	}
	if u.LastFailureAt != nil {
		s.LastFailureAt = *u.LastFailureAt
	}
	for k, v := range u.SentDelta {
		s.SentByKind[k] += v
	}
	for k, v := range u.DroppedDelta {
		s.DroppedByKind[k] += v
	}
	if u.PendingQueries != nil {
		s.PendingQueries = *u.PendingQueries
	}
	if u.ErrorGroups != nil {
		s.ErrorGroups = *u.ErrorGroups
	}
	s.UpdatedAt = t.clock.Now()

	out := s.clone()
	observers := make([]func(Snapshot), 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(out)
	}
	return out
}

// Subscribe registers fn to receive every merged snapshot. The returned
// func removes it.
func (t *Tracker) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}
