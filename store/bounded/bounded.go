// Package bounded provides a generic in-memory keyed store whose size is
// bounded by recency (LRU), by age (TTL) or by both.
//
// Long-lived relay state (compiled scripts, in-flight queries, error groups)
// lives in these stores so a process that never restarts cannot grow without
// limit. TTL stores grow between sweeps; callers schedule Sweep periodically.
package bounded

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Reason describes why an entry was evicted. Delete and Take remove
// entries without notifying.
type Reason string

const (
	ReasonCapacity Reason = "capacity"
	ReasonExpired  Reason = "expired"
)

// Config bounds a store. A zero Capacity means no count bound and a zero
// MaxAge means no age bound.
type Config struct {
	// Capacity is the maximum number of entries. Set evicts the least
	// recently used entry once it is exceeded.
	Capacity int

	// MaxAge is the age, measured from insertion, after which Sweep
	// removes an entry.
	MaxAge time.Duration

	// RefreshOnGet makes Get count as a use for LRU ordering. TTL-only
	// stores leave it off: their entries track "in flight", not
	// "recently used".
	RefreshOnGet bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	name    string
	clock   clock.Clock
	logger  *slog.Logger
	onEvict []func(key any, value any, reason Reason)
}

// WithName labels the store in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOnEvict registers a callback for entries removed by capacity or
// sweep. Explicit Delete and Take do not trigger it. Callbacks run after
// the store lock is released.
func WithOnEvict[K comparable, V any](fn func(key K, value V, reason Reason)) Option {
	return func(o *options) {
		o.onEvict = append(o.onEvict, func(k any, v any, r Reason) {
			fn(k.(K), v.(V), r)
		})
	}
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	createdAt  time.Time
	lastAccess time.Time
}

// Store is a bounded keyed store. It is safe for concurrent use.
type Store[K comparable, V any] struct {
	cfg  Config
	opts options

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[K]*list.Element
}

// New creates a store with the given bounds.
func New[K comparable, V any](cfg Config, opts ...Option) *Store[K, V] {
	o := options{
		name:   "bounded",
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[K, V]{
		cfg:   cfg,
		opts:  o,
		ll:    list.New(),
		items: make(map[K]*list.Element),
	}
}

// NewLRU creates a store bounded only by capacity. Reads refresh recency.
func NewLRU[K comparable, V any](capacity int, opts ...Option) *Store[K, V] {
	return New[K, V](Config{Capacity: capacity, RefreshOnGet: true}, opts...)
}

// NewTTL creates a store bounded only by age. Reads do not refresh.
func NewTTL[K comparable, V any](maxAge time.Duration, opts ...Option) *Store[K, V] {
	return New[K, V](Config{MaxAge: maxAge}, opts...)
}

// NewDual creates a store bounded by both capacity and age, whichever
// triggers first.
func NewDual[K comparable, V any](capacity int, maxAge time.Duration, opts ...Option) *Store[K, V] {
	return New[K, V](Config{Capacity: capacity, MaxAge: maxAge, RefreshOnGet: true}, opts...)
}

// Name returns the store's label.
func (s *Store[K, V]) Name() string {
	return s.opts.name
}

// Set inserts or updates key. Updating an existing key refreshes its
// recency but keeps its creation time and does not grow the store.
func (s *Store[K, V]) Set(key K, value V) {
	now := s.opts.clock.Now()

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.lastAccess = now
		s.ll.MoveToFront(el)
		s.mu.Unlock()
		return
	}

	s.items[key] = s.ll.PushFront(&entry[K, V]{
		key:        key,
		value:      value,
		createdAt:  now,
		lastAccess: now,
	})
	evicted := s.trimLocked()
	s.mu.Unlock()

	s.notify(evicted, ReasonCapacity)
}

// Add inserts key only if it is absent. It reports whether it inserted.
func (s *Store[K, V]) Add(key K, value V) bool {
	now := s.opts.clock.Now()

	s.mu.Lock()
	if _, ok := s.items[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.items[key] = s.ll.PushFront(&entry[K, V]{
		key:        key,
		value:      value,
		createdAt:  now,
		lastAccess: now,
	})
	evicted := s.trimLocked()
	s.mu.Unlock()

	s.notify(evicted, ReasonCapacity)
	return true
}

// Get returns the value for key. In stores with RefreshOnGet a hit
// counts as a use.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if s.cfg.RefreshOnGet {
		e.lastAccess = s.opts.clock.Now()
		s.ll.MoveToFront(el)
	}
	return e.value, true
}

// Peek returns the value for key without refreshing recency.
func (s *Store[K, V]) Peek(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Take removes key and returns its value in one step. Of several
// concurrent Take calls for the same key, exactly one observes ok.
func (s *Store[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	s.removeLocked(el)
	return el.Value.(*entry[K, V]).value, true
}

// Delete removes key. It reports whether the key was present.
func (s *Store[K, V]) Delete(key K) bool {
	_, ok := s.Take(key)
	return ok
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Keys returns the keys, most recently used first.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]K, 0, s.ll.Len())
	for el := s.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Range calls fn for each entry, most recently used first, until fn
// returns false. fn must not call back into the store.
func (s *Store[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Sweep removes entries older than MaxAge and then trims the least
// recently used entries down to Capacity. It returns the number removed
// and is a no-op when nothing is out of bounds.
func (s *Store[K, V]) Sweep() int {
	now := s.opts.clock.Now()

	s.mu.Lock()
	var expired []*entry[K, V]
	if s.cfg.MaxAge > 0 {
		for el := s.ll.Back(); el != nil; {
			prev := el.Prev()
			e := el.Value.(*entry[K, V])
			if now.Sub(e.createdAt) > s.cfg.MaxAge {
				s.removeLocked(el)
				expired = append(expired, e)
			}
			el = prev
		}
	}
	trimmed := s.trimLocked()
	s.mu.Unlock()

	s.notify(expired, ReasonExpired)
	s.notify(trimmed, ReasonCapacity)

	removed := len(expired) + len(trimmed)
	if removed > 0 {
		s.opts.logger.Debug("bounded store swept",
			"store", s.opts.name,
			"expired", len(expired),
			"trimmed", len(trimmed),
			"remaining", s.Len())
	}
	return removed
}

// trimLocked evicts from the LRU tail until the store is within capacity.
func (s *Store[K, V]) trimLocked() []*entry[K, V] {
	if s.cfg.Capacity <= 0 {
		return nil
	}
	var evicted []*entry[K, V]
	for s.ll.Len() > s.cfg.Capacity {
		el := s.ll.Back()
		s.removeLocked(el)
		evicted = append(evicted, el.Value.(*entry[K, V]))
	}
	return evicted
}

func (s *Store[K, V]) removeLocked(el *list.Element) {
	s.ll.Remove(el)
	delete(s.items, el.Value.(*entry[K, V]).key)
}

func (s *Store[K, V]) notify(entries []*entry[K, V], reason Reason) {
	if len(entries) == 0 {
		return
	}
	telemetry.RecordStoreEviction(context.Background(), s.opts.name, string(reason), len(entries))
	for _, e := range entries {
		for _, fn := range s.opts.onEvict {
			fn(e.key, e.value, reason)
		}
	}
}
