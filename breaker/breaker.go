// Package breaker implements a consecutive-failure circuit breaker for
// outbound calls to the collector.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// State is the breaker state.
type State int32

const (
	// Closed lets calls through and counts failures.
	Closed State = iota
	// Open short-circuits calls until the cooldown elapses.
	Open
	// HalfOpen lets a single trial call through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrOpen is matched by every short-circuit error. It is never returned for
// a failure of the guarded call itself.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is short-circuited.
type OpenError struct {
	Name       string
	RetryAfter time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s open until %s", e.Name, e.RetryAfter.Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrOpen) true for short-circuit errors.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config configures a Breaker.
type Config struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open the first time.
	// Default: 1s.
	Cooldown time.Duration

	// MaxCooldown caps the backed-off cooldown after failed trials.
	// Default: 60s.
	MaxCooldown time.Duration

	// BackoffFactor multiplies the cooldown each time a half-open trial
	// fails. Default: 2.
	BackoffFactor float64
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Name:          "collector",
		Threshold:     5,
		Cooldown:      time.Second,
		MaxCooldown:   60 * time.Second,
		BackoffFactor: 2,
	}
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	RetryAfter  time.Time
	Cooldown    time.Duration
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		b.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// Breaker tracks consecutive failures of an outbound call. One instance is
// shared by every batcher that delivers to the same collector. It is safe
// for concurrent use.
type Breaker struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	retryAfter  time.Time
	cooldown    time.Duration
	probing     bool
	observers   []func(from, to State)
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = max(def.MaxCooldown, cfg.Cooldown)
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}

	b := &Breaker{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("breaker", cfg.Name)
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// OnStateChange registers fn to be called after every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports Open until the next call moves it to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		RetryAfter:  b.retryAfter,
		Cooldown:    b.cooldown,
	}
}

// Guard calls fn unless the breaker is open. A short-circuited call returns
// an *OpenError without calling fn; otherwise fn's error is returned
// unchanged after being counted. Cancellation of ctx is not counted as a
// collector failure.
func (b *Breaker) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess(probe)
	case errors.Is(err, context.Canceled):
		b.release(probe)
	default:
		b.recordFailure(probe)
	}
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil

	case Open:
		now := b.clock.Now()
		if now.Before(b.retryAfter) {
			err := &OpenError{Name: b.cfg.Name, RetryAfter: b.retryAfter}
			b.mu.Unlock()
			return false, err
		}
		b.probing = true
		notify := b.transitionLocked(HalfOpen)
		b.mu.Unlock()
		notify()
		return true, nil

	default: // HalfOpen
		if b.probing {
			err := &OpenError{Name: b.cfg.Name, RetryAfter: b.retryAfter}
			b.mu.Unlock()
			return false, err
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) recordSuccess(probe bool) {
	b.mu.Lock()

	if b.state == Open && !probe {
		// A call admitted before the breaker opened; the open decision stands.
		b.mu.Unlock()
		return
	}

	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	b.probing = false
	notify := func() {}
	if b.state != Closed {
		notify = b.transitionLocked(Closed)
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) recordFailure(probe bool) {
	b.mu.Lock()

	now := b.clock.Now()
	b.failures++
	b.lastFailure = now

	notify := func() {}
	switch {
	case probe:
		b.probing = false
		b.cooldown = min(time.Duration(float64(b.cooldown)*b.cfg.BackoffFactor), b.cfg.MaxCooldown)
		b.retryAfter = now.Add(b.cooldown)
		notify = b.transitionLocked(Open)
	case b.state == Closed && b.failures >= b.cfg.Threshold:
		b.retryAfter = now.Add(b.cooldown)
		notify = b.transitionLocked(Open)
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// transitionLocked moves to state and returns a func that notifies
// observers. The caller runs it after unlocking.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	failures := b.failures
	retryAfter := b.retryAfter
	observers := append([]func(from, to State){}, b.observers...)

	return func() {
		switch to {
		case Open:
			b.logger.Warn("circuit breaker opened",
				"from", from.String(),
				"failures", failures,
				"retry_after", retryAfter)
		case Closed:
			b.logger.Info("circuit breaker closed", "from", from.String())
		default:
			b.logger.Info("circuit breaker half-open, allowing trial call")
		}
		telemetry.RecordBreakerTransition(context.Background(), b.cfg.Name, from.String(), to.String())
		for _, fn := range observers {
			fn(from, to)
		}
	}
}
