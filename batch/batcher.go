// Package batch buffers telemetry items per kind and flushes them to the
// collector through a shared circuit breaker.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/status"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Sender delivers one batch.
type Sender[T any] func(ctx context.Context, items []T) error

// Config configures a Batcher.
type Config struct {
	Kind devtoolsrelay.EventKind

	// MaxSize triggers a flush once this many items are buffered.
	// Default: 50.
	MaxSize int

	// Interval is the periodic flush interval. Default: 1s.
	Interval time.Duration

	// MaxBuffered bounds the buffer while the collector is unreachable.
	// The oldest items are dropped beyond it. Default: 1000.
	MaxBuffered int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 1000
	}
	if c.MaxBuffered < c.MaxSize {
		c.MaxBuffered = c.MaxSize
	}
	return c
}

// Option configures a Batcher.
type Option func(*options)

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	tracker *status.Tracker
	onDrain func()
}

// WithClock sets the time source for the flush loop.
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

// WithTracker reports short-circuited flushes and drops to tracker.
func WithTracker(t *status.Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

func withDrainHook(fn func()) Option {
	return func(o *options) {
		o.onDrain = fn
	}
}

// Batcher accumulates items of one kind and sends them in batches.
//
// A flush takes the buffered items out under the lock before any I/O, so
// items added during a slow send go into the next batch and a failed batch
// is never sent twice. Flushes are serialized: at most one send per
// batcher is in flight, and batches leave in the order items were added.
type Batcher[T any] struct {
	cfg     Config
	brk     *breaker.Breaker
	send    Sender[T]
	clock   clock.Clock
	logger  *slog.Logger
	tracker *status.Tracker
	onDrain func()

	// flushMu is held across swap and send.
	flushMu sync.Mutex

	mu      sync.Mutex
	buf     []T
	kicked  bool
	ticker  *clock.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Batcher that sends through brk.
func New[T any](cfg Config, brk *breaker.Breaker, send Sender[T], opts ...Option) *Batcher[T] {
	o := options{
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	return &Batcher[T]{
		cfg:     cfg,
		brk:     brk,
		send:    send,
		clock:   o.clock,
		logger:  o.logger.With("component", "batcher", "kind", string(cfg.Kind)),
		tracker: o.tracker,
		onDrain: o.onDrain,
	}
}

// Kind returns the kind this batcher carries.
func (b *Batcher[T]) Kind() devtoolsrelay.EventKind {
	return b.cfg.Kind
}

// Add buffers items. Reaching MaxSize starts a flush in the background
// unless one is already waiting to run.
func (b *Batcher[T]) Add(items ...T) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	b.buf = append(b.buf, items...)
	dropped := 0
	if over := len(b.buf) - b.cfg.MaxBuffered; over > 0 {
		clear(b.buf[:over])
		b.buf = b.buf[over:]
		dropped = over
	}
	kick := len(b.buf) >= b.cfg.MaxSize && !b.kicked
	if kick {
		b.kicked = true
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.recordDrop("overflow", dropped)
	}
	if kick {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = b.Flush(context.Background())
		}()
	}
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush sends everything buffered as one batch. The batch is not
// re-queued on failure.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.buf
	b.buf = nil
	b.kicked = false
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	if b.onDrain != nil {
		b.onDrain()
	}

	start := b.clock.Now()
	err := b.brk.Guard(ctx, func(ctx context.Context) error {
		return b.send(ctx, items)
	})
	dur := b.clock.Now().Sub(start)

	switch {
	case err == nil:
		telemetry.RecordBatchFlush(ctx, string(b.cfg.Kind), "sent", len(items), dur)
		b.logger.Debug("batch flushed", "items", len(items), "duration", dur)
		return nil

	case errors.Is(err, breaker.ErrOpen):
		// The send never ran so the status wrapper saw nothing.
		if b.tracker != nil {
			b.tracker.MarkFailure(err)
		}
		telemetry.RecordBatchFlush(ctx, string(b.cfg.Kind), "short_circuited", len(items), dur)
		b.recordDrop("circuit_open", len(items))
		b.logger.Debug("batch dropped, circuit open", "items", len(items))
		return err

	default:
		telemetry.RecordBatchFlush(ctx, string(b.cfg.Kind), "failed", len(items), dur)
		b.recordDrop("send_failed", len(items))
		b.logger.Warn("batch flush failed", "items", len(items), "error", err)
		return err
	}
}

// Start runs the periodic flush loop. Calling Start twice is a no-op.
func (b *Batcher[T]) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticker != nil {
		return
	}
	b.ticker = b.clock.NewTicker(b.cfg.Interval)
	b.done = make(chan struct{})

	ticks, done := b.ticker.C, b.done
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticks:
				_ = b.Flush(context.Background())
			}
		}
	}()
}

// Stop ends the flush loop, waits for in-flight flushes and flushes what
// is left.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.ticker != nil {
		b.ticker.Stop()
		close(b.done)
		b.ticker = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.Flush(ctx)
}

func (b *Batcher[T]) recordDrop(reason string, n int) {
	telemetry.RecordBatchDrop(context.Background(), string(b.cfg.Kind), reason, n)
	if b.tracker != nil {
		b.tracker.Merge(status.Update{DroppedDelta: map[string]int{string(b.cfg.Kind): n}})
	}
}
