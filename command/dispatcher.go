package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/status"
	"github.com/wolfeidau/devtools-relay/store/bounded"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

const (
	// DefaultTimeout bounds a query when neither the query nor its
	// registration sets a timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultPendingTTL is how long an unsettled query is tracked before
	// a sweep expires it.
	DefaultPendingTTL = 60 * time.Second

	settledMemory = 1000
)

// Journal persists terminal results.
type Journal interface {
	Append(ctx context.Context, r devtoolsrelay.TerminalResult) error
}

// Config configures a Dispatcher.
type Config struct {
	// DefaultTimeout applies when neither the query nor its registration
	// sets one. Default: 30s.
	DefaultTimeout time.Duration

	// PendingTTL is the in-flight tracking window. Default: 60s.
	PendingTTL time.Duration

	// HistorySize is the number of failed results kept. Default: 100.
	HistorySize int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the time source for timeouts and tracking.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithSink sets the default result sink used by Dispatch.
func WithSink(sink ResultSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithStatus reports the number of pending queries to tracker.
func WithStatus(tracker *status.Tracker) Option {
	return func(d *Dispatcher) {
		d.tracker = tracker
	}
}

// WithJournal appends every terminal result to j.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) {
		d.journal = j
	}
}

type pending struct {
	query   devtoolsrelay.Query
	sink    ResultSink
	started time.Time
	done    chan devtoolsrelay.TerminalResult
}

// Dispatcher runs queries against the registry. Every query settles with
// exactly one terminal result, whichever of handler, timeout or expiry
// gets there first.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	sink     ResultSink
	tracker  *status.Tracker
	journal  Journal

	inflight *bounded.Store[string, *pending]
	settled  *bounded.Store[string, string]
	history  *History
}

// NewDispatcher creates a dispatcher for registry.
func NewDispatcher(registry *Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")

	d.inflight = bounded.NewTTL[string, *pending](cfg.PendingTTL,
		bounded.WithName("inflight_queries"),
		bounded.WithClock(d.clock),
		bounded.WithLogger(d.logger),
		bounded.WithOnEvict(func(id string, p *pending, _ bounded.Reason) {
			d.deliver(p, Failed{Code: devtoolsrelay.CodeExpired}.terminal(p.query, d.clock.Now()))
		}),
	)
	d.settled = bounded.NewLRU[string, string](settledMemory,
		bounded.WithName("settled_queries"),
		bounded.WithClock(d.clock),
	)
	d.history = NewHistory(cfg.HistorySize, bounded.WithClock(d.clock))
	return d
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs q and delivers its result to the default sink.
func (d *Dispatcher) Dispatch(ctx context.Context, q devtoolsrelay.Query) devtoolsrelay.TerminalResult {
	return d.DispatchTo(ctx, q, d.sink)
}

// DispatchTo runs q and delivers its result to sink, which may be nil
// when the caller only needs the returned result. It blocks until the
// query settles.
func (d *Dispatcher) DispatchTo(ctx context.Context, q devtoolsrelay.Query, sink ResultSink) devtoolsrelay.TerminalResult {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	telemetry.RecordQueryDispatched(ctx, q.Type)

	p := &pending{
		query:   q,
		sink:    sink,
		started: d.clock.Now(),
		done:    make(chan devtoolsrelay.TerminalResult, 1),
	}
	if !d.inflight.Add(q.ID, p) {
		r := Failed{Code: devtoolsrelay.CodeInvalidParams, Message: "query id already in flight: " + q.ID}.terminal(q, p.started)
		d.logger.Warn("rejecting duplicate query id", "query_id", q.ID, "type", q.Type)
		if sink != nil {
			sink.QueueCommandResult(r)
		}
		return r
	}
	d.reportPending()

	log := d.logger.With("query_id", q.ID, "type", q.Type)

	reg, ok := d.registry.lookup(q.Type)
	if !ok {
		log.Warn("no handler registered")
		d.complete(q.ID, Failed{Code: devtoolsrelay.CodeUnknownCommand, Message: fmt.Sprintf("%s: %s", ErrUnknownCommand, q.Type)})
		return <-p.done
	}
	if err := reg.validate(q.Params); err != nil {
		d.complete(q.ID, Failed{Code: devtoolsrelay.CodeInvalidParams, Message: err.Error()})
		return <-p.done
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	timeout := d.timeoutFor(q, reg)
	timer := d.clock.AfterFunc(timeout, func() {
		if d.complete(q.ID, Failed{Code: devtoolsrelay.CodeTimeout, Message: fmt.Sprintf("timeout after %s", timeout)}) {
			log.Warn("query timed out", "timeout", timeout)
			cancel()
		}
	})
	defer timer.Stop()

	c := &Context{
		Query:      q,
		SyncClient: sink,
		Logger:     log,
		d:          d,
	}
	go d.run(hctx, reg.handler, c)

	select {
	case r := <-p.done:
		return r
	case <-ctx.Done():
		d.complete(q.ID, Failed{Code: devtoolsrelay.CodeCancelled, Message: ctx.Err().Error()})
		cancel()
		return <-p.done
	}
}

func (d *Dispatcher) timeoutFor(q devtoolsrelay.Query, reg registration) time.Duration {
	if t, ok := q.Params.Timeout(); ok {
		return t
	}
	if reg.timeout > 0 {
		return reg.timeout
	}
	return d.cfg.DefaultTimeout
}

// run calls the handler and settles the query if the handler did not.
func (d *Dispatcher) run(ctx context.Context, h Handler, c *Context) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			d.complete(c.Query.ID, Failed{Message: fmt.Sprintf("handler panic: %v", r)})
		}
	}()

	if err := h(ctx, c); err != nil {
		c.Logger.Debug("handler returned error", "error", err)
		d.complete(c.Query.ID, Failed{Message: err.Error()})
		return
	}
	if c.attempted.Load() {
		return
	}
	if d.complete(c.Query.ID, Failed{Code: devtoolsrelay.CodeNoResult}) {
		c.Logger.Warn("handler returned without a result")
	}
}

// complete settles queryID with o. Only the first call for a query
// delivers; later calls report false and are dropped.
func (d *Dispatcher) complete(queryID string, o Outcome) bool {
	p, ok := d.inflight.Take(queryID)
	if !ok {
		typ, known := d.settled.Peek(queryID)
		if !known {
			typ = "unknown"
		}
		d.logger.Debug("dropping completion for settled query", "query_id", queryID, "known", known)
		telemetry.RecordQueryDropped(context.Background(), typ)
		return false
	}
	d.deliver(p, o.terminal(p.query, d.clock.Now()))
	return true
}

// deliver hands a settled query's result to its sink and waiter. The
// caller must have removed p from the in-flight store.
func (d *Dispatcher) deliver(p *pending, r devtoolsrelay.TerminalResult) {
	d.settled.Set(p.query.ID, p.query.Type)
	ctx := context.Background()

	code := ""
	if r.Status == devtoolsrelay.StatusError {
		if m, ok := r.Result.(map[string]any); ok {
			code, _ = m["code"].(string)
		}
		if code == "" {
			code = r.Error
		}
	}
	telemetry.RecordQueryCompleted(ctx, p.query.Type, string(r.Status), code, d.clock.Now().Sub(p.started))

	d.history.Record(r)
	if p.sink != nil {
		p.sink.QueueCommandResult(r)
	}
	if d.journal != nil {
		if err := d.journal.Append(ctx, r); err != nil {
			d.logger.Warn("journal append failed", "query_id", r.ID, "error", err)
		}
	}
	d.reportPending()
	p.done <- r
}

// Pending returns the number of unsettled queries.
func (d *Dispatcher) Pending() int {
	return d.inflight.Len()
}

// Sweep expires queries tracked longer than the pending TTL. Each is
// settled with an expired error.
func (d *Dispatcher) Sweep() int {
	n := d.inflight.Sweep()
	if n > 0 {
		d.reportPending()
	}
	return n
}

// FailedCommands returns recent failed results, newest first.
func (d *Dispatcher) FailedCommands() []devtoolsrelay.TerminalResult {
	return d.history.Recent()
}

func (d *Dispatcher) reportPending() {
	if d.tracker != nil {
		d.tracker.Merge(status.Update{PendingQueries: status.Ptr(d.inflight.Len())})
	}
}
