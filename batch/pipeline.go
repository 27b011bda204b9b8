package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/capture"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/status"
)

// Transport posts one batch of a kind to the collector.
type Transport interface {
	Send(ctx context.Context, kind devtoolsrelay.EventKind, items any) (int, error)
}

// PipelineConfig holds the per-batcher settings shared by every kind.
type PipelineConfig struct {
	MaxSize     int
	Interval    time.Duration
	MaxBuffered int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	clock    clock.Clock
	logger   *slog.Logger
	redactor *capture.Redactor
	groups   *capture.Groups
}

// WithPipelineClock sets the time source for every batcher.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(o *pipelineOptions) {
		o.clock = c
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		o.logger = logger
	}
}

// WithRedactor scrubs every item before it is buffered.
func WithRedactor(r *capture.Redactor) PipelineOption {
	return func(o *pipelineOptions) {
		o.redactor = r
	}
}

// WithErrorGroups forwards only the first error log of each signature
// within the group window.
func WithErrorGroups(g *capture.Groups) PipelineOption {
	return func(o *pipelineOptions) {
		o.groups = g
	}
}

// Pipeline owns one batcher per kind. All of them share the breaker, so
// a collector outage seen by one kind short-circuits the others.
type Pipeline struct {
	tracker  *status.Tracker
	redactor *capture.Redactor
	groups   *capture.Groups

	logs      *Batcher[capture.LogEntry]
	wsEvents  *Batcher[capture.WebSocketEvent]
	actions   *Batcher[capture.EnhancedAction]
	bodies    *Batcher[capture.NetworkBody]
	snapshots *Batcher[capture.PerformanceSnapshot]
}

// NewPipeline wires the five batchers to transport through brk and
// reports their outcomes to tracker.
func NewPipeline(cfg PipelineConfig, transport Transport, brk *breaker.Breaker, tracker *status.Tracker, opts ...PipelineOption) *Pipeline {
	o := pipelineOptions{
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{
		tracker:  tracker,
		redactor: o.redactor,
		groups:   o.groups,
	}
	bopts := []Option{
		WithClock(o.clock),
		WithLogger(o.logger),
		WithTracker(tracker),
		withDrainHook(p.reportEntries),
	}
	bcfg := func(kind devtoolsrelay.EventKind) Config {
		return Config{Kind: kind, MaxSize: cfg.MaxSize, Interval: cfg.Interval, MaxBuffered: cfg.MaxBuffered}
	}

	p.logs = New(bcfg(devtoolsrelay.KindLog), brk,
		Sender[capture.LogEntry](status.WithConnectionStatus(tracker, devtoolsrelay.KindLog,
			transportSender[capture.LogEntry](transport, devtoolsrelay.KindLog),
			countErrors)),
		bopts...)
	p.wsEvents = New(bcfg(devtoolsrelay.KindWebSocketEvent), brk,
		Sender[capture.WebSocketEvent](status.WithConnectionStatus(tracker, devtoolsrelay.KindWebSocketEvent,
			transportSender[capture.WebSocketEvent](transport, devtoolsrelay.KindWebSocketEvent), nil)),
		bopts...)
	p.actions = New(bcfg(devtoolsrelay.KindEnhancedAction), brk,
		Sender[capture.EnhancedAction](status.WithConnectionStatus(tracker, devtoolsrelay.KindEnhancedAction,
			transportSender[capture.EnhancedAction](transport, devtoolsrelay.KindEnhancedAction), nil)),
		bopts...)
	p.bodies = New(bcfg(devtoolsrelay.KindNetworkBody), brk,
		Sender[capture.NetworkBody](status.WithConnectionStatus(tracker, devtoolsrelay.KindNetworkBody,
			transportSender[capture.NetworkBody](transport, devtoolsrelay.KindNetworkBody), nil)),
		bopts...)
	p.snapshots = New(bcfg(devtoolsrelay.KindPerformanceSnapshot), brk,
		Sender[capture.PerformanceSnapshot](status.WithConnectionStatus(tracker, devtoolsrelay.KindPerformanceSnapshot,
			transportSender[capture.PerformanceSnapshot](transport, devtoolsrelay.KindPerformanceSnapshot), nil)),
		bopts...)

	brk.OnStateChange(func(_, to breaker.State) {
		tracker.Merge(status.Update{CircuitBreakerState: status.Ptr(to.String())})
	})
	return p
}

func transportSender[T any](t Transport, kind devtoolsrelay.EventKind) status.SendFunc[T] {
	return func(ctx context.Context, items []T) error {
		_, err := t.Send(ctx, kind, items)
		return err
	}
}

func countErrors(items []capture.LogEntry) status.Update {
	n := 0
	for _, e := range items {
		if e.IsError() {
			n++
		}
	}
	return status.Update{ErrorCountDelta: n}
}

// AddLogs buffers log entries. Repeated errors collapse into their group.
func (p *Pipeline) AddLogs(items ...capture.LogEntry) int {
	out := items[:0:0]
	for _, e := range items {
		if p.redactor != nil {
			p.redactor.LogEntry(&e)
		}
		if p.groups != nil {
			if forward, _ := p.groups.Observe(e); !forward {
				continue
			}
		}
		out = append(out, e)
	}
	if p.groups != nil {
		p.tracker.Merge(status.Update{ErrorGroups: status.Ptr(p.groups.Len())})
	}
	p.logs.Add(out...)
	p.reportEntries()
	return len(out)
}

// AddWebSocketEvents buffers WebSocket events.
func (p *Pipeline) AddWebSocketEvents(items ...capture.WebSocketEvent) int {
	if p.redactor != nil {
		for i := range items {
			p.redactor.WebSocketEvent(&items[i])
		}
	}
	p.wsEvents.Add(items...)
	p.reportEntries()
	return len(items)
}

// AddEnhancedActions buffers user actions.
func (p *Pipeline) AddEnhancedActions(items ...capture.EnhancedAction) int {
	if p.redactor != nil {
		for i := range items {
			p.redactor.EnhancedAction(&items[i])
		}
	}
	p.actions.Add(items...)
	p.reportEntries()
	return len(items)
}

// AddNetworkBodies buffers network bodies.
func (p *Pipeline) AddNetworkBodies(items ...capture.NetworkBody) int {
	if p.redactor != nil {
		for i := range items {
			p.redactor.NetworkBody(&items[i])
		}
	}
	p.bodies.Add(items...)
	p.reportEntries()
	return len(items)
}

// AddPerformanceSnapshots buffers performance snapshots.
func (p *Pipeline) AddPerformanceSnapshots(items ...capture.PerformanceSnapshot) int {
	p.snapshots.Add(items...)
	p.reportEntries()
	return len(items)
}

// Entries returns the number of buffered items across all kinds.
func (p *Pipeline) Entries() int {
	return p.logs.Len() + p.wsEvents.Len() + p.actions.Len() + p.bodies.Len() + p.snapshots.Len()
}

func (p *Pipeline) reportEntries() {
	p.tracker.Merge(status.Update{Entries: status.Ptr(p.Entries())})
}

// FlushAll flushes every kind. Every batcher is flushed even when an
// earlier one fails.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	return errors.Join(
		p.logs.Flush(ctx),
		p.wsEvents.Flush(ctx),
		p.actions.Flush(ctx),
		p.bodies.Flush(ctx),
		p.snapshots.Flush(ctx),
	)
}

// Start runs every batcher's flush loop.
func (p *Pipeline) Start() {
	p.logs.Start()
	p.wsEvents.Start()
	p.actions.Start()
	p.bodies.Start()
	p.snapshots.Start()
}

// Stop stops every flush loop and flushes what is left.
func (p *Pipeline) Stop(ctx context.Context) error {
	return errors.Join(
		p.logs.Stop(ctx),
		p.wsEvents.Stop(ctx),
		p.actions.Stop(ctx),
		p.bodies.Stop(ctx),
		p.snapshots.Stop(ctx),
	)
}
