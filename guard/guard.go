// Package guard keeps recurring background tasks single-flight: one timer
// per task name, and at most one in-flight run of an exclusive task.
package guard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the clock used to arm task timers.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		g.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// task is the single live handle for a recurring task name.
type task struct {
	name     string
	fn       func(ctx context.Context)
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *clock.Timer
}

// Guard owns the named task handles. The zero value is not usable; use New.
type Guard struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	exclusiveMu sync.Mutex
	exclusive   map[string]*semaphore.Weighted
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		clock:     clock.Real(),
		logger:    slog.Default(),
		tasks:     make(map[string]*task),
		exclusive: make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start runs fn every interval under name. A task already running under
// the same name is stopped first, so two timers for one name never
// coexist. The next tick is armed only after fn returns.
func (g *Guard) Start(name string, fn func(ctx context.Context), interval time.Duration) {
	if interval <= 0 {
		panic("guard: non-positive interval for " + name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		name:     name,
		fn:       fn,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}

	g.mu.Lock()
	if prev, ok := g.tasks[name]; ok {
		g.stopLocked(prev)
		g.logger.Debug("restarting task", "task", name)
	}
	g.tasks[name] = t
	g.armLocked(t)
	g.mu.Unlock()
}

// Stop cancels the task registered under name. It reports whether a task
// was running.
func (g *Guard) Stop(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[name]
	if !ok {
		return false
	}
	g.stopLocked(t)
	return true
}

// StopAll cancels every task.
func (g *Guard) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tasks {
		g.stopLocked(t)
	}
}

// IsRunning reports whether a task is registered under name.
func (g *Guard) IsRunning(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tasks[name]
	return ok
}

// Names returns the running task names in sorted order.
func (g *Guard) Names() []string {
	g.mu.Lock()
	names := make([]string, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	g.mu.Unlock()

	slices.Sort(names)
	return names
}

func (g *Guard) stopLocked(t *task) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
	delete(g.tasks, t.name)
}

func (g *Guard) armLocked(t *task) {
	t.timer = g.clock.AfterFunc(t.interval, func() { g.tick(t) })
}

func (g *Guard) tick(t *task) {
	if !g.current(t) {
		return
	}

	g.run(t)

	g.mu.Lock()
	defer g.mu.Unlock()
	// The task may have been stopped or replaced while fn ran.
	if g.tasks[t.name] == t {
		g.armLocked(t)
	}
}

func (g *Guard) current(t *task) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tasks[t.name] == t
}

func (g *Guard) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(t.ctx)
}

// RunExclusive calls fn unless a call for name is already in flight, in
// which case it returns immediately with ran set to false.
func (g *Guard) RunExclusive(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	sem := g.semaphore(name)
	if !sem.TryAcquire(1) {
		telemetry.RecordGuardRun(ctx, name, "skipped")
		return false, nil
	}
	defer sem.Release(1)

	telemetry.RecordGuardRun(ctx, name, "ran")
	return true, fn(ctx)
}

func (g *Guard) semaphore(name string) *semaphore.Weighted {
	g.exclusiveMu.Lock()
	defer g.exclusiveMu.Unlock()

	sem, ok := g.exclusive[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.exclusive[name] = sem
	}
	return sem
}
