package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/capture"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/status"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder[T any] struct {
	mu      sync.Mutex
	batches [][]T
	err     error
}

func (r *recorder[T]) send(_ context.Context, items []T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]T(nil), items...))
	return r.err
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newBreaker(fc *clock.FakeClock) *breaker.Breaker {
	cfg := breaker.DefaultConfig()
	cfg.Threshold = 5
	cfg.Cooldown = time.Second
	return breaker.New(cfg, breaker.WithClock(fc))
}

func TestFlushSendsBufferedItemsOnce(t *testing.T) {
	fc := clock.Fake(epoch)
	rec := &recorder[int]{}
	b := New(Config{Kind: devtoolsrelay.KindLog}, newBreaker(fc), rec.send, WithClock(fc))

	b.Add(1, 2, 3)
	require.Equal(t, 3, b.Len())
	require.NoError(t, b.Flush(context.Background()))
	require.Zero(t, b.Len())
	require.NoError(t, b.Flush(context.Background()), "empty flush is a no-op")

	require.Equal(t, [][]int{{1, 2, 3}}, rec.batches)
}

func TestFlushClearsBeforeSend(t *testing.T) {
	fc := clock.Fake(epoch)
	started := make(chan struct{})
	release := make(chan struct{})
	var sent []int

	b := New(Config{Kind: devtoolsrelay.KindLog}, newBreaker(fc), func(_ context.Context, items []int) error {
		sent = items
		close(started)
		<-release
		return errors.New("collector down")
	}, WithClock(fc))

	b.Add(1, 2)
	done := make(chan error, 1)
	go func() { done <- b.Flush(context.Background()) }()

	<-started
	require.Zero(t, b.Len(), "buffer is cleared before the send starts")
	b.Add(3)
	close(release)

	require.Error(t, <-done)
	require.Equal(t, []int{1, 2}, sent)
	require.Equal(t, 1, b.Len(), "failed batch is not re-queued and new items are kept")
}

func TestAddTriggersFlushAtMaxSize(t *testing.T) {
	fc := clock.Fake(epoch)
	rec := &recorder[int]{}
	b := New(Config{Kind: devtoolsrelay.KindLog, MaxSize: 3}, newBreaker(fc), rec.send, WithClock(fc))

	b.Add(1, 2)
	require.Zero(t, rec.count())
	b.Add(3)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.Stop(context.Background()))
}

func TestAddDropsOldestBeyondMaxBuffered(t *testing.T) {
	fc := clock.Fake(epoch)
	tr := status.NewTracker(status.WithClock(fc))
	brk := newBreaker(fc)
	// Hold the breaker open so the size-triggered flushes short-circuit.
	for range 5 {
		_ = brk.Guard(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	require.Equal(t, breaker.Open, brk.State())

	b := New(Config{Kind: devtoolsrelay.KindLog, MaxSize: 100, MaxBuffered: 100}, brk,
		func(context.Context, []int) error { return nil }, WithClock(fc), WithTracker(tr))

	items := make([]int, 105)
	for i := range items {
		items[i] = i
	}
	b.Add(items...)
	require.Eventually(t, func() bool { return tr.Get().DroppedByKind["log"] >= 5 }, time.Second, time.Millisecond)
}

func TestFlushShortCircuitMarksDisconnected(t *testing.T) {
	fc := clock.Fake(epoch)
	tr := status.NewTracker(status.WithClock(fc))
	tr.Merge(status.Update{Connected: status.Ptr(true)})
	brk := newBreaker(fc)

	rec := &recorder[int]{err: errors.New("refused")}
	b := New(Config{Kind: devtoolsrelay.KindLog}, brk,
		Sender[int](status.WithConnectionStatus(tr, devtoolsrelay.KindLog, rec.send, nil)),
		WithClock(fc), WithTracker(tr))

	for range 5 {
		b.Add(1)
		require.Error(t, b.Flush(context.Background()))
	}
	require.Equal(t, breaker.Open, brk.State())
	require.Equal(t, 5, rec.count())

	b.Add(1)
	err := b.Flush(context.Background())
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.Equal(t, 5, rec.count(), "open breaker does not call the sender")
	require.False(t, tr.Get().Connected)
	require.Zero(t, b.Len())
}

func TestStartFlushesOnInterval(t *testing.T) {
	fc := clock.Fake(epoch)
	rec := &recorder[int]{}
	b := New(Config{Kind: devtoolsrelay.KindLog, Interval: time.Second}, newBreaker(fc), rec.send, WithClock(fc))
	b.Start()
	b.Start()

	b.Add(7)
	fc.WaitForTimers(1)
	fc.Advance(time.Second)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	b.Add(8)
	require.NoError(t, b.Stop(context.Background()))
	require.Equal(t, 2, rec.count(), "stop performs a final flush")
}

type fakeTransport struct {
	mu    sync.Mutex
	kinds []devtoolsrelay.EventKind
	err   error
}

func (f *fakeTransport) Send(_ context.Context, kind devtoolsrelay.EventKind, _ any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return 0, f.err
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestPipelineBookkeeping(t *testing.T) {
	fc := clock.Fake(epoch)
	tr := status.NewTracker(status.WithClock(fc))
	ft := &fakeTransport{}
	p := NewPipeline(PipelineConfig{}, ft, newBreaker(fc), tr, WithPipelineClock(fc))

	p.AddLogs(
		capture.LogEntry{Level: "error", Message: "a"},
		capture.LogEntry{Level: "warn", Message: "b"},
		capture.LogEntry{Level: "error", Message: "c"},
	)
	p.AddNetworkBodies(capture.NetworkBody{Method: "GET", URL: "/x"})
	require.Equal(t, 4, p.Entries())
	require.Equal(t, 4, tr.Get().Entries)

	require.NoError(t, p.FlushAll(context.Background()))

	s := tr.Get()
	require.True(t, s.Connected)
	require.Equal(t, 2, s.ErrorCount)
	require.Equal(t, 3, s.SentByKind["log"])
	require.Equal(t, 1, s.SentByKind["network-body"])
	require.Zero(t, s.Entries)
	require.ElementsMatch(t, []devtoolsrelay.EventKind{devtoolsrelay.KindLog, devtoolsrelay.KindNetworkBody}, ft.kinds)
}

func TestPipelineSharesBreaker(t *testing.T) {
	fc := clock.Fake(epoch)
	tr := status.NewTracker(status.WithClock(fc))
	ft := &fakeTransport{err: errors.New("collector down")}
	brk := newBreaker(fc)
	p := NewPipeline(PipelineConfig{}, ft, brk, tr, WithPipelineClock(fc))

	for range 5 {
		p.AddLogs(capture.LogEntry{Level: "info", Message: "x"})
		require.Error(t, p.FlushAll(context.Background()))
	}
	require.Equal(t, breaker.Open, brk.State())
	require.Equal(t, "open", tr.Get().CircuitBreakerState)

	p.AddEnhancedActions(capture.EnhancedAction{Type: "click"})
	err := p.FlushAll(context.Background())
	require.ErrorIs(t, err, breaker.ErrOpen, "other kinds short-circuit on the shared breaker")
	require.Len(t, ft.kinds, 5)

	ft.setErr(nil)
	fc.Advance(time.Second)
	p.AddEnhancedActions(capture.EnhancedAction{Type: "click"})
	require.NoError(t, p.FlushAll(context.Background()))
	require.Equal(t, breaker.Closed, brk.State())
	require.Equal(t, "closed", tr.Get().CircuitBreakerState)
	require.True(t, tr.Get().Connected)
}

func TestPipelineRedactsAndGroups(t *testing.T) {
	fc := clock.Fake(epoch)
	tr := status.NewTracker(status.WithClock(fc))
	red, err := capture.NewRedactor()
	require.NoError(t, err)
	groups := capture.NewGroups(10, time.Hour, fc, nil)

	var sent []capture.LogEntry
	p := NewPipeline(PipelineConfig{}, transportFunc(func(_ context.Context, _ devtoolsrelay.EventKind, items any) (int, error) {
		sent = append(sent, items.([]capture.LogEntry)...)
		return 0, nil
	}), newBreaker(fc), tr, WithPipelineClock(fc), WithRedactor(red), WithErrorGroups(groups))

	n := p.AddLogs(
		capture.LogEntry{Level: "error", Message: "auth failed Bearer abc123"},
		capture.LogEntry{Level: "error", Message: "auth failed Bearer abc123"},
	)
	require.Equal(t, 1, n)
	require.NoError(t, p.FlushAll(context.Background()))

	require.Len(t, sent, 1)
	require.Equal(t, "auth failed [REDACTED:bearer]", sent[0].Message)
	require.Equal(t, 1, tr.Get().ErrorGroups)
}

type transportFunc func(ctx context.Context, kind devtoolsrelay.EventKind, items any) (int, error)

func (f transportFunc) Send(ctx context.Context, kind devtoolsrelay.EventKind, items any) (int, error) {
	return f(ctx, kind, items)
}

func TestSizeTriggeredFlushesDoNotOverlap(t *testing.T) {
	fc := clock.Fake(epoch)
	release := make(chan struct{})

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		sent     []int
	)
	b := New(Config{Kind: devtoolsrelay.KindLog, MaxSize: 2}, newBreaker(fc), func(_ context.Context, items []int) error {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		sent = append(sent, items...)
		mu.Unlock()
		return nil
	}, WithClock(fc))

	b.Add(1, 2)
	b.Add(3, 4)
	b.Add(5, 6)
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, b.Stop(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, peak, "one send in flight per batcher")
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, sent, "batches leave in insertion order")
}
