package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/devtools-relay/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStart_ReplacesPriorTimer(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	var calls [3]int
	for i := range 3 {
		g.Start("heartbeat", func(context.Context) { calls[i]++ }, time.Second)
	}

	// Prior handles were cancelled: one pending timer remains.
	require.Equal(t, 1, fc.PendingCount())
	require.True(t, g.IsRunning("heartbeat"))

	fc.Advance(3 * time.Second)
	require.Equal(t, [3]int{0, 0, 3}, calls)
}

func TestStart_CancelsPriorContext(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	var first context.Context
	g.Start("sync", func(ctx context.Context) { first = ctx }, time.Second)
	fc.Advance(time.Second)
	require.NotNil(t, first)
	require.NoError(t, first.Err())

	g.Start("sync", func(context.Context) {}, time.Second)
	require.ErrorIs(t, first.Err(), context.Canceled)
}

func TestStop(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	count := 0
	g.Start("sweep", func(context.Context) { count++ }, time.Second)
	fc.Advance(time.Second)
	require.Equal(t, 1, count)

	require.True(t, g.Stop("sweep"))
	require.False(t, g.Stop("sweep"))
	require.False(t, g.IsRunning("sweep"))
	require.Equal(t, 0, fc.PendingCount())

	fc.Advance(5 * time.Second)
	require.Equal(t, 1, count)
}

func TestStopFromWithinTask(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	count := 0
	g.Start("once", func(context.Context) {
		count++
		g.Stop("once")
	}, time.Second)

	fc.Advance(5 * time.Second)
	require.Equal(t, 1, count)
	require.False(t, g.IsRunning("once"))
}

func TestIndependentNames(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	g.Start("a", func(context.Context) {}, time.Second)
	g.Start("b", func(context.Context) {}, time.Second)
	require.Equal(t, []string{"a", "b"}, g.Names())
	require.Equal(t, 2, fc.PendingCount())

	g.StopAll()
	require.Empty(t, g.Names())
	require.Equal(t, 0, fc.PendingCount())
}

func TestPanickingTaskKeepsTicking(t *testing.T) {
	fc := clock.Fake(epoch)
	g := New(WithClock(fc))

	count := 0
	g.Start("flaky", func(context.Context) {
		count++
		panic("boom")
	}, time.Second)

	fc.Advance(2 * time.Second)
	require.Equal(t, 2, count)
	require.True(t, g.IsRunning("flaky"))
}

func TestRunExclusive_SkipsWhileInFlight(t *testing.T) {
	g := New()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ran, err := g.RunExclusive(ctx, "health", func(context.Context) error {
			calls.Add(1)
			close(entered)
			<-release
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()
	<-entered

	for range 5 {
		ran, err := g.RunExclusive(ctx, "health", func(context.Context) error {
			calls.Add(1)
			return nil
		})
		require.False(t, ran)
		require.NoError(t, err)
	}

	close(release)
	wg.Wait()
	require.EqualValues(t, 1, calls.Load())

	// Free again once the first call settled.
	ran, err := g.RunExclusive(ctx, "health", func(context.Context) error { return nil })
	require.True(t, ran)
	require.NoError(t, err)
}

func TestRunExclusive_PropagatesError(t *testing.T) {
	g := New()
	boom := errors.New("boom")

	ran, err := g.RunExclusive(context.Background(), "x", func(context.Context) error { return boom })
	require.True(t, ran)
	require.ErrorIs(t, err, boom)

	// An error releases the slot.
	ran, _ = g.RunExclusive(context.Background(), "x", func(context.Context) error { return nil })
	require.True(t, ran)
}
