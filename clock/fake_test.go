package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	require.Equal(t, 0, fired)

	c.Advance(time.Millisecond)
	require.Equal(t, 1, fired)

	c.Advance(time.Hour)
	require.Equal(t, 1, fired, "one-shot timers fire once")
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.Equal(t, 1, c.PendingCount())

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	require.Equal(t, 0, c.PendingCount())

	c.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Second, func() {
			count++
			arm()
		})
	}
	arm()

	c.Advance(3 * time.Second)
	require.Equal(t, 3, count)
	require.Equal(t, 1, c.PendingCount())
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	select {
	case ts := <-ticker.C:
		require.Equal(t, epoch.Add(time.Second), ts)
	default:
		t.Fatal("expected a tick")
	}

	ticker.Stop()
	c.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() { close(done) })
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	<-done
	require.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeCallbackSeesFiringTime(t *testing.T) {
	c := Fake(epoch)
	var seen []time.Time
	var arm func()
	arm = func() {
		c.AfterFunc(2*time.Second, func() {
			seen = append(seen, c.Now())
			arm()
		})
	}
	arm()

	c.Advance(5 * time.Second)
	require.Equal(t, []time.Time{epoch.Add(2 * time.Second), epoch.Add(4 * time.Second)}, seen)
	require.Equal(t, epoch.Add(5*time.Second), c.Now())
}
