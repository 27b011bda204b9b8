package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Reaper deletes journal entries older than the retention period, in
// batches of one transaction each.
type Reaper struct {
	journal     *Journal
	retention   time.Duration
	batchSize   int
	maxDuration time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	totalReaped int64
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperBatchSize sets the maximum entries deleted per transaction.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperMaxDuration sets the maximum time per cycle. A cycle that
// runs out of time continues on the next tick.
func WithReaperMaxDuration(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.maxDuration = d
	}
}

// WithReaperClock sets the time source.
func WithReaperClock(c clock.Clock) ReaperOption {
	return func(r *Reaper) {
		r.clock = c
	}
}

// WithReaperLogger sets the logger.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for j.
// Defaults: batchSize=100, maxDuration=30s.
func NewReaper(j *Journal, retention time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		journal:     j,
		retention:   retention,
		batchSize:   100,
		maxDuration: 30 * time.Second,
		clock:       clock.Real(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "audit_reaper")
	return r
}

// Cycle runs batches until nothing is left to delete, the cycle runs out
// of time or ctx ends. It returns the number of entries deleted.
func (r *Reaper) Cycle(ctx context.Context) int {
	start := r.clock.Now()
	deadline := start.Add(r.maxDuration)
	cutoff := start.Add(-r.retention)
	total := 0

	for ctx.Err() == nil {
		n, more, err := r.journal.DeleteBefore(ctx, cutoff, r.batchSize)
		if err != nil {
			r.logger.Error("failed to delete expired results", "error", err)
			break
		}
		total += n
		if !more {
			break
		}
		if r.clock.Now().After(deadline) {
			r.logger.Debug("reap cycle hit max duration, will continue next tick", "deleted", total)
			break
		}
	}

	if total > 0 {
		r.totalReaped += int64(total)
		r.logger.Info("audit reaper cycle complete",
			"deleted", total,
			"duration", r.clock.Now().Sub(start),
			"totalReaped", r.totalReaped)
	}
	telemetry.RecordReaperCycle(ctx, "audit", total, r.clock.Now().Sub(start))
	return total
}
