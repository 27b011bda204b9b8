package status

import (
	"context"
	"log/slog"
	"runtime"
)

// PressureConfig sets the heap thresholds for memory pressure levels.
type PressureConfig struct {
	// SoftLimit is the heap size at which the level becomes soft.
	// Default: 256 MiB.
	SoftLimit uint64

	// HardLimit is the heap size at which the level becomes hard.
	// Default: 512 MiB.
	HardLimit uint64
}

// PressureMonitor classifies heap usage and merges the level into the
// tracker. Schedule Check on an interval.
type PressureMonitor struct {
	tracker *Tracker
	cfg     PressureConfig
	logger  *slog.Logger
	read    func() uint64
	onHard  []func(ctx context.Context)
}

// PressureOption configures a PressureMonitor.
type PressureOption func(*PressureMonitor)

// WithHeapReader replaces the runtime heap reader (for testing).
func WithHeapReader(read func() uint64) PressureOption {
	return func(m *PressureMonitor) {
		m.read = read
	}
}

// WithPressureLogger sets the logger.
func WithPressureLogger(logger *slog.Logger) PressureOption {
	return func(m *PressureMonitor) {
		m.logger = logger
	}
}

// OnHardPressure registers fn to run when the level enters hard.
func OnHardPressure(fn func(ctx context.Context)) PressureOption {
	return func(m *PressureMonitor) {
		m.onHard = append(m.onHard, fn)
	}
}

// NewPressureMonitor creates a monitor for tracker.
func NewPressureMonitor(tracker *Tracker, cfg PressureConfig, opts ...PressureOption) *PressureMonitor {
	if cfg.SoftLimit == 0 {
		cfg.SoftLimit = 256 << 20
	}
	if cfg.HardLimit == 0 {
		cfg.HardLimit = 512 << 20
	}
	if cfg.HardLimit < cfg.SoftLimit {
		cfg.HardLimit = cfg.SoftLimit
	}
	m := &PressureMonitor{
		tracker: tracker,
		cfg:     cfg,
		logger:  slog.Default(),
		read:    heapAlloc,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Level classifies a heap size.
func (m *PressureMonitor) Level(heap uint64) string {
	switch {
	case heap >= m.cfg.HardLimit:
		return PressureHard
	case heap >= m.cfg.SoftLimit:
		return PressureSoft
	default:
		return PressureNormal
	}
}

// Check reads the heap, merges the level and returns it.
func (m *PressureMonitor) Check(ctx context.Context) string {
	heap := m.read()
	level := m.Level(heap)
	prev := m.tracker.Get().MemoryPressureLevel
	if prev == level {
		return level
	}

	m.tracker.Merge(Update{MemoryPressureLevel: Ptr(level)})
	m.logger.Debug("memory pressure level", "level", level, "previous", prev, "heap_bytes", heap)

	if level == PressureHard {
		for _, fn := range m.onHard {
			fn(ctx)
		}
	}
	return level
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
