package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/audit"
	"github.com/wolfeidau/devtools-relay/batch"
	"github.com/wolfeidau/devtools-relay/breaker"
	"github.com/wolfeidau/devtools-relay/capture"
	"github.com/wolfeidau/devtools-relay/clock"
	"github.com/wolfeidau/devtools-relay/collector"
	"github.com/wolfeidau/devtools-relay/command"
	"github.com/wolfeidau/devtools-relay/config"
	"github.com/wolfeidau/devtools-relay/guard"
	"github.com/wolfeidau/devtools-relay/handlers"
	"github.com/wolfeidau/devtools-relay/script"
	"github.com/wolfeidau/devtools-relay/server"
	"github.com/wolfeidau/devtools-relay/status"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

// Background task names.
const (
	taskQuerySweep      = "query_sweep"
	taskErrorGroupSweep = "error_group_sweep"
	taskMemoryPressure  = "memory_pressure"
	taskAuditReaper     = "audit_reaper"
)

// relay owns every long-lived component and tears them down in order.
type relay struct {
	logger *slog.Logger

	server     *server.Server
	guard      *guard.Guard
	pipeline   *batch.Pipeline
	sync       *collector.SyncClient
	dispatcher *command.Dispatcher
	collector  *collector.Client
	journal    *audit.Journal

	shutdownMetrics func(context.Context) error
}

func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (r *relay, err error) {
	r = &relay{logger: logger}
	defer func() {
		if err != nil {
			_ = r.shutdown(context.WithoutCancel(ctx))
		}
	}()

	r.shutdownMetrics, err = telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "devtools-relay",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		OTLPInsecure:     cfg.Metrics.OTLPInsecure,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	clk := clock.Real()
	tracker := status.NewTracker(status.WithClock(clk))
	tracker.Subscribe(status.NewIndicator(logger.With("component", "status")).Observe)

	brk := breaker.New(breaker.Config{
		Name:        "collector",
		Threshold:   cfg.Breaker.Threshold,
		Cooldown:    cfg.Breaker.Cooldown,
		MaxCooldown: cfg.Breaker.MaxCooldown,
	}, breaker.WithClock(clk), breaker.WithLogger(logger))

	r.collector, err = collector.New(cfg.Collector.URL,
		collector.WithBearerToken(cfg.Collector.Token),
		collector.WithCompressionThreshold(cfg.Collector.CompressionThreshold),
		collector.WithHTTPClient(&http.Client{
			Timeout:   cfg.Collector.Timeout,
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating collector client: %w", err)
	}

	redactor, err := capture.NewRedactor(redactPatterns(cfg.Capture.RedactPatterns)...)
	if err != nil {
		return nil, fmt.Errorf("compiling redaction patterns: %w", err)
	}
	groups := capture.NewGroups(cfg.Capture.ErrorGroups, cfg.Capture.ErrorGroupWindow, clk, logger)

	r.pipeline = batch.NewPipeline(batch.PipelineConfig{
		MaxSize:     cfg.Batch.MaxSize,
		Interval:    cfg.Batch.Interval,
		MaxBuffered: cfg.Batch.MaxBuffered,
	}, r.collector, brk, tracker,
		batch.WithPipelineClock(clk),
		batch.WithPipelineLogger(logger),
		batch.WithRedactor(redactor),
		batch.WithErrorGroups(groups),
	)

	r.sync = collector.NewSyncClient(r.collector, nil,
		collector.WithSyncLogger(logger),
		collector.WithResultQueue(cfg.Collector.ResultQueue),
	)

	dispatchOpts := []command.Option{
		command.WithClock(clk),
		command.WithLogger(logger),
		command.WithSink(r.sync),
		command.WithStatus(tracker),
	}
	if cfg.Audit.Path != "" {
		r.journal, err = audit.Open(cfg.Audit.Path, audit.WithLogger(logger), audit.WithClock(clk))
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, command.WithJournal(r.journal))
	}

	registry := command.NewRegistry()
	r.dispatcher = command.NewDispatcher(registry, command.Config{
		DefaultTimeout: cfg.Queries.DefaultTimeout,
		PendingTTL:     cfg.Queries.PendingTTL,
		HistorySize:    cfg.Queries.HistorySize,
	}, dispatchOpts...)

	deps := handlers.Deps{
		Clock:   clk,
		Tracker: tracker,
		History: r.dispatcher,
		Scripts: script.NewCache(
			script.WithCapacity(cfg.Queries.ScriptCacheSize),
			script.WithClock(clk),
			script.WithLogger(logger),
		),
	}
	if cfg.Queries.BridgeURL != "" {
		deps.Executor = handlers.NewHTTPExecutor(cfg.Queries.BridgeURL)
	}
	handlers.Register(registry, deps)

	r.sync.SetDispatch(func(ctx context.Context, q devtoolsrelay.Query) {
		r.dispatcher.Dispatch(ctx, q)
	})

	r.guard = guard.New(guard.WithClock(clk), guard.WithLogger(logger))

	srvCfg := server.Config{
		Address:        cfg.Server.Address,
		AuthToken:      cfg.Server.AuthToken,
		MaxConnections: cfg.Server.MaxConnections,
		Pipeline:       r.pipeline,
		Dispatcher:     r.dispatcher,
		Tracker:        tracker,
		Breaker:        brk,
		Guard:          r.guard,
		Logger:         logger,
	}
	if r.journal != nil {
		srvCfg.Journal = r.journal
	}
	r.server, err = server.New(srvCfg)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	r.pipeline.Start()
	r.sync.Start(r.guard, cfg.Collector.SyncInterval)

	r.guard.Start(taskQuerySweep, func(context.Context) {
		if n := r.dispatcher.Sweep(); n > 0 {
			logger.Debug("expired pending queries", "count", n)
		}
	}, cfg.Queries.SweepInterval)

	r.guard.Start(taskErrorGroupSweep, func(context.Context) {
		groups.Sweep()
	}, cfg.Capture.ErrorGroupWindow)

	pressure := status.NewPressureMonitor(tracker, status.PressureConfig{
		SoftLimit: cfg.Memory.SoftLimitMB << 20,
		HardLimit: cfg.Memory.HardLimitMB << 20,
	},
		status.WithPressureLogger(logger),
		status.OnHardPressure(func(ctx context.Context) {
			if err := r.pipeline.FlushAll(ctx); err != nil {
				logger.Warn("flush under memory pressure failed", "error", err)
			}
		}),
	)
	r.guard.Start(taskMemoryPressure, func(ctx context.Context) {
		pressure.Check(ctx)
	}, cfg.Memory.CheckInterval)

	if r.journal != nil {
		reaper := audit.NewReaper(r.journal, cfg.Audit.Retention,
			audit.WithReaperClock(clk),
			audit.WithReaperLogger(logger),
		)
		r.guard.Start(taskAuditReaper, func(ctx context.Context) {
			_, _ = r.guard.RunExclusive(ctx, taskAuditReaper, func(ctx context.Context) error {
				reaper.Cycle(ctx)
				return nil
			})
		}, cfg.Audit.ReapInterval)
	}

	return r, nil
}

// shutdown stops intake first, then background tasks. Results of commands
// still running are delivered in a final sync before buffered telemetry
// is flushed and storage and exporters are closed.
func (r *relay) shutdown(ctx context.Context) error {
	var errs []error
	if r.server != nil {
		errs = append(errs, r.server.Shutdown(ctx))
	}
	if r.guard != nil {
		r.guard.StopAll()
	}
	if r.sync != nil {
		errs = append(errs, r.sync.Drain(ctx))
	}
	if r.pipeline != nil {
		errs = append(errs, r.pipeline.Stop(ctx))
	}
	if r.journal != nil {
		errs = append(errs, r.journal.Close())
	}
	if r.collector != nil {
		errs = append(errs, r.collector.Close())
	}
	if r.shutdownMetrics != nil {
		errs = append(errs, r.shutdownMetrics(ctx))
	}
	return errors.Join(errs...)
}

func redactPatterns(m map[string]string) []capture.Pattern {
	patterns := make([]capture.Pattern, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		patterns = append(patterns, capture.Pattern{Name: name, Regex: m[name]})
	}
	return patterns
}
