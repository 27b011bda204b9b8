package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/devtools-relay"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP export.
	OTLPInsecure bool

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	// Delivery pipeline
	batchFlushesTotal  metric.Int64Counter
	batchItemsTotal    metric.Int64Counter
	batchFlushDuration metric.Float64Histogram
	batchDroppedTotal  metric.Int64Counter

	collectorRequestsTotal   metric.Int64Counter
	collectorRequestDuration metric.Float64Histogram
	collectorBytesTotal      metric.Int64Counter

	breakerTransitionsTotal metric.Int64Counter
	breakerState            metric.Int64Gauge
	connectionState         metric.Int64Gauge

	// Command dispatch
	queriesDispatchedTotal metric.Int64Counter
	queriesCompletedTotal  metric.Int64Counter
	queriesDroppedTotal    metric.Int64Counter
	queryDuration          metric.Float64Histogram

	// Bounded state
	storeEvictionsTotal metric.Int64Counter
	guardRunsTotal      metric.Int64Counter

	// Reaper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "devtools-relay"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		otlpExporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"devtools_relay_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"devtools_relay_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"devtools_relay_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"devtools_relay_http_requests_by_endpoint_total",
		metric.WithDescription("HTTP requests by route and event kind"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.batchFlushesTotal, err = meter.Int64Counter(
		"devtools_relay_batch_flushes_total",
		metric.WithDescription("Batch flushes by event kind and outcome"),
		metric.WithUnit("{flush}"),
	); err != nil {
		return nil, err
	}

	if m.batchItemsTotal, err = meter.Int64Counter(
		"devtools_relay_batch_items_total",
		metric.WithDescription("Items carried by batch flushes by event kind and outcome"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.batchFlushDuration, err = meter.Float64Histogram(
		"devtools_relay_batch_flush_duration_seconds",
		metric.WithDescription("Batch flush duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.batchDroppedTotal, err = meter.Int64Counter(
		"devtools_relay_batch_dropped_items_total",
		metric.WithDescription("Items dropped before delivery by event kind and reason"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.collectorRequestsTotal, err = meter.Int64Counter(
		"devtools_relay_collector_requests_total",
		metric.WithDescription("Requests made to the remote collector"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.collectorRequestDuration, err = meter.Float64Histogram(
		"devtools_relay_collector_request_duration_seconds",
		metric.WithDescription("Remote collector request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.collectorBytesTotal, err = meter.Int64Counter(
		"devtools_relay_collector_request_bytes_total",
		metric.WithDescription("Request bytes sent to the remote collector"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.breakerTransitionsTotal, err = meter.Int64Counter(
		"devtools_relay_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.breakerState, err = meter.Int64Gauge(
		"devtools_relay_breaker_state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half-open, 2=open)"),
	); err != nil {
		return nil, err
	}

	if m.connectionState, err = meter.Int64Gauge(
		"devtools_relay_collector_connected",
		metric.WithDescription("Whether the last delivery to the collector succeeded (1) or failed (0)"),
	); err != nil {
		return nil, err
	}

	if m.queriesDispatchedTotal, err = meter.Int64Counter(
		"devtools_relay_queries_dispatched_total",
		metric.WithDescription("Queries dispatched to command handlers"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, err
	}

	if m.queriesCompletedTotal, err = meter.Int64Counter(
		"devtools_relay_queries_completed_total",
		metric.WithDescription("Terminal results delivered by status and code"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, err
	}

	if m.queriesDroppedTotal, err = meter.Int64Counter(
		"devtools_relay_queries_dropped_completions_total",
		metric.WithDescription("Completion attempts dropped because a result was already delivered"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.queryDuration, err = meter.Float64Histogram(
		"devtools_relay_query_duration_seconds",
		metric.WithDescription("Time from dispatch to terminal result"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.storeEvictionsTotal, err = meter.Int64Counter(
		"devtools_relay_store_evictions_total",
		metric.WithDescription("Bounded store evictions by store and reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.guardRunsTotal, err = meter.Int64Counter(
		"devtools_relay_guard_runs_total",
		metric.WithDescription("Single-flight task invocations by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"devtools_relay_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"devtools_relay_reaper_cycle_duration_seconds",
		metric.WithDescription("Duration of reaper cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and event kind are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	kind := ""
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		kind = tags.Kind
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: only for ingest requests that carry a kind
	if kind != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("kind", kind),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBatchFlush records one batch flush. outcome is "success", "error"
// or "short_circuit".
func RecordBatchFlush(ctx context.Context, kind, outcome string, items int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.batchFlushesTotal.Add(ctx, 1, attrs)
	globalMetrics.batchItemsTotal.Add(ctx, int64(items), attrs)
	globalMetrics.batchFlushDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBatchDrop records items discarded before they reached a flush.
func RecordBatchDrop(ctx context.Context, kind, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.batchDroppedTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// RecordCollectorRequest records a request made to the remote collector.
func RecordCollectorRequest(ctx context.Context, endpoint string, duration time.Duration, bytesSent int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	}
	globalMetrics.collectorRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.collectorRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesSent > 0 {
		globalMetrics.collectorBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	}
}

// RecordBreakerTransition records a circuit breaker state change and
// updates the state gauge.
func RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	))
	globalMetrics.breakerState.Record(ctx, breakerStateValue(to), metric.WithAttributes(
		attribute.String("breaker", breaker),
	))
}

func breakerStateValue(state string) int64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetConnected records the collector connection flag.
func SetConnected(ctx context.Context, connected bool) {
	if globalMetrics == nil {
		return
	}
	var v int64
	if connected {
		v = 1
	}
	globalMetrics.connectionState.Record(ctx, v)
}

// RecordQueryDispatched records a query handed to a command handler.
func RecordQueryDispatched(ctx context.Context, queryType string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queriesDispatchedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", queryType),
	))
}

// RecordQueryCompleted records a delivered terminal result. code is empty
// for successful completions.
func RecordQueryCompleted(ctx context.Context, queryType, status, code string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", queryType),
		attribute.String("status", status),
		attribute.String("code", code),
	)
	globalMetrics.queriesCompletedTotal.Add(ctx, 1, attrs)
	globalMetrics.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("type", queryType),
		attribute.String("status", status),
	))
}

// RecordQueryDropped records a completion attempt that arrived after the
// query's terminal result was already delivered.
func RecordQueryDropped(ctx context.Context, queryType string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queriesDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", queryType),
	))
}

// RecordStoreEviction records entries removed from a bounded store.
// reason is "capacity" or "expired".
func RecordStoreEviction(ctx context.Context, store, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.storeEvictionsTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("reason", reason),
	))
}

// RecordGuardRun records a single-flight invocation. outcome is "ran" or
// "skipped".
func RecordGuardRun(ctx context.Context, task, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.guardRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return strconv.Itoa(status)
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
