package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/logs", nil)
	r = InjectTags(r)
	SetRoute(r, RouteIngest)

	RecordHTTP(context.Background(), r, http.StatusAccepted, 64, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "devtools_relay_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "ingest"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "devtools_relay_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 64, bytesDps[0].Value)

	histDps := findHistogram(rm, "devtools_relay_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DetailMetricWithKind(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodPost, "/network-bodies", nil))
	SetRoute(r, RouteIngest)
	SetKind(r, "network-body")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 0, time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "devtools_relay_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "network-body"))
}

func TestRecordHTTP_NoDetailMetricWithoutKind(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/status", nil))
	SetRoute(r, RouteStatus)

	RecordHTTP(context.Background(), r, http.StatusOK, 10, time.Millisecond)

	rm := collectMetrics(t, reader)
	require.Empty(t, findCounter(rm, "devtools_relay_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "devtools_relay_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordBatchFlush(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBatchFlush(ctx, "log", "success", 7, 10*time.Millisecond)
	RecordBatchFlush(ctx, "log", "short_circuit", 3, 0)
	RecordBatchDrop(ctx, "log", "overflow", 2)
	RecordBatchDrop(ctx, "log", "overflow", 0)

	rm := collectMetrics(t, reader)

	flushes := findCounter(rm, "devtools_relay_batch_flushes_total")
	require.Len(t, flushes, 2)

	items := findCounter(rm, "devtools_relay_batch_items_total")
	var total int64
	for _, dp := range items {
		total += dp.Value
	}
	require.EqualValues(t, 10, total)

	dropped := findCounter(rm, "devtools_relay_batch_dropped_items_total")
	require.Len(t, dropped, 1)
	require.EqualValues(t, 2, dropped[0].Value)
	require.True(t, hasAttr(dropped[0].Attributes, "reason", "overflow"))
}

func TestRecordBreakerTransition(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBreakerTransition(context.Background(), "collector", "closed", "open")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "devtools_relay_breaker_transitions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "from", "closed"))
	require.True(t, hasAttr(dps[0].Attributes, "to", "open"))

	gauge := findGauge(rm, "devtools_relay_breaker_state")
	require.Len(t, gauge, 1)
	require.EqualValues(t, 2, gauge[0].Value)
}

func TestRecordQueryLifecycle(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordQueryDispatched(ctx, "ping")
	RecordQueryCompleted(ctx, "ping", "complete", "", time.Millisecond)
	RecordQueryDropped(ctx, "ping")

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "devtools_relay_queries_dispatched_total"), 1)

	completed := findCounter(rm, "devtools_relay_queries_completed_total")
	require.Len(t, completed, 1)
	require.True(t, hasAttr(completed[0].Attributes, "status", "complete"))

	require.Len(t, findCounter(rm, "devtools_relay_queries_dropped_completions_total"), 1)
	require.Len(t, findHistogram(rm, "devtools_relay_query_duration_seconds"), 1)
}

func TestRecordStoreEviction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStoreEviction(context.Background(), "scripts", "capacity", 3)
	RecordStoreEviction(context.Background(), "scripts", "capacity", 0)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "devtools_relay_store_evictions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
}

func TestSetConnected(t *testing.T) {
	reader := setupTestMetrics(t)

	SetConnected(context.Background(), true)

	rm := collectMetrics(t, reader)
	dps := findGauge(rm, "devtools_relay_collector_connected")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}

func TestRecordHelpers_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Must not panic when metrics are not initialised
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBatchFlush(ctx, "log", "success", 1, time.Millisecond)
	RecordBatchDrop(ctx, "log", "overflow", 1)
	RecordBreakerTransition(ctx, "collector", "closed", "open")
	RecordQueryDispatched(ctx, "ping")
	RecordQueryCompleted(ctx, "ping", "complete", "", time.Millisecond)
	RecordQueryDropped(ctx, "ping")
	RecordStoreEviction(ctx, "scripts", "capacity", 1)
	RecordGuardRun(ctx, "sync", "ran")
	RecordReaperCycle(ctx, "audit", 1, time.Millisecond)
	SetConnected(ctx, false)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{202, "2xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "100"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "status %d", tt.status)
	}
}
