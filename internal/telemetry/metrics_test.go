package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader sdkmetric.Reader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, scope, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != scope {
			continue
		}
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestNilProvidersReturnNilMetrics(t *testing.T) {
	t.Parallel()

	content, err := NewContentMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, content)

	syncMetrics, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, syncMetrics)

	webhook, err := NewWebhookMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, webhook)

	// nil receivers are no-ops
	ctx := context.Background()
	content.RecordEntriesTotal(ctx, "memory", 1)
	syncMetrics.RecordSyncDuration(ctx, "full", time.Second, true)
	syncMetrics.RecordEvent(ctx, "save", "applied")
	webhook.RecordRequest(ctx, "accepted")
}

func TestContentMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewContentMetrics(mp)
	require.NoError(t, err)
	metrics.RecordEntriesTotal(context.Background(), "memory", 42)

	m, ok := findMetric(collect(t, reader), ContentMetricsMeterName, "content_mirror_entries_total")
	require.True(t, ok)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(42), gauge.DataPoints[0].Value)
}

func TestSyncMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordSyncDuration(ctx, "full", 2*time.Second, true)
	metrics.RecordSyncDuration(ctx, "incremental", 100*time.Millisecond, false)
	metrics.RecordEvent(ctx, "save", "applied")
	metrics.RecordEvent(ctx, "save", "applied")
	metrics.RecordEvent(ctx, "delete", "discarded")

	rm := collect(t, reader)

	m, ok := findMetric(rm, SyncMetricsMeterName, "content_mirror_sync_duration_seconds")
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)

	m, ok = findMetric(rm, SyncMetricsMeterName, "content_mirror_sync_events_total")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)
	assert.Len(t, sum.DataPoints, 2)
}

func TestWebhookMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewWebhookMetrics(mp)
	require.NoError(t, err)
	metrics.RecordRequest(context.Background(), "accepted")
	metrics.RecordRequest(context.Background(), "unauthorized")

	m, ok := findMetric(collect(t, reader), WebhookMetricsMeterName, "content_mirror_webhook_requests_total")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)
}
