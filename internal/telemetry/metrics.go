// Package telemetry provides OpenTelemetry instrumentation for the content mirror.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ContentMetricsMeterName is the name used for the content metrics meter
	ContentMetricsMeterName = "github.com/stacklok/content-mirror/content"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/content-mirror/sync"

	// WebhookMetricsMeterName is the name used for the webhook metrics meter
	WebhookMetricsMeterName = "github.com/stacklok/content-mirror/webhook"
)

// ContentMetrics holds the OpenTelemetry instruments for stored content
type ContentMetrics struct {
	entriesTotal metric.Int64Gauge
}

// NewContentMetrics creates a new ContentMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewContentMetrics(provider metric.MeterProvider) (*ContentMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ContentMetricsMeterName)

	entriesTotal, err := meter.Int64Gauge(
		"content_mirror_entries_total",
		metric.WithDescription("Number of entries held by the synced store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &ContentMetrics{entriesTotal: entriesTotal}, nil
}

// RecordEntriesTotal records the number of stored entries
func (m *ContentMetrics) RecordEntriesTotal(ctx context.Context, backend string, count int64) {
	if m == nil || m.entriesTotal == nil {
		return
	}
	m.entriesTotal.Record(ctx, count, metric.WithAttributes(attribute.String("backend", backend)))
}

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	syncDuration  metric.Float64Histogram
	eventsApplied metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"content_mirror_sync_duration_seconds",
		metric.WithDescription("Duration of sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	eventsApplied, err := meter.Int64Counter(
		"content_mirror_sync_events_total",
		metric.WithDescription("Change events processed by the sync engine, by action and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:  syncDuration,
		eventsApplied: eventsApplied,
	}, nil
}

// RecordSyncDuration records the duration of a full or incremental sync
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, mode string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEvent counts one processed change event
func (m *SyncMetrics) RecordEvent(ctx context.Context, action, outcome string) {
	if m == nil || m.eventsApplied == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	}

	m.eventsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// WebhookMetrics holds the OpenTelemetry instruments for webhook deliveries
type WebhookMetrics struct {
	requests metric.Int64Counter
}

// NewWebhookMetrics creates a new WebhookMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewWebhookMetrics(provider metric.MeterProvider) (*WebhookMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(WebhookMetricsMeterName)

	requests, err := meter.Int64Counter(
		"content_mirror_webhook_requests_total",
		metric.WithDescription("Webhook deliveries by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &WebhookMetrics{requests: requests}, nil
}

// RecordRequest counts a webhook delivery with its result
// (accepted, ignored, unauthorized, malformed, unsupported, unavailable)
func (m *WebhookMetrics) RecordRequest(ctx context.Context, result string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
