package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPMetricsMeterName is the name used for the HTTP metrics meter
	HTTPMetricsMeterName = "github.com/stacklok/content-mirror/http"

	unknownRoute = "unknown_route"
)

// Delivery modes of a content request, used as the "delivery" metric label
const (
	DeliveryNone      = "none"
	DeliveryPublished = "published"
	DeliveryPreview   = "preview"
)

// Span attributes describing how a content request was served
const (
	AttrDeliveryMode   = attribute.Key("delivery.mode")
	AttrDeliveryLocale = attribute.Key("delivery.locale")
)

// requestInfo is filled in by inner handlers and read by the outer
// instrumentation once the request has been served.
type requestInfo struct {
	mu       sync.Mutex
	delivery string
}

type requestInfoKey struct{}

// withRequestInfo returns ctx carrying a requestInfo, reusing the one an
// outer middleware already attached.
func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ctx, info
	}
	info := &requestInfo{delivery: DeliveryNone}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

func (i *requestInfo) deliveryMode() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.delivery
}

// MarkDelivery records the delivery parameters of a content request on the
// server span and on the request's HTTP metrics. The locale goes on the span
// only: it is caller input and would make the metric labels unbounded.
func MarkDelivery(ctx context.Context, preview bool, locale string) {
	mode := DeliveryPublished
	if preview {
		mode = DeliveryPreview
	}
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.mu.Lock()
		info.delivery = mode
		info.mu.Unlock()
	}

	attrs := []attribute.KeyValue{AttrDeliveryMode.String(mode)}
	if locale != "" {
		attrs = append(attrs, AttrDeliveryLocale.String(locale))
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// HTTPMetrics holds the OpenTelemetry instruments for HTTP metrics
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the HTTP instruments. A nil provider yields nil
// metrics, whose middleware passes requests through.
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(HTTPMetricsMeterName)

	requestDuration, err := meter.Float64Histogram(
		"content_mirror_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"content_mirror_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"content_mirror_http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
		activeRequests:  activeRequests,
	}, nil
}

// Middleware records one duration and one count per request, labelled with
// method, chi route pattern, status and delivery mode.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request context may be cancelled once ServeHTTP returns
		ctx, info := withRequestInfo(r.Context())
		recordCtx := context.WithoutCancel(ctx)
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.activeRequests.Add(recordCtx, 1)
		defer m.activeRequests.Add(recordCtx, -1)

		next.ServeHTTP(ww, r.WithContext(ctx))

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
			attribute.String("delivery", info.deliveryMode()),
		)
		m.requestDuration.Record(recordCtx, time.Since(start).Seconds(), attrs)
		m.requestsTotal.Add(recordCtx, 1, attrs)
	})
}

// routePattern returns the chi pattern the request matched, such as
// "/api/v1/entries/{id}", so entry ids never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}

// MetricsMiddleware combines NewHTTPMetrics and Middleware
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	metrics, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	return metrics.Middleware, nil
}
