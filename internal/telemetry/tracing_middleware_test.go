package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// newTestTracerProvider creates a tracer provider with an in-memory exporter
func newTestTracerProvider(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

func spanAttrs(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestTracingMiddlewareNilProvider(t *testing.T) {
	t.Parallel()

	rr := serve(mirrorRouter(TracingMiddleware(nil)), http.MethodGet, "/api/v1/entries/a1")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTracingMiddlewareMirrorSpans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		target     string
		wantName   string
		wantStatus codes.Code
		wantAttrs  map[attribute.Key]attribute.Value
		absent     []attribute.Key
	}{
		{
			name:       "published entry read",
			method:     http.MethodGet,
			target:     "/api/v1/entries/a1",
			wantName:   "GET /api/v1/entries/{id}",
			wantStatus: codes.Ok,
			wantAttrs: map[attribute.Key]attribute.Value{
				AttrDeliveryMode:                  attribute.StringValue(DeliveryPublished),
				semconv.HTTPRouteKey:              attribute.StringValue("/api/v1/entries/{id}"),
				semconv.URLPathKey:                attribute.StringValue("/api/v1/entries/a1"),
				semconv.HTTPResponseStatusCodeKey: attribute.IntValue(http.StatusOK),
			},
			absent: []attribute.Key{AttrDeliveryLocale},
		},
		{
			name:       "preview read in a locale",
			method:     http.MethodGet,
			target:     "/api/v1/entries/a1?preview=true&locale=de",
			wantName:   "GET /api/v1/entries/{id}",
			wantStatus: codes.Ok,
			wantAttrs: map[attribute.Key]attribute.Value{
				AttrDeliveryMode:   attribute.StringValue(DeliveryPreview),
				AttrDeliveryLocale: attribute.StringValue("de"),
			},
		},
		{
			name:       "missing entry is not a server error",
			method:     http.MethodGet,
			target:     "/api/v1/entries/missing",
			wantName:   "GET /api/v1/entries/{id}",
			wantStatus: codes.Unset,
			wantAttrs: map[attribute.Key]attribute.Value{
				semconv.HTTPResponseStatusCodeKey: attribute.IntValue(http.StatusNotFound),
			},
		},
		{
			name:       "graphql operation",
			method:     http.MethodPost,
			target:     "/graphql",
			wantName:   "POST /graphql",
			wantStatus: codes.Ok,
			wantAttrs: map[attribute.Key]attribute.Value{
				semconv.GraphqlOperationNameKey: attribute.StringValue("LatestArticles"),
				AttrGraphQLErrorCount:           attribute.IntValue(1),
				AttrDeliveryMode:                attribute.StringValue(DeliveryPublished),
			},
		},
		{
			name:       "webhook delivery",
			method:     http.MethodPost,
			target:     "/webhooks/cms",
			wantName:   "POST /webhooks/cms",
			wantStatus: codes.Ok,
			wantAttrs: map[attribute.Key]attribute.Value{
				AttrWebhookResult: attribute.StringValue("accepted"),
				AttrDeliveryMode:  attribute.StringValue(DeliveryNone),
			},
		},
		{
			name:       "unrouted path",
			method:     http.MethodGet,
			target:     "/api/v2/entries",
			wantName:   "GET " + unknownRoute,
			wantStatus: codes.Unset,
			wantAttrs: map[attribute.Key]attribute.Value{
				semconv.HTTPRouteKey: attribute.StringValue(unknownRoute),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter, tp := newTestTracerProvider(t)
			serve(mirrorRouter(TracingMiddleware(tp)), tt.method, tt.target)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			span := spans[0]
			assert.Equal(t, tt.wantName, span.Name)
			assert.Equal(t, trace.SpanKindServer, span.SpanKind)
			assert.Equal(t, tt.wantStatus, span.Status.Code)

			attrs := spanAttrs(span)
			for k, want := range tt.wantAttrs {
				assert.Equal(t, want, attrs[k], "attribute %s", k)
			}
			for _, k := range tt.absent {
				assert.NotContains(t, attrs, k)
			}
		})
	}
}

func TestTracingMiddlewareServerErrorStatus(t *testing.T) {
	t.Parallel()

	exporter, tp := newTestTracerProvider(t)
	handler := TracingMiddleware(tp)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	serve(handler, http.MethodPost, "/webhooks/cms")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), spans[0].Status.Description)
}

func TestTracingMiddlewareSkipsUntracedRoutes(t *testing.T) {
	t.Parallel()

	exporter, tp := newTestTracerProvider(t)
	router := mirrorRouter(TracingMiddleware(tp, DefaultUntracedRoutes...))

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health").Code)
	assert.Empty(t, exporter.GetSpans())

	serve(router, http.MethodGet, "/api/v1/entries/a1")
	assert.Len(t, exporter.GetSpans(), 1)
}

func TestTracingMiddlewareContinuesCallerTrace(t *testing.T) {
	t.Parallel()

	exporter, tp := newTestTracerProvider(t)
	handler := TracingMiddleware(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		w.WriteHeader(http.StatusOK)
	}))

	otel.SetTextMapPropagator(propagation.TraceContext{})
	caller := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd, 0x84, 0x48, 0xeb, 0x21, 0x1c, 0x80, 0x31, 0x9c},
		SpanID:     trace.SpanID{0xb7, 0xad, 0x6b, 0x71, 0x69, 0x20, 0x33, 0x31},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	propagation.TraceContext{}.Inject(trace.ContextWithSpanContext(context.Background(), caller), propagation.HeaderCarrier(req.Header))
	require.NotEmpty(t, req.Header.Get("traceparent"))

	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, caller.TraceID(), spans[0].SpanContext.TraceID())
	assert.Equal(t, caller.SpanID(), spans[0].Parent.SpanID())
}
