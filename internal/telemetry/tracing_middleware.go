package telemetry

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name used for the HTTP tracer
const TracerName = "github.com/stacklok/content-mirror/http"

// Span attributes set by the webhook receiver and the GraphQL endpoint
const (
	AttrWebhookResult     = attribute.Key("webhook.result")
	AttrGraphQLErrorCount = attribute.Key("graphql.error_count")
)

// TracingMiddleware starts a server span per request, continuing a W3C
// trace context sent by the caller. Requests whose path is one of
// untracedRoutes are served without a span. A nil provider disables tracing.
func TracingMiddleware(provider trace.TracerProvider, untracedRoutes ...string) func(http.Handler) http.Handler {
	if provider == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	tracer := provider.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(untracedRoutes, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, info := withRequestInfo(ctx)

			// Renamed to the route pattern once chi has routed the request
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			status := ww.Status()
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(status),
			)
			if info.deliveryMode() == DeliveryNone {
				span.SetAttributes(AttrDeliveryMode.String(DeliveryNone))
			}

			// A 4xx is the caller's fault and leaves a server span unset
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else if status < http.StatusBadRequest {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// RecordWebhookResult tags the request span with how a CMS notification was handled
func RecordWebhookResult(ctx context.Context, result string) {
	trace.SpanFromContext(ctx).SetAttributes(AttrWebhookResult.String(result))
}

// RecordGraphQLOperation tags the request span with the executed operation
func RecordGraphQLOperation(ctx context.Context, operationName string, errorCount int) {
	attrs := []attribute.KeyValue{AttrGraphQLErrorCount.Int(errorCount)}
	if operationName != "" {
		attrs = append(attrs, semconv.GraphqlOperationName(operationName))
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
