package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/content-mirror/internal/logger"
)

// TracerProviderOption adjusts how NewTracerProvider builds the SDK provider
type TracerProviderOption func(*tracerProviderConfig)

type tracerProviderConfig struct {
	resource *resource.Resource
	exporter sdktrace.SpanExporter
}

// WithTracerResource sets the resource attached to every span
func WithTracerResource(res *resource.Resource) TracerProviderOption {
	return func(cfg *tracerProviderConfig) {
		cfg.resource = res
	}
}

// WithTracerExporter replaces the OTLP/HTTP exporter. Spans are exported
// synchronously so tests observe them as soon as they end.
func WithTracerExporter(exporter sdktrace.SpanExporter) TracerProviderOption {
	return func(cfg *tracerProviderConfig) {
		cfg.exporter = exporter
	}
}

// NewTracerProvider returns an SDK tracer provider when cfg enables tracing
// and a no-op provider otherwise. The SDK provider becomes the global one
// and must be shut down by the caller.
//
// Root spans are sampled at the configured ratio; a request carrying a W3C
// traceparent follows the caller's decision so a client trace stays whole
// across the mirror.
func NewTracerProvider(ctx context.Context, cfg *Config, opts ...TracerProviderOption) (trace.TracerProvider, error) {
	if !cfg.TracingEnabled() {
		logger.Info("Tracing disabled, using no-op tracer provider")
		return noop.NewTracerProvider(), nil
	}

	tc := &tracerProviderConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.resource == nil {
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		tc.resource = res
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.GetSampling()))
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(tc.resource),
		sdktrace.WithSampler(sampler),
	}
	if tc.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(tc.exporter))
	} else {
		exporter, err := newOTLPSpanExporter(ctx, cfg.GetEndpoint(), cfg.Insecure)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Insecure {
		logger.Warn("Tracing configured with an insecure connection; spans are sent over plain HTTP")
	}
	logger.Info("Tracing initialized",
		"endpoint", cfg.GetEndpoint(),
		"sampling_ratio", cfg.Tracing.GetSampling(),
		"untraced_routes", cfg.Tracing.GetUntracedRoutes(),
	)
	return tp, nil
}

func newOTLPSpanExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}
