package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/internal/logger"
)

// Resource attribute keys for the mirrored content
const (
	AttrCMSSpace       = attribute.Key("cms.space")
	AttrCMSEnvironment = attribute.Key("cms.environment")
)

// Telemetry owns the tracer and meter providers of one mirror process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	untraced       []string

	// metricsHandler is set when the Prometheus exporter is enabled
	metricsHandler http.Handler

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config       *Config
	spanExporter sdktrace.SpanExporter
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// WithSpanExporter replaces the OTLP span exporter
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(tc *telemetryConfig) {
		tc.spanExporter = exporter
	}
}

// New creates the providers described by the configuration. Without a
// configuration, or with telemetry disabled, both providers are no-ops.
// The caller must call Shutdown when the process exits.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	tc := &telemetryConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.config
	if cfg == nil || !cfg.Enabled {
		logger.Debug("Telemetry disabled")
		return newNoOpTelemetry(ctx)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	logger.Info("Initializing telemetry",
		"service_name", cfg.GetServiceName(),
		"service_version", cfg.GetServiceVersion(),
		"space", cfg.Content.Space,
		"environment", cfg.Content.Environment,
	)

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tracerOpts := []TracerProviderOption{WithTracerResource(res)}
	if tc.spanExporter != nil {
		tracerOpts = append(tracerOpts, WithTracerExporter(tc.spanExporter))
	}
	tracerProvider, err := NewTracerProvider(ctx, cfg, tracerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	// Prometheus metrics go to a private registry served by MetricsHandler
	var metricsHandler http.Handler
	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled() && cfg.Metrics.HasExporter(ExporterPrometheus) {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	meterProvider, err := NewMeterProvider(ctx,
		WithPrometheusRegisterer(registry),
		WithMeterResource(res),
		WithMetricsConfig(cfg.Metrics),
		WithMeterEndpoint(cfg.GetEndpoint()),
		WithMeterInsecure(cfg.Insecure),
	)
	if err != nil {
		if tp, ok := tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	logger.Info("Telemetry initialized successfully",
		"tracing", cfg.TracingEnabled(),
		"metrics", cfg.MetricsEnabled(),
	)

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		untraced:       cfg.Tracing.GetUntracedRoutes(),
		metricsHandler: metricsHandler,
	}, nil
}

// newResource describes the process: the service and the content it mirrors
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.GetServiceName()),
		semconv.ServiceVersion(cfg.GetServiceVersion()),
	}
	if cfg.Content.Space != "" {
		attrs = append(attrs, AttrCMSSpace.String(cfg.Content.Space))
	}
	if cfg.Content.Environment != "" {
		attrs = append(attrs, AttrCMSEnvironment.String(cfg.Content.Environment))
	}

	// resource.New avoids the schema URL conflicts of merging with resource.Default()
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func newNoOpTelemetry(ctx context.Context) (*Telemetry, error) {
	tracerProvider, err := NewTracerProvider(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create no-op tracer provider: %w", err)
	}
	meterProvider, err := NewMeterProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create no-op meter provider: %w", err)
	}
	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		untraced:       DefaultUntracedRoutes,
	}, nil
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// UntracedRoutes returns the request paths the tracing middleware skips
func (t *Telemetry) UntracedRoutes() []string {
	return t.untraced
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// Prometheus exporter is not enabled
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Tracer returns a named tracer from the tracer provider
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a named meter from the meter provider
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the SDK providers. Later calls return the
// result of the first one.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		logger.Info("Shutting down telemetry")

		var errs []error
		if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
			if err := tp.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
			}
		}
		if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
			if err := mp.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
			}
		}
		t.shutdownErr = errors.Join(errs...)
		if t.shutdownErr == nil {
			logger.Info("Telemetry shutdown complete")
		}
	})
	return t.shutdownErr
}
