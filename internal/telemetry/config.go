// Package telemetry provides OpenTelemetry instrumentation for the content mirror.
// Traces go to an OTLP collector; metrics go to OTLP, a Prometheus scrape
// endpoint or both. Every span and metric carries the CMS space and
// environment being mirrored.
package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "content-mirror"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default ratio of sampled root traces
	DefaultSampling = 0.05
)

// DefaultUntracedRoutes are the routes hit by orchestrators and scrapers.
// They are still counted in HTTP metrics.
var DefaultUntracedRoutes = []string{"/health", "/readiness", "/metrics"}

// Config represents the root telemetry configuration
type Config struct {
	// Enabled turns telemetry on. When false no SDK provider is created.
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "content-mirror"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the binary version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP/HTTP collector as "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure sends OTLP over plain HTTP
	Insecure bool `yaml:"insecure,omitempty"`

	// Tracing contains tracing-specific configuration
	Tracing *TracingConfig `yaml:"tracing,omitempty"`

	// Metrics contains metrics-specific configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`

	// Content identifies the mirrored CMS content. It is copied from the CMS
	// settings at startup rather than read from the telemetry block.
	Content ContentSource `yaml:"-"`
}

// ContentSource is the CMS space and environment a mirror serves
type ContentSource struct {
	Space       string
	Environment string
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of root traces kept, 0 < ratio <= 1. Requests
	// that arrive with a sampled parent are always traced.
	Sampling float64 `yaml:"sampling,omitempty"`

	// UntracedRoutes are exact request paths that never start a span.
	// Defaults to DefaultUntracedRoutes; an explicit empty list traces all.
	UntracedRoutes []string `yaml:"untracedRoutes,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporters lists where metrics go: "otlp" pushes to the collector
	// endpoint, "prometheus" serves them on /metrics. Defaults to otlp.
	Exporters []string `yaml:"exporters,omitempty"`
}

// Metric exporters
const (
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// GetExporters returns the configured exporters, defaulting to OTLP only
func (c *MetricsConfig) GetExporters() []string {
	if c == nil || len(c.Exporters) == 0 {
		return []string{ExporterOTLP}
	}
	return c.Exporters
}

// HasExporter reports whether the named exporter is configured
func (c *MetricsConfig) HasExporter(name string) bool {
	return slices.Contains(c.GetExporters(), name)
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if strings.TrimSpace(c.ServiceName) == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// TracingEnabled reports whether spans are exported
func (c *Config) TracingEnabled() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

// MetricsEnabled reports whether metrics are collected
func (c *Config) MetricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// GetSampling returns the sampling ratio. Zero means unset, so it maps to
// DefaultSampling; sampling nothing is done by disabling tracing.
func (c *TracingConfig) GetSampling() float64 {
	if c == nil || c.Sampling == 0 {
		return DefaultSampling
	}
	return c.Sampling
}

// GetUntracedRoutes returns the paths excluded from tracing
func (c *TracingConfig) GetUntracedRoutes() []string {
	if c == nil || c.UntracedRoutes == nil {
		return DefaultUntracedRoutes
	}
	return c.UntracedRoutes
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	return errors.Join(errs...)
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.Sampling < 0 || c.Sampling > 1.0 {
		errs = append(errs, fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling))
	}
	for _, route := range c.UntracedRoutes {
		if !strings.HasPrefix(route, "/") {
			errs = append(errs, fmt.Errorf("untraced route %q must start with /", route))
		}
	}
	return errors.Join(errs...)
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	for _, e := range c.Exporters {
		if e != ExporterOTLP && e != ExporterPrometheus {
			return fmt.Errorf("unknown metrics exporter %q", e)
		}
	}
	return nil
}
