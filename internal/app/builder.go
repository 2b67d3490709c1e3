package app

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/internal/api"
	"github.com/stacklok/content-mirror/internal/app/storage"
	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/registry"
	"github.com/stacklok/content-mirror/internal/schema"
	"github.com/stacklok/content-mirror/internal/store"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
	"github.com/stacklok/content-mirror/internal/sync/coordinator"
	"github.com/stacklok/content-mirror/internal/telemetry"
	"github.com/stacklok/content-mirror/internal/webhook"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	// tracerName is the instrumentation scope of the spans the app creates
	tracerName = "github.com/stacklok/content-mirror"
)

// MirrorAppOptions is a function that configures the mirror app builder
type MirrorAppOptions func(*mirrorAppConfig) error

// mirrorAppConfig collects the builder inputs. It supports dependency
// injection for testing while providing sensible defaults for production.
type mirrorAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	client         cms.Client
	previewClient  cms.Client
	storageFactory storage.Factory

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	untracedRoutes []string
	metricsHandler http.Handler
}

func baseConfig(opts ...MirrorAppOptions) (*mirrorAppConfig, error) {
	cfg := &mirrorAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewMirrorApp builds every component from the configuration: CMS clients,
// the type registry, the store, the sync engine, the query schema, the
// webhook receiver and the HTTP server.
func NewMirrorApp(
	ctx context.Context,
	opts ...MirrorAppOptions,
) (*MirrorApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	buildClients(cfg)

	// The registry is built once; later changes need an explicit rebuild.
	reg, err := registry.Load(ctx, cfg.client, cfg.config.CMS.GetContentTypePageSize())
	if err != nil {
		return nil, fmt.Errorf("failed to load content types: %w", err)
	}
	holder := registry.NewHolder(reg, registry.WithDefaultLocale(cfg.config.CMS.GetDefaultLocale()))
	logger.Info("Content type registry loaded", "content_types", reg.Len())

	// Single decision point for the store backend
	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config,
			storage.Clients{Delivery: cfg.client, Preview: cfg.previewClient},
			storage.WithTracer(cfg.tracer()))
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded && cfg.storageFactory != nil {
			cfg.storageFactory.Cleanup()
		}
	}()

	components, sink, err := buildSyncComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}
	components.Registry = holder

	var extra []schema.FieldSource
	if components.Engine != nil {
		extra = append(extra, syncStatusFields(components.Engine))
	}
	components.Schema, err = schema.NewService(holder, components.Store, schema.Options{
		MaxDepth:      cfg.config.Schema.GetMaxDepth(),
		DefaultLocale: cfg.config.CMS.GetDefaultLocale(),
	}, extra...)
	if err != nil {
		return nil, fmt.Errorf("failed to build query schema: %w", err)
	}

	receiver, err := buildWebhookReceiver(cfg, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook receiver: %w", err)
	}

	readiness := &syncReadiness{lazy: cfg.config.GetContentDelivery() == config.DeliveryLazySync}
	if components.Engine != nil {
		readiness.engine = components.Engine
	}

	httpServer, err := buildHTTPServer(ctx, cfg, components, receiver, readiness)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	cancelFunc := func() {
		cancel()
		if cfg.storageFactory != nil {
			cfg.storageFactory.Cleanup()
		}
	}

	return &MirrorApp{
		config:     cfg.config,
		client:     cfg.client,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, ok := strings.Cut(addr, ":")
		if !ok || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithCMSClient injects the delivery API client (for testing)
func WithCMSClient(c cms.Client) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.client = c
		return nil
	}
}

// WithPreviewClient injects the preview API client (for testing)
func WithPreviewClient(c cms.Client) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.previewClient = c
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for metrics
func WithMeterProvider(mp metric.MeterProvider) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithUntracedRoutes sets the request paths served without a span
func WithUntracedRoutes(routes []string) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.untracedRoutes = routes
		return nil
	}
}

// WithMetricsHandler serves the given Prometheus handler at /metrics
func WithMetricsHandler(h http.Handler) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// tracer returns the app tracer, nil when tracing is not configured
func (b *mirrorAppConfig) tracer() trace.Tracer {
	if b.tracerProvider == nil {
		return nil
	}
	return b.tracerProvider.Tracer(tracerName)
}

// buildClients creates the CMS clients that were not injected. The preview
// client exists only when a preview token is configured.
func buildClients(b *mirrorAppConfig) {
	cmsCfg := &b.config.CMS
	clientOpts := func(baseURL string) []cms.Option {
		opts := []cms.Option{cms.WithBaseURL(baseURL), cms.WithTimeout(cmsCfg.GetTimeout())}
		if tracer := b.tracer(); tracer != nil {
			opts = append(opts, cms.WithTracer(tracer))
		}
		return opts
	}

	if b.client == nil {
		b.client = cms.NewClient(cmsCfg.Space, cmsCfg.GetEnvironment(), cmsCfg.AccessToken,
			clientOpts(cmsCfg.GetBaseURL())...)
	}
	if b.previewClient == nil && cmsCfg.PreviewToken != "" {
		b.previewClient = cms.NewClient(cmsCfg.Space, cmsCfg.GetEnvironment(), cmsCfg.PreviewToken,
			clientOpts(cmsCfg.GetPreviewBaseURL())...)
	}
}

// buildSyncComponents creates the read store and, for synced delivery, the
// engine, dispatcher and coordinator. It returns the sink webhook events go
// to, nil when events have nothing to act on.
func buildSyncComponents(
	ctx context.Context,
	b *mirrorAppConfig,
) (*AppComponents, webhook.EventSink, error) {
	logger.Info("Initializing sync components", "delivery", b.config.GetContentDelivery())

	reader, err := b.storageFactory.CreateReadStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create read store: %w", err)
	}
	synced, err := b.storageFactory.CreateSyncedStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create synced store: %w", err)
	}

	components := &AppComponents{}
	var sink webhook.EventSink

	if synced == nil {
		if evicter, ok := reader.(store.Evicter); ok {
			sink = webhook.NewEvictingSink(evicter)
		}
		components.Store = buildPipeline(reader, b.config)
		logger.Info("Serving reads directly from the CMS", "backend", b.storageFactory.Backend())
		return components, sink, nil
	}

	syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	contentMetrics, err := telemetry.NewContentMetrics(b.meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create content metrics: %w", err)
	}

	syncCfg := &b.config.Sync
	engineOpts := []pkgsync.Option{
		pkgsync.WithTombstoneTTL(syncCfg.GetTombstoneTTL()),
		pkgsync.WithRetry(syncCfg.GetMaxAttempts(), syncCfg.GetInitialBackoff(), syncCfg.GetMaxBackoff()),
		pkgsync.WithSyncMetrics(syncMetrics),
	}
	if tracer := b.tracer(); tracer != nil {
		engineOpts = append(engineOpts, pkgsync.WithTracer(tracer))
	}
	engine := pkgsync.NewEngine(b.client, synced, engineOpts...)

	dispatcher := pkgsync.NewDispatcher(engine, syncCfg.GetWorkers(), syncCfg.GetQueueSize())
	sink = dispatcher

	components.Engine = engine
	components.Dispatcher = dispatcher
	coordOpts := []coordinator.Option{
		coordinator.WithBackend(b.storageFactory.Backend()),
		coordinator.WithContentMetrics(contentMetrics),
	}
	if b.config.GetContentDelivery() == config.DeliveryLazySync {
		reader = pkgsync.NewLazyStore(reader, engine)
		coordOpts = append(coordOpts, coordinator.WithDeferredInitialSync())
	}
	components.SyncCoordinator = coordinator.New(engine, syncCfg.GetInterval(), coordOpts...)
	components.Store = buildPipeline(reader, b.config)

	logger.Info("Sync components initialized successfully",
		"backend", b.storageFactory.Backend(),
		"workers", syncCfg.GetWorkers(),
		"interval", syncCfg.GetInterval())
	return components, sink, nil
}

// buildPipeline wraps reader with the configured read stages
func buildPipeline(reader store.Store, cfg *config.Config) *middleware.Pipeline {
	mwCfg := &cfg.Middleware
	var stages []middleware.Stage
	if mwCfg.PublishWindowEnabled() {
		stages = append(stages, middleware.NewPublishWindow(mwCfg.GetPublishAtField(), mwCfg.GetUnpublishAtField()))
	}
	if mwCfg.PublishedOnlyEnabled() {
		stages = append(stages, middleware.NewPublishedOnly())
	}
	if mwCfg.LocaleEnabled() {
		stages = append(stages, middleware.NewLocale())
	}

	pipeline := middleware.New(reader, middleware.Config{DefaultLocale: cfg.CMS.GetDefaultLocale()}, stages...)
	logger.Info("Read pipeline configured", "stages", pipeline.Stages())
	return pipeline
}

// buildWebhookReceiver returns nil when webhooks are disabled or there is
// nothing to deliver events to
func buildWebhookReceiver(b *mirrorAppConfig, sink webhook.EventSink) (*webhook.Receiver, error) {
	if !b.config.Webhook.Enabled() {
		logger.Info("Webhook receiver disabled: no credentials configured")
		return nil, nil
	}
	if sink == nil {
		logger.Info("Webhook receiver disabled: direct delivery without a cache has nothing to update")
		return nil, nil
	}

	password, err := b.config.Webhook.GetPassword()
	if err != nil {
		return nil, err
	}
	webhookMetrics, err := telemetry.NewWebhookMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook metrics: %w", err)
	}

	return webhook.NewReceiver(b.config.Webhook.Username, password, sink, webhook.WithMetrics(webhookMetrics)), nil
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *mirrorAppConfig,
	components *AppComponents,
	receiver *webhook.Receiver,
	readiness api.ReadinessChecker,
) (*http.Server, error) {
	logger.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			chimw.RequestID,
			chimw.RealIP,
			chimw.Recoverer,
			chimw.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Tracing and metrics run first so rejected requests are observed too
	observability := []func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider, b.untracedRoutes...)}
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		observability = append(observability, metricsMiddleware)
		logger.Info("HTTP metrics middleware enabled")
	}
	middlewares = append(observability, middlewares...)

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(middlewares...),
		api.WithContentTypes(components.Registry),
		api.WithGraphQL(components.Schema),
		api.WithReadiness(readiness),
		api.WithPreviewToken(b.config.CMS.PreviewToken),
	}
	if receiver != nil {
		serverOpts = append(serverOpts, api.WithWebhook(b.config.Webhook.GetPath(), receiver))
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}

	router := api.NewServer(components.Store, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	logger.Info("HTTP server configured", "address", b.address)
	return server, nil
}
