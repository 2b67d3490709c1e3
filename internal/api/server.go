// Package api provides the HTTP server for the content mirror: health
// checks, the REST and GraphQL read APIs and the CMS webhook endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/content-mirror/internal/api/common"
	v1 "github.com/stacklok/content-mirror/internal/api/v1"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
)

// ReadinessChecker reports whether the mirror can serve reads
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares  []func(http.Handler) http.Handler
	types        v1.TypeSource
	graphql      GraphQLExecutor
	webhookPath  string
	webhook      http.Handler
	metrics      http.Handler
	readiness    ReadinessChecker
	previewToken string
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithContentTypes enables the REST read API over the given registry
func WithContentTypes(types v1.TypeSource) ServerOption {
	return func(cfg *serverConfig) {
		cfg.types = types
	}
}

// WithGraphQL enables POST /graphql
func WithGraphQL(exec GraphQLExecutor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.graphql = exec
	}
}

// WithWebhook mounts the webhook receiver at path
func WithWebhook(path string, handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.webhookPath = path
		cfg.webhook = handler
	}
}

// WithMetricsHandler serves Prometheus metrics at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metrics = h
	}
}

// WithReadiness sets the readiness check; without one the server is always ready
func WithReadiness(checker ReadinessChecker) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readiness = checker
	}
}

// WithPreviewToken sets the bearer token that unlocks preview=true
func WithPreviewToken(token string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.previewToken = token
	}
}

// NewServer creates the HTTP router serving reads from reader
func NewServer(reader store.Store, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(cfg.readiness))
	if cfg.metrics != nil {
		r.Handle("/metrics", cfg.metrics)
	}
	if cfg.webhook != nil {
		r.Post(cfg.webhookPath, cfg.webhook.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(DeliveryParamsMiddleware(cfg.previewToken))
		if cfg.types != nil {
			r.Mount("/api/v1", v1.Router(reader, cfg.types))
		}
		if cfg.graphql != nil {
			r.Post("/graphql", graphQLHandler(cfg.graphql))
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

func readinessHandler(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.CheckReadiness(r.Context()); err != nil {
				common.WriteJSONResponse(w, ReadinessResponse{Status: "not ready", Error: err.Error()},
					http.StatusServiceUnavailable)
				return
			}
		}
		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debugf("HTTP %s %s %d %s %s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			time.Since(start),
			middleware.GetReqID(r.Context()),
		)
	})
}
