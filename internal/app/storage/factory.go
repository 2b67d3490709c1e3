// Package storage provides factory functions for creating the content store.
// It implements the Abstract Factory pattern so the application picks a
// backend in a single place: an in-memory or durable synced store, or direct
// delivery from the CMS behind an optional Redis cache.
package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/store"
)

//go:generate mockgen -destination=mocks/mock_factory.go -package=mocks -source=factory.go Factory

// Factory creates the stores the application reads from and syncs into.
// Implementations ensure the read store and the synced store are the same
// backend, so reads observe what the sync engine writes.
//
// It also manages the lifecycle of storage resources (database connections,
// Redis clients).
type Factory interface {
	// CreateSyncedStore returns the store the sync engine writes to, or nil
	// when reads are not served from a synced copy (direct delivery).
	CreateSyncedStore(ctx context.Context) (store.SyncedStore, error)

	// CreateReadStore returns the store serving reads, before the
	// middleware pipeline is applied.
	CreateReadStore(ctx context.Context) (store.Store, error)

	// Backend names the backend for logs and metrics labels
	Backend() string

	// Cleanup releases any resources held by this factory.
	// Should be called when the application shuts down.
	Cleanup()
}

// Clients carries the CMS clients used by direct delivery
type Clients struct {
	Delivery cms.Client
	Preview  cms.Client
}

// Option configures the factories created by NewStorageFactory
type Option func(*factoryOptions)

type factoryOptions struct {
	tracer trace.Tracer
}

// WithTracer sets the OpenTelemetry tracer for the durable store.
// If not set, tracing is disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *factoryOptions) {
		o.tracer = tracer
	}
}

// NewStorageFactory creates a storage factory for the configured content
// delivery mode and synced store type.
func NewStorageFactory(ctx context.Context, cfg *config.Config, clients Clients, opts ...Option) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	o := &factoryOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.GetContentDelivery() == config.DeliveryDirect {
		return NewDirectFactory(ctx, cfg, clients)
	}

	switch cfg.GetSyncStore() {
	case config.SyncStoreMemory:
		return NewMemoryFactory(cfg)
	case config.SyncStoreDurable:
		return NewDatabaseFactory(ctx, cfg, o.tracer)
	default:
		return nil, fmt.Errorf("unknown sync store type: %s", cfg.GetSyncStore())
	}
}
