package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/database"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/db"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
	"github.com/stacklok/content-mirror/internal/store/durable"
)

// DatabaseFactory creates the durable store over PostgreSQL or SQLite.
// The sync token survives restarts, so the engine can resume incrementally.
type DatabaseFactory struct {
	conn  *db.Connection
	store *durable.Store
}

var _ Factory = (*DatabaseFactory)(nil)

// NewDatabaseFactory opens the configured database, applies pending
// migrations and creates the durable store. A nil tracer disables tracing.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required for durable sync store")
	}

	logger.Info("Creating database-backed storage factory", "driver", cfg.Database.Driver)

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.MigrateUp(ctx, conn.DB, conn.Dialect.Name()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	opts := []durable.Option{
		durable.WithScope(cfg.CMS.Scope()),
		durable.WithDefaultLocale(cfg.CMS.GetDefaultLocale()),
	}
	if tracer != nil {
		opts = append(opts, durable.WithTracer(tracer))
		logger.Debug("Durable store tracing enabled")
	}

	return &DatabaseFactory{
		conn:  conn,
		store: durable.New(conn.DB, conn.Dialect, opts...),
	}, nil
}

// CreateSyncedStore returns the durable store
func (d *DatabaseFactory) CreateSyncedStore(_ context.Context) (store.SyncedStore, error) {
	return d.store, nil
}

// CreateReadStore returns the durable store
func (d *DatabaseFactory) CreateReadStore(_ context.Context) (store.Store, error) {
	return d.store, nil
}

// Backend implements Factory
func (d *DatabaseFactory) Backend() string {
	return d.conn.Dialect.Name()
}

// Cleanup closes the database connection pool
func (d *DatabaseFactory) Cleanup() {
	if d.conn != nil {
		logger.Info("Closing database connection pool")
		if err := d.conn.Close(); err != nil {
			logger.Warn("Failed to close database connection", "error", err)
		}
	}
}
