package app

import (
	"context"
	"fmt"

	"github.com/stacklok/content-mirror/internal/app/storage"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
)

// RunSync performs a single sync pass against the durable store and returns
// the resulting engine status. Without full it continues from the stored
// token when there is one. Meant for scheduled jobs next to a read-only
// fleet, so only the durable store is accepted.
func RunSync(ctx context.Context, full bool, opts ...MirrorAppOptions) (pkgsync.Status, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return pkgsync.Status{}, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return pkgsync.Status{}, fmt.Errorf("config cannot be nil")
	}
	if cfg.config.GetContentDelivery() == config.DeliveryDirect {
		return pkgsync.Status{}, fmt.Errorf("direct delivery keeps no synced store")
	}
	if cfg.storageFactory == nil && cfg.config.GetSyncStore() != config.SyncStoreDurable {
		return pkgsync.Status{}, fmt.Errorf("a one-shot sync needs the durable sync store, got %q", cfg.config.GetSyncStore())
	}

	buildClients(cfg)
	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config,
			storage.Clients{Delivery: cfg.client}, storage.WithTracer(cfg.tracer()))
		if err != nil {
			return pkgsync.Status{}, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}
	defer cfg.storageFactory.Cleanup()

	components, _, err := buildSyncComponents(ctx, cfg)
	if err != nil {
		return pkgsync.Status{}, fmt.Errorf("failed to build sync components: %w", err)
	}
	engine := components.Engine
	if engine == nil {
		return pkgsync.Status{}, fmt.Errorf("storage backend %s keeps no synced store", cfg.storageFactory.Backend())
	}

	if full {
		logger.Info("Running full sync")
		err = engine.FullSync(ctx)
	} else {
		if _, err := engine.Resume(ctx); err != nil {
			return engine.Status(ctx), fmt.Errorf("failed to read stored sync token: %w", err)
		}
		err = engine.Sync(ctx)
	}

	purged, purgeErr := engine.PurgeTombstones(ctx)
	if purgeErr != nil {
		logger.Warn("Failed to purge expired tombstones", "error", purgeErr)
	} else if purged > 0 {
		logger.Info("Purged expired tombstones", "count", purged)
	}

	return engine.Status(ctx), err
}
