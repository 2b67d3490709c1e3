package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
	"github.com/stacklok/content-mirror/internal/store/cache"
	"github.com/stacklok/content-mirror/internal/store/direct"
)

// DirectFactory serves reads straight from the CMS delivery API, optionally
// through a Redis read-through cache. Nothing is synced.
type DirectFactory struct {
	store  store.Store
	client *redis.Client
}

var _ Factory = (*DirectFactory)(nil)

// NewDirectFactory creates a direct delivery factory. When cfg.Redis is set
// the Redis connection is verified before returning.
func NewDirectFactory(ctx context.Context, cfg *config.Config, clients Clients) (*DirectFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if clients.Delivery == nil {
		return nil, fmt.Errorf("a CMS delivery client is required for direct delivery")
	}

	opts := []direct.Option{direct.WithDefaultLocale(cfg.CMS.GetDefaultLocale())}
	if clients.Preview != nil {
		opts = append(opts, direct.WithPreviewClient(clients.Preview))
	}
	var s store.Store = direct.New(clients.Delivery, opts...)

	if cfg.Redis == nil {
		logger.Info("Creating direct delivery storage factory", "cache", false)
		return &DirectFactory{store: s}, nil
	}

	client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	cacheOpts := []cache.Option{cache.WithTTL(cfg.Redis.GetTTL())}
	if cfg.Redis.Prefix != "" {
		cacheOpts = append(cacheOpts, cache.WithPrefix(cfg.Redis.Prefix))
	}

	logger.Info("Creating direct delivery storage factory", "cache", true, "redis_addr", cfg.Redis.Addr)
	return &DirectFactory{
		store:  cache.New(s, client, cacheOpts...),
		client: client,
	}, nil
}

// CreateSyncedStore returns nil: direct delivery keeps no synced copy
func (*DirectFactory) CreateSyncedStore(_ context.Context) (store.SyncedStore, error) {
	return nil, nil
}

// CreateReadStore returns the direct store, cached when Redis is configured.
// The cached store also implements store.Evicter.
func (d *DirectFactory) CreateReadStore(_ context.Context) (store.Store, error) {
	return d.store, nil
}

// Backend implements Factory
func (d *DirectFactory) Backend() string {
	if d.client != nil {
		return "direct+redis"
	}
	return string(config.DeliveryDirect)
}

// Cleanup closes the Redis client
func (d *DirectFactory) Cleanup() {
	if d.client != nil {
		logger.Debug("Closing Redis client")
		if err := d.client.Close(); err != nil {
			logger.Warn("Failed to close Redis client", "error", err)
		}
	}
}
