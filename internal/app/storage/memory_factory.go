package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
	"github.com/stacklok/content-mirror/internal/store/memory"
)

// MemoryFactory keeps the synced store in process memory.
// The mirror is rebuilt by a full sync on every start.
type MemoryFactory struct {
	store *memory.Store
}

var _ Factory = (*MemoryFactory)(nil)

// NewMemoryFactory creates a new in-memory storage factory
func NewMemoryFactory(cfg *config.Config) (*MemoryFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger.Info("Creating in-memory storage factory", "default_locale", cfg.CMS.GetDefaultLocale())

	return &MemoryFactory{
		store: memory.New(memory.WithDefaultLocale(cfg.CMS.GetDefaultLocale())),
	}, nil
}

// CreateSyncedStore returns the shared in-memory store
func (f *MemoryFactory) CreateSyncedStore(_ context.Context) (store.SyncedStore, error) {
	return f.store, nil
}

// CreateReadStore returns the shared in-memory store
func (f *MemoryFactory) CreateReadStore(_ context.Context) (store.Store, error) {
	return f.store, nil
}

// Backend implements Factory
func (*MemoryFactory) Backend() string {
	return string(config.SyncStoreMemory)
}

// Cleanup is a no-op; there are no connections to release
func (*MemoryFactory) Cleanup() {
	logger.Debug("Cleaning up in-memory storage factory (no-op)")
}
