package app

import (
	"github.com/stacklok/content-mirror/internal/registry"
	"github.com/stacklok/content-mirror/internal/schema"
	"github.com/stacklok/content-mirror/internal/store"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
	"github.com/stacklok/content-mirror/internal/sync/coordinator"
)

// AppComponents groups all application components. The sync components are
// nil when content is delivered directly from the CMS.
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Engine keeps the synced store consistent with the CMS
	Engine *pkgsync.Engine

	// Dispatcher applies webhook events in the background
	Dispatcher *pkgsync.Dispatcher

	// SyncCoordinator polls the CMS with the stored sync token
	SyncCoordinator coordinator.Coordinator

	// Registry holds the current content type registry
	Registry *registry.Holder

	// Schema serves GraphQL queries and rebuilds the schema on demand
	Schema *schema.Service

	// Store is the read store behind the middleware pipeline
	Store store.Store
}
