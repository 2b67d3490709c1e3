// Package sync keeps a synced store consistent with the remote CMS.
//
// # Engine
//
// The Engine moves through these states:
//
//	Uninitialized -> FullSyncInProgress -> Idle <-> IncrementalSyncInProgress
//
// FullSync pages through the sync API from scratch, builds a Snapshot and
// hands it to SyncedStore.Replace in one step. Nothing is written until the
// last page arrived, so a cancelled or failed run leaves the previous content
// and token untouched and the engine back in Uninitialized.
//
// Sync continues from the persisted token, applying changed entries as save
// events and deletions as delete events. A token the CMS no longer accepts
// falls back to a full sync.
//
// Apply handles one change event. Events for the same entry id are
// serialized, and an event whose revision is not newer than the stored
// revision (or the tombstone revision of a deleted entry) is discarded, so
// duplicate and stale deliveries are no-ops. Events arriving while a full
// sync runs are buffered and replayed once the snapshot is in place.
//
// # Dispatcher
//
// The Dispatcher decouples webhook ingestion from application: events are
// sharded by entry id onto single-writer workers, which keeps per-id order.
//
// # LazyStore
//
// LazyStore defers the first full sync until the first read.
//
// The coordinator subpackage runs Sync periodically.
package sync
