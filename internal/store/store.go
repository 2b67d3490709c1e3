// Package store defines the read interface shared by every content backend and
// the write interface used by the sync engine against synced backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
)

var (
	// ErrNotFound is returned when no entry exists for an id
	ErrNotFound = errors.New("entry not found")

	// ErrContentTypeMismatch is returned when an upsert would change the content type of a stored id
	ErrContentTypeMismatch = errors.New("entry id already stored with a different content type")
)

// BackendError wraps connectivity or durability failures of a store backend
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s store %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Query selects and pages entries of one content type
type Query struct {
	Filter Filter

	// Limit of zero means no limit
	Limit int
	Skip  int

	// Order is a comma separated list of paths, each optionally prefixed
	// with '-' for descending order, e.g. "-sys.updatedAt,fields.title".
	Order string

	// Locale selects the locale used for field paths without an explicit locale
	Locale string
}

// Store is the read interface every backend implements
type Store interface {
	// Find returns the entry with the given id, ErrNotFound when absent
	Find(ctx context.Context, id string) (*cms.Entry, error)

	// FindBy returns the first entry of contentType matching filter, ErrNotFound when none does
	FindBy(ctx context.Context, contentType string, filter Filter) (*cms.Entry, error)

	// FindAll returns the entries of contentType selected by query
	FindAll(ctx context.Context, contentType string, query Query) ([]*cms.Entry, error)
}

// Tombstone marks a deleted id for a bounded grace window
type Tombstone struct {
	ID        string
	Revision  int64
	DeletedAt time.Time
	ExpiresAt time.Time
}

// Snapshot is the complete result of a full sync
type Snapshot struct {
	Entries      []*cms.Entry
	Deleted      []cms.Deletion
	Token        string
	TombstoneTTL time.Duration
}

// SyncedStore is a Store holding a materialized copy that the sync engine writes to
type SyncedStore interface {
	Store

	// Revision returns the stored revision of id and whether the id is stored
	Revision(ctx context.Context, id string) (int64, bool, error)

	// Upsert inserts or replaces an entry. ErrContentTypeMismatch when the id
	// is stored under a different content type.
	Upsert(ctx context.Context, entry *cms.Entry) error

	// Delete removes id and records a tombstone valid for ttl, atomically
	Delete(ctx context.Context, id string, revision int64, ttl time.Duration) error

	// Tombstone returns the live tombstone for id, if any
	Tombstone(ctx context.Context, id string) (*Tombstone, bool, error)

	// Replace atomically swaps the whole content for a full sync snapshot
	Replace(ctx context.Context, snapshot *Snapshot) error

	// SyncToken returns the persisted sync token, empty when none
	SyncToken(ctx context.Context) (string, error)

	// SetSyncToken persists the sync token
	SetSyncToken(ctx context.Context, token string) error

	// PurgeTombstones removes tombstones expired at now and returns how many were removed
	PurgeTombstones(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of stored entries
	Count(ctx context.Context) (int, error)
}

// Evicter is implemented by caching stores that can drop a cached entry
type Evicter interface {
	Evict(ctx context.Context, id string) error
}
