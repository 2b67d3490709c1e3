// Package memory provides an in-memory synced store.
package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store"
)

// unindexed collects ids whose value at a path has no equality key; they are
// always candidates for that path.
const unindexed = "*"

type indexKey struct {
	contentType string
	path        string
}

// Store is an in-memory SyncedStore. Entries are indexed by id, by content
// type and by (content type, field path) value for equality lookups.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*cms.Entry
	byType     map[string]map[string]struct{}
	index      map[indexKey]map[string]map[string]struct{}
	tombstones map[string]store.Tombstone
	token      string

	defaultLocale string
	now           func() time.Time
}

var _ store.SyncedStore = (*Store)(nil)

// Option is a functional option for configuring the Store
type Option func(*Store)

// WithDefaultLocale sets the locale used for field paths without one
func WithDefaultLocale(locale string) Option {
	return func(s *Store) {
		s.defaultLocale = locale
	}
}

// WithClock sets the time source used for tombstone expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		entries:       map[string]*cms.Entry{},
		byType:        map[string]map[string]struct{}{},
		index:         map[indexKey]map[string]map[string]struct{}{},
		tombstones:    map[string]store.Tombstone{},
		defaultLocale: "en-US",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find implements store.Store
func (s *Store) Find(_ context.Context, id string) (*cms.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

// FindBy implements store.Store
func (s *Store) FindBy(ctx context.Context, contentType string, filter store.Filter) (*cms.Entry, error) {
	entries, err := s.FindAll(ctx, contentType, store.Query{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	return entries[0], nil
}

// FindAll implements store.Store
func (s *Store) FindAll(_ context.Context, contentType string, query store.Query) ([]*cms.Entry, error) {
	if err := query.Filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := s.candidatesLocked(contentType, query.Filter, query.Locale, s.defaultLocale)
	candidates := make([]*cms.Entry, 0, len(ids))
	for id := range ids {
		candidates = append(candidates, s.entries[id])
	}
	s.mu.RUnlock()

	// Stored entries are never mutated in place, so filtering outside the lock is safe.
	result := store.Apply(candidates, query, s.defaultLocale)
	out := make([]*cms.Entry, len(result))
	for i, e := range result {
		out[i] = e.Clone()
	}
	return out, nil
}

// candidatesLocked narrows the content type set with the equality index. An
// entry stays a candidate when any of locales holds a matching value; Apply
// then decides which locale actually resolves. Caller must hold s.mu.
func (s *Store) candidatesLocked(contentType string, filter store.Filter, locales ...string) map[string]struct{} {
	candidates := s.byType[contentType]
	for _, c := range filter {
		if c.Op != store.OpEq || !strings.HasPrefix(c.Path, "fields.") {
			continue
		}
		hits := map[string]struct{}{}
		for _, path := range qualifyAll(c.Path, locales) {
			byValue := s.index[indexKey{contentType, path}]
			for _, key := range append(valueKeys(c.Value), unindexed) {
				for id := range byValue[key] {
					if _, ok := candidates[id]; ok {
						hits[id] = struct{}{}
					}
				}
			}
		}
		candidates = hits
	}
	return candidates
}

// Revision implements store.SyncedStore
func (s *Store) Revision(_ context.Context, id string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, false, nil
	}
	return e.Sys.Revision, true, nil
}

// Upsert implements store.SyncedStore
func (s *Store) Upsert(_ context.Context, entry *cms.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.Sys.ID]; ok {
		if existing.Sys.ContentTypeID != entry.Sys.ContentTypeID {
			return store.ErrContentTypeMismatch
		}
		s.removeLocked(existing)
	}
	s.insertLocked(entry.Clone())
	delete(s.tombstones, entry.Sys.ID)
	return nil
}

// Delete implements store.SyncedStore
func (s *Store) Delete(_ context.Context, id string, revision int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok {
		s.removeLocked(existing)
	}
	now := s.now().UTC()
	s.tombstones[id] = store.Tombstone{ID: id, Revision: revision, DeletedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// Tombstone implements store.SyncedStore
func (s *Store) Tombstone(_ context.Context, id string) (*store.Tombstone, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tombstones[id]
	if !ok || !ts.ExpiresAt.After(s.now()) {
		return nil, false, nil
	}
	return &ts, true, nil
}

// Replace implements store.SyncedStore. The new content is built aside and
// swapped in under the write lock, so readers see the old or the new state.
func (s *Store) Replace(_ context.Context, snapshot *store.Snapshot) error {
	next := New(WithDefaultLocale(s.defaultLocale), WithClock(s.now))
	for _, e := range snapshot.Entries {
		if existing, ok := next.entries[e.Sys.ID]; ok {
			if existing.Sys.ContentTypeID != e.Sys.ContentTypeID {
				return store.ErrContentTypeMismatch
			}
			next.removeLocked(existing)
		}
		next.insertLocked(e.Clone())
	}
	now := s.now().UTC()
	for _, d := range snapshot.Deleted {
		if existing, ok := next.entries[d.ID]; ok {
			next.removeLocked(existing)
		}
		next.tombstones[d.ID] = store.Tombstone{
			ID: d.ID, Revision: d.Revision, DeletedAt: now, ExpiresAt: now.Add(snapshot.TombstoneTTL),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = next.entries
	s.byType = next.byType
	s.index = next.index
	s.tombstones = next.tombstones
	s.token = snapshot.Token
	return nil
}

// SyncToken implements store.SyncedStore
func (s *Store) SyncToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// SetSyncToken implements store.SyncedStore
func (s *Store) SetSyncToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// PurgeTombstones implements store.SyncedStore
func (s *Store) PurgeTombstones(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, ts := range s.tombstones {
		if !ts.ExpiresAt.After(now) {
			delete(s.tombstones, id)
			purged++
		}
	}
	return purged, nil
}

// Count implements store.SyncedStore
func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *Store) insertLocked(e *cms.Entry) {
	id, ct := e.Sys.ID, e.Sys.ContentTypeID
	s.entries[id] = e

	if s.byType[ct] == nil {
		s.byType[ct] = map[string]struct{}{}
	}
	s.byType[ct][id] = struct{}{}

	for fieldID, locales := range e.Fields {
		for locale, v := range locales {
			key := indexKey{ct, "fields." + fieldID + "." + locale}
			byValue := s.index[key]
			if byValue == nil {
				byValue = map[string]map[string]struct{}{}
				s.index[key] = byValue
			}
			keys := valueKeys(v)
			if len(keys) == 0 || hasUnindexable(v) {
				keys = append(keys, unindexed)
			}
			for _, k := range keys {
				if byValue[k] == nil {
					byValue[k] = map[string]struct{}{}
				}
				byValue[k][id] = struct{}{}
			}
		}
	}
}

func (s *Store) removeLocked(e *cms.Entry) {
	id, ct := e.Sys.ID, e.Sys.ContentTypeID
	delete(s.entries, id)
	if ids := s.byType[ct]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byType, ct)
		}
	}
	for fieldID, locales := range e.Fields {
		for locale := range locales {
			key := indexKey{ct, "fields." + fieldID + "." + locale}
			byValue := s.index[key]
			for k, ids := range byValue {
				delete(ids, id)
				if len(ids) == 0 {
					delete(byValue, k)
				}
			}
			if len(byValue) == 0 {
				delete(s.index, key)
			}
		}
	}
}

// qualify appends the locale to field paths that do not carry one
func qualify(path, locale string) string {
	rest := strings.TrimPrefix(path, "fields.")
	if strings.Contains(rest, ".") {
		return path
	}
	return path + "." + locale
}

// qualifyAll returns the distinct index paths of path across locales
func qualifyAll(path string, locales []string) []string {
	var out []string
	for _, locale := range locales {
		if locale == "" {
			continue
		}
		if q := qualify(path, locale); !slices.Contains(out, q) {
			out = append(out, q)
		}
	}
	return out
}

// valueKeys returns the equality keys of a value. Values that compare equal
// under the store filter semantics share at least one key.
func valueKeys(v any) []string {
	var keys []string
	for _, el := range elementsOf(v) {
		if link, ok := cms.AsLink(el); ok {
			el = link.ID
		}
		switch x := el.(type) {
		case string:
			keys = append(keys, "s:"+x)
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				keys = append(keys, numberKey(f))
			}
			if x == "true" || x == "false" {
				keys = append(keys, "b:"+x)
			}
		case bool:
			keys = append(keys, "b:"+strconv.FormatBool(x))
		case float64:
			keys = append(keys, numberKey(x))
		case int:
			keys = append(keys, numberKey(float64(x)))
		case int64:
			keys = append(keys, numberKey(float64(x)))
		}
	}
	return keys
}

func hasUnindexable(v any) bool {
	for _, el := range elementsOf(v) {
		if _, ok := cms.AsLink(el); ok {
			continue
		}
		switch el.(type) {
		case string, bool, float64, int, int64:
		default:
			return true
		}
	}
	return false
}

func numberKey(f float64) string {
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}

func elementsOf(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
