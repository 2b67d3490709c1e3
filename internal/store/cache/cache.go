// Package cache provides a Redis read-through cache around a store.Store.
//
// It is meant for the direct delivery mode, where every read would otherwise
// reach the CMS. Entries are cached by id; query results are cached per
// content type and query, and every eviction drops all cached query results
// since any of them may contain the evicted entry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/store"
)

// DefaultTTL is used when no TTL is configured
const DefaultTTL = 5 * time.Minute

// Store caches reads of the inner store in Redis. Preview reads bypass the cache.
type Store struct {
	inner  store.Store
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Evicter = (*Store)(nil)
)

// Option is a functional option for configuring the Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets how long cached values live
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New wraps inner with a cache held in client
func New(inner store.Store, client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		inner:  inner,
		client: client,
		prefix: "content-mirror:",
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClient creates a Redis client and checks the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func (s *Store) listsKey() string {
	return s.prefix + "lists"
}

func (s *Store) listKey(contentType string, query store.Query) string {
	raw := fmt.Sprintf("%s|%#v|%d|%d|%s|%s", contentType, query.Filter, query.Limit, query.Skip, query.Order, query.Locale)
	sum := sha256.Sum256([]byte(raw))
	return s.prefix + "list:" + contentType + ":" + hex.EncodeToString(sum[:16])
}

func bypass(ctx context.Context) bool {
	return middleware.ParamsFromContext(ctx).Preview
}

// Find implements store.Store
func (s *Store) Find(ctx context.Context, id string) (*cms.Entry, error) {
	if bypass(ctx) {
		return s.inner.Find(ctx, id)
	}

	key := s.entryKey(id)
	var cached cms.Entry
	if s.get(ctx, key, &cached) {
		return &cached, nil
	}

	entry, err := s.inner.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, entry)
	return entry, nil
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
func (s *Store) FindAll(ctx context.Context, contentType string, query store.Query) ([]*cms.Entry, error) {
	if bypass(ctx) {
		return s.inner.FindAll(ctx, contentType, query)
	}

	key := s.listKey(contentType, query)
	var cached []*cms.Entry
	if s.get(ctx, key, &cached) {
		return cached, nil
	}

	entries, err := s.inner.FindAll(ctx, contentType, query)
	if err != nil {
		return nil, err
	}
	if s.set(ctx, key, entries) {
		if err := s.client.SAdd(ctx, s.listsKey(), key).Err(); err != nil {
			logger.Warn("Failed to track cached query", "key", key, "error", err)
		}
	}
	return entries, nil
}

// Evict drops the cached entry and every cached query result
func (s *Store) Evict(ctx context.Context, id string) error {
	lists, err := s.client.SMembers(ctx, s.listsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read cached queries: %w", err)
	}

	keys := append([]string{s.entryKey(id), s.listsKey()}, lists...)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict %s: %w", id, err)
	}
	logger.Debug("Evicted cached entry", "id", id, "queries", len(lists))
	return nil
}

// get reads a cached value. Redis failures count as a miss.
func (s *Store) get(ctx context.Context, key string, dst any) bool {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("Cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Warn("Discarding undecodable cache value", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Store) set(ctx context.Context, key string, value any) bool {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("Failed to encode cache value", "key", key, "error", err)
		return false
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		logger.Warn("Cache write failed", "key", key, "error", err)
		return false
	}
	return true
}
