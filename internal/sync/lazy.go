package sync

import (
	"context"
	"sync/atomic"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store"
)

// Initializer runs the first full sync on demand
type Initializer interface {
	EnsureInitialized(ctx context.Context) error
}

// LazyStore is a store whose first read triggers the initial full sync. A
// failed sync fails the read and is retried by the next one.
type LazyStore struct {
	inner store.Store
	init  Initializer
	ready atomic.Bool
}

var _ store.Store = (*LazyStore)(nil)

// NewLazyStore wraps inner so that reads wait for init
func NewLazyStore(inner store.Store, init Initializer) *LazyStore {
	return &LazyStore{inner: inner, init: init}
}

func (l *LazyStore) ensure(ctx context.Context) error {
	if l.ready.Load() {
		return nil
	}
	if err := l.init.EnsureInitialized(ctx); err != nil {
		return err
	}
	l.ready.Store(true)
	return nil
}

// Find implements store.Store
func (l *LazyStore) Find(ctx context.Context, id string) (*cms.Entry, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	return l.inner.Find(ctx, id)
}

// FindBy implements store.Store
func (l *LazyStore) FindBy(ctx context.Context, contentType string, filter store.Filter) (*cms.Entry, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	return l.inner.FindBy(ctx, contentType, filter)
}

// FindAll implements store.Store
func (l *LazyStore) FindAll(ctx context.Context, contentType string, query store.Query) ([]*cms.Entry, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	return l.inner.FindAll(ctx, contentType, query)
}
