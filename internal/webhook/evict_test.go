package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store/cache"
	"github.com/stacklok/content-mirror/internal/store/memory"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
)

func TestEvictingSinkDropsCachedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := memory.New()
	now := time.Now().UTC()
	entry := &cms.Entry{
		Sys:    cms.Sys{ID: "A1", Type: "Entry", ContentTypeID: "article", Revision: 1, CreatedAt: now, UpdatedAt: now},
		Fields: map[string]map[string]any{"title": {"en-US": "Old"}},
	}
	require.NoError(t, inner.Upsert(ctx, entry))

	cached := cache.New(inner, client, cache.WithTTL(time.Minute))
	got, err := cached.Find(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Old", got.Fields["title"]["en-US"])

	updated := entry.Clone()
	updated.Sys.Revision = 2
	updated.Fields["title"]["en-US"] = "New"
	require.NoError(t, inner.Upsert(ctx, updated))

	got, err = cached.Find(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Old", got.Fields["title"]["en-US"], "served from cache until evicted")

	sink := NewEvictingSink(cached)
	require.NoError(t, sink.Submit(pkgsync.Event{Action: pkgsync.ActionSave, Entry: updated}))

	got, err = cached.Find(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Fields["title"]["en-US"])
}

type failingEvicter struct{ err error }

func (f failingEvicter) Evict(context.Context, string) error { return f.err }

func TestEvictingSinkErrors(t *testing.T) {
	t.Parallel()

	sink := NewEvictingSink(failingEvicter{})
	err := sink.Submit(pkgsync.Event{Action: pkgsync.ActionDelete})
	require.ErrorIs(t, err, pkgsync.ErrInvalidEvent)

	sink = NewEvictingSink(failingEvicter{err: errors.New("redis down")})
	err = sink.Submit(pkgsync.Event{Action: pkgsync.ActionDelete, Entry: &cms.Entry{Sys: cms.Sys{ID: "A1", Revision: 2}}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, pkgsync.ErrInvalidEvent)
}
