package durable

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/content-mirror/database"
	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/db"
	"github.com/stacklok/content-mirror/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, contentType string, revision int64, fields map[string]any) *cms.Entry {
	ts := baseTime.Add(time.Duration(revision) * time.Minute)
	e := &cms.Entry{
		Sys: cms.Sys{
			ID: id, Type: "Entry", ContentTypeID: contentType, Revision: revision,
			CreatedAt: baseTime, UpdatedAt: ts, PublishedAt: &ts,
		},
		Fields: map[string]map[string]any{},
	}
	for k, v := range fields {
		e.Fields[k] = map[string]any{"en-US": v}
	}
	return e
}

func ids(entries []*cms.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Sys.ID
	}
	return out
}

func newSQLiteStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.MigrateUp(context.Background(), sqlDB, database.DialectSQLite))
	return New(sqlDB, db.SQLite, opts...)
}

func TestSQLiteReadsAndWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.Upsert(ctx, entry("a1", "article", 1, map[string]any{"slug": "first", "views": float64(10)})))
	require.NoError(t, s.Upsert(ctx, entry("a2", "article", 2, map[string]any{"slug": "second", "views": float64(20)})))
	require.NoError(t, s.Upsert(ctx, entry("p1", "person", 1, map[string]any{"slug": "first"})))

	found, err := s.Find(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "article", found.ContentTypeID())
	assert.Equal(t, int64(2), found.Sys.Revision)
	slug, _ := found.Field("slug", "en-US")
	assert.Equal(t, "second", slug)
	views, _ := found.Field("views", "en-US")
	assert.Equal(t, float64(20), views)
	require.NotNil(t, found.Sys.PublishedAt)
	assert.True(t, baseTime.Add(2*time.Minute).Equal(*found.Sys.PublishedAt))

	_, err = s.Find(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	bySlug, err := s.FindBy(ctx, "person", store.Filter{store.Eq("fields.slug", "first")})
	require.NoError(t, err)
	assert.Equal(t, "p1", bySlug.Sys.ID)

	all, err := s.FindAll(ctx, "article", store.Query{Order: "-fields.views"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, ids(all))

	paged, err := s.FindAll(ctx, "article", store.Query{Order: "fields.views", Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(paged))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	err = s.Upsert(ctx, entry("a1", "person", 3, nil))
	assert.ErrorIs(t, err, store.ErrContentTypeMismatch)
	rev, ok, err := s.Revision(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rev)
}

func TestSQLiteSysFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Upsert(ctx, entry(id, "article", int64(i+1), map[string]any{"slug": id})))
	}

	tests := []struct {
		name  string
		query store.Query
		want  []string
	}{
		{name: "id", query: store.Query{Filter: store.Filter{store.Eq("sys.id", "c")}}, want: []string{"c"}},
		{name: "revision from string", query: store.Query{Filter: store.Filter{store.Eq("sys.revision", "2")}}, want: []string{"a"}},
		{name: "revision number", query: store.Query{Filter: store.Filter{store.Eq("sys.revision", float64(1))}}, want: []string{"b"}},
		{name: "other content type", query: store.Query{Filter: store.Filter{store.Eq("sys.contentType", "person")}}, want: []string{}},
		{name: "pushed page in id order", query: store.Query{Skip: 1, Limit: 1}, want: []string{"b"}},
		{name: "field filter with page", query: store.Query{Filter: store.Filter{store.Eq("fields.slug", "c")}, Limit: 1}, want: []string{"c"}},
		{name: "page with order", query: store.Query{Order: "-sys.revision", Limit: 2}, want: []string{"c", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.FindAll(ctx, "article", tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestSQLiteDeleteAndTombstones(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := baseTime
	s := newSQLiteStore(t, WithClock(func() time.Time { return now }))

	require.NoError(t, s.Upsert(ctx, entry("a1", "article", 1, nil)))
	require.NoError(t, s.Delete(ctx, "a1", 2, time.Minute))

	_, err := s.Find(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ts, ok, err := s.Tombstone(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), ts.Revision)
	assert.True(t, now.Add(time.Minute).Equal(ts.ExpiresAt))

	purged, err := s.PurgeTombstones(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, ok, err = s.Tombstone(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "a2", 4, time.Hour))
	require.NoError(t, s.Upsert(ctx, entry("a2", "article", 5, nil)))
	_, ok, err = s.Tombstone(ctx, "a2")
	require.NoError(t, err)
	assert.False(t, ok, "upsert clears the tombstone")
}

func TestSQLiteReplaceAndToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t, WithScope("space/master"))

	token, err := s.SyncToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.Upsert(ctx, entry("stale", "article", 1, nil)))
	require.NoError(t, s.SetSyncToken(ctx, "t1"))
	require.NoError(t, s.SetSyncToken(ctx, "t2"))
	token, err = s.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", token)

	require.NoError(t, s.Replace(ctx, &store.Snapshot{
		Entries:      []*cms.Entry{entry("a1", "article", 1, nil), entry("a2", "article", 1, nil)},
		Deleted:      []cms.Deletion{{ID: "a2", Revision: 3}},
		Token:        "t3",
		TombstoneTTL: time.Hour,
	}))

	all, err := s.FindAll(ctx, "article", store.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(all))

	token, err = s.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t3", token)

	err = s.Replace(ctx, &store.Snapshot{
		Entries: []*cms.Entry{entry("x", "article", 1, nil), entry("x", "person", 1, nil)},
		Token:   "t4",
	})
	assert.ErrorIs(t, err, store.ErrContentTypeMismatch)

	token, err = s.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t3", token)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return New(sqlDB, db.Postgres), mock
}

func TestPostgresUpsertStatements(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT content_type_id FROM entries WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"content_type_id"}))
	mock.ExpectExec(`INSERT INTO entries .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)`).
		WithArgs("a1", "article", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "", `{"slug":{"en-US":"x"}}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM tombstones WHERE id = \$1`).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), entry("a1", "article", 1, map[string]any{"slug": "x"})))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindAllPushesSysConditions(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "content_type_id", "revision", "created_at", "updated_at", "published_at", "locale", "fields"}

	t.Run("eq and page", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM entries WHERE content_type_id = \$1 AND id = \$2 AND revision = \$3 ORDER BY id COLLATE "C" LIMIT \$4`).
			WithArgs("article", "a1", int64(3), 2).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("a1", "article", int64(3), baseTime, baseTime, nil, "", []byte(`{}`)))

		got, err := s.FindAll(context.Background(), "article", store.Query{
			Filter: store.Filter{store.Eq("sys.id", "a1"), store.Eq("sys.revision", "3")},
			Skip:   1,
			Limit:  1,
		})
		require.NoError(t, err)
		assert.Empty(t, got, "skip applies after the pushed bound")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("field condition keeps the page in memory", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM entries WHERE content_type_id = \$1 AND id = \$2 ORDER BY updated_at, id$`).
			WithArgs("article", "a1").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("a1", "article", int64(3), baseTime, baseTime, nil, "", []byte(`{"slug":{"en-US":"x"}}`)))

		got, err := s.FindAll(context.Background(), "article", store.Query{
			Filter: store.Filter{store.Eq("sys.id", "a1"), store.Eq("fields.slug", "x")},
			Limit:  1,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids(got))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresUpsertMismatchRollsBack(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT content_type_id FROM entries`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"content_type_id"}).AddRow("person"))
	mock.ExpectRollback()

	err := s.Upsert(context.Background(), entry("a1", "article", 1, nil))
	assert.ErrorIs(t, err, store.ErrContentTypeMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendErrors(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("connection reset")

	tests := []struct {
		name  string
		setup func(sqlmock.Sqlmock)
		call  func(*Store) error
		op    string
	}{
		{
			name:  "begin",
			setup: func(m sqlmock.Sqlmock) { m.ExpectBegin().WillReturnError(dbErr) },
			call:  func(s *Store) error { return s.Delete(context.Background(), "a1", 1, time.Minute) },
			op:    "delete",
		},
		{
			name: "find",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT .* FROM entries WHERE id = \$1`).WillReturnError(dbErr)
			},
			call: func(s *Store) error {
				_, err := s.Find(context.Background(), "a1")
				return err
			},
			op: "find",
		},
		{
			name: "purge",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`DELETE FROM tombstones WHERE expires_at <= \$1`).WillReturnError(dbErr)
			},
			call: func(s *Store) error {
				_, err := s.PurgeTombstones(context.Background(), baseTime)
				return err
			},
			op: "purge tombstones",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mock := newMockStore(t)
			tt.setup(mock)

			err := tt.call(s)
			var backendErr *store.BackendError
			require.ErrorAs(t, err, &backendErr)
			assert.Equal(t, tt.op, backendErr.Op)
			assert.ErrorIs(t, err, dbErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresSyncTokenMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT token FROM sync_state WHERE scope = \$1`).
		WithArgs("default").
		WillReturnError(sql.ErrNoRows)

	token, err := s.SyncToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestPostgresContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	sqlDB, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := New(sqlDB, db.Postgres, WithScope("space/master"))

	require.NoError(t, s.Upsert(ctx, entry("a1", "article", 1, map[string]any{"slug": "first"})))
	require.NoError(t, s.SetSyncToken(ctx, "token"))

	found, err := s.FindBy(ctx, "article", store.Filter{store.Eq("fields.slug", "first")})
	require.NoError(t, err)
	assert.Equal(t, "a1", found.Sys.ID)

	token, err := s.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token", token)
}
