package database

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	for _, dir := range []string{"migrations/postgres", "migrations/sqlite"} {
		ups, err := fs.Glob(migrationsFS, dir+"/*.up.sql")
		require.NoError(t, err)
		downs, err := fs.Glob(migrationsFS, dir+"/*.down.sql")
		require.NoError(t, err)
		assert.NotEmpty(t, ups, dir)
		assert.Len(t, downs, len(ups), "every migration in %s needs a down file", dir)
	}
}

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openSQLite(t)

	version, dirty, err := Version(db, DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, MigrateUp(ctx, db, DialectSQLite))
	for _, table := range []string{"entries", "tombstones", "sync_state"} {
		assert.True(t, tableExists(t, db, table), table)
	}

	// Running again is a no-op.
	require.NoError(t, MigrateUp(ctx, db, DialectSQLite))

	version, dirty, err = Version(db, DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, MigrateDown(ctx, db, DialectSQLite, 1))
	assert.False(t, tableExists(t, db, "entries"))

	require.NoError(t, MigrateUp(ctx, db, DialectSQLite))
	assert.True(t, tableExists(t, db, "entries"))
}

func TestNewUnknownDialect(t *testing.T) {
	t.Parallel()

	_, err := New(openSQLite(t), "oracle")
	require.ErrorContains(t, err, "unsupported migration dialect")
}

func TestMigratePostgres(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("requires a container runtime")
	}

	db, cleanup := SetupTestDB(t)
	t.Cleanup(cleanup)

	version, dirty, err := Version(db, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	var regclass sql.NullString
	require.NoError(t, db.QueryRow(`SELECT to_regclass('public.entries')::text`).Scan(&regclass))
	assert.Equal(t, "entries", regclass.String)
}
