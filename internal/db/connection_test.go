package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/content-mirror/internal/config"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{
			name:    "postgres numbers placeholders",
			dialect: Postgres,
			query:   "SELECT * FROM entries WHERE id = ? AND revision < ?",
			want:    "SELECT * FROM entries WHERE id = $1 AND revision < $2",
		},
		{
			name:    "postgres keeps literals",
			dialect: Postgres,
			query:   "SELECT '?' FROM entries WHERE id = ?",
			want:    "SELECT '?' FROM entries WHERE id = $1",
		},
		{
			name:    "sqlite unchanged",
			dialect: SQLite,
			query:   "SELECT * FROM entries WHERE id = ?",
			want:    "SELECT * FROM entries WHERE id = ?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.dialect.Rebind(tt.query))
		})
	}
}

func TestDialectNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "postgres", Postgres.Name())
	assert.Equal(t, "JSONB", Postgres.JSONType())
	assert.Equal(t, "sqlite3", SQLite.Name())
	assert.Equal(t, "TEXT", SQLite.JSONType())
	assert.Equal(t, `id COLLATE "C"`, Postgres.ByteOrder("id"))
	assert.Equal(t, "id", SQLite.ByteOrder("id"))
}

func TestNewConnection(t *testing.T) {
	t.Parallel()

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		_, err := NewConnection(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Parallel()
		_, err := NewConnection(context.Background(), &config.DatabaseConfig{Driver: "oracle"})
		require.ErrorContains(t, err, "unsupported database driver")
	})

	t.Run("postgres requires host", func(t *testing.T) {
		t.Parallel()
		_, err := NewConnection(context.Background(), &config.DatabaseConfig{Driver: config.DatabaseDriverPostgres})
		require.ErrorContains(t, err, "database host is required")
	})

	t.Run("sqlite file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "nested", "content.db")
		conn, err := NewConnection(context.Background(), &config.DatabaseConfig{
			Driver: config.DatabaseDriverSQLite,
			Path:   path,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		assert.Equal(t, SQLite, conn.Dialect)
		require.NoError(t, conn.Ping(context.Background()))
	})
}
