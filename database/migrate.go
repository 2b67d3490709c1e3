package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"

	"github.com/stacklok/content-mirror/internal/logger"
)

// MigrateUp applies all pending migrations. Cancelling ctx stops after the
// migration currently running.
func MigrateUp(ctx context.Context, db *sql.DB, dialect string) error {
	return run(ctx, db, dialect, func(m Migrator) error { return m.Up() })
}

// MigrateDown rolls back the given number of migrations; steps <= 0 rolls back all of them.
func MigrateDown(ctx context.Context, db *sql.DB, dialect string, steps int) error {
	return run(ctx, db, dialect, func(m Migrator) error {
		if steps <= 0 {
			return m.Down()
		}
		return m.Steps(-steps)
	})
}

// Version reports the current schema version and whether it is dirty.
func Version(db *sql.DB, dialect string) (uint, bool, error) {
	m, err := New(db, dialect)
	if err != nil {
		return 0, false, err
	}
	defer release(m, dialect)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// release frees the dedicated connection the postgres driver holds. The
// sqlite driver's Close would close the caller's *sql.DB, so it is skipped.
func release(m Migrator, dialect string) {
	if dialect != DialectPostgres {
		return
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		logger.Warn("Failed to release migration resources", "source_error", srcErr, "db_error", dbErr)
	}
}

func run(ctx context.Context, db *sql.DB, dialect string, fn func(Migrator) error) error {
	m, err := New(db, dialect)
	if err != nil {
		return err
	}
	defer release(m, dialect)

	if mm, ok := m.(*migrate.Migrate); ok {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				mm.GracefulStop <- true
			case <-done:
			}
		}()
	}

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("Database schema migrated", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}
