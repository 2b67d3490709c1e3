package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/content-mirror/database"
	"github.com/stacklok/content-mirror/internal/logger"
)

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file
and applies all migrations that haven't been run yet.`,
		RunE: runMigrateUp,
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, conn, err := setupMigration(ctx)
	if err != nil {
		return err
	}
	defer closeDatabaseConnection(conn)

	ok, err := confirm(cmd, fmt.Sprintf("About to apply migrations to %s. Continue?", describeDatabase(cfg.Database)))
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("Migration cancelled by user")
		return nil
	}

	logger.Infof("Applying database migrations...")
	if err := database.MigrateUp(ctx, conn.DB, conn.Dialect.Name()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logMigrationVersion(conn)
	return nil
}
