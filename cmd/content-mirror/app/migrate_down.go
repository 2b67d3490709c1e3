package app

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/stacklok/content-mirror/database"
	"github.com/stacklok/content-mirror/internal/logger"
)

func newMigrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation drops mirrored content. The next sync reloads it.

Examples:
  # Migrate down by 1 step
  content-mirror migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way
  content-mirror migrate down --config config.yaml --yes`,
		RunE: runMigrateDown,
	}
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps > math.MaxInt32 {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}

	cfg, conn, err := setupMigration(ctx)
	if err != nil {
		return err
	}
	defer closeDatabaseConnection(conn)

	prompt := fmt.Sprintf("WARNING: This will migrate %s down %d step(s). Continue?",
		describeDatabase(cfg.Database), numSteps)
	if numSteps == 0 {
		prompt = fmt.Sprintf("WARNING: This will migrate %s down ALL steps. Continue?", describeDatabase(cfg.Database))
	}
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("Migration cancelled")
		return fmt.Errorf("migration cancelled by user")
	}

	if numSteps == 0 {
		logger.Warn("Migrating down all steps - this will remove all schema!")
	} else {
		logger.Infof("Migrating down %d step(s)...", numSteps)
	}
	// #nosec G115 -- bounded above
	if err := database.MigrateDown(ctx, conn.DB, conn.Dialect.Name(), int(numSteps)); err != nil {
		return err
	}

	logMigrationVersion(conn)
	return nil
}
