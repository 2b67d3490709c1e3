package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stacklok/content-mirror/database"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/db"
	"github.com/stacklok/content-mirror/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long: `Database migration tool for the durable sync store schema.
Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate down (0 = all)")

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateDownCmd())
	return cmd
}

// setupMigration loads the configuration and opens the durable store database
func setupMigration(ctx context.Context) (*config.Config, *db.Connection, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database == nil {
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, conn, nil
}

func closeDatabaseConnection(conn *db.Connection) {
	if err := conn.Close(); err != nil {
		logger.Errorf("Error closing database connection: %v", err)
	}
}

// describeDatabase names the migration target for prompts and logs
func describeDatabase(cfg *config.DatabaseConfig) string {
	if cfg.Path != "" {
		return fmt.Sprintf("sqlite file %s", cfg.Path)
	}
	return fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

// confirm asks a yes/no question on the terminal. Without a terminal there is
// nobody to ask, so --yes is required instead.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing to migrate without a terminal to confirm on; pass --yes")
	}
	return askYesNo(cmd.InOrStdin(), cmd.ErrOrStderr(), prompt)
}

func askYesNo(in io.Reader, out io.Writer, prompt string) (bool, error) {
	if _, err := fmt.Fprintf(out, "%s (yes/no): ", prompt); err != nil {
		return false, err
	}
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "yes", "y":
		return true, nil
	default:
		return false, nil
	}
}

func logMigrationVersion(conn *db.Connection) {
	version, dirty, err := database.Version(conn.DB, conn.Dialect.Name())
	switch {
	case err != nil:
		logger.Warnf("Unable to get migration version: %v", err)
	case dirty:
		logger.Warnf("Database is in a dirty state at version %d (manual intervention may be required)", version)
	default:
		logger.Infof("Current migration version: %d", version)
	}
}
