package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	mirror "github.com/stacklok/content-mirror/internal/app"
	"github.com/stacklok/content-mirror/internal/logger"
)

// errSyncInProgress is returned when another process holds the sync lock
var errSyncInProgress = errors.New("another sync is already running")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass against the durable store",
		Long: `Run one sync pass and exit. Without --full the pass continues from the
stored sync token, falling back to a full sync when there is none.

Only the durable sync store is supported, so the result outlives the command.
A lock file keeps concurrent runs (e.g. overlapping cron jobs) from racing.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("full", false, "Discard the stored sync token and reload all content")
	cmd.Flags().String("lock-file", filepath.Join(os.TempDir(), "content-mirror-sync.lock"),
		"Lock file guarding against concurrent sync runs")
	cmd.Flags().String("format", "", "Output format for the resulting status (json)")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("failed to get full flag: %w", err)
	}
	lockPath, err := cmd.Flags().GetString("lock-file")
	if err != nil {
		return fmt.Errorf("failed to get lock-file flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	unlock, err := acquireSyncLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	status, syncErr := mirror.RunSync(ctx, full, mirror.WithConfig(cfg))

	if format == "json" {
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format sync status: %w", err)
		}
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(output)); err != nil {
			return err
		}
	} else {
		logger.Info("Sync finished",
			"state", status.State,
			"entries", status.EntryCount,
			"message", status.Message)
	}

	if syncErr != nil {
		return fmt.Errorf("sync failed: %w", syncErr)
	}
	return nil
}

// acquireSyncLock takes the lock without waiting and returns its release function
func acquireSyncLock(path string) (func(), error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock held on %s)", errSyncInProgress, path)
	}

	logger.Debug("Acquired sync lock", "path", path)
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("Failed to release sync lock", "path", path, "error", err)
		}
	}, nil
}
