package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mirror "github.com/stacklok/content-mirror/internal/app"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/telemetry"
	"github.com/stacklok/content-mirror/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	telemetryFlushTimeout  = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the content mirror server",
		Long: `Start the content mirror server.

The server requires a configuration file (--config) that specifies:
- The CMS space and credentials
- The content delivery mode (direct, eagerSync or lazySync) and sync store
- Webhook credentials, read pipeline stages and telemetry

Send SIGHUP to reload content types and rebuild the query schema.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(telemetryConfig(cfg)))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to shut down telemetry: %v", err)
		}
	}()

	opts := []mirror.MirrorAppOptions{
		mirror.WithConfig(cfg),
		mirror.WithAddress(address),
		mirror.WithTracerProvider(tel.TracerProvider()),
		mirror.WithUntracedRoutes(tel.UntracedRoutes()),
	}
	if cfg.Telemetry != nil && cfg.Telemetry.Enabled {
		opts = append(opts, mirror.WithMeterProvider(tel.MeterProvider()))
	}
	if handler := tel.MetricsHandler(); handler != nil {
		opts = append(opts, mirror.WithMetricsHandler(handler))
	}

	mirrorApp, err := mirror.NewMirrorApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create content mirror: %w", err)
	}

	logger.Infof("Starting content mirror on %s", address)
	errCh := make(chan error, 1)
	go func() {
		errCh <- mirrorApp.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	return waitForShutdown(ctx, mirrorApp, signals, errCh)
}

// schemaRebuilder is the part of the mirror the signal loop drives
type schemaRebuilder interface {
	RebuildSchema(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// waitForShutdown serves signals until a terminating one arrives or the app
// stops by itself. SIGHUP rebuilds the schema and keeps running.
func waitForShutdown(ctx context.Context, app schemaRebuilder, signals <-chan os.Signal, errCh <-chan error) error {
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("content mirror stopped: %w", err)
			}
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, rebuilding content types and schema")
				if err := app.RebuildSchema(ctx); err != nil {
					logger.Error("Schema rebuild failed, keeping the current schema", "error", err)
				}
				continue
			}

			logger.Info("Received shutdown signal", "signal", sig.String())
			if err := app.Stop(defaultGracefulTimeout); err != nil {
				return err
			}
			return <-errCh
		}
	}
}

// telemetryConfig fills in what the telemetry block leaves out: the service
// version and the mirrored space and environment
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	if cfg.Telemetry == nil {
		return nil
	}
	tc := *cfg.Telemetry
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = versions.Get().Version
	}
	tc.Content = telemetry.ContentSource{
		Space:       cfg.CMS.Space,
		Environment: cfg.CMS.GetEnvironment(),
	}
	return &tc
}
