// Package app provides application lifecycle management for the content mirror.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
)

// MirrorApp encapsulates all components needed to run the content mirror.
// It provides lifecycle management and graceful shutdown capabilities.
type MirrorApp struct {
	config     *config.Config
	client     cms.Client
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start runs the event dispatcher, the initial sync, the sync coordinator
// and the HTTP server. It blocks until the HTTP server stops; a failure of
// any of them stops the rest.
func (app *MirrorApp) Start() error {
	g, ctx := errgroup.WithContext(app.ctx)
	c := app.components

	if c.Dispatcher != nil {
		g.Go(func() error {
			return c.Dispatcher.Run(ctx)
		})
	}
	if c.Engine != nil {
		g.Go(func() error {
			app.initialSync(ctx)
			return nil
		})
	}
	if c.SyncCoordinator != nil {
		g.Go(func() error {
			if err := c.SyncCoordinator.Start(ctx); err != nil {
				logger.Errorf("Sync coordinator failed: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Infof("Server listening on %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// initialSync resumes from a stored sync token when the store has one.
// Otherwise eager delivery loads everything now, while lazy delivery waits
// for the first read. Failures are logged; the coordinator's next pass
// retries the full sync.
func (app *MirrorApp) initialSync(ctx context.Context) {
	engine := app.components.Engine

	resumed, err := engine.Resume(ctx)
	if err != nil {
		logger.Warn("Failed to read stored sync token", "error", err)
	}
	if resumed {
		if err := engine.Sync(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Catch-up sync failed", "error", err)
		}
		return
	}

	if app.config.GetContentDelivery() != config.DeliveryEagerSync {
		logger.Info("Deferring full sync until the first read")
		return
	}
	if err := engine.FullSync(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Initial full sync failed", "error", err)
	}
}

// Stop gracefully stops the application with the given timeout.
// It stops the sync coordinator and then shuts down the HTTP server.
func (app *MirrorApp) Stop(timeout time.Duration) error {
	logger.Info("Shutting down server...")

	if app.components.SyncCoordinator != nil {
		if err := app.components.SyncCoordinator.Stop(); err != nil {
			logger.Errorf("Failed to stop sync coordinator: %v", err)
		}
	}

	// Graceful HTTP server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := app.httpServer.Shutdown(shutdownCtx)

	// Cancel the application context; this stops the dispatcher and
	// releases storage once in-flight requests are done
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	logger.Info("Server shutdown complete")
	return nil
}

// RebuildSchema reloads content types from the CMS and swaps in a new
// registry and query schema. On failure the current ones keep serving.
func (app *MirrorApp) RebuildSchema(ctx context.Context) error {
	return app.components.Schema.Rebuild(ctx, app.client, app.config.CMS.GetContentTypePageSize())
}

// GetConfig returns the application configuration
func (app *MirrorApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *MirrorApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the application components
func (app *MirrorApp) Components() *AppComponents {
	return app.components
}
