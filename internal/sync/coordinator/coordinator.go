package coordinator

import (
	"context"
	gosync "sync"
	"time"

	"github.com/stacklok/content-mirror/internal/logger"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
	"github.com/stacklok/content-mirror/internal/telemetry"
)

//go:generate mockgen -destination=mocks/mock_syncer.go -package=mocks -source=coordinator.go Syncer

// maxJitter caps the random offset applied to the polling interval
const maxJitter = 30 * time.Second

// Syncer runs sync passes. Implemented by *sync.Engine.
type Syncer interface {
	Sync(ctx context.Context) error
	PurgeTombstones(ctx context.Context) (int, error)
	Status(ctx context.Context) pkgsync.Status
}

// Coordinator schedules background token-based syncs
type Coordinator interface {
	// Start begins the sync loop. Blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop stops the sync loop and waits for it to exit
	Stop() error
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	syncer   Syncer
	interval time.Duration
	jitter   time.Duration
	backend  string

	// deferInitial leaves the first full sync to the first read
	deferInitial bool

	mu         gosync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}

	contentMetrics *telemetry.ContentMetrics
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithContentMetrics sets the metrics that receive the stored entry count after each pass
func WithContentMetrics(metrics *telemetry.ContentMetrics) Option {
	return func(c *defaultCoordinator) {
		c.contentMetrics = metrics
	}
}

// WithBackend sets the store backend label used for metrics
func WithBackend(name string) Option {
	return func(c *defaultCoordinator) {
		c.backend = name
	}
}

// WithDeferredInitialSync makes passes wait until a first full sync has
// completed elsewhere, as lazy delivery runs it on the first read. Once the
// engine has synced, an Uninitialized state is retried like any failure.
func WithDeferredInitialSync() Option {
	return func(c *defaultCoordinator) {
		c.deferInitial = true
	}
}

// WithJitter overrides the random offset applied to the interval
func WithJitter(jitter time.Duration) Option {
	return func(c *defaultCoordinator) {
		c.jitter = jitter
	}
}

// New creates a coordinator that calls syncer.Sync roughly every interval.
// A zero interval disables polling.
func New(syncer Syncer, interval time.Duration, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		syncer:   syncer,
		interval: interval,
		jitter:   defaultJitter(interval),
		backend:  "memory",
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins background sync coordination
func (c *defaultCoordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		close(c.done)
		logger.Info("Background sync coordinator shutting down")
	}()

	if c.interval <= 0 {
		logger.Info("Sync polling disabled, relying on webhooks")
		<-coordCtx.Done()
		return nil
	}

	pollingInterval := nextInterval(c.interval, c.jitter)
	logger.Info("Starting background sync coordinator",
		"base_interval", c.interval,
		"actual_interval", pollingInterval)

	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runPass(coordCtx)

			// new jitter for every round so replicas drift apart
			ticker.Reset(nextInterval(c.interval, c.jitter))
		case <-coordCtx.Done():
			logger.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		logger.Info("Stopping sync coordinator")
		cancel()
		<-c.done
	}
	return nil
}

// runPass performs one sync followed by tombstone cleanup. An Uninitialized
// engine gets a full sync through Sync, which recovers from a failed startup
// load or a failed resync after token expiry.
func (c *defaultCoordinator) runPass(ctx context.Context) {
	st := c.syncer.Status(ctx)
	if st.State == pkgsync.StateUninitialized {
		if c.deferInitial && st.LastSyncTime == nil {
			logger.Debug("Skipping sync pass, waiting for the first read")
			return
		}
		logger.Info("Store not initialized, retrying full sync", "failed_attempts", st.AttemptCount)
	}

	start := time.Now()
	if err := c.syncer.Sync(ctx); err != nil {
		logger.Error("Sync pass failed", "error", err, "duration", time.Since(start))
	}

	purged, err := c.syncer.PurgeTombstones(ctx)
	if err != nil {
		logger.Warn("Failed to purge expired tombstones", "error", err)
	} else if purged > 0 {
		logger.Debug("Purged expired tombstones", "count", purged)
	}

	st = c.syncer.Status(ctx)
	c.contentMetrics.RecordEntriesTotal(ctx, c.backend, int64(st.EntryCount))
}
