package sync

import (
	"context"
	"errors"
	"hash/fnv"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/content-mirror/internal/logger"
)

var (
	// ErrQueueFull is returned by Submit when the shard queue of the event is full
	ErrQueueFull = errors.New("event queue full")

	// ErrDispatcherStopped is returned by Submit when the dispatcher is not running
	ErrDispatcherStopped = errors.New("event dispatcher not running")
)

// Applier applies a single change event
type Applier interface {
	Apply(ctx context.Context, ev Event) (Outcome, error)
}

// Dispatcher applies submitted events on a pool of workers. Events are
// sharded by entry id so each id is handled by a single worker in
// submission order.
type Dispatcher struct {
	applier Applier
	queues  []chan Event

	mu      gosync.RWMutex
	running bool
}

// NewDispatcher creates a dispatcher with the given number of workers, each
// with a queue of queueSize events.
func NewDispatcher(applier Applier, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	queues := make([]chan Event, workers)
	for i := range queues {
		queues[i] = make(chan Event, queueSize)
	}
	return &Dispatcher{applier: applier, queues: queues}
}

// Submit queues an event without waiting for it to be applied
func (d *Dispatcher) Submit(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return ErrDispatcherStopped
	}

	select {
	case d.queues[d.shard(ev.ID())] <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) shard(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Run starts the workers and blocks until ctx is cancelled. Events still
// queued at that point are dropped; the CMS redelivers unacknowledged
// changes and the next incremental sync picks up the rest.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	logger.Info("Starting event dispatcher", "workers", len(d.queues))

	g, gctx := errgroup.WithContext(ctx)
	for i, queue := range d.queues {
		g.Go(func() error {
			d.work(gctx, i, queue)
			return nil
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.running = false
	dropped := 0
	for _, queue := range d.queues {
		dropped += len(queue)
	}
	d.mu.Unlock()

	logger.Info("Event dispatcher stopped", "dropped_events", dropped)
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int, queue <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			outcome, err := d.applier.Apply(ctx, ev)
			if err != nil {
				logger.Error("Failed to apply event",
					"worker", worker,
					"id", ev.ID(),
					"action", ev.Action,
					"delivery_id", ev.DeliveryID,
					"error", err)
				continue
			}
			logger.Debug("Event processed", "worker", worker, "id", ev.ID(), "outcome", outcome)
		}
	}
}
