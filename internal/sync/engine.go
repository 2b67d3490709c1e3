package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	cmotel "github.com/stacklok/content-mirror/internal/otel"
	"github.com/stacklok/content-mirror/internal/store"
	"github.com/stacklok/content-mirror/internal/telemetry"
)

const (
	modeFull        = "full"
	modeIncremental = "incremental"

	// TracerName is the tracer name for sync engine spans
	TracerName = "github.com/stacklok/content-mirror/internal/sync"
)

// Engine applies remote content changes to a synced store
type Engine struct {
	client cms.Client
	store  store.SyncedStore

	tombstoneTTL   time.Duration
	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration

	evicter store.Evicter
	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer
	now     func() time.Time

	// runMu serializes full and incremental sync runs
	runMu gosync.Mutex

	// gate is held shared by Apply and exclusively while a full sync starts,
	// so no event lands in the store after the snapshot began without being buffered
	gate gosync.RWMutex

	init  singleflight.Group
	locks *keyedMutex

	mu          gosync.Mutex
	state       State
	buffer      []Event
	message     string
	lastAttempt *time.Time
	lastSync    *time.Time
	attempts    int
}

// Option is a functional option for configuring the Engine
type Option func(*Engine)

// WithTombstoneTTL sets how long deleted ids are remembered
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.tombstoneTTL = ttl
	}
}

// WithRetry sets the retry policy for page fetches
func WithRetry(maxAttempts int, initial, maxBackoff time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = uint(maxAttempts)
		}
		if initial > 0 {
			e.initialBackoff = initial
		}
		if maxBackoff > 0 {
			e.maxBackoff = maxBackoff
		}
	}
}

// WithEvicter sets a cache to evict applied entries from
func WithEvicter(evicter store.Evicter) Option {
	return func(e *Engine) {
		e.evicter = evicter
	}
}

// WithSyncMetrics sets the sync metrics for the engine
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTracer sets the tracer used for sync spans
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithClock sets the engine time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine in the Uninitialized state
func NewEngine(client cms.Client, syncedStore store.SyncedStore, opts ...Option) *Engine {
	e := &Engine{
		client:         client,
		store:          syncedStore,
		tombstoneTTL:   10 * time.Minute,
		maxAttempts:    5,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		now:            time.Now,
		locks:          newKeyedMutex(),
		state:          StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current engine state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the engine state with the stored entry count
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := Status{
		State:        e.state,
		Message:      e.message,
		LastAttempt:  e.lastAttempt,
		AttemptCount: e.attempts,
		LastSyncTime: e.lastSync,
	}
	e.mu.Unlock()

	if n, err := e.store.Count(ctx); err == nil {
		st.EntryCount = n
	} else {
		logger.Warn("Failed to count stored entries", "error", err)
	}
	return st
}

// Resume marks the engine Idle when the store already holds a previous
// full sync, so a durable store continues from its persisted token instead
// of loading everything again. It reports whether the engine resumed.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	token, err := e.store.SyncToken(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateUninitialized {
		return false, nil
	}
	e.state = StateIdle
	e.message = "Resumed from stored sync token"
	logger.Info("Resuming from stored sync token")
	return true, nil
}

// EnsureInitialized runs a full sync unless one already completed.
// Concurrent callers share a single run.
func (e *Engine) EnsureInitialized(ctx context.Context) error {
	if st := e.State(); st == StateIdle || st == StateIncrementalSyncInProgress {
		return nil
	}
	_, err, _ := e.init.Do("full", func() (any, error) {
		if st := e.State(); st == StateIdle || st == StateIncrementalSyncInProgress {
			return nil, nil
		}
		return nil, e.FullSync(ctx)
	})
	return err
}

// FullSync loads every entry from scratch and replaces the store content.
// On failure or cancellation nothing is written and the engine returns to
// Uninitialized.
func (e *Engine) FullSync(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.fullSyncLocked(ctx)
}

func (e *Engine) fullSyncLocked(ctx context.Context) error {
	ctx, span := cmotel.StartSpan(ctx, e.tracer, "sync.FullSync",
		trace.WithAttributes(cmotel.AttrSyncMode.String(modeFull)))
	defer span.End()

	start := e.begin(StateFullSyncInProgress)
	logger.Info("Starting full sync")

	snapshot, pages, err := e.collect(ctx)
	if err == nil {
		span.SetAttributes(cmotel.AttrSyncPages.Int(pages), cmotel.AttrResultCount.Int(len(snapshot.Entries)))
		if replaceErr := e.store.Replace(ctx, snapshot); replaceErr != nil {
			err = &Error{
				Err:     replaceErr,
				Message: fmt.Sprintf("failed to store full sync snapshot: %v", replaceErr),
				Mode:    modeFull,
				Reason:  ReasonStorageFailed,
			}
		}
	}

	if err != nil {
		cmotel.RecordError(span, err)
		buffered := e.finish(StateUninitialized, start, err)
		e.metrics.RecordSyncDuration(ctx, modeFull, time.Since(start), false)
		logger.Error("Full sync failed", "error", err, "pages", pages)
		e.replay(context.WithoutCancel(ctx), buffered)
		return err
	}

	buffered := e.finish(StateIdle, start, nil)
	e.metrics.RecordSyncDuration(ctx, modeFull, time.Since(start), true)
	logger.Info("Full sync completed",
		"entries", len(snapshot.Entries),
		"deleted", len(snapshot.Deleted),
		"pages", pages,
		"buffered_events", len(buffered),
		"duration", time.Since(start))
	e.replay(ctx, buffered)
	return nil
}

// collect pages through an initial sync and builds the snapshot
func (e *Engine) collect(ctx context.Context) (*store.Snapshot, int, error) {
	byID := map[string]*cms.Entry{}
	var order []string
	deleted := map[string]cms.Deletion{}

	token := ""
	pages := 0
	for {
		page, err := e.fetchPage(ctx, token, modeFull)
		if err != nil {
			return nil, pages, err
		}
		pages++

		for _, entry := range page.Entries {
			if _, seen := byID[entry.Sys.ID]; !seen {
				order = append(order, entry.Sys.ID)
			}
			byID[entry.Sys.ID] = entry
			delete(deleted, entry.Sys.ID)
		}
		for _, d := range page.DeletedIDs {
			delete(byID, d.ID)
			deleted[d.ID] = d
		}

		token = page.NextToken
		if page.Done {
			break
		}
	}

	snapshot := &store.Snapshot{Token: token, TombstoneTTL: e.tombstoneTTL}
	for _, id := range order {
		if entry, ok := byID[id]; ok {
			snapshot.Entries = append(snapshot.Entries, entry)
		}
	}
	for _, d := range deleted {
		snapshot.Deleted = append(snapshot.Deleted, d)
	}
	return snapshot, pages, nil
}

// Sync continues from the stored token. Without an initialized store or a
// token, or when the CMS rejects the token, it runs a full sync instead.
func (e *Engine) Sync(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.State() == StateUninitialized {
		return e.fullSyncLocked(ctx)
	}

	token, err := e.store.SyncToken(ctx)
	if err != nil {
		return &Error{Err: err, Message: fmt.Sprintf("failed to read sync token: %v", err), Mode: modeIncremental, Reason: ReasonStorageFailed}
	}
	if token == "" {
		logger.Info("No sync token stored, running full sync")
		return e.fullSyncLocked(ctx)
	}

	err = e.incremental(ctx, token)
	if errors.Is(err, cms.ErrTokenExpired) {
		logger.Warn("Sync token expired, falling back to full sync")
		e.setState(StateUninitialized)
		return e.fullSyncLocked(ctx)
	}
	return err
}

func (e *Engine) incremental(ctx context.Context, token string) error {
	ctx, span := cmotel.StartSpan(ctx, e.tracer, "sync.Sync",
		trace.WithAttributes(cmotel.AttrSyncMode.String(modeIncremental)))
	defer span.End()

	start := e.begin(StateIncrementalSyncInProgress)

	pages, applied := 0, 0
	err := func() error {
		for {
			page, err := e.fetchPage(ctx, token, modeIncremental)
			if err != nil {
				return err
			}
			pages++

			for _, entry := range page.Entries {
				outcome, err := e.apply(ctx, Event{Action: ActionSave, Entry: entry})
				if err != nil {
					return storageError(modeIncremental, entry.Sys.ID, err)
				}
				if outcome == OutcomeApplied {
					applied++
				}
			}
			for _, d := range page.DeletedIDs {
				ev := Event{Action: ActionDelete, Entry: &cms.Entry{Sys: cms.Sys{ID: d.ID, Revision: d.Revision}}}
				outcome, err := e.apply(ctx, ev)
				if err != nil {
					return storageError(modeIncremental, d.ID, err)
				}
				if outcome == OutcomeApplied {
					applied++
				}
			}

			token = page.NextToken
			if page.Done {
				break
			}
		}
		if err := e.store.SetSyncToken(ctx, token); err != nil {
			return storageError(modeIncremental, "", err)
		}
		return nil
	}()

	span.SetAttributes(cmotel.AttrSyncPages.Int(pages), cmotel.AttrResultCount.Int(applied))
	if err != nil {
		cmotel.RecordError(span, err)
		// the store keeps everything applied so far; the old token replays it idempotently
		e.finish(StateIdle, start, err)
		e.metrics.RecordSyncDuration(ctx, modeIncremental, time.Since(start), false)
		if !errors.Is(err, cms.ErrTokenExpired) {
			logger.Error("Incremental sync failed", "error", err, "pages", pages)
		}
		return err
	}

	e.finish(StateIdle, start, nil)
	e.metrics.RecordSyncDuration(ctx, modeIncremental, time.Since(start), true)
	logger.Info("Incremental sync completed", "pages", pages, "applied", applied, "duration", time.Since(start))
	return nil
}

func storageError(mode, id string, err error) error {
	msg := fmt.Sprintf("failed to store sync changes: %v", err)
	if id != "" {
		msg = fmt.Sprintf("failed to store entry %s: %v", id, err)
	}
	return &Error{Err: err, Message: msg, Mode: mode, Reason: ReasonStorageFailed}
}

// fetchPage fetches one sync page, retrying transient failures with
// exponential backoff and honoring rate limit hints.
func (e *Engine) fetchPage(ctx context.Context, token, mode string) (*cms.SyncPage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialBackoff
	b.MaxInterval = e.maxBackoff

	var lastErr error
	operation := func() (*cms.SyncPage, error) {
		page, err := e.client.SyncPage(ctx, token)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var rateLimited *cms.RateLimitedError
		switch {
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case errors.As(err, &rateLimited):
			return nil, &backoff.RetryAfterError{Duration: rateLimited.RetryAfter}
		case cms.IsRetryable(err):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	page, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Sync page fetch failed, retrying", "mode", mode, "error", err, "retry_in", next)
		}),
	)
	if err == nil {
		return page, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Error{Err: ctxErr, Message: "sync cancelled", Mode: mode, Reason: ReasonCancelled}
	}
	if lastErr != nil {
		err = lastErr
	}
	if errors.Is(err, cms.ErrTokenExpired) {
		return nil, err
	}
	return nil, &Error{Err: err, Message: fmt.Sprintf("failed to fetch sync page: %v", err), Mode: mode, Reason: ReasonFetchFailed}
}

// Apply applies a single change event. While a full sync runs the event is
// buffered and applied after the snapshot is stored.
func (e *Engine) Apply(ctx context.Context, ev Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	e.mu.Lock()
	if e.state == StateFullSyncInProgress {
		e.buffer = append(e.buffer, ev)
		e.mu.Unlock()
		e.metrics.RecordEvent(ctx, string(ev.Action), string(OutcomeBuffered))
		logger.Debug("Event buffered behind full sync", "id", ev.ID(), "action", ev.Action)
		return OutcomeBuffered, nil
	}
	e.mu.Unlock()

	return e.apply(ctx, ev)
}

func (e *Engine) apply(ctx context.Context, ev Event) (Outcome, error) {
	id, revision := ev.ID(), ev.Revision()

	ctx, span := cmotel.StartSpan(ctx, e.tracer, "sync.Apply", trace.WithAttributes(
		cmotel.AttrEntryID.String(id),
		cmotel.AttrRevision.Int64(revision),
		cmotel.AttrEventAction.String(string(ev.Action)),
	))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	stale, err := e.isStale(ctx, id, revision)
	if err != nil {
		cmotel.RecordError(span, err)
		return "", err
	}
	if stale {
		span.SetAttributes(attribute.String("sync.outcome", string(OutcomeDiscarded)))
		e.metrics.RecordEvent(ctx, string(ev.Action), string(OutcomeDiscarded))
		logger.Debug("Discarding stale event", "id", id, "revision", revision, "action", ev.Action, "delivery_id", ev.DeliveryID)
		return OutcomeDiscarded, nil
	}

	switch ev.Action {
	case ActionDelete:
		err = e.store.Delete(ctx, id, revision, e.tombstoneTTL)
	case ActionUnpublish:
		var entry *cms.Entry
		entry, err = e.unpublished(ctx, ev)
		if err == nil && entry == nil {
			e.metrics.RecordEvent(ctx, string(ev.Action), string(OutcomeDiscarded))
			logger.Debug("Discarding unpublish of unknown entry", "id", id, "delivery_id", ev.DeliveryID)
			return OutcomeDiscarded, nil
		}
		if err == nil {
			err = e.store.Upsert(ctx, entry)
		}
	case ActionPublish:
		entry := ev.Entry.Clone()
		if entry.Sys.PublishedAt == nil {
			published := entry.Sys.UpdatedAt
			if published.IsZero() {
				published = e.now().UTC()
			}
			entry.Sys.PublishedAt = &published
		}
		err = e.store.Upsert(ctx, entry)
	default:
		err = e.store.Upsert(ctx, ev.Entry)
	}
	if err != nil {
		cmotel.RecordError(span, err)
		return "", err
	}

	if e.evicter != nil {
		if evictErr := e.evicter.Evict(ctx, id); evictErr != nil {
			logger.Warn("Failed to evict cached entry", "id", id, "error", evictErr)
		}
	}

	span.SetAttributes(attribute.String("sync.outcome", string(OutcomeApplied)))
	e.metrics.RecordEvent(ctx, string(ev.Action), string(OutcomeApplied))
	logger.Debug("Event applied", "id", id, "revision", revision, "action", ev.Action, "delivery_id", ev.DeliveryID)
	return OutcomeApplied, nil
}

// unpublished returns the entry an unpublish event leaves behind. A
// DeletedEntry body carries no fields, so the stored entry is kept with the
// new revision. It returns nil when there is nothing stored to unpublish.
func (e *Engine) unpublished(ctx context.Context, ev Event) (*cms.Entry, error) {
	if ev.Entry.Sys.Type != "DeletedEntry" && ev.Entry.Sys.ContentTypeID != "" {
		entry := ev.Entry.Clone()
		entry.Sys.PublishedAt = nil
		return entry, nil
	}

	stored, err := e.store.Find(ctx, ev.ID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := stored.Clone()
	entry.Sys.Revision = ev.Revision()
	entry.Sys.PublishedAt = nil
	if updated := ev.Entry.Sys.UpdatedAt; !updated.IsZero() {
		entry.Sys.UpdatedAt = updated
	}
	return entry, nil
}

// isStale reports whether revision is not newer than the stored entry or its tombstone
func (e *Engine) isStale(ctx context.Context, id string, revision int64) (bool, error) {
	current, ok, err := e.store.Revision(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		return revision <= current, nil
	}

	ts, ok, err := e.store.Tombstone(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && revision <= ts.Revision, nil
}

// replay applies events buffered during a full sync in arrival order
func (e *Engine) replay(ctx context.Context, events []Event) {
	for _, ev := range events {
		if _, err := e.apply(ctx, ev); err != nil {
			logger.Error("Failed to apply buffered event", "id", ev.ID(), "action", ev.Action, "error", err)
		}
	}
}

// PurgeTombstones drops expired tombstones
func (e *Engine) PurgeTombstones(ctx context.Context) (int, error) {
	return e.store.PurgeTombstones(ctx, e.now())
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// begin enters a running state and records the attempt
func (e *Engine) begin(state State) time.Time {
	start := e.now()
	if state == StateFullSyncInProgress {
		e.gate.Lock()
		defer e.gate.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.lastAttempt = &start
	e.message = "Sync in progress"
	return start
}

// finish leaves a running state and returns the events buffered meanwhile
func (e *Engine) finish(state State, start time.Time, err error) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = state
	if err != nil {
		e.attempts++
		e.message = err.Error()
	} else {
		done := e.now()
		e.lastSync = &done
		e.attempts = 0
		e.message = fmt.Sprintf("Sync completed in %s", done.Sub(start).Round(time.Millisecond))
	}
	buffered := e.buffer
	e.buffer = nil
	return buffered
}
