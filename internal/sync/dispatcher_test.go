package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      gosync.Mutex
	applied map[string][]int64
	block   chan struct{}
}

func (r *recordingApplier) Apply(_ context.Context, ev Event) (Outcome, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[ev.ID()] = append(r.applied[ev.ID()], ev.Revision())
	return OutcomeApplied, nil
}

func (r *recordingApplier) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, revs := range r.applied {
		n += len(revs)
	}
	return n
}

func waitRunning(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.running
	}, time.Second, time.Millisecond)
}

func TestDispatcherKeepsPerEntryOrder(t *testing.T) {
	t.Parallel()

	applier := &recordingApplier{applied: map[string][]int64{}}
	d := NewDispatcher(applier, 4, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitRunning(t, d)

	ids := []string{"a", "b", "c", "d", "e"}
	for rev := int64(1); rev <= 10; rev++ {
		for _, id := range ids {
			require.NoError(t, d.Submit(Event{Action: ActionSave, Entry: entry(id, rev, nil)}))
		}
	}

	require.Eventually(t, func() bool { return applier.total() == 50 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, applier.applied[id], id)
	}
}

func TestDispatcherSubmitErrors(t *testing.T) {
	t.Parallel()

	applier := &recordingApplier{applied: map[string][]int64{}, block: make(chan struct{})}
	d := NewDispatcher(applier, 1, 1)

	err := d.Submit(Event{Action: ActionSave, Entry: entry("a1", 1, nil)})
	assert.ErrorIs(t, err, ErrDispatcherStopped)

	err = d.Submit(Event{Action: ActionSave})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitRunning(t, d)

	// the worker takes the first event and blocks, the second fills the queue
	require.NoError(t, d.Submit(Event{Action: ActionSave, Entry: entry("a1", 1, nil)}))
	require.Eventually(t, func() bool { return len(d.queues[0]) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Submit(Event{Action: ActionSave, Entry: entry("a1", 2, nil)}))

	err = d.Submit(Event{Action: ActionSave, Entry: entry("a1", 3, nil)})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(applier.block)
	require.Eventually(t, func() bool { return applier.total() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	err = d.Submit(Event{Action: ActionSave, Entry: entry("a1", 4, nil)})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
