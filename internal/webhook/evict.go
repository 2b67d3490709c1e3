package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/content-mirror/internal/store"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
)

const evictTimeout = 5 * time.Second

// EvictingSink handles events for direct delivery, where nothing is
// mirrored and a change only has to drop the cached copy of the entry.
type EvictingSink struct {
	evicter store.Evicter
}

// NewEvictingSink returns a sink evicting event entries from evicter
func NewEvictingSink(evicter store.Evicter) *EvictingSink {
	return &EvictingSink{evicter: evicter}
}

// Submit implements EventSink. Eviction runs before the delivery is
// acknowledged; it is a single cache round trip.
func (s *EvictingSink) Submit(ev pkgsync.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	if err := s.evicter.Evict(ctx, ev.ID()); err != nil {
		return fmt.Errorf("evict %s: %w", ev.ID(), err)
	}
	return nil
}
