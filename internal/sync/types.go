package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
)

// State is the lifecycle state of the engine
type State string

const (
	// StateUninitialized means no full sync has completed
	StateUninitialized State = "Uninitialized"

	// StateFullSyncInProgress means a full sync is running
	StateFullSyncInProgress State = "FullSyncInProgress"

	// StateIdle means the store is initialized and no sync is running
	StateIdle State = "Idle"

	// StateIncrementalSyncInProgress means a token based sync is running
	StateIncrementalSyncInProgress State = "IncrementalSyncInProgress"
)

// Action is the kind of change an event carries
type Action string

// Event actions
const (
	ActionCreate    Action = "create"
	ActionSave      Action = "save"
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
	ActionDelete    Action = "delete"
)

// ParseAction converts a webhook topic action into an Action
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionSave, ActionPublish, ActionUnpublish, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("unsupported action %q", s)
}

// Outcome reports what Apply did with an event
type Outcome string

const (
	// OutcomeApplied means the store changed
	OutcomeApplied Outcome = "applied"

	// OutcomeDiscarded means the event was not newer than the stored state
	OutcomeDiscarded Outcome = "discarded"

	// OutcomeBuffered means the event was queued behind a running full sync
	OutcomeBuffered Outcome = "buffered"
)

// Event is a change notification for one entry. Entry may be partial for
// delete and unpublish events; only its sys id and revision are used then.
type Event struct {
	Action Action
	Entry  *cms.Entry

	// DeliveryID correlates the event with the webhook request that carried it
	DeliveryID string
}

// ID returns the entry id of the event
func (e Event) ID() string {
	if e.Entry == nil {
		return ""
	}
	return e.Entry.Sys.ID
}

// Revision returns the entry revision of the event
func (e Event) Revision() int64 {
	if e.Entry == nil {
		return 0
	}
	return e.Entry.Sys.Revision
}

// ErrInvalidEvent is returned for events without an entry id or action
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the event carries what its action needs
func (e Event) Validate() error {
	if _, err := ParseAction(string(e.Action)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.ID() == "" {
		return fmt.Errorf("%w: missing entry id", ErrInvalidEvent)
	}
	if e.Action != ActionDelete && e.Action != ActionUnpublish && e.Entry.Sys.ContentTypeID == "" {
		return fmt.Errorf("%w: entry %s has no content type", ErrInvalidEvent, e.ID())
	}
	return nil
}

// Status is a point in time view of the engine
type Status struct {
	State State `json:"state"`

	// Message describes the last sync result
	Message string `json:"message,omitempty"`

	// LastAttempt is the start time of the last sync run
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of failed runs since the last success
	AttemptCount int `json:"attemptCount"`

	// LastSyncTime is the completion time of the last successful run
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// EntryCount is the number of stored entries
	EntryCount int `json:"entryCount"`
}

// Error reasons
const (
	ReasonFetchFailed   = "FetchFailed"
	ReasonStorageFailed = "StorageFailed"
	ReasonCancelled     = "Cancelled"
)

// Error is a sync failure with the mode and reason it happened in
type Error struct {
	Err     error
	Message string

	// Mode is "full" or "incremental"
	Mode   string
	Reason string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
