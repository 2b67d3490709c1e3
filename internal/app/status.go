package app

import (
	"context"
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/stacklok/content-mirror/internal/schema"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
)

// statusSource is the part of the engine the status endpoints need
type statusSource interface {
	State() pkgsync.State
	Status(ctx context.Context) pkgsync.Status
}

// syncReadiness reports ready once the mirror holds a complete copy. Lazy
// delivery is always ready: the first read runs the full sync itself.
type syncReadiness struct {
	engine statusSource
	lazy   bool
}

// CheckReadiness implements api.ReadinessChecker
func (r *syncReadiness) CheckReadiness(_ context.Context) error {
	if r.engine == nil || r.lazy {
		return nil
	}
	switch state := r.engine.State(); state {
	case pkgsync.StateIdle, pkgsync.StateIncrementalSyncInProgress:
		return nil
	default:
		return fmt.Errorf("initial sync not complete (state %s)", state)
	}
}

var syncStatusType = graphql.NewObject(graphql.ObjectConfig{
	Name:        "SyncStatus",
	Description: "State of the content mirror",
	Fields: graphql.Fields{
		"state":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"message":      &graphql.Field{Type: graphql.String},
		"lastAttempt":  &graphql.Field{Type: schema.DateTime},
		"lastSyncTime": &graphql.Field{Type: schema.DateTime},
		"attemptCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"entryCount":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

// syncStatusFields exposes the engine status as the _syncStatus root field
func syncStatusFields(engine statusSource) schema.Fields {
	return schema.Fields{
		"_syncStatus": &graphql.Field{
			Type:        graphql.NewNonNull(syncStatusType),
			Description: "Sync engine state",
			Resolve: func(p graphql.ResolveParams) (any, error) {
				st := engine.Status(p.Context)
				return map[string]any{
					"state":        string(st.State),
					"message":      st.Message,
					"lastAttempt":  st.LastAttempt,
					"lastSyncTime": st.LastSyncTime,
					"attemptCount": st.AttemptCount,
					"entryCount":   st.EntryCount,
				}, nil
			},
		},
	}
}
