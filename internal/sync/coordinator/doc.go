// Package coordinator schedules background incremental syncs.
//
// The coordinator sits on top of the sync engine and owns only scheduling:
//
//   - a ticker with jitter so replicas do not poll the CMS in lockstep
//   - one Engine.Sync per tick, followed by tombstone cleanup
//   - the stored entry gauge after every pass
//   - graceful shutdown through Stop
//
// Passes are skipped while the engine is Uninitialized. The first full sync
// is started either at startup (eager delivery) or by the first read (lazy
// delivery), never by the coordinator.
//
// # Usage
//
//	engine := sync.NewEngine(client, store)
//	coord := coordinator.New(engine, 5*time.Minute)
//
//	go coord.Start(ctx)
//	// ... run server ...
//	coord.Stop()
//
// Failed passes are logged and retried on the next tick; the engine keeps
// its own attempt count in Status.
package coordinator
