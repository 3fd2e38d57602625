// Package coordinator keeps the bundles of configured subjects fresh in the
// background and records an operator-facing status for every sync run.
//
// The coordinator sits on top of sync.Manager and handles:
//
//   - One sync loop per configured subject, ticking at the subject's interval
//     with jitter so subjects do not refresh in lockstep
//   - An initial sync of every subject on startup
//   - Status persistence at each phase transition (Syncing, then Complete,
//     Partial or Failed)
//   - On-demand syncs through SyncNow, recorded the same way
//   - Graceful shutdown
//
// # Usage
//
//	manager := sync.NewManager(store, fetcher, emitter, sync.WithSyncConfig(&cfg.Sync))
//	coord := coordinator.New(manager, status.NewFileStatusPersistence(dir), cfg.Subjects)
//
//	go func() { _ = coord.Start(ctx) }()
//	// ... run server ...
//	_ = coord.Stop()
//
// Whether a tick actually fetches anything is decided by the manager: a subject
// whose cached bundle is still valid short-circuits without contacting upstream.
//
// # Error Handling
//
// Failed runs are logged and recorded as Failed; the loop keeps running and the
// next attempt happens on the next tick. Status persistence errors are logged
// but never stop a sync.
package coordinator
