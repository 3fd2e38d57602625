// Package sync keeps the cached bundle of a subject fresh while fetching as
// little as possible from upstream.
//
// # Sync runs
//
// Manager.Sync drives one run through an explicit state machine:
//
//	planning ──► fanning-out ──► merging ──► completed
//	    │              │            │
//	    │              └────────────┴──────► failed
//	    └──► cached-short-circuit
//
// Planning reads the cached bundle. A valid bundle ends the run right away
// unless a forced refresh was requested. Otherwise every unit's metadata is
// fetched and fingerprinted; a unit is stale when its cache entry is missing,
// expired or carries a different fingerprint.
//
// Fanning out fetches the content of stale units concurrently, bounded by the
// configured concurrency. Fetches of the same unit by overlapping runs are
// coalesced, so at most one fetch per (subject, unit) is in flight. Each
// successful fetch writes its unit cache entry from inside the fetch, so the
// result is kept even when the run that started it has given up waiting.
//
// Merging combines fresh units with the cached values of units that were not
// stale or could not be refreshed, writes the bundle and emits a refresh
// signal when the bundle fingerprint changed.
//
// # Failures
//
// Unit failures never fail a run. Retryable failures (rate limits, transient
// and timeout errors) are retried with exponential backoff; not-found and
// permanent failures are not. The run reports failed units in Result and
// only fails when units exist but none could be resolved.
//
// A cache store that cannot be read or written switches the run to degraded
// mode: every unit is treated as stale and nothing is written back.
//
// # Deadlines and cancellation
//
// A run has a deadline. Units still pending at the deadline fail with a
// timeout. Canceling the caller's context stops new fetches; fetches already
// in flight run to completion on a detached context and still populate the
// cache.
package sync
