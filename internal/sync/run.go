package sync

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
)

// runState is the process-local state of one sync run
type runState struct {
	run     *Run
	machine *fsm.FSM
	logger  *slog.Logger

	// degraded is set once the cache store fails a read or a write
	degraded atomic.Bool
	previous *bundle.Bundle
}

func (rs *runState) transition(event string) {
	if err := rs.machine.Event(context.Background(), event); err != nil {
		rs.logger.Error("Invalid sync run transition", "event", event, "state", rs.machine.Current(), "error", err)
	}
}

func (rs *runState) setDegraded(err error) {
	if rs.degraded.CompareAndSwap(false, true) {
		rs.logger.Warn("Cache store unavailable, continuing without cache", "error", err)
	}
}

// unitPlan tracks one unit through a run. Only the goroutine collecting
// fetch results writes fresh and failure after planning.
type unitPlan struct {
	id          string
	cached      *bundle.Unit
	metadata    bundle.Metadata
	fingerprint digest.Digest
	stale       bool

	fresh   *bundle.Unit
	failure *FailedUnit
}

func (p *unitPlan) fail(err error) {
	p.failure = &FailedUnit{
		ID:      p.id,
		Kind:    fetcher.KindOf(err),
		Message: err.Error(),
		Cached:  p.cached != nil,
	}
}

// settledUnit is the outcome of one dispatched fetch
type settledUnit struct {
	plan *unitPlan
	unit *bundle.Unit
	err  error
}

// flightResult is shared by every run that joined a coalesced fetch
type flightResult struct {
	unit     bundle.Unit
	cacheErr error
}

func semaphoreFor(n int) *semaphore.Weighted {
	if n <= 0 {
		n = 1
	}
	return semaphore.NewWeighted(int64(n))
}
