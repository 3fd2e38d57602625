package sync

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Run states
const (
	StatePlanning           = "planning"
	StateFanningOut         = "fanning-out"
	StateMerging            = "merging"
	StateCompleted          = "completed"
	StateFailed             = "failed"
	StateCachedShortCircuit = "cached-short-circuit"
)

const (
	eventShortCircuit = "short-circuit"
	eventFanOut       = "fan-out"
	eventMerge        = "merge"
	eventComplete     = "complete"
	eventFail         = "fail"
)

// newRunMachine builds the state machine of run. Entering a state updates
// run.State.
func newRunMachine(run *Run, logger *slog.Logger) *fsm.FSM {
	run.State = StatePlanning
	return fsm.NewFSM(
		StatePlanning,
		fsm.Events{
			{Name: eventShortCircuit, Src: []string{StatePlanning}, Dst: StateCachedShortCircuit},
			{Name: eventFanOut, Src: []string{StatePlanning}, Dst: StateFanningOut},
			{Name: eventMerge, Src: []string{StateFanningOut}, Dst: StateMerging},
			{Name: eventComplete, Src: []string{StateMerging}, Dst: StateCompleted},
			{Name: eventFail, Src: []string{StatePlanning, StateFanningOut, StateMerging}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				run.State = e.Dst
				logger.Debug("Sync run state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
