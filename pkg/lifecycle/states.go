// Package lifecycle defines the run-level state machine. The store's
// update_run_state path delegates transition legality to CanTransition, so
// every component shares one source of truth for the legal edges.
package lifecycle

// State is a run-level lifecycle state.
type State string

const (
	StateDraft           State = "draft"
	StatePlanning        State = "planning"
	StateExecuting       State = "executing"
	StatePaused          State = "paused"
	StateWaitingApproval State = "waiting_approval"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// legal maps each state to the set of states it may transition to.
// Terminal states have no outgoing edges.
var legal = map[State]map[State]bool{
	StateDraft:    {StatePlanning: true},
	StatePlanning: {StateExecuting: true, StateFailed: true, StateCancelled: true},
	StateExecuting: {
		StatePaused:          true,
		StateWaitingApproval: true,
		StateCompleted:       true,
		StateFailed:          true,
		StateCancelled:       true,
	},
	StatePaused: {
		StateExecuting: true,
		StateCancelled: true,
		// A stalled paused run is declared failed by the heartbeat
		// watchdog rather than lingering until manual cancel.
		StateFailed: true,
	},
	StateWaitingApproval: {StateExecuting: true, StateFailed: true, StateCancelled: true},
	StateCompleted:       {},
	StateFailed:          {},
	StateCancelled:       {},
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	_, ok := legal[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func Terminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	targets, ok := legal[from]
	if !ok {
		return false
	}
	return targets[to]
}
