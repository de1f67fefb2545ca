// Package lifecycle holds the pure transition-validity rules for GPU
// sessions. No I/O, no shared state; safe to call from any goroutine.
package lifecycle

import "github.com/nimbusgpu/nimbus-control-plane/internal/model"

// transitions is the authoritative adjacency table. Every non-terminal state
// can reach terminated or error directly so no state can trap a session, and
// error accepts only the cleanup path to terminated.
var transitions = map[model.SessionState][]model.SessionState{
	model.SessionPending:      {model.SessionProvisioning, model.SessionTerminated, model.SessionError},
	model.SessionProvisioning: {model.SessionReady, model.SessionTerminated, model.SessionError},
	model.SessionReady:        {model.SessionActive, model.SessionTerminated, model.SessionError},
	model.SessionActive:       {model.SessionPaused, model.SessionTerminated, model.SessionError},
	model.SessionPaused:       {model.SessionActive, model.SessionTerminated, model.SessionError},
	model.SessionTerminated:   {},
	model.SessionError:        {model.SessionTerminated},
}

// Legal reports whether from -> to is an allowed transition.
func Legal(from, to model.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the states reachable from the given state. The slice
// is a copy; callers may keep it.
func LegalTargets(from model.SessionState) []model.SessionState {
	return append([]model.SessionState(nil), transitions[from]...)
}

// Known reports whether the state is part of the lifecycle at all.
func Known(s model.SessionState) bool {
	_, ok := transitions[s]
	return ok
}

// IsBillable reports whether usage charges accrue in the given state.
func IsBillable(s model.SessionState) bool {
	return s == model.SessionActive
}

// IsTerminal reports whether the state accepts no further user-visible
// progress. Note error still permits the cleanup transition to terminated.
func IsTerminal(s model.SessionState) bool {
	return s == model.SessionTerminated || s == model.SessionError
}

// IsUserStoppable reports whether a user may request termination: allowed
// whenever a GPU resource is allocated or being allocated, but not while
// merely pending and not once terminal.
func IsUserStoppable(s model.SessionState) bool {
	switch s {
	case model.SessionProvisioning, model.SessionReady, model.SessionActive, model.SessionPaused:
		return true
	default:
		return false
	}
}
