package scan

import "fmt"

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateUninitialized SessionState = iota // No camera resource held
	StateStarting                          // Acquiring camera and binding surface
	StateRunning                           // Frames flowing, decode active
	StatePaused                            // Camera held, decode stopped
	StateRecovering                        // Health probe failed, restart pending
	StateDisposed                          // Terminal
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateRecovering:
		return "recovering"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// transitions lists the allowed edges. StateDisposed is reachable from
// every state and handled separately.
var transitions = map[SessionState][]SessionState{
	StateUninitialized: {StateStarting, StateRecovering},
	StateStarting:      {StateRunning, StateUninitialized, StateStarting, StateRecovering},
	StateRunning:       {StatePaused, StateUninitialized, StateStarting, StateRecovering},
	StatePaused:        {StateRunning, StateStarting, StateUninitialized, StateRecovering},
	StateRecovering:    {StateStarting, StateUninitialized},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to SessionState) bool {
	if from == StateDisposed {
		return false
	}
	if to == StateDisposed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// holdsResource reports whether a session in state s is expected to own an
// open camera resource.
func (s SessionState) holdsResource() bool {
	return s == StateRunning || s == StatePaused
}

type transitionError struct {
	from, to SessionState
}

func (e transitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.from, e.to)
}
