package task

import "fmt"

// State is the lifecycle state of a task.
//
// The state machine is explicit and validated: transitions that are not
// listed in allowedTransition are rejected rather than silently applied.
//
//	QUEUED -> RUNNING | TERMINATED
//	RUNNING -> SUCCEEDED | FAILED | TERMINATED
//
// SUCCEEDED, FAILED and TERMINATED are absorbing.
type State string

const (
	StateQueued     State = "QUEUED"
	StateRunning    State = "RUNNING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateTerminated State = "TERMINATED"
)

// IsTerminal reports whether the state is absorbing.
func IsTerminal(s State) bool {
	switch s {
	case StateSucceeded, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateTerminated
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateTerminated
	default:
		return false
	}
}

// transition mutates t.state under t.mu (the caller must hold the lock).
func (t *Task) transition(to State) error {
	if !allowedTransition(t.state, to) {
		return fmt.Errorf("task %s: disallowed transition %s -> %s", t.Name, t.state, to)
	}
	t.state = to
	return nil
}
