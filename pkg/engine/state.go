package engine

import "fmt"

// TaskState is the lifecycle position of a single target's task.
type TaskState string

const (
	// StatePending indicates the task is queued and has not started.
	StatePending TaskState = "PENDING"

	// StateRunning indicates an attempt is in flight.
	StateRunning TaskState = "RUNNING"

	// StateRetrying indicates a failed attempt is waiting out its backoff.
	StateRetrying TaskState = "RETRYING"

	// StateSucceeded indicates the operation returned a result.
	StateSucceeded TaskState = "SUCCEEDED"

	// StateFailed indicates a non-retryable error or exhausted attempts.
	StateFailed TaskState = "FAILED"

	// StateCancelled indicates the run was cancelled before the task finished.
	StateCancelled TaskState = "CANCELLED"
)

func (s TaskState) String() string { return string(s) }

// transitions is the complete lifecycle table. Terminal states have no entry.
var transitions = map[TaskState][]TaskState{
	StatePending:  {StateRunning, StateCancelled},
	StateRunning:  {StateSucceeded, StateFailed, StateRetrying, StateCancelled},
	StateRetrying: {StateRunning, StateCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to target is allowed.
func (s TaskState) CanTransition(target TaskState) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

func (s TaskState) validateTransition(target TaskState) error {
	if !s.CanTransition(target) {
		return fmt.Errorf("invalid task state transition from %s to %s", s, target)
	}
	return nil
}
