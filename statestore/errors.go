package statestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a PersistenceAdapter when no snapshot
	// exists for the requested run id.
	ErrNotFound = errors.New("statestore: snapshot not found")

	// ErrIllegalTransition is returned by SetStatus when the requested
	// transition is not in the task status state machine.
	ErrIllegalTransition = errors.New("statestore: illegal status transition")

	// ErrUnknownTask is returned by any per-task accessor given an id the
	// run was never initialized with.
	ErrUnknownTask = errors.New("statestore: unknown task id")
)

// TransitionError reports an illegal task status transition.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statestore: task %q cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
