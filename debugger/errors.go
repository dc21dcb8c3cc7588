package debugger

import (
	"errors"
	"fmt"
)

var (
	// ErrDebuggerDisabled is returned by navigation methods called on a
	// Debugger constructed with enabled=false.
	ErrDebuggerDisabled = errors.New("debugger: disabled")

	// ErrSnapshotEvicted is returned when the requested ring position no
	// longer exists, either because it was never recorded or it aged out
	// of the bounded ring.
	ErrSnapshotEvicted = errors.New("debugger: snapshot evicted or out of range")

	// ErrNoTimeTravel is returned by Forward when the debugger has not
	// navigated backward, so there is nothing ahead of "now" to go to.
	ErrNoTimeTravel = errors.New("debugger: not currently time-traveling")

	// ErrForwardInvalidated is returned by Forward when a new side effect
	// was recorded since the last Back, meaning the later snapshots no
	// longer describe what actually happened next.
	ErrForwardInvalidated = errors.New("debugger: forward history invalidated by a new side effect")

	// ErrCompensation is the sentinel CompensationError wraps, for
	// errors.Is checks.
	ErrCompensation = errors.New("debugger: compensation failed")
)

// CompensationError reports a partial LIFO undo: the journal entry whose
// compensation failed, how many prior entries were already undone, and
// how many (including the failed one) remained.
type CompensationError struct {
	Index     int
	TaskID    string
	Kind      SideEffectKind
	Undone    int
	Remaining int
	Err       error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("debugger: compensation failed for task %q (%s) at journal index %d after undoing %d step(s), %d remaining: %v",
		e.TaskID, e.Kind, e.Index, e.Undone, e.Remaining, e.Err)
}

func (e *CompensationError) Unwrap() error { return ErrCompensation }
