package workflow

// TaskStatus is the lifecycle state of a task within a run.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status represents a final, non-advancing state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Satisfied reports whether a dependency in this status unblocks a
// dependent task. Per the spec, a dependency is satisfied once it is
// Completed or Skipped.
func (s TaskStatus) Satisfied() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// legalTransitions enumerates the status graph edges the state store
// enforces on every SetStatus call. Pending feeds Ready, and only Ready
// feeds Running; a retriable failure returns a task to Ready without ever
// re-entering Pending.
var legalTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusReady:     true,
		StatusSkipped:   true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusRunning:   true,
		StatusSkipped:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusReady:     true, // retriable failure loops back
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether moving from one status to another is a
// legal edge in the task lifecycle. Terminal statuses never transition
// further.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return legalTransitions[from][to]
}
