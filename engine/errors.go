package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the sentinel a ValidationError wraps.
	ErrValidation = errors.New("engine: workflow document failed validation")

	// ErrRunNotFound is returned by Checkpoint/Resume for an unknown run id.
	ErrRunNotFound = errors.New("engine: run not found")
)

// ValidationError reports a structural problem with a workflow document
// caught before a Scheduler is ever constructed for it: an empty task
// list, or a task naming an agent absent from the document's Agents map.
// taskgraph.Build separately catches duplicate ids, dangling
// depends_on/parallel_with references, and dependency cycles; this type
// covers the validation that is this package's own responsibility.
type ValidationError struct {
	Workflow string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: workflow %q: %s", e.Workflow, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
