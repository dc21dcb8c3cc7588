package debugger

import (
	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/workflow"
)

// BreakpointKind tags the variant of a Breakpoint, per §4.H.
type BreakpointKind string

const (
	BreakpointTask        BreakpointKind = "task"
	BreakpointConditional BreakpointKind = "conditional"
	BreakpointLoop        BreakpointKind = "loop"
	BreakpointWatch       BreakpointKind = "watch"
)

// WatchTrigger names when a Watch breakpoint fires.
type WatchTrigger string

const (
	WatchAnyChange WatchTrigger = "any_change"
	WatchEquals    WatchTrigger = "equals"
	WatchNotEquals WatchTrigger = "not_equals"
)

// Breakpoint is one stop condition a paused execution evaluates against.
type Breakpoint struct {
	ID      int
	Kind    BreakpointKind
	Enabled bool

	// Task
	TaskID string

	// Conditional — reuses the condition grammar plus OnError.
	Condition *workflow.Condition

	// Loop
	Iteration int

	// Watch
	Variable     string
	Trigger      WatchTrigger
	TriggerValue any

	HitCount int

	lastValue    any
	haveLastSeen bool
}

// hit increments the hit counter and reports whether the breakpoint is
// live (enabled).
func (b *Breakpoint) hit() bool {
	if !b.Enabled {
		return false
	}
	b.HitCount++
	return true
}

// matchesTask reports whether a Task(id) breakpoint fires for taskID.
func (b *Breakpoint) matchesTask(taskID string) bool {
	return b.Kind == BreakpointTask && b.Enabled && b.TaskID == taskID
}

// matchesLoop reports whether a Loop(task,iteration) breakpoint fires.
func (b *Breakpoint) matchesLoop(taskID string, iteration int) bool {
	return b.Kind == BreakpointLoop && b.Enabled && b.TaskID == taskID && b.Iteration == iteration
}

// evalConditional evaluates a Conditional breakpoint's expression.
func (b *Breakpoint) evalConditional(ctx condition.EvalContext) (bool, error) {
	if b.Kind != BreakpointConditional || !b.Enabled {
		return false, nil
	}
	return condition.Eval(b.Condition, ctx)
}

// checkWatch updates a Watch breakpoint's tracked value and reports
// whether newValue triggers it.
func (b *Breakpoint) checkWatch(variable string, newValue any) bool {
	if b.Kind != BreakpointWatch || !b.Enabled || b.Variable != variable {
		return false
	}
	prev := b.lastValue
	had := b.haveLastSeen
	b.lastValue = newValue
	b.haveLastSeen = true

	switch b.Trigger {
	case WatchEquals:
		return newValue == b.TriggerValue
	case WatchNotEquals:
		return newValue != b.TriggerValue
	default: // WatchAnyChange
		return !had || prev != newValue
	}
}
