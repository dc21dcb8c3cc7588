// Package debugger observes and manipulates an in-flight workflow run:
// an execution pointer, a bounded ring of WorkflowState snapshots,
// breakpoints, and a LIFO side-effect journal that lets the engine
// time-travel backward through a run via compensation rather than full
// state cloning. Every hook is guarded by a single enabled check so a
// disabled Debugger costs nothing beyond that check, per §4.H's
// "zero-overhead-when-off" requirement.
package debugger

import "maps"

// LoopFrameRef names one active loop frame on the call stack: the loop
// task's id and its current iteration index.
type LoopFrameRef struct {
	TaskID    string
	Iteration int
}

// Pointer is the execution cursor: the task currently running, the chain
// of ancestor group tasks that led to it, and any loop frames active
// along that chain.
type Pointer struct {
	CurrentTask string
	CallStack   []string
	LoopFrames  []LoopFrameRef
	LocalVars   map[string]any
}

// clone returns an independent copy safe to embed in a Snapshot.
func (p Pointer) clone() Pointer {
	return Pointer{
		CurrentTask: p.CurrentTask,
		CallStack:   append([]string(nil), p.CallStack...),
		LoopFrames:  append([]LoopFrameRef(nil), p.LoopFrames...),
		LocalVars:   maps.Clone(p.LocalVars),
	}
}
