package debugger

import (
	"context"
	"sync"
	"time"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/statestore"
)

const (
	EventSnapshot       observability.EventType = "debugger.snapshot"
	EventBreakpointHit  observability.EventType = "debugger.breakpoint_hit"
	EventSideEffect     observability.EventType = "debugger.side_effect"
	EventTimeTravelBack observability.EventType = "debugger.time_travel_back"
	EventTimeTravelFwd  observability.EventType = "debugger.time_travel_forward"
)

// Mode is the debugger's current control mode, per §4.H.
type Mode string

const (
	ModeRunning       Mode = "running"
	ModePaused        Mode = "paused"
	ModeStepping      Mode = "stepping"
	ModeTimeTraveling Mode = "time_traveling"
)

// StepKind names the granularity of a single step while ModeStepping.
type StepKind string

const (
	StepTask      StepKind = "task_step"
	StepInto      StepKind = "step_into"
	StepOver      StepKind = "step_over"
	StepOut       StepKind = "step_out"
	StepIteration StepKind = "step_iteration"
)

// Debugger observes a single workflow run. A nil *Debugger and a
// Debugger constructed with enabled=false both behave as no-ops for the
// run hooks: those methods check d.enabled (or a nil receiver) before
// doing any work, satisfying "zero overhead when off". Breakpoint
// management (AddBreakpoint, RemoveBreakpoint, SetBreakpointEnabled)
// checks only for a nil receiver, so it also works on a disabled Debugger.
type Debugger struct {
	mu       sync.Mutex
	enabled  bool
	observer observability.Observer

	ring    *ring
	journal []*SideEffect

	pointer Pointer

	breakpoints map[int]*Breakpoint
	nextBPID    int

	mode     Mode
	stepKind StepKind
	resumeCh chan struct{}

	// cursor is the ring index (0 = oldest) the debugger currently
	// considers "now" after time-travel; -1 means no navigation has
	// happened (always "latest").
	cursor       int
	forwardValid bool
}

// New returns a Debugger with a snapshot ring of the given capacity
// (0 uses the spec default of 1000). If observer is nil, events are
// discarded.
func New(enabled bool, capacity int, observer observability.Observer) *Debugger {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Debugger{
		enabled:     enabled,
		observer:    observer,
		ring:        newRing(capacity),
		breakpoints: make(map[int]*Breakpoint),
		mode:        ModeRunning,
		cursor:      -1,
	}
}

// Enabled reports whether this debugger does anything at all.
func (d *Debugger) Enabled() bool {
	return d != nil && d.enabled
}

// PushTask enters a new task frame on the call stack.
func (d *Debugger) PushTask(taskID string) {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pointer.CallStack = append(d.pointer.CallStack, taskID)
	d.pointer.CurrentTask = taskID
}

// PopTask exits the current task frame.
func (d *Debugger) PopTask() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.pointer.CallStack); n > 0 {
		d.pointer.CallStack = d.pointer.CallStack[:n-1]
	}
	if n := len(d.pointer.CallStack); n > 0 {
		d.pointer.CurrentTask = d.pointer.CallStack[n-1]
	} else {
		d.pointer.CurrentTask = ""
	}
}

// PushLoopFrame enters a new loop iteration frame.
func (d *Debugger) PushLoopFrame(taskID string, iteration int) {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pointer.LoopFrames = append(d.pointer.LoopFrames, LoopFrameRef{TaskID: taskID, Iteration: iteration})
}

// PopLoopFrame exits the innermost loop iteration frame.
func (d *Debugger) PopLoopFrame() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.pointer.LoopFrames); n > 0 {
		d.pointer.LoopFrames = d.pointer.LoopFrames[:n-1]
	}
}

// Snapshot captures state under the current pointer and pushes it onto
// the ring, trimming any journal prefix the eviction invalidates.
func (d *Debugger) Snapshot(state *statestore.WorkflowState, description string) *Snapshot {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := newSnapshot(d.ring.nextID, d.pointer, state.Snapshot(), description, len(d.journal))
	d.ring.nextID++
	if trimTo := d.ring.push(snap); trimTo >= 0 && trimTo <= len(d.journal) {
		d.journal = d.journal[trimTo:]
		d.rebaseJournalCursors(trimTo)
	}
	d.cursor = -1 // a fresh snapshot always becomes "latest"

	d.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventSnapshot,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "debugger",
		Data:      map[string]any{"snapshot_id": snap.ID, "index": snap.Index, "description": description},
	})
	return snap
}

// rebaseJournalCursors shifts every retained snapshot's journalCursor
// down by trimTo after the journal prefix up to trimTo is dropped.
func (d *Debugger) rebaseJournalCursors(trimTo int) {
	for _, s := range d.ring.entries {
		s.journalCursor -= trimTo
		if s.journalCursor < 0 {
			s.journalCursor = 0
		}
	}
}

// RecordSideEffect appends a reversible mutation to the journal. Any
// pending forward time-travel is invalidated: a new side effect after a
// Back means the previously-future snapshots no longer describe a replay
// of what actually happened.
func (d *Debugger) RecordSideEffect(taskID string, kind SideEffectKind, description string, comp Compensation) {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	d.journal = append(d.journal, &SideEffect{
		TaskID:       taskID,
		Kind:         kind,
		Timestamp:    time.Now(),
		Description:  description,
		Compensation: comp,
	})
	d.forwardValid = false
	d.mu.Unlock()

	d.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventSideEffect,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "debugger",
		Data:      map[string]any{"task": taskID, "kind": string(kind), "description": description},
	})
}

// AddBreakpoint registers bp and returns its assigned id.
func (d *Debugger) AddBreakpoint(bp Breakpoint) int {
	if d == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bp.Enabled = true
	d.nextBPID++
	bp.ID = d.nextBPID
	d.breakpoints[bp.ID] = &bp
	return bp.ID
}

// RemoveBreakpoint deletes a breakpoint by id.
func (d *Debugger) RemoveBreakpoint(id int) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.breakpoints, id)
}

// SetBreakpointEnabled toggles a breakpoint's enabled flag.
func (d *Debugger) SetBreakpointEnabled(id int, enabled bool) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if bp, ok := d.breakpoints[id]; ok {
		bp.Enabled = enabled
	}
}

// CheckTask reports the first Task(id) breakpoint hit by entering taskID,
// or nil.
func (d *Debugger) CheckTask(taskID string) *Breakpoint {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.matchesTask(taskID) && bp.hit() {
			d.fireHit(bp)
			return bp
		}
	}
	return nil
}

// CheckLoop reports the first Loop(task,iteration) breakpoint hit, or nil.
func (d *Debugger) CheckLoop(taskID string, iteration int) *Breakpoint {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.matchesLoop(taskID, iteration) && bp.hit() {
			d.fireHit(bp)
			return bp
		}
	}
	return nil
}

// CheckConditional evaluates every enabled Conditional breakpoint against
// evalCtx and returns the first to hit true, or nil.
func (d *Debugger) CheckConditional(evalCtx condition.EvalContext) (*Breakpoint, error) {
	if !d.Enabled() {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.Kind != BreakpointConditional || !bp.Enabled {
			continue
		}
		ok, err := bp.evalConditional(evalCtx)
		if err != nil {
			return nil, err
		}
		if ok && bp.hit() {
			d.fireHit(bp)
			return bp, nil
		}
	}
	return nil, nil
}

// CheckWatch updates every Watch breakpoint tracking variable and returns
// the first one newValue triggers, or nil.
func (d *Debugger) CheckWatch(variable string, newValue any) *Breakpoint {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var hitBP *Breakpoint
	for _, bp := range d.breakpoints {
		if bp.checkWatch(variable, newValue) && hitBP == nil && bp.hit() {
			hitBP = bp
		}
	}
	if hitBP != nil {
		d.fireHit(hitBP)
	}
	return hitBP
}

// fireHit must be called with d.mu held; it transitions to Paused and
// emits the breakpoint-hit event.
func (d *Debugger) fireHit(bp *Breakpoint) {
	d.mode = ModePaused
	d.resumeCh = make(chan struct{})
	d.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventBreakpointHit,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "debugger",
		Data:      map[string]any{"breakpoint_id": bp.ID, "kind": string(bp.Kind)},
	})
}

// WaitIfPaused blocks the calling worker until Resume or Step is called,
// or ctx is cancelled. It is a no-op when not currently paused.
func (d *Debugger) WaitIfPaused(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	if d.mode != ModePaused {
		d.mu.Unlock()
		return nil
	}
	ch := d.resumeCh
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume releases any worker blocked in WaitIfPaused and returns to
// Running mode.
func (d *Debugger) Resume() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeRunning
	if d.resumeCh != nil {
		close(d.resumeCh)
		d.resumeCh = nil
	}
}

// Step releases one blocked worker for a single step of the given
// granularity, then immediately re-pauses, per the Stepping control mode.
func (d *Debugger) Step(kind StepKind) {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	d.mode = ModeStepping
	d.stepKind = kind
	ch := d.resumeCh
	d.resumeCh = make(chan struct{})
	d.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Pause forces the run into Paused mode ahead of the next WaitIfPaused
// call (e.g. an external TUI-driven pause request).
func (d *Debugger) Pause() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModePaused
	d.resumeCh = make(chan struct{})
}

// Mode returns the current control mode.
func (d *Debugger) Mode() Mode {
	if !d.Enabled() {
		return ModeRunning
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Snapshots returns every snapshot currently retained in the ring, oldest
// first.
func (d *Debugger) Snapshots() []*Snapshot {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ring.list()
}

// Back time-travels n snapshots into the past (n=0 is the latest, n=1 is
// one before it, and so on), replaying the journal's compensations in
// LIFO order down to the target snapshot's journalCursor. A failed
// compensation halts the undo and returns a *CompensationError describing
// how many steps succeeded before it.
func (d *Debugger) Back(n int) (*statestore.WorkflowState, *Snapshot, error) {
	if !d.Enabled() {
		return nil, nil, ErrDebuggerDisabled
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.ring.at(n)
	if target == nil {
		return nil, nil, ErrSnapshotEvicted
	}

	undone := 0
	for i := len(d.journal) - 1; i >= target.journalCursor; i-- {
		eff := d.journal[i]
		if err := eff.run(); err != nil {
			return nil, nil, &CompensationError{
				Index:     i,
				TaskID:    eff.TaskID,
				Kind:      eff.Kind,
				Undone:    undone,
				Remaining: i - target.journalCursor + 1,
				Err:       err,
			}
		}
		undone++
	}

	d.journal = d.journal[:target.journalCursor]
	d.mode = ModeTimeTraveling
	d.cursor = d.ring.indexOf(target)
	d.pointer = target.Pointer.clone()
	d.forwardValid = true

	d.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventTimeTravelBack,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "debugger",
		Data:      map[string]any{"snapshot_id": target.ID, "steps_undone": undone},
	})
	return statestore.Restore(target.State), target, nil
}

// Forward time-travels toward the present, n snapshots ahead of the
// current cursor. It is only permitted while no new side effect has been
// recorded since the last Back — once the run diverges from the replayed
// future, those later snapshots no longer describe what actually
// happened next.
func (d *Debugger) Forward(n int) (*statestore.WorkflowState, *Snapshot, error) {
	if !d.Enabled() {
		return nil, nil, ErrDebuggerDisabled
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cursor < 0 {
		return nil, nil, ErrNoTimeTravel
	}
	if !d.forwardValid {
		return nil, nil, ErrForwardInvalidated
	}
	targetIdx := d.cursor + n
	if targetIdx < 0 || targetIdx >= d.ring.len() {
		return nil, nil, ErrSnapshotEvicted
	}
	target := d.ring.entries[targetIdx]

	d.cursor = targetIdx
	d.pointer = target.Pointer.clone()
	if targetIdx == d.ring.len()-1 {
		d.mode = ModeRunning
		d.cursor = -1
	}

	d.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventTimeTravelFwd,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "debugger",
		Data:      map[string]any{"snapshot_id": target.ID},
	})
	return statestore.Restore(target.State), target, nil
}
