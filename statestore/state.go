// Package statestore holds the durable state of one workflow run: every
// task's status and attempt history, the state-scope variable map, and
// per-loop iteration progress. It enforces the task status state machine
// and checkpoints itself through a pluggable PersistenceAdapter so a run
// can resume after a crash.
package statestore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/workflow"
)

const (
	EventStatusChange observability.EventType = "statestore.status_change"
	EventVariableSet  observability.EventType = "statestore.variable_set"
	EventCheckpoint   observability.EventType = "statestore.checkpoint"
)

// LoopState tracks one loop task's iteration progress.
type LoopState struct {
	Index      int
	Frame      map[string]any
	Results    []any
	StartedAt  time.Time
	Terminated bool
}

// Clone returns an independent deep-ish copy (Frame/Results copied,
// elements shared).
func (l *LoopState) Clone() *LoopState {
	if l == nil {
		return nil
	}
	return &LoopState{
		Index:      l.Index,
		Frame:      maps.Clone(l.Frame),
		Results:    append([]any(nil), l.Results...),
		StartedAt:  l.StartedAt,
		Terminated: l.Terminated,
	}
}

// attempt records one dispatch attempt for a task.
type attempt struct {
	StartedAt time.Time
	EndedAt   time.Time
	Err       string
}

// WorkflowState is the mutable, thread-safe record of one workflow run.
type WorkflowState struct {
	mu sync.RWMutex

	runID        string
	workflowName string
	createdAt    time.Time
	observer     observability.Observer

	statuses  map[string]workflow.TaskStatus
	attempts  map[string][]attempt
	variables map[string]any
	loops     map[string]*LoopState
}

// New creates an empty WorkflowState for a fresh run. If observer is nil,
// a NoOpObserver is used.
func New(workflowName string, observer observability.Observer) *WorkflowState {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &WorkflowState{
		runID:        uuid.New().String(),
		workflowName: workflowName,
		createdAt:    time.Now(),
		observer:     observer,
		statuses:     make(map[string]workflow.TaskStatus),
		attempts:     make(map[string][]attempt),
		variables:    make(map[string]any),
		loops:        make(map[string]*LoopState),
	}
}

// RunID returns the run's unique identifier.
func (s *WorkflowState) RunID() string {
	return s.runID
}

// Init registers a task id at StatusPending if it is not already tracked.
// Called once per flattened task id before a run starts.
func (s *WorkflowState) Init(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[taskID]; !ok {
		s.statuses[taskID] = workflow.StatusPending
	}
}

// Status returns taskID's current status, StatusPending if never
// initialized.
func (s *WorkflowState) Status(taskID string) workflow.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[taskID]; ok {
		return st
	}
	return workflow.StatusPending
}

// SetStatus transitions taskID to status, enforcing the legal transition
// table. Emits an observability event on success.
func (s *WorkflowState) SetStatus(taskID string, status workflow.TaskStatus) error {
	s.mu.Lock()
	from := s.statuses[taskID]
	if !workflow.CanTransition(from, status) {
		s.mu.Unlock()
		return &TransitionError{TaskID: taskID, From: string(from), To: string(status)}
	}
	s.statuses[taskID] = status
	s.mu.Unlock()

	s.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventStatusChange,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "statestore",
		Data:      map[string]any{"task": taskID, "from": string(from), "to": string(status)},
	})
	return nil
}

// RestoreStatus sets taskID's status directly, bypassing the legal
// transition table. Used only to replay a debugger compensation when
// undoing a task status change recorded as a SideEffect; a live run must
// always go through SetStatus.
func (s *WorkflowState) RestoreStatus(taskID string, status workflow.TaskStatus) {
	s.mu.Lock()
	s.statuses[taskID] = status
	s.mu.Unlock()
}

// RecordAttemptStart appends a new attempt for taskID and returns its
// 1-based attempt number.
func (s *WorkflowState) RecordAttemptStart(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[taskID] = append(s.attempts[taskID], attempt{StartedAt: time.Now()})
	return len(s.attempts[taskID])
}

// RecordAttemptEnd closes out taskID's most recent attempt with err (nil
// on success).
func (s *WorkflowState) RecordAttemptEnd(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.attempts[taskID]
	if len(attempts) == 0 {
		return
	}
	last := &attempts[len(attempts)-1]
	last.EndedAt = time.Now()
	if err != nil {
		last.Err = err.Error()
	}
}

// AttemptCount returns how many attempts taskID has made so far.
func (s *WorkflowState) AttemptCount(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts[taskID])
}

// LastError returns the error message of taskID's most recent attempt, or
// "" if it has none or the last attempt succeeded.
func (s *WorkflowState) LastError(taskID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[taskID]
	if len(attempts) == 0 {
		return ""
	}
	return attempts[len(attempts)-1].Err
}

// SetVariable sets a state-scope variable. key is the bare name; scope
// resolution (${state.key}) is the vars package's responsibility.
func (s *WorkflowState) SetVariable(key string, value any) {
	s.mu.Lock()
	s.variables[key] = value
	s.mu.Unlock()

	s.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventVariableSet,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "statestore",
		Data:      map[string]any{"key": key},
	})
}

// DeleteVariable removes a state-scope variable entirely, as opposed to
// setting it to nil. Used to replay a debugger compensation that undoes a
// SetVariable call which had no prior value.
func (s *WorkflowState) DeleteVariable(key string) {
	s.mu.Lock()
	delete(s.variables, key)
	s.mu.Unlock()
}

// GetVariable returns a state-scope variable.
func (s *WorkflowState) GetVariable(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[key]
	return v, ok
}

// Variables returns a shallow copy of the full state-scope variable map.
func (s *WorkflowState) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.variables)
}

// InitLoop creates fresh loop tracking for taskID, replacing any existing
// state (used when a loop task restarts, e.g. a retried attempt).
func (s *WorkflowState) InitLoop(taskID string) *LoopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &LoopState{Frame: make(map[string]any), StartedAt: time.Now()}
	s.loops[taskID] = l
	return l
}

// Loop returns taskID's loop state, or nil if it has none.
func (s *WorkflowState) Loop(taskID string) *LoopState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loops[taskID]
}

// UpdateLoopIteration advances taskID's loop to index with the given
// iteration frame (the variables bound for ${loop.*} interpolation).
func (s *WorkflowState) UpdateLoopIteration(taskID string, index int, frame map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	l.Index = index
	l.Frame = frame
	return nil
}

// AppendLoopResult appends value to taskID's collected loop results,
// preserving call order. Safe to call concurrently from parallel
// iteration workers; the index is recorded by the caller, not inferred
// from append order, when order must be preserved across goroutines.
func (s *WorkflowState) AppendLoopResult(taskID string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	l.Results = append(l.Results, value)
	return nil
}

// SetLoopResultAt sets taskID's loop result slot i, growing Results as
// needed. Used by the parallel loop runtime to commit each worker's
// result to its declared index regardless of completion order.
func (s *WorkflowState) SetLoopResultAt(taskID string, i int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	for len(l.Results) <= i {
		l.Results = append(l.Results, nil)
	}
	l.Results[i] = value
	return nil
}
