package statestore

import (
	"time"

	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/workflow"
)

// Snapshot is the serializable form of a WorkflowState, suitable for YAML
// or JSON encoding by a PersistenceAdapter.
type Snapshot struct {
	RunID        string                        `json:"run_id" yaml:"run_id"`
	WorkflowName string                        `json:"workflow_name" yaml:"workflow_name"`
	CreatedAt    time.Time                     `json:"created_at" yaml:"created_at"`
	SavedAt      time.Time                     `json:"saved_at" yaml:"saved_at"`
	Statuses     map[string]workflow.TaskStatus `json:"statuses" yaml:"statuses"`
	Attempts     map[string]int                 `json:"attempts" yaml:"attempts"`
	Errors       map[string]string               `json:"errors,omitempty" yaml:"errors,omitempty"`
	Variables    map[string]any                  `json:"variables" yaml:"variables"`
	Loops        map[string]LoopSnapshot          `json:"loops,omitempty" yaml:"loops,omitempty"`
}

// LoopSnapshot is the serializable form of a LoopState.
type LoopSnapshot struct {
	Index   int            `json:"index" yaml:"index"`
	Frame   map[string]any `json:"frame,omitempty" yaml:"frame,omitempty"`
	Results []any          `json:"results,omitempty" yaml:"results,omitempty"`
}

// Snapshot captures s's full state as a Snapshot value.
func (s *WorkflowState) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[string]workflow.TaskStatus, len(s.statuses))
	for k, v := range s.statuses {
		statuses[k] = v
	}
	attemptCounts := make(map[string]int, len(s.attempts))
	errs := make(map[string]string)
	for k, a := range s.attempts {
		attemptCounts[k] = len(a)
		if len(a) > 0 && a[len(a)-1].Err != "" {
			errs[k] = a[len(a)-1].Err
		}
	}
	variables := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		variables[k] = v
	}
	loops := make(map[string]LoopSnapshot, len(s.loops))
	for k, l := range s.loops {
		loops[k] = LoopSnapshot{Index: l.Index, Frame: l.Frame, Results: l.Results}
	}

	return &Snapshot{
		RunID:        s.runID,
		WorkflowName: s.workflowName,
		CreatedAt:    s.createdAt,
		SavedAt:      time.Now(),
		Statuses:     statuses,
		Attempts:     attemptCounts,
		Errors:       errs,
		Variables:    variables,
		Loops:        loops,
	}
}

// Restore overwrites s's contents with a Snapshot's, used when resuming a
// run from a persisted checkpoint. Attempt history granularity (per-attempt
// timestamps) is not preserved across a restore, only the count.
func Restore(snap *Snapshot) *WorkflowState {
	s := &WorkflowState{
		runID:        snap.RunID,
		workflowName: snap.WorkflowName,
		createdAt:    snap.CreatedAt,
		statuses:     make(map[string]workflow.TaskStatus, len(snap.Statuses)),
		attempts:     make(map[string][]attempt, len(snap.Attempts)),
		variables:    make(map[string]any, len(snap.Variables)),
		loops:        make(map[string]*LoopState, len(snap.Loops)),
	}
	for k, v := range snap.Statuses {
		s.statuses[k] = v
	}
	for k, n := range snap.Attempts {
		history := make([]attempt, n)
		if msg, ok := snap.Errors[k]; ok && n > 0 {
			history[n-1].Err = msg
		}
		s.attempts[k] = history
	}
	for k, v := range snap.Variables {
		s.variables[k] = v
	}
	for k, l := range snap.Loops {
		s.loops[k] = &LoopState{Index: l.Index, Frame: l.Frame, Results: l.Results}
	}
	return s
}

// SetObserver attaches an observer to a restored state. Observers are not
// serialized, so a resumed run must be given one explicitly.
func (s *WorkflowState) SetObserver(observer observability.Observer) {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	s.mu.Lock()
	s.observer = observer
	s.mu.Unlock()
}
