// Package scheduler drives a workflow's task graph forward under
// concurrency, retry, and fault-tolerance policies: an outer ready-set
// loop dispatches workers per task, each of which gates on its condition,
// assembles context, invokes the agent transport (or descends into the
// loop runtime), captures output, evaluates its definition of done, and
// applies its on_error policy.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/debugger"
	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/output"
	"github.com/periplon/engine/statestore"
	"github.com/periplon/engine/taskgraph"
	"github.com/periplon/engine/transport"
	"github.com/periplon/engine/vars"
	"github.com/periplon/engine/workflow"
)

const (
	EventWorkflowStart observability.EventType = "scheduler.workflow_start"
	EventWorkflowDone  observability.EventType = "scheduler.workflow_done"
	EventTaskStart     observability.EventType = "scheduler.task_start"
	EventTaskComplete  observability.EventType = "scheduler.task_complete"
	EventTaskFailed    observability.EventType = "scheduler.task_failed"
	EventTaskSkipped   observability.EventType = "scheduler.task_skipped"
	EventTaskRetry     observability.EventType = "scheduler.task_retry"
	EventDeadlock      observability.EventType = "scheduler.deadlock"
	EventCancelled     observability.EventType = "scheduler.cancelled"

	EventCheckpointFailed observability.EventType = "scheduler.checkpoint_failed"
)

// Config supplies a Scheduler's collaborators. Every field is optional;
// zero values fall back to a working, observably-inert default so a
// Scheduler can be constructed with nothing but a workflow.
type Config struct {
	Transport  transport.Transport
	Observer   observability.Observer
	Debugger   *debugger.Debugger
	Predicates *condition.PredicateTable
	Secrets    *vars.SecretStore
	Metrics    Metrics
	SpillDir   string
	Env        map[string]string
	Metadata   map[string]any

	// Persistence, if set, is saved to after every task reaches a
	// terminal status, so a run can resume from its last completed task
	// after a crash. Checkpointing is opt-in: nil disables it.
	Persistence statestore.PersistenceAdapter
}

// Scheduler drives one workflow run to completion.
type Scheduler struct {
	wf         *workflow.Workflow
	graph      *taskgraph.Graph
	state      *statestore.WorkflowState
	outputs    *output.Manager
	transport  transport.Transport
	observer   observability.Observer
	debugger   *debugger.Debugger
	predicates *condition.PredicateTable
	secrets    *vars.SecretStore
	metrics    Metrics
	globalSem   *semaphore.Weighted
	env         map[string]string
	metadata    map[string]any
	persistence statestore.PersistenceAdapter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New validates and flattens wf's task tree and returns a Scheduler ready
// to Run it.
func New(wf *workflow.Workflow, cfg Config) (*Scheduler, error) {
	graph, err := taskgraph.Build(wf)
	if err != nil {
		return nil, err
	}

	observer := cfg.Observer
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	predicates := cfg.Predicates
	if predicates == nil {
		predicates = condition.NewPredicateTable()
	}
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = vars.NewSecretStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	tp := cfg.Transport
	if tp == nil {
		tp = transport.NewSubprocess()
	}

	limits := wf.Limits
	if limits == (workflow.Limits{}) {
		limits = workflow.DefaultLimits()
	}
	capacity := limits.MaxParallelIterations
	if capacity <= 0 {
		capacity = 1
	}

	s := &Scheduler{
		wf:         wf,
		graph:      graph,
		state:      statestore.New(wf.Name, observer),
		outputs:    output.NewManager(cfg.SpillDir),
		transport:  tp,
		observer:   observer,
		debugger:   cfg.Debugger,
		predicates: predicates,
		secrets:    secrets,
		metrics:    metrics,
		globalSem:   semaphore.NewWeighted(int64(capacity)),
		env:         cfg.Env,
		metadata:    cfg.Metadata,
		persistence: cfg.Persistence,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, id := range graph.IDs() {
		s.state.Init(id)
	}
	return s, nil
}

// State returns the run's state store, for checkpointing or inspection.
func (s *Scheduler) State() *statestore.WorkflowState { return s.state }

// Outputs returns the run's output manager.
func (s *Scheduler) Outputs() *output.Manager { return s.outputs }

// Resume rebuilds a Scheduler from a previously persisted snapshot,
// re-attaching this run's transport/debugger/observer (none of which
// survive serialization).
func Resume(wf *workflow.Workflow, snap *statestore.Snapshot, cfg Config) (*Scheduler, error) {
	s, err := New(wf, cfg)
	if err != nil {
		return nil, err
	}
	s.state = statestore.Restore(snap)
	s.state.SetObserver(s.observer)
	return s, nil
}

// Run drives the graph to completion: dependency-satisfied tasks are
// dispatched concurrently up to the global parallelism ceiling, and the
// ready set is recomputed every time a task finishes. Returns a
// *DeadlockError if the ready set empties with non-terminal tasks and
// nothing running, or ctx.Err() if cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.emit(EventWorkflowStart, nil)
	if s.debugger.Enabled() {
		s.debugger.Snapshot(s.state, "workflow start")
	}

	done := make(chan string, max(1, len(s.graph.IDs())))
	running := 0

	for {
		if ctx.Err() != nil {
			s.cancelRemaining()
			return ctx.Err()
		}
		if s.allTerminal() {
			break
		}

		ready := s.graph.ReadySet(s.state.Status)
		for _, id := range ready {
			if err := s.setStatus(id, workflow.StatusReady); err != nil {
				continue
			}
			running++
			go s.dispatch(ctx, id, done)
		}

		if running == 0 {
			pending := s.pendingIDs()
			s.emit(EventDeadlock, map[string]any{"pending": pending})
			return &DeadlockError{Pending: pending}
		}

		select {
		case <-done:
			running--
		case <-ctx.Done():
			s.cancelRemaining()
			return ctx.Err()
		}
	}

	s.emit(EventWorkflowDone, map[string]any{"run_id": s.state.RunID()})
	return nil
}

func (s *Scheduler) allTerminal() bool {
	for _, id := range s.graph.IDs() {
		if !s.state.Status(id).Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) pendingIDs() []string {
	var pending []string
	for _, id := range s.graph.IDs() {
		if st := s.state.Status(id); !st.Terminal() && st != workflow.StatusRunning {
			pending = append(pending, id)
		}
	}
	return pending
}

// cancelRemaining drains running workers cooperatively and marks every
// non-terminal task Cancelled, per §4.G's cancellation ordering guarantee.
func (s *Scheduler) cancelRemaining() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	for _, id := range s.graph.IDs() {
		st := s.state.Status(id)
		if st.Terminal() {
			continue
		}
		_ = s.setStatus(id, workflow.StatusCancelled)
	}
	s.emit(EventCancelled, nil)
}

func (s *Scheduler) registerCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) unregisterCancel(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// checkpoint persists the run's current state if a PersistenceAdapter was
// configured. A save failure is observed but never fails the task whose
// completion triggered it.
func (s *Scheduler) checkpoint(ctx context.Context) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.Save(ctx, s.state.Snapshot()); err != nil {
		s.emit(EventCheckpointFailed, map[string]any{"error": err.Error()})
	}
}

func (s *Scheduler) emit(t observability.EventType, data map[string]any) {
	s.observer.OnEvent(context.Background(), observability.Event{
		Type:      t,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "scheduler",
		Data:      data,
	})
}
