// Package engine wires the task graph, state store, scheduler, debugger,
// and agent transport into the one entry point an embedder or CLI talks
// to: load a workflow document, run it, resume it after a crash, and
// observe its lifecycle events — without reaching into any one
// component's internals directly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/debugger"
	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/scheduler"
	"github.com/periplon/engine/statestore"
	"github.com/periplon/engine/transport"
	"github.com/periplon/engine/vars"
	"github.com/periplon/engine/workflow"
)

// Config supplies an Engine's collaborators. Every field is optional.
type Config struct {
	Transport  transport.Transport
	Predicates *condition.PredicateTable
	Secrets    *vars.SecretStore
	Metrics    scheduler.Metrics
	SpillDir   string
	Env        map[string]string
	Metadata   map[string]any

	// Persistence, if set, enables per-task checkpointing and Resume.
	Persistence statestore.PersistenceAdapter

	// Observer receives every run's lifecycle events in addition to the
	// Engine's own Bus, which every run is always wired through.
	Observer observability.Observer

	// DebugEnabled turns on time-travel debugging (snapshot ring,
	// breakpoints) for every run this Engine starts. DebugCapacity is
	// the snapshot ring size (0 uses the package default of 1000).
	DebugEnabled  bool
	DebugCapacity int

	// Agents overlays named agent definitions on top of each loaded
	// document's own `agents` block. Nil disables overlaying.
	Agents *AgentRegistry
}

// Run is one in-flight or completed workflow execution, and the Debugger
// attached to it (nil if debugging was never enabled for this run).
type Run struct {
	ID        string
	Workflow  *workflow.Workflow
	Scheduler *scheduler.Scheduler
	Debugger  *debugger.Debugger
}

// Engine loads workflow documents and drives runs of them, fanning every
// run's lifecycle events through a shared Bus so callers can subscribe
// once regardless of how many runs are in flight.
type Engine struct {
	cfg Config
	bus *Bus

	mu   sync.RWMutex
	runs map[string]*Run
}

// New returns an Engine ready to load and run workflow documents.
func New(ctx context.Context, cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		bus:  NewBus(ctx),
		runs: make(map[string]*Run),
	}
}

// Subscribe registers a new listener on every run's lifecycle events.
func (e *Engine) Subscribe(bufferSize int) *Subscription {
	return e.bus.Subscribe(bufferSize)
}

// LoadWorkflow parses a YAML (or JSON, which YAML is a superset of)
// workflow document. Parsing goes through an intermediate generic value so
// the document can be authored in YAML while the target struct keeps its
// JSON field tags as the single source of truth for the wire shape.
func LoadWorkflow(data []byte) (*workflow.Workflow, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("engine: parse workflow document: %w", err)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("engine: normalize workflow document: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(normalized, &wf); err != nil {
		return nil, fmt.Errorf("engine: decode workflow document: %w", err)
	}
	if len(wf.Tasks) == 0 {
		return nil, &ValidationError{Workflow: wf.Name, Reason: "document declares no tasks"}
	}
	return &wf, nil
}

// Start builds a fresh Scheduler for wf and runs it to completion, under
// ctx. The returned Run stays registered (retrievable via Get) until the
// caller forgets its id or the process exits; nothing evicts it
// automatically, matching statestore's adapter registry, which is
// likewise caller-managed.
func (e *Engine) Start(ctx context.Context, wf *workflow.Workflow) (*Run, error) {
	agents := wf.Agents
	if e.cfg.Agents != nil {
		agents = e.cfg.Agents.Overlay(agents)
	}
	if err := validateAgents(wf, agents); err != nil {
		return nil, err
	}
	resolved := *wf
	resolved.Agents = agents

	observer := e.observerFor()
	dbg := debugger.New(e.cfg.DebugEnabled, e.cfg.DebugCapacity, observer)

	sched, err := scheduler.New(&resolved, scheduler.Config{
		Transport:   e.cfg.Transport,
		Observer:    observer,
		Debugger:    dbg,
		Predicates:  e.cfg.Predicates,
		Secrets:     e.cfg.Secrets,
		Metrics:     e.cfg.Metrics,
		SpillDir:    e.cfg.SpillDir,
		Env:         e.cfg.Env,
		Metadata:    e.cfg.Metadata,
		Persistence: e.cfg.Persistence,
	})
	if err != nil {
		return nil, err
	}

	run := &Run{ID: sched.State().RunID(), Workflow: &resolved, Scheduler: sched, Debugger: dbg}
	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()

	err = sched.Run(ctx)
	e.checkpoint(ctx, sched)
	return run, err
}

// Resume rebuilds a Scheduler from the snapshot last saved for runID and
// drives it to completion, picking up only the tasks still non-terminal.
// Requires Config.Persistence to have been set.
func (e *Engine) Resume(ctx context.Context, wf *workflow.Workflow, runID string) (*Run, error) {
	if e.cfg.Persistence == nil {
		return nil, fmt.Errorf("engine: resume requires Config.Persistence")
	}
	snap, err := e.cfg.Persistence.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRunNotFound, runID, err)
	}

	agents := wf.Agents
	if e.cfg.Agents != nil {
		agents = e.cfg.Agents.Overlay(agents)
	}
	if err := validateAgents(wf, agents); err != nil {
		return nil, err
	}
	resolved := *wf
	resolved.Agents = agents

	observer := e.observerFor()
	dbg := debugger.New(e.cfg.DebugEnabled, e.cfg.DebugCapacity, observer)

	sched, err := scheduler.Resume(&resolved, snap, scheduler.Config{
		Transport:   e.cfg.Transport,
		Observer:    observer,
		Debugger:    dbg,
		Predicates:  e.cfg.Predicates,
		Secrets:     e.cfg.Secrets,
		Metrics:     e.cfg.Metrics,
		SpillDir:    e.cfg.SpillDir,
		Env:         e.cfg.Env,
		Metadata:    e.cfg.Metadata,
		Persistence: e.cfg.Persistence,
	})
	if err != nil {
		return nil, err
	}

	run := &Run{ID: runID, Workflow: &resolved, Scheduler: sched, Debugger: dbg}
	e.mu.Lock()
	e.runs[runID] = run
	e.mu.Unlock()

	err = sched.Run(ctx)
	e.checkpoint(ctx, sched)
	return run, err
}

// Get returns a previously started or resumed run by id.
func (e *Engine) Get(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	return run, ok
}

// Checkpoint saves runID's current state out of band, independent of the
// scheduler's own after-every-task checkpointing. Useful for a supervisor
// that wants a snapshot between task completions, e.g. before a planned
// restart.
func (e *Engine) Checkpoint(ctx context.Context, runID string) error {
	if e.cfg.Persistence == nil {
		return fmt.Errorf("engine: checkpoint requires Config.Persistence")
	}
	run, ok := e.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e.cfg.Persistence.Save(ctx, run.Scheduler.State().Snapshot())
}

func (e *Engine) checkpoint(ctx context.Context, sched *scheduler.Scheduler) {
	if e.cfg.Persistence == nil {
		return
	}
	_ = e.cfg.Persistence.Save(ctx, sched.State().Snapshot())
}

func (e *Engine) observerFor() observability.Observer {
	if e.cfg.Observer == nil {
		return e.bus
	}
	return observability.NewMultiObserver(e.cfg.Observer, e.bus)
}
