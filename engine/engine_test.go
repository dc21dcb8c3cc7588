package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/periplon/engine/engine"
	"github.com/periplon/engine/scheduler"
	"github.com/periplon/engine/statestore"
	"github.com/periplon/engine/transport"
	"github.com/periplon/engine/workflow"
)

type fakeTransport struct {
	invoke func(ctx context.Context, spec workflow.AgentSpec, input string, limits workflow.Limits) (*transport.AgentResult, error)
}

func (f *fakeTransport) Invoke(ctx context.Context, spec workflow.AgentSpec, input string, limits workflow.Limits) (*transport.AgentResult, error) {
	return f.invoke(ctx, spec, input, limits)
}

func echoTransport() *fakeTransport {
	return &fakeTransport{invoke: func(_ context.Context, spec workflow.AgentSpec, input string, _ workflow.Limits) (*transport.AgentResult, error) {
		return &transport.AgentResult{Stdout: []byte("ok: " + input)}, nil
	}}
}

const docYAML = `
name: demo
agents:
  echo:
    name: echo
    command: "true"
tasks:
  - id: a
    agent: echo
    description: "first"
  - id: b
    agent: echo
    description: "second"
    depends_on: ["a"]
`

func TestLoadWorkflow(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(docYAML))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if wf.Name != "demo" {
		t.Errorf("name = %q, want demo", wf.Name)
	}
	if len(wf.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(wf.Tasks))
	}
	if got := wf.Tasks[1].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Errorf("task b depends_on = %v, want [a]", got)
	}
}

func TestLoadWorkflow_RejectsEmptyTaskList(t *testing.T) {
	_, err := engine.LoadWorkflow([]byte("name: empty\ntasks: []\n"))
	if err == nil {
		t.Fatal("expected error for empty task list, got nil")
	}
}

func TestEngineStart_RunsToCompletion(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(docYAML))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	e := engine.New(context.Background(), engine.Config{
		Transport:   echoTransport(),
		Persistence: statestore.NewMemoryAdapter(),
	})

	sub := e.Subscribe(16)
	defer sub.Close()

	run, err := e.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Scheduler.State().Status("a") != workflow.StatusCompleted {
		t.Errorf("task a status = %v, want Completed", run.Scheduler.State().Status("a"))
	}
	if run.Scheduler.State().Status("b") != workflow.StatusCompleted {
		t.Errorf("task b status = %v, want Completed", run.Scheduler.State().Status("b"))
	}

	got, ok := e.Get(run.ID)
	if !ok || got != run {
		t.Errorf("Get(%q) = %v, %v, want the same run back", run.ID, got, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sawWorkflowStart := false
	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			break
		}
		if ev.Type == scheduler.EventWorkflowStart {
			sawWorkflowStart = true
			break
		}
	}
	if !sawWorkflowStart {
		t.Error("expected to observe a scheduler.EventWorkflowStart event on the bus")
	}
}

func TestEngineStart_RejectsUnknownAgent(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(`
name: bad
agents: {}
tasks:
  - id: a
    agent: ghost
    description: "x"
`))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	e := engine.New(context.Background(), engine.Config{Transport: echoTransport()})
	if _, err := e.Start(context.Background(), wf); err == nil {
		t.Fatal("expected validation error for undefined agent, got nil")
	}
}

func TestEngineStart_AgentRegistryOverlay(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(`
name: overlay
agents: {}
tasks:
  - id: a
    agent: injected
    description: "x"
`))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	registry := engine.NewAgentRegistry()
	if err := registry.Register(workflow.AgentSpec{Name: "injected", Command: "true"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e := engine.New(context.Background(), engine.Config{Transport: echoTransport(), Agents: registry})
	run, err := e.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Scheduler.State().Status("a") != workflow.StatusCompleted {
		t.Errorf("task a status = %v, want Completed", run.Scheduler.State().Status("a"))
	}
}

func TestEngineResume_RequiresPersistence(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(docYAML))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	e := engine.New(context.Background(), engine.Config{Transport: echoTransport()})
	if _, err := e.Resume(context.Background(), wf, "missing"); err == nil {
		t.Fatal("expected error resuming without Config.Persistence, got nil")
	}
}

func TestEngineResume_AfterCheckpoint(t *testing.T) {
	wf, err := engine.LoadWorkflow([]byte(docYAML))
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	persistence := statestore.NewMemoryAdapter()
	e := engine.New(context.Background(), engine.Config{
		Transport:   echoTransport(),
		Persistence: persistence,
	})

	run, err := e.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resumed, err := e.Resume(context.Background(), wf, run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Scheduler.State().Status("a") != workflow.StatusCompleted {
		t.Errorf("resumed task a status = %v, want Completed (already terminal before crash)", resumed.Scheduler.State().Status("a"))
	}
}

func TestAgentRegistry_OverlayWinsOnCollision(t *testing.T) {
	registry := engine.NewAgentRegistry()
	_ = registry.Register(workflow.AgentSpec{Name: "echo", Command: "override"})

	merged := registry.Overlay(map[string]workflow.AgentSpec{
		"echo": {Name: "echo", Command: "original"},
	})
	if merged["echo"].Command != "override" {
		t.Errorf("overlay command = %q, want override", merged["echo"].Command)
	}
}

func TestAgentRegistry_List(t *testing.T) {
	registry := engine.NewAgentRegistry()
	_ = registry.Register(workflow.AgentSpec{Name: "b"})
	_ = registry.Register(workflow.AgentSpec{Name: "a"})
	if got := registry.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List() = %v, want sorted [a b]", got)
	}
}
