package taskgraph_test

import (
	"errors"
	"testing"

	"github.com/periplon/engine/taskgraph"
	"github.com/periplon/engine/workflow"
)

func taskSpec(id string, deps ...string) *workflow.TaskSpec {
	return &workflow.TaskSpec{ID: id, Agent: "a", DependsOn: deps}
}

func TestBuild_FlattensNestedIDs(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			{
				ID:    "setup",
				Agent: "a",
				Subtasks: []*workflow.TaskSpec{
					taskSpec("prepare"),
					taskSpec("verify", "prepare"),
				},
			},
		},
	}

	g, err := taskgraph.Build(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []string{"setup", "setup.prepare", "setup.verify"} {
		if g.Node(id) == nil {
			t.Errorf("expected node %q in flattened graph", id)
		}
	}

	preds := g.Predecessors("setup.prepare")
	if len(preds) != 1 || preds[0] != "setup" {
		t.Errorf("expected setup.prepare to implicitly depend on setup, got %v", preds)
	}

	preds = g.Predecessors("setup.verify")
	found := map[string]bool{}
	for _, p := range preds {
		found[p] = true
	}
	if !found["setup"] || !found["setup.prepare"] {
		t.Errorf("expected setup.verify to depend on setup and setup.prepare, got %v", preds)
	}
}

func TestBuild_DetectsCycle(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("a", "c"),
			taskSpec("b", "a"),
			taskSpec("c", "b"),
		},
	}

	_, err := taskgraph.Build(w)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	var cycleErr *taskgraph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if !errors.Is(err, taskgraph.ErrCycle) {
		t.Error("expected errors.Is(err, ErrCycle) to hold")
	}
}

func TestBuild_RejectsUnknownReference(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("a", "ghost"),
		},
	}

	_, err := taskgraph.Build(w)
	if !errors.Is(err, taskgraph.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestBuild_RejectsDuplicateID(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("a"),
			taskSpec("a"),
		},
	}

	_, err := taskgraph.Build(w)
	if !errors.Is(err, taskgraph.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestReadySet_OrdersByDepthThenDeclaration(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("b"),
			taskSpec("a"),
			{
				ID:    "parent",
				Agent: "a",
				Subtasks: []*workflow.TaskSpec{
					taskSpec("child"),
				},
			},
		},
	}

	g, err := taskgraph.Build(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := map[string]workflow.TaskStatus{
		"b":             workflow.StatusPending,
		"a":             workflow.StatusPending,
		"parent":        workflow.StatusPending,
		"parent.child":  workflow.StatusPending,
	}
	lookup := func(id string) workflow.TaskStatus { return status[id] }

	ready := g.ReadySet(lookup)
	want := []string{"b", "a", "parent"}
	if len(ready) != len(want) {
		t.Fatalf("expected %v, got %v", want, ready)
	}
	for i, id := range want {
		if ready[i] != id {
			t.Errorf("position %d: expected %q, got %q (%v)", i, id, ready[i], ready)
		}
	}
}

func TestReadySet_ParallelWithDispatchesAsBatch(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("gate"),
			{ID: "x", Agent: "a", DependsOn: []string{"gate"}},
			{ID: "y", Agent: "a", DependsOn: []string{"gate"}, ParallelWith: []string{"x"}},
		},
	}

	g, err := taskgraph.Build(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := map[string]workflow.TaskStatus{
		"gate": workflow.StatusCompleted,
		"x":    workflow.StatusPending,
		"y":    workflow.StatusPending,
	}
	lookup := func(id string) workflow.TaskStatus { return status[id] }

	ready := g.ReadySet(lookup)
	if len(ready) != 2 {
		t.Fatalf("expected both parallel_with tasks ready together, got %v", ready)
	}
}

func TestSubtree_IncludesDescendants(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			{
				ID:    "parent",
				Agent: "a",
				Subtasks: []*workflow.TaskSpec{
					{
						ID:    "mid",
						Agent: "a",
						Subtasks: []*workflow.TaskSpec{
							taskSpec("leaf"),
						},
					},
				},
			},
			taskSpec("sibling"),
		},
	}

	g, err := taskgraph.Build(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	subtree := g.Subtree("parent")
	want := map[string]bool{"parent": true, "parent.mid": true, "parent.mid.leaf": true}
	if len(subtree) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), subtree)
	}
	for _, id := range subtree {
		if !want[id] {
			t.Errorf("unexpected id %q in subtree", id)
		}
	}
}

func TestDescendants_IncludesDependsOnChainBeyondHierarchy(t *testing.T) {
	w := &workflow.Workflow{
		Tasks: []*workflow.TaskSpec{
			taskSpec("a"),
			taskSpec("b", "a"),
			taskSpec("c", "b"),
			taskSpec("sibling"),
		},
	}

	g, err := taskgraph.Build(w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	descendants := g.Descendants("a")
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(descendants) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), descendants)
	}
	for _, id := range descendants {
		if !want[id] {
			t.Errorf("unexpected id %q in descendants", id)
		}
	}
}
