package condition_test

import (
	"testing"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/workflow"
)

func evalCtx(state map[string]any, onError bool) condition.EvalContext {
	return condition.EvalContext{
		StateGet: func(key string) (any, bool) {
			v, ok := state[key]
			return v, ok
		},
		TaskStatus: func(taskID string) workflow.TaskStatus {
			if taskID == "upstream" {
				return workflow.StatusCompleted
			}
			return workflow.StatusPending
		},
		OnError: onError,
		Interpolate: func(s string) (string, error) {
			return s, nil
		},
	}
}

func TestEval_NilConditionIsAlwaysTrue(t *testing.T) {
	ok, err := condition.Eval(nil, evalCtx(nil, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected nil condition to evaluate true")
	}
}

func TestEval_StateEquals(t *testing.T) {
	cond := workflow.StateEquals("status", "ready")
	ok, err := condition.Eval(&cond, evalCtx(map[string]any{"status": "ready"}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected match on equal state value")
	}

	ok, err = condition.Eval(&cond, evalCtx(map[string]any{"status": "pending"}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no match on differing state value")
	}
}

func TestEval_StateExists(t *testing.T) {
	cond := workflow.StateExists("build_id")
	ok, err := condition.Eval(&cond, evalCtx(map[string]any{"build_id": "x"}, false))
	if err != nil || !ok {
		t.Fatalf("expected existing key to match, got %v, %v", ok, err)
	}

	ok, err = condition.Eval(&cond, evalCtx(nil, false))
	if err != nil || ok {
		t.Fatalf("expected missing key to not match, got %v, %v", ok, err)
	}
}

func TestEval_TaskStatus(t *testing.T) {
	cond := workflow.TaskStatusIs("upstream", workflow.StatusCompleted)
	ok, err := condition.Eval(&cond, evalCtx(nil, false))
	if err != nil || !ok {
		t.Fatalf("expected completed upstream to match, got %v, %v", ok, err)
	}
}

func TestEval_OnError(t *testing.T) {
	cond := workflow.OnErrorCondition()
	ok, _ := condition.Eval(&cond, evalCtx(nil, true))
	if !ok {
		t.Error("expected OnError to match during error-path evaluation")
	}
	ok, _ = condition.Eval(&cond, evalCtx(nil, false))
	if ok {
		t.Error("expected OnError to not match outside the error path")
	}
}

func TestEval_AndShortCircuitsOnFirstFalse(t *testing.T) {
	cond := workflow.And(
		workflow.StateEquals("a", "1"),
		workflow.StateEquals("b", "2"),
		workflow.Condition{Kind: "bogus"}, // errors if evaluated
	)
	ok, err := condition.Eval(&cond, evalCtx(map[string]any{"a": "1"}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected And to fail when one child fails")
	}
}

func TestEval_OrMatchesOnFirstTrue(t *testing.T) {
	cond := workflow.Or(
		workflow.StateEquals("a", "nope"),
		workflow.StateEquals("b", "2"),
		workflow.Condition{Kind: "bogus"}, // errors if evaluated
	)
	ok, err := condition.Eval(&cond, evalCtx(map[string]any{"b": "2"}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected Or to match when any child matches")
	}
}

func TestEval_NotNegates(t *testing.T) {
	inner := workflow.StateEquals("a", "1")
	cond := workflow.Not(inner)
	ok, err := condition.Eval(&cond, evalCtx(map[string]any{"a": "1"}, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected Not to invert a matching child")
	}
}

func TestEval_UnknownKind(t *testing.T) {
	cond := workflow.Condition{Kind: "bogus"}
	_, err := condition.Eval(&cond, evalCtx(nil, false))
	if err == nil {
		t.Fatal("expected error for unknown condition kind")
	}
}
