package looprun_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/periplon/engine/looprun"
	"github.com/periplon/engine/workflow"
)

func noCond(_ *workflow.Condition, _ map[string]any) (bool, error) {
	return false, nil
}

func TestRun_ForEachSequential_PreservesOrder(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:           workflow.LoopForEach,
		Iterator:       "item",
		Collection:     &workflow.CollectionSource{Values: []any{"a", "b", "c"}},
		CollectResults: true,
	}
	exec := func(_ context.Context, index int, frame map[string]any) (any, error) {
		return fmt.Sprintf("%v-done", frame["item"]), nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, noCond, exec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", result.Iterations)
	}
	want := []any{"a-done", "b-done", "c-done"}
	for i, w := range want {
		if result.Results[i] != w {
			t.Errorf("position %d: expected %v, got %v", i, w, result.Results[i])
		}
	}
}

func TestRun_ForEachParallel_PreservesDeclarationOrderInResults(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:           workflow.LoopForEach,
		Iterator:       "item",
		Collection:     &workflow.CollectionSource{Values: []any{1, 2, 3, 4, 5}},
		Parallel:       true,
		MaxParallel:    3,
		CollectResults: true,
	}
	var mu sync.Mutex
	seen := map[int]bool{}
	exec := func(_ context.Context, index int, frame map[string]any) (any, error) {
		mu.Lock()
		seen[index] = true
		mu.Unlock()
		return frame["item"].(int) * 10, nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, noCond, exec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{10, 20, 30, 40, 50}
	for i, w := range want {
		if result.Results[i] != w {
			t.Errorf("position %d: expected %v, got %v (order must match declaration order)", i, w, result.Results[i])
		}
	}
}

func TestRun_ForEachBreakOnError(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:         workflow.LoopForEach,
		Collection:   &workflow.CollectionSource{Values: []any{1, 2, 3}},
		BreakOnError: true,
	}
	exec := func(_ context.Context, index int, _ map[string]any) (any, error) {
		if index == 1 {
			return nil, fmt.Errorf("boom")
		}
		return index, nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, noCond, exec, nil)
	if err == nil {
		t.Fatal("expected error to propagate with break_on_error")
	}
	if result.Iterations != 2 {
		t.Errorf("expected 2 iterations attempted before stopping, got %d", result.Iterations)
	}
}

func TestRun_RepeatFixedCount(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:           workflow.LoopRepeat,
		Count:          4,
		CollectResults: true,
	}
	exec := func(_ context.Context, index int, _ map[string]any) (any, error) {
		return index * index, nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, noCond, exec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{0, 1, 4, 9}
	for i, w := range want {
		if result.Results[i] != w {
			t.Errorf("position %d: expected %v, got %v", i, w, result.Results[i])
		}
	}
}

func TestRun_While_ExitsOnCondition(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:          workflow.LoopWhile,
		Condition:     &workflow.Condition{},
		MaxIterations: 10,
	}
	calls := 0
	cond := func(_ *workflow.Condition, frame map[string]any) (bool, error) {
		return frame["index"].(int) < 3, nil
	}
	exec := func(_ context.Context, index int, _ map[string]any) (any, error) {
		calls++
		return nil, nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, cond, exec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 3 || calls != 3 {
		t.Errorf("expected 3 iterations, got %d (calls=%d)", result.Iterations, calls)
	}
}

func TestRun_RepeatUntil_HonorsMinIterations(t *testing.T) {
	spec := &workflow.LoopSpec{
		Kind:          workflow.LoopRepeatUntil,
		Condition:     &workflow.Condition{},
		MinIterations: 3,
		MaxIterations: 10,
	}
	cond := func(_ *workflow.Condition, _ map[string]any) (bool, error) {
		return true, nil // would exit immediately without min_iterations
	}
	exec := func(_ context.Context, index int, _ map[string]any) (any, error) {
		return nil, nil
	}

	result, err := looprun.Run(context.Background(), "t1", spec, nil, cond, exec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("expected min_iterations to force 3 iterations, got %d", result.Iterations)
	}
}

func TestRun_ForEach_CollectionSizeCapRejected(t *testing.T) {
	values := make([]any, workflow.MaxCollectionSizeCap+1)
	spec := &workflow.LoopSpec{
		Kind:       workflow.LoopForEach,
		Collection: &workflow.CollectionSource{Values: values},
	}
	exec := func(_ context.Context, _ int, _ map[string]any) (any, error) { return nil, nil }

	_, err := looprun.Run(context.Background(), "t1", spec, nil, noCond, exec, nil)
	var limitErr *looprun.LimitError
	if err == nil {
		t.Fatal("expected collection size cap error")
	}
	if !asLimitError(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T: %v", err, err)
	}
}

func asLimitError(err error, target **looprun.LimitError) bool {
	le, ok := err.(*looprun.LimitError)
	if !ok {
		return false
	}
	*target = le
	return true
}

func TestResolveCollection_Range(t *testing.T) {
	src := &workflow.CollectionSource{Kind: workflow.CollectionRange, RangeStart: 0, RangeEnd: 10, RangeStep: 2}
	items, err := looprun.ResolveCollection(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{0, 2, 4, 6, 8}
	if len(items) != len(want) {
		t.Fatalf("expected %v, got %v", want, items)
	}
	for i, w := range want {
		if items[i] != w {
			t.Errorf("position %d: expected %v, got %v", i, w, items[i])
		}
	}
}

func TestResolveCollection_State(t *testing.T) {
	src := &workflow.CollectionSource{Kind: workflow.CollectionState, StateKey: "items"}
	lookup := func(key string) (any, bool) {
		if key == "items" {
			return []any{"x", "y"}, true
		}
		return nil, false
	}
	items, err := looprun.ResolveCollection(context.Background(), src, lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0] != "x" || items[1] != "y" {
		t.Errorf("unexpected items: %v", items)
	}
}
