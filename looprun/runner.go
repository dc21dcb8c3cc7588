package looprun

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/periplon/engine/workflow"
)

// Executor runs one loop body execution for the given iteration index and
// frame (the ${loop.*} variable bindings for that iteration). It is the
// scheduler's hook into the loop runtime — the runtime never dispatches a
// task itself.
type Executor func(ctx context.Context, index int, frame map[string]any) (any, error)

// ConditionEvaluator evaluates a workflow.Condition against the current
// loop frame (and, transitively, the outer resolver scopes), used for
// while/repeat_until/break/continue conditions.
type ConditionEvaluator func(cond *workflow.Condition, frame map[string]any) (bool, error)

// Result is the outcome of running one loop task to completion.
type Result struct {
	Iterations int
	Results    []any // present only if spec.CollectResults
	Errors     []error
	BrokeEarly bool
}

// Recorder receives per-iteration progress so the caller can persist it to
// the state store as the loop runs (for crash-resume).
type Recorder interface {
	UpdateIteration(index int, frame map[string]any) error
	AppendResult(value any) error
	SetResultAt(index int, value any) error
}

// Run executes spec as a single logical task, dispatching each iteration
// through exec.
func Run(ctx context.Context, taskID string, spec *workflow.LoopSpec, globalSem *semaphore.Weighted, cond ConditionEvaluator, exec Executor, rec Recorder) (*Result, error) {
	switch spec.Kind {
	case workflow.LoopForEach:
		return runForEach(ctx, taskID, spec, globalSem, cond, exec, rec)
	case workflow.LoopWhile:
		return runWhile(ctx, taskID, spec, cond, exec, rec)
	case workflow.LoopRepeatUntil:
		return runRepeatUntil(ctx, taskID, spec, cond, exec, rec)
	case workflow.LoopRepeat:
		return runRepeat(ctx, taskID, spec, globalSem, cond, exec, rec)
	default:
		return nil, fmt.Errorf("looprun: unknown loop kind %q", spec.Kind)
	}
}

func iterFrame(iterator string, index int, item any) map[string]any {
	frame := map[string]any{"index": index}
	if iterator != "" {
		frame[iterator] = item
	} else {
		frame["item"] = item
	}
	return frame
}

func checkBreakContinue(cond ConditionEvaluator, spec *workflow.LoopSpec, frame map[string]any) (brk bool, cont bool, err error) {
	if spec.BreakCondition != nil {
		brk, err = cond(spec.BreakCondition, frame)
		if err != nil {
			return false, false, err
		}
	}
	if spec.ContinueCondition != nil {
		cont, err = cond(spec.ContinueCondition, frame)
		if err != nil {
			return false, false, err
		}
	}
	return brk, cont, nil
}

// runForEach iterates spec.Collection.Values. Resolution needs access to
// state/http, which the runner is agnostic to, so for a non-inline source
// the caller must already have called ResolveCollection and stored the
// items in spec.Collection.Values.
func runForEach(ctx context.Context, taskID string, spec *workflow.LoopSpec, globalSem *semaphore.Weighted, cond ConditionEvaluator, exec Executor, rec Recorder) (*Result, error) {
	items := spec.Collection.Values
	if len(items) > workflow.MaxCollectionSizeCap {
		return nil, &LimitError{TaskID: taskID, Limit: "collection_size", Value: len(items)}
	}
	if spec.MaxIterations > 0 && len(items) > spec.MaxIterations {
		items = items[:spec.MaxIterations]
	}

	result := &Result{}
	if spec.CollectResults {
		result.Results = make([]any, len(items))
	}

	if !spec.Parallel {
		for i, item := range items {
			frame := iterFrame(spec.Iterator, i, item)
			if rec != nil {
				_ = rec.UpdateIteration(i, frame)
			}
			brk, cont, err := checkBreakContinue(cond, spec, frame)
			if err != nil {
				return result, err
			}
			if cont {
				continue
			}
			if brk {
				result.BrokeEarly = true
				break
			}
			val, err := exec(ctx, i, frame)
			result.Iterations++
			if err != nil {
				result.Errors = append(result.Errors, err)
				if spec.BreakOnError {
					return result, err
				}
				continue
			}
			if spec.CollectResults {
				result.Results[i] = val
				if rec != nil {
					_ = rec.SetResultAt(i, val)
				}
			}
			if spec.DelayBetweenSecs > 0 {
				time.Sleep(time.Duration(spec.DelayBetweenSecs * float64(time.Second)))
			}
		}
		return result, nil
	}

	return runParallelItems(ctx, items, spec, globalSem, cond, exec, rec, result)
}

func runParallelItems(ctx context.Context, items []any, spec *workflow.LoopSpec, globalSem *semaphore.Weighted, cond ConditionEvaluator, exec Executor, rec Recorder, result *Result) (*Result, error) {
	maxParallel := spec.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	localSem := semaphore.NewWeighted(int64(maxParallel))

	type outcome struct {
		index int
		value any
		err   error
		skip  bool
	}
	outcomes := make(chan outcome, len(items))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, item := range items {
		if err := localSem.Acquire(runCtx, 1); err != nil {
			break
		}
		if globalSem != nil {
			if err := globalSem.Acquire(runCtx, 1); err != nil {
				localSem.Release(1)
				break
			}
		}
		go func(i int, item any) {
			defer localSem.Release(1)
			if globalSem != nil {
				defer globalSem.Release(1)
			}
			frame := iterFrame(spec.Iterator, i, item)
			brk, cont, err := checkBreakContinue(cond, spec, frame)
			if err != nil {
				outcomes <- outcome{index: i, err: err}
				return
			}
			if cont {
				outcomes <- outcome{index: i, skip: true}
				return
			}
			if brk {
				cancel()
				outcomes <- outcome{index: i, skip: true}
				return
			}
			val, err := exec(runCtx, i, frame)
			outcomes <- outcome{index: i, value: val, err: err}
		}(i, item)
	}

	var firstErr error
	received := 0
	for received < len(items) {
		select {
		case o := <-outcomes:
			received++
			if o.skip {
				continue
			}
			result.Iterations++
			if o.err != nil {
				result.Errors = append(result.Errors, o.err)
				if spec.BreakOnError && firstErr == nil {
					firstErr = o.err
					cancel()
				}
				continue
			}
			if spec.CollectResults {
				result.Results[o.index] = o.value
				if rec != nil {
					_ = rec.SetResultAt(o.index, o.value)
				}
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	if firstErr != nil {
		return result, firstErr
	}
	return result, nil
}

func runWhile(ctx context.Context, taskID string, spec *workflow.LoopSpec, cond ConditionEvaluator, exec Executor, rec Recorder) (*Result, error) {
	result := &Result{}
	for i := 0; ; i++ {
		if spec.MaxIterations > 0 && i >= spec.MaxIterations {
			return result, &LimitError{TaskID: taskID, Limit: "max_iterations", Value: i}
		}
		if i >= workflow.MaxLoopIterationsCap {
			return result, &LimitError{TaskID: taskID, Limit: "max_iterations_cap", Value: i}
		}
		frame := map[string]any{"index": i}
		ok, err := cond(spec.Condition, frame)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		if rec != nil {
			_ = rec.UpdateIteration(i, frame)
		}
		brk, cont, err := checkBreakContinue(cond, spec, frame)
		if err != nil {
			return result, err
		}
		if cont {
			continue
		}
		if brk {
			result.BrokeEarly = true
			break
		}
		val, err := exec(ctx, i, frame)
		result.Iterations++
		if err != nil {
			result.Errors = append(result.Errors, err)
			if spec.BreakOnError {
				return result, err
			}
			continue
		}
		if spec.CollectResults {
			result.Results = append(result.Results, val)
			if rec != nil {
				_ = rec.AppendResult(val)
			}
		}
	}
	return result, nil
}

func runRepeatUntil(ctx context.Context, taskID string, spec *workflow.LoopSpec, cond ConditionEvaluator, exec Executor, rec Recorder) (*Result, error) {
	result := &Result{}
	for i := 0; ; i++ {
		if i >= workflow.MaxLoopIterationsCap || (spec.MaxIterations > 0 && i >= spec.MaxIterations) {
			return result, &LimitError{TaskID: taskID, Limit: "max_iterations", Value: i}
		}
		frame := map[string]any{"index": i}
		if rec != nil {
			_ = rec.UpdateIteration(i, frame)
		}
		val, err := exec(ctx, i, frame)
		result.Iterations++
		if err != nil {
			result.Errors = append(result.Errors, err)
			if spec.BreakOnError {
				return result, err
			}
		} else if spec.CollectResults {
			result.Results = append(result.Results, val)
			if rec != nil {
				_ = rec.AppendResult(val)
			}
		}

		done, err := cond(spec.Condition, frame)
		if err != nil {
			return result, err
		}
		if done && i+1 >= spec.MinIterations {
			break
		}
	}
	return result, nil
}

func runRepeat(ctx context.Context, taskID string, spec *workflow.LoopSpec, globalSem *semaphore.Weighted, cond ConditionEvaluator, exec Executor, rec Recorder) (*Result, error) {
	if spec.Count > workflow.MaxLoopIterationsCap {
		return nil, &LimitError{TaskID: taskID, Limit: "count", Value: spec.Count}
	}
	items := make([]any, spec.Count)
	for i := range items {
		items[i] = i
	}
	result := &Result{}
	if spec.CollectResults {
		result.Results = make([]any, len(items))
	}
	if spec.Parallel {
		return runParallelItems(ctx, items, spec, globalSem, cond, exec, rec, result)
	}
	for i := range items {
		frame := iterFrame(spec.Iterator, i, i)
		if rec != nil {
			_ = rec.UpdateIteration(i, frame)
		}
		brk, cont, err := checkBreakContinue(cond, spec, frame)
		if err != nil {
			return result, err
		}
		if cont {
			continue
		}
		if brk {
			result.BrokeEarly = true
			break
		}
		val, err := exec(ctx, i, frame)
		result.Iterations++
		if err != nil {
			result.Errors = append(result.Errors, err)
			if spec.BreakOnError {
				return result, err
			}
			continue
		}
		if spec.CollectResults {
			result.Results[i] = val
			if rec != nil {
				_ = rec.SetResultAt(i, val)
			}
		}
	}
	return result, nil
}
