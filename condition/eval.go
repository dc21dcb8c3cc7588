// Package condition evaluates the workflow condition grammar used for
// task gating and loop break/continue, and the definition-of-done
// criteria evaluated after a task body returns.
package condition

import (
	"fmt"

	"github.com/periplon/engine/workflow"
)

// EvalContext supplies the lookups a Condition evaluation needs.
type EvalContext struct {
	// StateGet resolves a state-scope variable by key.
	StateGet func(key string) (any, bool)
	// TaskStatus resolves another task's current status.
	TaskStatus func(taskID string) workflow.TaskStatus
	// OnError reports whether this evaluation is happening on the
	// error-recovery path (satisfies the OnError condition kind).
	OnError bool
	// Interpolate resolves ${scope.name} tokens in Key/Value/Pattern
	// strings before comparison.
	Interpolate func(s string) (string, error)
}

// Eval evaluates cond against ctx.
func Eval(cond *workflow.Condition, ctx EvalContext) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Kind {
	case workflow.CondStateEquals:
		key, err := interp(ctx, cond.Key)
		if err != nil {
			return false, err
		}
		v, ok := ctx.StateGet(key)
		if !ok {
			return false, nil
		}
		want := cond.Value
		if s, isStr := want.(string); isStr {
			resolved, err := interp(ctx, s)
			if err != nil {
				return false, err
			}
			want = resolved
		}
		return v == want, nil

	case workflow.CondStateExists:
		key, err := interp(ctx, cond.Key)
		if err != nil {
			return false, err
		}
		_, ok := ctx.StateGet(key)
		return ok, nil

	case workflow.CondTaskStatus:
		task, err := interp(ctx, cond.Task)
		if err != nil {
			return false, err
		}
		return ctx.TaskStatus(task) == cond.Status, nil

	case workflow.CondOnError:
		return ctx.OnError, nil

	case workflow.CondAnd:
		for _, child := range cond.Children {
			ok, err := Eval(&child, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case workflow.CondOr:
		for _, child := range cond.Children {
			ok, err := Eval(&child, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case workflow.CondNot:
		ok, err := Eval(cond.Child, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, fmt.Errorf("condition: unknown condition kind %q", cond.Kind)
	}
}

func interp(ctx EvalContext, s string) (string, error) {
	if ctx.Interpolate == nil || s == "" {
		return s, nil
	}
	return ctx.Interpolate(s)
}
