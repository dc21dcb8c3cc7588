package condition

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/periplon/engine/workflow"
)

// celPredicate evaluates criterion.Pattern as a CEL boolean expression.
// The expression sees two variables: "output" (the captured stdout as a
// string) and "state" (a map holding the run's state-scope value for
// criterion.Key when that key is set; no other state keys are loaded).
// This is the built-in "cel" entry in a fresh PredicateTable, giving
// workflow authors a general-purpose Custom criterion without the host
// writing Go code for every one.
func celPredicate(criterion workflow.DoDCriterion, ctx DodContext) (bool, error) {
	expr, err := interp(EvalContext{Interpolate: ctx.Interpolate}, criterion.Pattern)
	if err != nil {
		return false, err
	}

	env, err := cel.NewEnv(
		cel.Variable("output", cel.StringType),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return false, fmt.Errorf("condition: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("condition: cel compile %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("condition: cel program: %w", err)
	}

	state := map[string]any{}
	if ctx.StateGet != nil {
		// DodContext exposes a per-key getter rather than the whole
		// variable map, so only criterion.Key is loaded.
		if v, ok := ctx.StateGet(criterion.Key); ok {
			state[criterion.Key] = v
		}
	}

	out, _, err := prg.Eval(map[string]any{
		"output": ctx.Stdout,
		"state":  state,
	})
	if err != nil {
		return false, fmt.Errorf("condition: cel eval %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: cel expression %q did not evaluate to bool", expr)
	}
	return result, nil
}
