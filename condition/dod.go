package condition

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/periplon/engine/workflow"
)

// DodContext supplies the lookups a DoD criterion evaluation needs.
type DodContext struct {
	ReadFile    func(path string) ([]byte, error)
	Stdout      string
	StateGet    func(key string) (any, bool)
	Interpolate func(s string) (string, error)
	Predicates  *PredicateTable
}

// Predicate evaluates a Custom DoD criterion against ctx.
type Predicate func(criterion workflow.DoDCriterion, ctx DodContext) (bool, error)

// PredicateTable is the host-registered table of Custom DoD predicates.
// An unregistered name is reported as an UnknownPredicateError rather
// than failing silently.
type PredicateTable struct {
	entries map[string]Predicate
}

// NewPredicateTable returns a table pre-seeded with the "cel" predicate,
// evaluating criterion.Pattern as a CEL boolean expression against
// "output" and "state" variables.
func NewPredicateTable() *PredicateTable {
	t := &PredicateTable{entries: make(map[string]Predicate)}
	t.Register("cel", celPredicate)
	return t
}

// Register adds or replaces a named predicate.
func (t *PredicateTable) Register(name string, p Predicate) {
	t.entries[name] = p
}

// Lookup returns the predicate registered under name.
func (t *PredicateTable) Lookup(name string) (Predicate, bool) {
	p, ok := t.entries[name]
	return p, ok
}

// Validate reports an UnknownPredicateError if name is not registered, so
// a host can check Custom criteria before a run. The scheduler does not
// call it; EvaluateDoD reports the same error when it evaluates an
// unregistered name.
func (t *PredicateTable) Validate(name string) error {
	if _, ok := t.entries[name]; !ok {
		return &UnknownPredicateError{Name: name}
	}
	return nil
}

// EvaluateDoD runs every criterion in dod against ctx and returns the
// names (rendered description) of the ones that failed.
func EvaluateDoD(dod *workflow.DefinitionOfDone, ctx DodContext) ([]string, error) {
	var failed []string
	for _, c := range dod.Criteria {
		ok, err := evaluateCriterion(c, ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = append(failed, describe(c))
		}
	}
	return failed, nil
}

func evaluateCriterion(c workflow.DoDCriterion, ctx DodContext) (bool, error) {
	switch c.Kind {
	case workflow.DoDFileExists:
		path, err := interp(EvalContext{Interpolate: ctx.Interpolate}, c.Path)
		if err != nil {
			return false, err
		}
		_, err = os.Stat(path)
		return err == nil, nil

	case workflow.DoDFileContains, workflow.DoDFileNotContains:
		path, err := interp(EvalContext{Interpolate: ctx.Interpolate}, c.Path)
		if err != nil {
			return false, err
		}
		data, err := ctx.ReadFile(path)
		if err != nil {
			if c.Kind == workflow.DoDFileNotContains {
				return true, nil // a missing file contains nothing
			}
			return false, nil
		}
		matched, err := matchPattern(string(data), c.Pattern, c.Regex, ctx)
		if err != nil {
			return false, err
		}
		if c.Kind == workflow.DoDFileNotContains {
			return !matched, nil
		}
		return matched, nil

	case workflow.DoDOutputContains, workflow.DoDOutputNotContains:
		matched, err := matchPattern(ctx.Stdout, c.Pattern, c.Regex, ctx)
		if err != nil {
			return false, err
		}
		if c.Kind == workflow.DoDOutputNotContains {
			return !matched, nil
		}
		return matched, nil

	case workflow.DoDStateEquals:
		v, ok := ctx.StateGet(c.Key)
		if !ok {
			return false, nil
		}
		want := c.Value
		if s, isStr := want.(string); isStr {
			resolved, err := interp(EvalContext{Interpolate: ctx.Interpolate}, s)
			if err != nil {
				return false, err
			}
			want = resolved
		}
		return v == want, nil

	case workflow.DoDCustom:
		if ctx.Predicates == nil {
			return false, &UnknownPredicateError{Name: c.Name}
		}
		p, ok := ctx.Predicates.Lookup(c.Name)
		if !ok {
			return false, &UnknownPredicateError{Name: c.Name}
		}
		return p(c, ctx)

	default:
		return false, fmt.Errorf("condition: unknown dod criterion kind %q", c.Kind)
	}
}

func matchPattern(body, pattern string, isRegex bool, ctx DodContext) (bool, error) {
	resolved, err := interp(EvalContext{Interpolate: ctx.Interpolate}, pattern)
	if err != nil {
		return false, err
	}
	if isRegex {
		re, err := regexp.Compile(resolved)
		if err != nil {
			return false, fmt.Errorf("condition: invalid dod pattern %q: %w", resolved, err)
		}
		return re.MatchString(body), nil
	}
	return strings.Contains(body, resolved), nil
}

func describe(c workflow.DoDCriterion) string {
	switch c.Kind {
	case workflow.DoDFileExists:
		return fmt.Sprintf("file_exists(%s)", c.Path)
	case workflow.DoDFileContains:
		return fmt.Sprintf("file_contains(%s, %q)", c.Path, c.Pattern)
	case workflow.DoDFileNotContains:
		return fmt.Sprintf("file_not_contains(%s, %q)", c.Path, c.Pattern)
	case workflow.DoDOutputContains:
		return fmt.Sprintf("output_contains(%q)", c.Pattern)
	case workflow.DoDOutputNotContains:
		return fmt.Sprintf("output_not_contains(%q)", c.Pattern)
	case workflow.DoDStateEquals:
		return fmt.Sprintf("state_equals(%s, %v)", c.Key, c.Value)
	case workflow.DoDCustom:
		return fmt.Sprintf("custom(%s)", c.Name)
	default:
		return string(c.Kind)
	}
}
