// Package vars resolves ${scope.name} references in workflow templates and
// assembles the bounded per-task context bundle the scheduler hands to the
// transport facade before dispatch.
package vars

import (
	"fmt"
	"regexp"
	"strings"
)

// Scope names one of the eight recognized interpolation scopes.
type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeAgent    Scope = "agent"
	ScopeTask     Scope = "task"
	ScopeLoop     Scope = "loop"
	ScopeState    Scope = "state"
	ScopeEnv      Scope = "env"
	ScopeSecret   Scope = "secret"
	ScopeMetadata Scope = "metadata"
)

var validScopes = map[Scope]bool{
	ScopeWorkflow: true, ScopeAgent: true, ScopeTask: true, ScopeLoop: true,
	ScopeState: true, ScopeEnv: true, ScopeSecret: true, ScopeMetadata: true,
}

// Lookup resolves a bare name within one scope.
type Lookup func(name string) (any, bool)

// tokenPattern matches ${scope.name} where name may itself contain dots
// (e.g. ${state.job.status}).
var tokenPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_.\-]*)\}`)

// Resolver resolves ${scope.name} references across the eight scopes. Loop
// frames form a stack; the innermost (most recently pushed) frame is
// consulted first so nested loops shadow outer ones.
type Resolver struct {
	scopes     map[Scope]Lookup
	loopFrames []map[string]any
}

// NewResolver returns an empty Resolver; scopes must be attached with Set
// before Resolve/Interpolate will find anything in them.
func NewResolver() *Resolver {
	return &Resolver{scopes: make(map[Scope]Lookup)}
}

// Set attaches a Lookup for scope, replacing any previous one.
func (r *Resolver) Set(scope Scope, lookup Lookup) {
	r.scopes[scope] = lookup
}

// PushLoopFrame makes frame the innermost loop scope, shadowing any
// enclosing loop's iterator variables.
func (r *Resolver) PushLoopFrame(frame map[string]any) {
	r.loopFrames = append(r.loopFrames, frame)
}

// PopLoopFrame removes the innermost loop frame.
func (r *Resolver) PopLoopFrame() {
	if len(r.loopFrames) > 0 {
		r.loopFrames = r.loopFrames[:len(r.loopFrames)-1]
	}
}

// Resolve looks up name within scope. For ScopeLoop, the frame stack is
// searched innermost-first.
func (r *Resolver) Resolve(scope Scope, name string) (any, bool, error) {
	if !validScopes[scope] {
		return nil, false, &UnknownScopeError{Scope: string(scope)}
	}
	if scope == ScopeLoop {
		for i := len(r.loopFrames) - 1; i >= 0; i-- {
			if v, ok := r.loopFrames[i][name]; ok {
				return v, true, nil
			}
		}
		return nil, false, nil
	}
	lookup, ok := r.scopes[scope]
	if !ok {
		return nil, false, nil
	}
	v, ok := lookup(name)
	return v, ok, nil
}

// Interpolate replaces every ${scope.name} token in template with its
// resolved value's string form. Returns an UnresolvedVariableError naming
// the first token that fails to resolve.
func (r *Resolver) Interpolate(template string) (string, error) {
	var firstErr error
	result := tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		m := tokenPattern.FindStringSubmatch(tok)
		scope, name := Scope(m[1]), m[2]
		v, ok, err := r.Resolve(scope, name)
		if err != nil {
			firstErr = err
			return tok
		}
		if !ok {
			firstErr = &UnresolvedVariableError{Path: scope.String() + "." + name}
			return tok
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// References returns the distinct "scope.name" tokens template contains,
// in first-occurrence order, without resolving them. Used by relevance
// scoring to compare which variables two task templates share.
func References(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		ref := m[1] + "." + m[2]
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func (s Scope) String() string {
	return string(s)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// MapLookup adapts a plain map to a Lookup.
func MapLookup(m map[string]any) Lookup {
	return func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// EnvLookup resolves os-environment-style lookups from a pre-fetched map,
// keeping the Resolver free of direct os.Getenv calls so it stays testable.
func EnvLookup(env map[string]string) Lookup {
	return func(name string) (any, bool) {
		v, ok := env[name]
		return v, ok
	}
}

// SplitPath splits a dotted state key into its path segments. Resolve does
// not use it: ${state.a.b.c} looks up the flat state key "a.b.c".
func SplitPath(name string) []string {
	return strings.Split(name, ".")
}
