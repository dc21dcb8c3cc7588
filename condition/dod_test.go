package condition_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/workflow"
)

func dodCtx(t *testing.T, state map[string]any, stdout string) condition.DodContext {
	t.Helper()
	return condition.DodContext{
		ReadFile: os.ReadFile,
		Stdout:   stdout,
		StateGet: func(key string) (any, bool) {
			v, ok := state[key]
			return v, ok
		},
		Interpolate: func(s string) (string, error) {
			return s, nil
		},
		Predicates: condition.NewPredicateTable(),
	}
}

func TestEvaluateDoD_AllCriteriaSatisfied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("build succeeded"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDFileExists, Path: path},
			{Kind: workflow.DoDFileContains, Path: path, Pattern: "succeeded"},
			{Kind: workflow.DoDOutputContains, Pattern: "done"},
			{Kind: workflow.DoDStateEquals, Key: "status", Value: "green"},
		},
	}

	failed, err := condition.EvaluateDoD(dod, dodCtx(t, map[string]any{"status": "green"}, "done"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failed criteria, got %v", failed)
	}
}

func TestEvaluateDoD_ReportsFailedCriteria(t *testing.T) {
	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDOutputContains, Pattern: "success"},
			{Kind: workflow.DoDStateEquals, Key: "status", Value: "green"},
		},
	}

	failed, err := condition.EvaluateDoD(dod, dodCtx(t, map[string]any{"status": "red"}, "failure"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected both criteria to fail, got %v", failed)
	}
}

func TestEvaluateDoD_FileNotContainsTreatsMissingFileAsSatisfied(t *testing.T) {
	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDFileNotContains, Path: "/nonexistent/path", Pattern: "error"},
		},
	}
	failed, err := condition.EvaluateDoD(dod, dodCtx(t, nil, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected a missing file to satisfy file_not_contains, got %v", failed)
	}
}

func TestEvaluateDoD_RegexPattern(t *testing.T) {
	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDOutputContains, Pattern: `\d+ tests passed`, Regex: true},
		},
	}
	failed, err := condition.EvaluateDoD(dod, dodCtx(t, nil, "42 tests passed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected regex pattern to match, got %v", failed)
	}
}

func TestEvaluateDoD_CustomUnregisteredPredicateErrors(t *testing.T) {
	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDCustom, Name: "ghost"},
		},
	}
	_, err := condition.EvaluateDoD(dod, dodCtx(t, nil, ""))
	var unknown *condition.UnknownPredicateError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownPredicateError, got %T: %v", err, err)
	}
	if !errors.Is(err, condition.ErrUnknownPredicate) {
		t.Error("expected errors.Is(err, ErrUnknownPredicate)")
	}
}

func TestEvaluateDoD_CustomCelPredicate(t *testing.T) {
	dod := &workflow.DefinitionOfDone{
		Criteria: []workflow.DoDCriterion{
			{Kind: workflow.DoDCustom, Name: "cel", Pattern: `output.contains("ok")`},
		},
	}
	failed, err := condition.EvaluateDoD(dod, dodCtx(t, nil, "status: ok"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected cel expression to evaluate true, got %v", failed)
	}
}

func TestPredicateTable_ValidateUnregisteredName(t *testing.T) {
	table := condition.NewPredicateTable()
	if err := table.Validate("cel"); err != nil {
		t.Errorf("expected built-in cel predicate to validate, got %v", err)
	}
	if err := table.Validate("ghost"); err == nil {
		t.Error("expected validation error for unregistered predicate name")
	}
}

func TestDodUnsatisfiedError_Wraps(t *testing.T) {
	err := &condition.DodUnsatisfiedError{TaskID: "t1", CriteriaFailed: []string{"output_contains(\"ok\")"}}
	if !errors.Is(err, condition.ErrDodUnsatisfied) {
		t.Error("expected errors.Is(err, ErrDodUnsatisfied)")
	}
}
