package vars

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ContextMode selects how a task's context bundle is assembled.
type ContextMode string

const (
	ModeAutomatic ContextMode = "automatic"
	ModeManual    ContextMode = "manual"
	ModeNone      ContextMode = "none"
)

// TaskOutput is the minimal view of a completed task's captured output
// the context assembler needs; the output package's richer type satisfies
// this via a thin adapter.
type TaskOutput interface {
	TaskID() string
	Body() string
	Template() string // the task's own description/input template, for relevance scoring
	CompletedAt() time.Time
}

// Entry is one piece of a ContextBundle.
type Entry struct {
	TaskID    string
	Body      string
	Relevance float64
}

// ContextBundle is the assembled, byte-bounded context handed to a task's
// transport invocation.
type ContextBundle struct {
	Header  string
	Entries []Entry
}

// String renders the bundle as the flat text block passed to the agent.
func (b *ContextBundle) String() string {
	var sb strings.Builder
	sb.WriteString(b.Header)
	for _, e := range b.Entries {
		sb.WriteString("\n\n--- ")
		sb.WriteString(e.TaskID)
		sb.WriteString(" ---\n")
		sb.WriteString(e.Body)
	}
	return sb.String()
}

// Size returns the bundle's total byte size as it would be rendered.
func (b *ContextBundle) Size() int {
	return len(b.String())
}

// AssembleOptions configures one context-assembly call.
type AssembleOptions struct {
	Mode ContextMode

	TaskID       string
	WorkflowName string
	IterationTag string // e.g. "loop1[3]"; empty outside a loop

	// DependsOn is the direct dependency task ids, in declared order
	// (automatic mode, §4.C step 2).
	DependsOn []string

	// Candidates is the pool considered for relevance ranking beyond
	// direct dependencies (automatic mode, step 3) — typically every
	// completed task not already in DependsOn.
	Candidates []TaskOutput

	// TaskTemplate is this task's own description/input text, used to
	// score Candidates by shared variable references.
	TaskTemplate string

	MaxBytes int
	MaxTasks int

	// Manual mode
	Include []string
	Exclude []string

	// Truncate shortens an entry's body to fit the remaining budget,
	// following the Output Manager's truncation policy. Required for
	// automatic/manual modes when MaxBytes is nonzero.
	Truncate func(body string, maxBytes int) string
}

// lookupByID indexes Candidates by TaskOutput.TaskID.
func lookupByID(outputs []TaskOutput) map[string]TaskOutput {
	m := make(map[string]TaskOutput, len(outputs))
	for _, o := range outputs {
		m[o.TaskID()] = o
	}
	return m
}

// Assemble builds a ContextBundle per §4.C: a header, the direct
// dependencies' outputs in dependency order, then relevance-ranked
// recent completions up to MaxTasks, dropped in reverse relevance order
// and truncated to stay within MaxBytes.
func Assemble(opts AssembleOptions) *ContextBundle {
	header := fmt.Sprintf("task=%s workflow=%s", opts.TaskID, opts.WorkflowName)
	if opts.IterationTag != "" {
		header += " iteration=" + opts.IterationTag
	}
	bundle := &ContextBundle{Header: header}

	if opts.Mode == ModeNone {
		return bundle
	}

	byID := lookupByID(opts.Candidates)

	var entries []Entry
	switch opts.Mode {
	case ModeManual:
		exclude := map[string]bool{}
		for _, id := range opts.Exclude {
			exclude[id] = true
		}
		for _, id := range opts.Include {
			if exclude[id] {
				continue
			}
			if out, ok := byID[id]; ok {
				entries = append(entries, Entry{TaskID: id, Body: out.Body(), Relevance: 1})
			}
		}
	default: // ModeAutomatic
		seen := map[string]bool{}
		for _, id := range opts.DependsOn {
			seen[id] = true
			if out, ok := byID[id]; ok {
				entries = append(entries, Entry{TaskID: id, Body: out.Body(), Relevance: 1})
			}
		}

		var ranked []Entry
		taskRefs := References(opts.TaskTemplate)
		for _, out := range opts.Candidates {
			if seen[out.TaskID()] {
				continue
			}
			score := relevance(taskRefs, References(out.Template()))
			ranked = append(ranked, Entry{TaskID: out.TaskID(), Body: out.Body(), Relevance: score})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Relevance != ranked[j].Relevance {
				return ranked[i].Relevance > ranked[j].Relevance
			}
			return false // stable sort preserves Candidates' recency order on ties
		})

		maxTasks := opts.MaxTasks
		if maxTasks <= 0 || maxTasks > len(ranked) {
			maxTasks = len(ranked)
		}
		entries = append(entries, ranked[:maxTasks]...)
	}

	bundle.Entries = entries
	if opts.MaxBytes > 0 {
		fitBudget(bundle, opts.MaxBytes, opts.Truncate)
	}
	return bundle
}

// relevance scores two variable-reference sets by cosine similarity over
// their 0/1 indicator vectors — equivalent to |intersection| / sqrt(|a|*|b|)
// for sets (no repeated tokens), per §4.C's "bag-of-variable-references
// cosine" definition.
func relevance(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := map[string]bool{}
	for _, r := range a {
		setA[r] = true
	}
	shared := 0
	for _, r := range b {
		if setA[r] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(shared) / math.Sqrt(float64(len(a)*len(b)))
}

// fitBudget drops entries in reverse relevance order until the bundle fits
// MaxBytes, truncating the last kept entry if it alone still overflows.
func fitBudget(bundle *ContextBundle, maxBytes int, truncate func(string, int) string) {
	for bundle.Size() > maxBytes && len(bundle.Entries) > 0 {
		last := len(bundle.Entries) - 1
		remaining := maxBytes - len(bundle.Header) - (len(bundle.Entries[last].TaskID) + 11)
		for i := 0; i < last; i++ {
			remaining -= len(bundle.Entries[i].Body) + len(bundle.Entries[i].TaskID) + 11
		}
		if remaining > 0 && truncate != nil {
			bundle.Entries[last].Body = truncate(bundle.Entries[last].Body, remaining)
			if bundle.Size() <= maxBytes {
				return
			}
		}
		bundle.Entries = bundle.Entries[:last]
	}
}
