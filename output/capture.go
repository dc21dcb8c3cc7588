// Package output captures, bounds, and spills per-task stdout/stderr, and
// evicts in-memory copies under a configurable cleanup strategy once their
// dependents no longer need them.
package output

import (
	"bytes"
	"fmt"

	"github.com/periplon/engine/workflow"
)

// Buffer is one bounded capture of a task's stdout or stderr.
type Buffer struct {
	Data         []byte
	OriginalSize int64
	Truncated    bool
}

// String renders the buffer's captured (possibly truncated) bytes as text.
func (b Buffer) String() string {
	return string(b.Data)
}

const summaryEdgeBytes = 256

// clampBudget returns how many raw bytes a truncation strategy may keep
// after reserving markerLen bytes of cap for its marker text, never
// negative (a cap smaller than its own marker keeps zero raw bytes rather
// than slicing out of range).
func clampBudget(cap int64, markerLen int) int64 {
	budget := cap - int64(markerLen)
	if budget < 0 {
		return 0
	}
	return budget
}

// Capture applies cap and strategy to raw, producing a bounded Buffer. A
// cap of 0 or less disables truncation. An empty or unrecognised strategy
// keeps the last cap bytes with no marker.
func Capture(raw []byte, cap int64, strategy workflow.TruncationStrategy) Buffer {
	if cap <= 0 || int64(len(raw)) <= cap {
		return Buffer{Data: raw, OriginalSize: int64(len(raw))}
	}

	orig := int64(len(raw))
	switch strategy {
	case workflow.TruncateHead:
		marker := fmt.Sprintf("\n[... %d trailing bytes truncated]", orig-cap)
		budget := clampBudget(cap, len(marker))
		kept := raw[:budget]
		return Buffer{Data: append(append([]byte{}, kept...), marker...), OriginalSize: orig, Truncated: true}

	case workflow.TruncateTail:
		marker := fmt.Sprintf("[... %d leading bytes truncated]\n", orig-cap)
		budget := clampBudget(cap, len(marker))
		kept := raw[orig-budget:]
		return Buffer{Data: append([]byte(marker), kept...), OriginalSize: orig, Truncated: true}

	case workflow.TruncateBoth:
		marker := fmt.Sprintf("\n[... %d bytes truncated ...]\n", orig-cap)
		budget := clampBudget(cap, len(marker))
		half := budget / 2
		head := raw[:half]
		tail := raw[orig-(budget-half):]
		var buf bytes.Buffer
		buf.Write(head)
		buf.WriteString(marker)
		buf.Write(tail)
		return Buffer{Data: buf.Bytes(), OriginalSize: orig, Truncated: true}

	case workflow.TruncateTailLines:
		marker := fmt.Sprintf("[... %d leading bytes truncated]\n", orig-cap)
		budget := clampBudget(cap, len(marker))
		start := int64(len(raw)) - budget
		if start < 0 {
			start = 0
		}
		if start > 0 && raw[start-1] != '\n' {
			if idx := bytes.IndexByte(raw[start:], '\n'); idx >= 0 {
				start += int64(idx) + 1
			}
		}
		kept := raw[start:]
		return Buffer{Data: append([]byte(marker), kept...), OriginalSize: orig, Truncated: true}

	case workflow.TruncateSummary:
		return Buffer{Data: []byte(summarize(raw)), OriginalSize: orig, Truncated: true}

	default:
		kept := raw[orig-cap:]
		return Buffer{Data: kept, OriginalSize: orig, Truncated: true}
	}
}

// summarize produces the fixed-size deterministic digest the spec's
// "summary" truncation strategy names: total size, line count, and the
// first and last 256 bytes.
func summarize(raw []byte) string {
	lines := bytes.Count(raw, []byte{'\n'}) + 1
	head := raw
	if len(head) > summaryEdgeBytes {
		head = head[:summaryEdgeBytes]
	}
	tail := raw
	if len(tail) > summaryEdgeBytes {
		tail = tail[len(tail)-summaryEdgeBytes:]
	}
	return fmt.Sprintf("[summary: %d bytes, %d lines]\n--- head ---\n%s\n--- tail ---\n%s",
		len(raw), lines, head, tail)
}
