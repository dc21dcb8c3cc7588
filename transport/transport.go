// Package transport defines the narrow contract the scheduler consumes to
// dispatch a task body to an external agent process, per §4.I/§6: the
// engine writes newline-delimited JSON request lines and reads
// newline-delimited JSON response lines, extracting only the
// {type, message, result, error} shape it needs to drive task completion.
// Everything else about the agent process — its prompt construction, tool
// use, model selection — is that external collaborator's concern.
package transport

import (
	"context"

	"github.com/periplon/engine/workflow"
)

// AgentResult is what one Invoke call produces: captured raw output plus
// whatever structured result the agent reported. The Output Manager (§4.D)
// is responsible for bounding/truncating Stdout/Stderr; Transport hands
// back the full raw bytes.
type AgentResult struct {
	Structured any
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Transport invokes spec with input (the assembled prompt/context text)
// under limits (currently only TimeoutSecs is consulted here; byte caps
// are applied downstream by the Output Manager). Implementations must
// support cooperative cancellation via ctx: when ctx is cancelled the
// in-flight invocation should terminate promptly rather than block
// indefinitely, since the engine never assumes a bounded response time on
// its own.
type Transport interface {
	Invoke(ctx context.Context, spec workflow.AgentSpec, input string, limits workflow.Limits) (*AgentResult, error)
}
