// Package workflow defines the data model consumed by the rest of this
// module: the shape of a parsed workflow document (Workflow, TaskSpec,
// AgentSpec), task status, and the shared limit/policy types that the task
// graph, state store, scheduler, loop runtime, and condition evaluator all
// operate on.
//
// This package does not parse documents: engine.LoadWorkflow decodes a
// YAML or JSON workflow document into these types. This package only
// defines the structures and the invariants the engine enforces over them.
package workflow
