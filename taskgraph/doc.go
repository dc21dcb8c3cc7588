// Package taskgraph flattens the hierarchical task specs of a workflow into
// a flat dependency DAG and exposes the topological operations the scheduler
// needs to drive execution: ready-set computation, successor/predecessor
// lookup, depth, and subtree skipping.
//
// Nested task specs become dotted ids (parent.child.grandchild); a parent is
// an implicit dependency of every one of its children. Loops remain a single
// node in the graph — iteration state lives in the state store, not in the
// graph shape.
package taskgraph
