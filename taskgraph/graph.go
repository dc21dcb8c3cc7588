package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/periplon/engine/workflow"
)

// Node is one flattened task in the graph.
type Node struct {
	ID       string
	ParentID string
	Spec     *workflow.TaskSpec
	Depth    int

	// order is the node's position in a stable declaration-order walk,
	// used as the tie-break key when multiple tasks become ready at once.
	order int
}

// Graph is the flattened, validated dependency DAG of a workflow's tasks.
type Graph struct {
	nodes    map[string]*Node
	order    []string // declaration order
	succ     map[string][]string
	pred     map[string][]string
	parallel map[string][]string // declared parallel_with groups, symmetrized
}

// Build flattens w's task tree into a Graph, validating that every
// dependency reference resolves and that the result is acyclic.
func Build(w *workflow.Workflow) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node),
		succ:  make(map[string][]string),
		pred:  make(map[string][]string),
		parallel: make(map[string][]string),
	}

	counter := 0
	var flatten func(tasks []*workflow.TaskSpec, parentID string, depth int) error
	flatten = func(tasks []*workflow.TaskSpec, parentID string, depth int) error {
		for _, t := range tasks {
			id := t.ID
			if parentID != "" {
				id = parentID + "." + t.ID
			}
			if _, exists := g.nodes[id]; exists {
				return &DuplicateError{ID: id}
			}
			g.nodes[id] = &Node{ID: id, ParentID: parentID, Spec: t, Depth: depth, order: counter}
			g.order = append(g.order, id)
			counter++
			if parentID != "" {
				g.addEdge(parentID, id)
			}
			if len(t.Subtasks) > 0 {
				if err := flatten(t.Subtasks, id, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := flatten(w.Tasks, "", 0); err != nil {
		return nil, err
	}

	// Resolve cross-references. A DependsOn/ParallelWith id names a sibling
	// or an ancestor's sibling by its own id (the nearest scope wins), or
	// any task by its full dotted id. Nodes are visited in declaration
	// order, so successor lists keep that order.
	resolve := func(n *Node, ref string) (string, bool) {
		for scope := n.ParentID; scope != ""; scope = g.nodes[scope].ParentID {
			if _, ok := g.nodes[scope+"."+ref]; ok {
				return scope + "." + ref, true
			}
		}
		_, ok := g.nodes[ref]
		return ref, ok
	}
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Spec.DependsOn {
			dep, ok := resolve(n, dep)
			if !ok {
				return nil, &ReferenceError{Task: id, Reference: dep}
			}
			g.addEdge(dep, id)
		}
		for _, peer := range n.Spec.ParallelWith {
			peer, ok := resolve(n, peer)
			if !ok {
				return nil, &ReferenceError{Task: id, Reference: peer}
			}
			g.parallel[id] = append(g.parallel[id], peer)
			g.parallel[peer] = append(g.parallel[peer], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	return g, nil
}

func (g *Graph) addEdge(from, to string) {
	for _, s := range g.succ[from] {
		if s == to {
			return
		}
	}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
}

// findCycle runs Kahn's algorithm and, if any nodes remain unprocessed,
// walks forward from one of them to report a concrete cycle path.
func (g *Graph) findCycle() []string {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.pred[id])
	}
	queue := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, s := range g.succ[id] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if processed == len(g.nodes) {
		return nil
	}

	var remaining []string
	for _, id := range g.order {
		if indeg[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	start := remaining[0]
	visited := map[string]bool{start: true}
	path := []string{start}
	cur := start
	for {
		next := ""
		for _, s := range g.succ[cur] {
			if indeg[s] > 0 {
				next = s
				break
			}
		}
		if next == "" {
			break
		}
		if visited[next] {
			path = append(path, next)
			break
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
	return path
}

// Successors returns id's direct dependents, in declaration order.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.succ[id]...)
}

// Predecessors returns id's direct dependencies, in declaration order.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.pred[id]...)
}

// Depth returns id's nesting depth (0 for a top-level task).
func (g *Graph) Depth(id string) int {
	n, ok := g.nodes[id]
	if !ok {
		return -1
	}
	return n.Depth
}

// Node returns the flattened node for id, or nil if id is not in the graph.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// IDs returns all flattened task ids in declaration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Subtree returns id and every descendant id (children flattened under it),
// in declaration order.
func (g *Graph) Subtree(id string) []string {
	prefix := id + "."
	out := []string{id}
	for _, other := range g.order {
		if strings.HasPrefix(other, prefix) {
			out = append(out, other)
		}
	}
	return out
}

// Descendants returns id and every task transitively reachable from it via
// succ — both its nested subtasks and every task that (directly or through
// a chain of other tasks) depends_on it. This is the broader "subtree" the
// propagation policy means when it says a failed or gated-false task's
// subtree is skipped: Subtree alone would miss a sibling task that merely
// depends_on id without being nested under it.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	out := []string{id}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.succ[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// ParallelGroup returns the set of task ids declared parallel_with id,
// including id itself, deduplicated.
func (g *Graph) ParallelGroup(id string) []string {
	seen := map[string]bool{id: true}
	group := []string{id}
	for _, peer := range g.parallel[id] {
		if !seen[peer] {
			seen[peer] = true
			group = append(group, peer)
		}
	}
	return group
}

// StatusFunc reports a task's current status, used by ReadySet to test
// dependency satisfaction without the graph importing the state store.
type StatusFunc func(id string) workflow.TaskStatus

// ReadySet returns the ids of every Pending task whose predecessors (both
// implicit parent and explicit depends_on) are all Satisfied, ordered by
// the tie-break rule: shallowest depth first, then declaration order.
// A parallel_with peer is added only when its own dependencies are
// satisfied as well, so peers whose gates open together dispatch as one
// batch.
func (g *Graph) ReadySet(status StatusFunc) []string {
	ready := map[string]bool{}
	for _, id := range g.order {
		if status(id) != workflow.StatusPending {
			continue
		}
		if g.dependenciesSatisfied(id, status) {
			ready[id] = true
		}
	}
	for id := range ready {
		for _, peer := range g.parallel[id] {
			if status(peer) == workflow.StatusPending && g.dependenciesSatisfied(peer, status) {
				ready[peer] = true
			}
		}
	}

	out := make([]string, 0, len(ready))
	for id := range ready {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := g.nodes[out[i]], g.nodes[out[j]]
		if ni.Depth != nj.Depth {
			return ni.Depth < nj.Depth
		}
		return ni.order < nj.order
	})
	return out
}

func (g *Graph) dependenciesSatisfied(id string, status StatusFunc) bool {
	for _, dep := range g.pred[id] {
		if !status(dep).Satisfied() {
			return false
		}
	}
	return true
}

// Validate reports a node whose map key differs from its ID. It does not
// re-check dependency references; Build resolves those.
func (g *Graph) Validate() error {
	for id, n := range g.nodes {
		if n.ID != id {
			return fmt.Errorf("taskgraph: node key %q does not match id %q", id, n.ID)
		}
	}
	return nil
}
