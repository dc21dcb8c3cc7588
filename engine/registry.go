package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/periplon/engine/workflow"
)

// AgentRegistry holds named workflow.AgentSpec overrides an embedder wants
// layered on top of a workflow document's own `agents` block — substituting
// a test double's Command for a named agent without editing the document,
// or sharing one agent definition across many documents.
//
// Grounded on agent.Registry's lazy-instantiation-by-name pattern, adapted
// to plain data: an AgentSpec needs no deferred construction, so Registry's
// paired configs/agents maps collapse to one map of specs.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]workflow.AgentSpec
}

// NewAgentRegistry returns an empty AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]workflow.AgentSpec)}
}

// Register adds or replaces a named agent override.
func (r *AgentRegistry) Register(spec workflow.AgentSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("engine: agent spec has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[spec.Name] = spec
	return nil
}

// Get returns a registered override by name.
func (r *AgentRegistry) Get(name string) (workflow.AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.agents[name]
	return spec, ok
}

// Unregister removes a named override, if present.
func (r *AgentRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// List returns every registered override name, sorted.
func (r *AgentRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overlay returns a copy of agents with every registered override applied
// on top, overrides winning on name collision.
func (r *AgentRegistry) Overlay(agents map[string]workflow.AgentSpec) map[string]workflow.AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]workflow.AgentSpec, len(agents)+len(r.agents))
	for name, spec := range agents {
		merged[name] = spec
	}
	for name, spec := range r.agents {
		merged[name] = spec
	}
	return merged
}

// validateAgents reports every task naming an agent absent from agents.
func validateAgents(wf *workflow.Workflow, agents map[string]workflow.AgentSpec) error {
	var missing []string
	wf.Walk(func(t *workflow.TaskSpec) {
		if t.Agent == "" {
			return
		}
		if _, ok := agents[t.Agent]; !ok {
			missing = append(missing, fmt.Sprintf("%s->%s", t.ID, t.Agent))
		}
	})
	if len(missing) > 0 {
		return &ValidationError{Workflow: wf.Name, Reason: fmt.Sprintf("tasks reference undefined agents: %v", missing)}
	}
	return nil
}
