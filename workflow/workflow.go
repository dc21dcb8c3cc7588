package workflow

// Workflow is the parsed form of a workflow document: named agents, a
// hierarchical task tree, declared inputs/outputs, and workflow-wide
// default limits that every task's own Limits overlays.
type Workflow struct {
	Name        string               `json:"name"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Agents      map[string]AgentSpec `json:"agents,omitempty"`
	Tasks       []*TaskSpec          `json:"tasks"`
	Inputs      map[string]any       `json:"inputs,omitempty"`
	Outputs     map[string]string    `json:"outputs,omitempty"`
	Limits      Limits               `json:"limits,omitempty"`
}

// Walk calls fn for every task in the tree, depth-first, parent before
// children.
func (w *Workflow) Walk(fn func(*TaskSpec)) {
	var visit func([]*TaskSpec)
	visit = func(tasks []*TaskSpec) {
		for _, t := range tasks {
			fn(t)
			if len(t.Subtasks) > 0 {
				visit(t.Subtasks)
			}
		}
	}
	visit(w.Tasks)
}

// EffectiveLimits resolves a task's limits by overlaying its own Limits (if
// set) onto the workflow default.
func (w *Workflow) EffectiveLimits(t *TaskSpec) Limits {
	l := w.Limits
	if l == (Limits{}) {
		l = DefaultLimits()
	}
	if t.Limits != nil {
		l.Merge(t.Limits)
	}
	return l
}
