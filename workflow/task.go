package workflow

// TaskSpec is one node in the hierarchical task tree a workflow document
// declares. Subtasks are flattened by the task graph into dotted ids
// (parent.child). A DependsOn/ParallelWith entry names a sibling or an
// ancestor's sibling by its own id, or any task by its full dotted id; the
// task graph resolves it to a flattened id.
type TaskSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Agent names an entry in the workflow's Agents map. Empty for a
	// pure grouping task (one with only Subtasks).
	Agent string `json:"agent,omitempty"`

	DependsOn    []string `json:"depends_on,omitempty"`
	ParallelWith []string `json:"parallel_with,omitempty"`

	Subtasks []*TaskSpec `json:"subtasks,omitempty"`

	Loop             *LoopSpec         `json:"loop,omitempty"`
	Condition        *Condition        `json:"condition,omitempty"`
	DefinitionOfDone *DefinitionOfDone `json:"definition_of_done,omitempty"`
	OnError          *OnErrorPolicy    `json:"on_error,omitempty"`
	Limits           *Limits           `json:"limits,omitempty"`

	// InjectContext enables automatic context-bundle assembly from a
	// task's direct dependencies before dispatch.
	InjectContext bool `json:"inject_context,omitempty"`

	// AutoElevatePermissions attaches an escalated-permissions hint to
	// the feedback given on a definition-of-done retry.
	AutoElevatePermissions bool `json:"auto_elevate_permissions,omitempty"`

	TimeoutSecs float64 `json:"timeout_secs,omitempty"`
}

// IsGroup reports whether t is a pure grouping task: no agent of its own,
// existing only to parent Subtasks in the task tree.
func (t *TaskSpec) IsGroup() bool {
	return t.Agent == "" && len(t.Subtasks) > 0
}

// IsLoop reports whether t's body is a loop rather than a single dispatch.
func (t *TaskSpec) IsLoop() bool {
	return t.Loop != nil
}
