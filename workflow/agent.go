package workflow

// AgentSpec describes one named agent a workflow may dispatch tasks to.
// The transport facade turns an AgentSpec plus a task's resolved input into
// a subprocess invocation.
type AgentSpec struct {
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Tools        []string          `json:"tools,omitempty"`
	Limits       Limits            `json:"limits,omitempty"`
}
