package scheduler

import (
	"github.com/periplon/engine/vars"
)

// newResolver builds a fresh Resolver bound to taskID, optionally with
// loop frames pushed immediately. A fresh Resolver per dispatch (rather
// than one shared, mutated Resolver) keeps concurrent task and loop
// iteration workers from racing on PushLoopFrame/PopLoopFrame.
func (s *Scheduler) newResolver(taskID string, taskVars map[string]any, loopFrames ...map[string]any) *vars.Resolver {
	r := vars.NewResolver()
	r.Set(vars.ScopeWorkflow, vars.MapLookup(map[string]any{
		"name":        s.wf.Name,
		"version":     s.wf.Version,
		"description": s.wf.Description,
	}))
	r.Set(vars.ScopeEnv, vars.EnvLookup(s.env))
	r.Set(vars.ScopeSecret, s.secrets.Lookup())
	r.Set(vars.ScopeMetadata, vars.MapLookup(s.metadata))
	r.Set(vars.ScopeState, s.state.GetVariable)
	r.Set(vars.ScopeTask, vars.MapLookup(taskVars))

	if node := s.graph.Node(taskID); node != nil && node.Spec.Agent != "" {
		if agent, ok := s.wf.Agents[node.Spec.Agent]; ok {
			r.Set(vars.ScopeAgent, vars.MapLookup(map[string]any{
				"name":          agent.Name,
				"command":       agent.Command,
				"system_prompt": agent.SystemPrompt,
			}))
		}
	}

	for _, frame := range loopFrames {
		r.PushLoopFrame(frame)
	}
	return r
}
