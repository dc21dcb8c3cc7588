package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/periplon/engine/condition"
	"github.com/periplon/engine/debugger"
	"github.com/periplon/engine/looprun"
	"github.com/periplon/engine/output"
	"github.com/periplon/engine/taskgraph"
	"github.com/periplon/engine/vars"
	"github.com/periplon/engine/workflow"
)

// dispatch runs one ready task to a terminal status, then signals done.
// Called as its own goroutine by Run per element of a ready-set batch.
func (s *Scheduler) dispatch(ctx context.Context, id string, done chan<- string) {
	defer func() { done <- id }()

	node := s.graph.Node(id)
	spec := node.Spec

	gateCtx := condition.EvalContext{
		StateGet:    s.state.GetVariable,
		TaskStatus:  s.state.Status,
		Interpolate: s.newResolver(id, nil).Interpolate,
	}
	ok, err := condition.Eval(spec.Condition, gateCtx)
	if err != nil {
		_ = s.setStatus(id, workflow.StatusFailed)
		if spec.OnError == nil || !spec.OnError.Continue {
			s.skipDependents(id)
		}
		s.emit(EventTaskFailed, map[string]any{"task": id, "error": err.Error(), "stage": "gate"})
		return
	}
	if !ok {
		s.skipSubtree(id)
		if s.debugger.Enabled() {
			s.debugger.Snapshot(s.state, "skip "+id)
		}
		return
	}

	if spec.IsGroup() {
		_ = s.setStatus(id, workflow.StatusRunning)
		_ = s.setStatus(id, workflow.StatusCompleted)
		s.emit(EventTaskComplete, map[string]any{"task": id, "group": true})
		return
	}

	// Leaf dispatch draws from the same global semaphore loop iterations
	// do, so a sibling group of parallel tasks each running a parallel
	// loop cannot collectively exceed max_parallel_iterations even though
	// each task's own loop looks locally satisfied.
	if err := s.globalSem.Acquire(ctx, 1); err != nil {
		_ = s.setStatus(id, workflow.StatusCancelled)
		s.emit(EventTaskFailed, map[string]any{"task": id, "error": err.Error()})
		return
	}
	defer s.globalSem.Release(1)

	s.runLeaf(ctx, id, node)
}

// setStatus transitions a task's status and, when the debugger is enabled,
// journals the mutation as a SideEffect so Back can undo it. The status
// machine itself never transitions backward, so the compensation restores
// the prior status directly rather than re-entering SetStatus.
func (s *Scheduler) setStatus(taskID string, status workflow.TaskStatus) error {
	prior := s.state.Status(taskID)
	if err := s.state.SetStatus(taskID, status); err != nil {
		return err
	}
	if s.debugger.Enabled() {
		s.debugger.RecordSideEffect(taskID, debugger.EffectTaskStatusChange,
			fmt.Sprintf("%s -> %s", prior, status),
			debugger.Compensation{Apply: func() error {
				s.state.RestoreStatus(taskID, prior)
				return nil
			}})
	}
	return nil
}

// setVariable sets a state-scope variable and journals the mutation as a
// SideEffect, capturing whatever value (or absence of one) it overwrote.
func (s *Scheduler) setVariable(taskID, key string, value any) {
	prior, had := s.state.GetVariable(key)
	s.state.SetVariable(key, value)
	if s.debugger.Enabled() {
		s.debugger.RecordSideEffect(taskID, debugger.EffectVariableSet,
			fmt.Sprintf("set %s", key),
			debugger.Compensation{Apply: func() error {
				if !had {
					s.state.DeleteVariable(key)
				} else {
					s.state.SetVariable(key, prior)
				}
				return nil
			}})
	}
}

// skipSubtree marks id and every descendant (nested subtasks and anything
// that depends_on id, transitively) Skipped.
func (s *Scheduler) skipSubtree(id string) {
	for _, descendant := range s.graph.Descendants(id) {
		if !s.state.Status(descendant).Terminal() {
			_ = s.setStatus(descendant, workflow.StatusSkipped)
		}
	}
	s.emit(EventTaskSkipped, map[string]any{"task": id})
}

// skipDependents marks every task downstream of id (but not id itself, which
// is already Failed) Skipped, per §7's propagation policy: a non-retriable
// failure marks its subtree Skipped unless on_error.continue is set, in
// which case dependents are left non-terminal ("blocked") instead.
func (s *Scheduler) skipDependents(id string) {
	for _, descendant := range s.graph.Descendants(id) {
		if descendant == id {
			continue
		}
		if !s.state.Status(descendant).Terminal() {
			_ = s.setStatus(descendant, workflow.StatusSkipped)
		}
	}
	s.emit(EventTaskSkipped, map[string]any{"task": id, "reason": "dependency_failed"})
}

// runLeaf executes a task with an agent (possibly wrapping a loop),
// applying the definition-of-done feedback retry and on_error policy
// loops, per §4.G steps 2-7.
func (s *Scheduler) runLeaf(ctx context.Context, id string, node *taskgraph.Node) {
	spec := node.Spec
	limits := s.wf.EffectiveLimits(spec)

	start := time.Now()
	_ = s.setStatus(id, workflow.StatusRunning)
	s.metrics.TaskStarted(id)
	s.emit(EventTaskStart, map[string]any{"task": id})

	if s.debugger.Enabled() {
		s.debugger.PushTask(id)
		defer s.debugger.PopTask()
		s.debugger.CheckTask(id)
		if err := s.debugger.WaitIfPaused(ctx); err != nil {
			_ = s.setStatus(id, workflow.StatusCancelled)
			s.metrics.TaskFinished(id, time.Since(start), "cancelled")
			s.emit(EventTaskFailed, map[string]any{"task": id, "error": err.Error()})
			return
		}
	}

	policy := spec.OnError
	maxAttempts := policy.MaxAttempts()
	plainRetries := 0
	if policy != nil {
		plainRetries = policy.Retry
	}

	var lastErr error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		agentSpec := s.wf.Agents[spec.Agent]
		if attempt > plainRetries+1 && policy != nil && policy.FallbackAgent != "" {
			agentSpec = s.wf.Agents[policy.FallbackAgent]
		}

		s.state.RecordAttemptStart(id)
		stdout, stderr, runErr := s.runBody(ctx, id, spec, agentSpec, limits)
		s.state.RecordAttemptEnd(id, runErr)

		if runErr == nil {
			out, recErr := s.outputs.Record(id, stdout, stderr, limits, spec.Description)
			if recErr == nil {
				s.commitSuccess(id, out)
				s.checkpoint(ctx)
				s.metrics.TaskFinished(id, time.Since(start), "success")
				s.emit(EventTaskComplete, map[string]any{"task": id, "attempt": attempt})
				if s.debugger.Enabled() {
					s.debugger.Snapshot(s.state, "complete "+id)
				}
				return
			}
			runErr = recErr
		}

		lastErr = runErr
		if attempt >= maxAttempts {
			break attempts
		}

		s.metrics.TaskRetried(id)
		s.emit(EventTaskRetry, map[string]any{"task": id, "attempt": attempt, "error": runErr.Error()})
		if wait := backoffDelay(policy, attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				break attempts
			}
		}
	}

	_ = s.setStatus(id, workflow.StatusFailed)
	if policy == nil || !policy.Continue {
		s.skipDependents(id)
	}
	s.checkpoint(ctx)
	s.metrics.TaskFinished(id, time.Since(start), "failed")
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	s.emit(EventTaskFailed, map[string]any{"task": id, "error": msg})
	if s.debugger.Enabled() {
		s.debugger.Snapshot(s.state, "failed "+id)
	}
}

// runBody runs one on_error attempt to completion, including the
// definition-of-done feedback-retry sub-loop: on a failed criterion with
// retry budget remaining it re-invokes the same agent with the failure
// appended as feedback, without consuming an on_error attempt.
func (s *Scheduler) runBody(ctx context.Context, id string, spec *workflow.TaskSpec, agentSpec workflow.AgentSpec, limits workflow.Limits) (stdout, stderr []byte, err error) {
	budget := 0
	if spec.DefinitionOfDone != nil {
		budget = spec.DefinitionOfDone.RetryBudget
	}

	feedback := ""
	for dodAttempt := 0; ; dodAttempt++ {
		out, errOut, runErr := s.invokeOnce(ctx, id, spec, agentSpec, limits, feedback)
		if runErr != nil {
			return nil, nil, runErr
		}
		stdout, stderr = out, errOut

		failed, dodErr := s.checkDoD(id, spec, string(stdout))
		if dodErr != nil {
			return stdout, stderr, dodErr
		}
		if len(failed) == 0 {
			return stdout, stderr, nil
		}
		if dodAttempt >= budget {
			return stdout, stderr, &DodFailedError{TaskID: id, Failed: failed}
		}

		s.metrics.TaskRetried(id)
		s.emit(EventTaskRetry, map[string]any{"task": id, "reason": "definition_of_done", "failed": failed})
		feedback = buildFeedback(failed, string(stdout)+string(stderr), spec.AutoElevatePermissions)
	}
}

// invokeOnce dispatches a single task body: either one transport call, or a
// full loop run when spec.Loop is set.
func (s *Scheduler) invokeOnce(ctx context.Context, id string, spec *workflow.TaskSpec, agentSpec workflow.AgentSpec, limits workflow.Limits, feedback string) ([]byte, []byte, error) {
	if spec.IsLoop() {
		return s.invokeLoop(ctx, id, spec, agentSpec, limits)
	}

	taskCtx, cancel := s.withTimeout(ctx, spec, limits)
	s.registerCancel(id, cancel)
	defer func() {
		cancel()
		s.unregisterCancel(id)
	}()

	resolver := s.newResolver(id, nil)
	input, err := s.buildInput(id, spec, resolver, limits, feedback)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.transport.Invoke(taskCtx, agentSpec, input, limits)
	if err != nil {
		return nil, nil, err
	}
	return res.Stdout, res.Stderr, nil
}

// invokeLoop runs spec.Loop as a single logical task via the loop runtime,
// dispatching each iteration through the agent transport, and renders the
// loop's outcome as a JSON summary for definition-of-done checks and
// downstream context assembly.
func (s *Scheduler) invokeLoop(ctx context.Context, id string, spec *workflow.TaskSpec, agentSpec workflow.AgentSpec, limits workflow.Limits) ([]byte, []byte, error) {
	loopSpec := spec.Loop

	if loopSpec.Kind == workflow.LoopForEach && loopSpec.Collection != nil && loopSpec.Collection.Kind != workflow.CollectionInline {
		items, err := looprun.ResolveCollection(ctx, loopSpec.Collection, s.state.GetVariable)
		if err != nil {
			return nil, nil, err
		}
		loopSpec.Collection.Values = items
	}

	s.state.InitLoop(id)

	condEval := func(cond *workflow.Condition, frame map[string]any) (bool, error) {
		resolver := s.newResolver(id, nil, frame)
		return condition.Eval(cond, condition.EvalContext{
			StateGet:    s.state.GetVariable,
			TaskStatus:  s.state.Status,
			Interpolate: resolver.Interpolate,
		})
	}

	exec := func(iterCtx context.Context, index int, frame map[string]any) (any, error) {
		if s.debugger.Enabled() {
			s.debugger.PushLoopFrame(id, index)
			defer s.debugger.PopLoopFrame()
			s.debugger.CheckLoop(id, index)
			if err := s.debugger.WaitIfPaused(iterCtx); err != nil {
				return nil, err
			}
		}
		resolver := s.newResolver(id, nil, frame)
		input, err := s.buildInput(id, spec, resolver, limits, "")
		if err != nil {
			return nil, err
		}
		res, err := s.transport.Invoke(iterCtx, agentSpec, input, limits)
		if err != nil {
			return nil, err
		}
		return string(res.Stdout), nil
	}

	rec := &loopRecorder{state: s.state, taskID: id}

	taskCtx, cancel := s.withTimeout(ctx, spec, limits)
	s.registerCancel(id, cancel)
	defer func() {
		cancel()
		s.unregisterCancel(id)
	}()

	result, runErr := looprun.Run(taskCtx, id, loopSpec, s.globalSem, condEval, exec, rec)

	var summary []byte
	if result != nil {
		if encoded, jsonErr := json.Marshal(result); jsonErr == nil {
			summary = encoded
		} else {
			summary = []byte(fmt.Sprintf("loop %s: %d iterations", id, result.Iterations))
		}
	}
	if runErr != nil {
		return summary, nil, runErr
	}
	return summary, nil, nil
}

// loopRecorder adapts the state store to looprun.Recorder so iteration
// progress is checkpointable mid-loop.
type loopRecorder struct {
	state  interface {
		UpdateLoopIteration(taskID string, index int, frame map[string]any) error
		AppendLoopResult(taskID string, value any) error
		SetLoopResultAt(taskID string, i int, value any) error
	}
	taskID string
}

func (r *loopRecorder) UpdateIteration(index int, frame map[string]any) error {
	return r.state.UpdateLoopIteration(r.taskID, index, frame)
}

func (r *loopRecorder) AppendResult(value any) error {
	return r.state.AppendLoopResult(r.taskID, value)
}

func (r *loopRecorder) SetResultAt(index int, value any) error {
	return r.state.SetLoopResultAt(r.taskID, index, value)
}

// buildInput interpolates a task's description template, appends any
// definition-of-done feedback from a prior attempt, and appends an
// automatic context bundle when the task opts in.
func (s *Scheduler) buildInput(id string, spec *workflow.TaskSpec, resolver *vars.Resolver, limits workflow.Limits, feedback string) (string, error) {
	desc, err := resolver.Interpolate(spec.Description)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(desc)
	if feedback != "" {
		sb.WriteString("\n\n")
		sb.WriteString(feedback)
	}
	if spec.InjectContext {
		bundle := s.buildContext(id, spec, limits, desc)
		if bundle != nil && len(bundle.Entries) > 0 {
			sb.WriteString("\n\n")
			sb.WriteString(bundle.String())
		}
	}
	return sb.String(), nil
}

// buildContext assembles a task's automatic context bundle from its direct
// dependencies plus every other completed task's output, relevance-ranked
// and byte-bounded per §4.C.
func (s *Scheduler) buildContext(id string, spec *workflow.TaskSpec, limits workflow.Limits, template string) *vars.ContextBundle {
	all := s.outputs.All()
	candidates := make([]vars.TaskOutput, 0, len(all))
	for _, o := range all {
		candidates = append(candidates, o)
	}
	return vars.Assemble(vars.AssembleOptions{
		Mode:         vars.ModeAutomatic,
		TaskID:       id,
		WorkflowName: s.wf.Name,
		DependsOn:    spec.DependsOn,
		Candidates:   candidates,
		TaskTemplate: template,
		MaxBytes:     int(limits.MaxContextBytes),
		MaxTasks:     limits.MaxContextTasks,
		Truncate: func(body string, maxBytes int) string {
			return output.Capture([]byte(body), int64(maxBytes), limits.TruncationStrategy).String()
		},
	})
}

// checkDoD evaluates a task's definition of done against its captured
// stdout, returning the descriptions of any failed criteria.
func (s *Scheduler) checkDoD(id string, spec *workflow.TaskSpec, stdout string) ([]string, error) {
	if spec.DefinitionOfDone == nil {
		return nil, nil
	}
	resolver := s.newResolver(id, nil)
	return condition.EvaluateDoD(spec.DefinitionOfDone, condition.DodContext{
		ReadFile:    os.ReadFile,
		Stdout:      stdout,
		StateGet:    s.state.GetVariable,
		Interpolate: resolver.Interpolate,
		Predicates:  s.predicates,
	})
}

// permissionKeywords are matched case-insensitively against a failed
// attempt's captured output to detect an authorization or write-denial
// failure, independent of whether the task opted into auto-elevation.
var permissionKeywords = []string{
	"permission denied",
	"access denied",
	"authoriz", // matches authorize/authorized/authorization (US and UK spelling)
	"authoris",
	"forbidden",
	"eacces",
	"not authorized",
}

// mentionsPermissionIssue reports whether output contains any of
// permissionKeywords.
func mentionsPermissionIssue(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range permissionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// buildFeedback renders a definition-of-done retry's failure report as the
// text appended to the next attempt's input. When the failed attempt's
// output mentions an authorization or write-denial keyword, the feedback
// is enhanced with a permission hint regardless of auto_elevate_permissions;
// that flag additionally advertises available elevated permission modes.
func buildFeedback(failed []string, output string, autoElevate bool) string {
	var sb strings.Builder
	sb.WriteString("The previous attempt did not satisfy its definition of done:\n")
	for _, f := range failed {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	if mentionsPermissionIssue(output) {
		sb.WriteString("The failure output suggests a permission or authorization problem.\n")
	}
	if autoElevate {
		sb.WriteString("You may use elevated permissions to complete this task.\n")
	}
	return sb.String()
}

// commitSuccess records a completed task's result as its own state-scope
// variable and transitions it to Completed.
func (s *Scheduler) commitSuccess(id string, out *output.TaskOutput) {
	s.setVariable(id, id, out.Body())
	_ = s.setStatus(id, workflow.StatusCompleted)
}

// withTimeout derives a context bounded by the task's own timeout, falling
// back to the effective limits' timeout, or no deadline at all.
func (s *Scheduler) withTimeout(ctx context.Context, spec *workflow.TaskSpec, limits workflow.Limits) (context.Context, context.CancelFunc) {
	secs := spec.TimeoutSecs
	if secs <= 0 {
		secs = limits.TimeoutSecs
	}
	if secs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
}
