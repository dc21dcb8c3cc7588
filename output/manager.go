package output

import (
	"sync"
	"time"

	"github.com/periplon/engine/workflow"
)

// TaskOutput is one task's captured stdout/stderr, in memory or spilled
// externally (or both, transiently, right after a spill).
type TaskOutput struct {
	taskID      string
	stdout      Buffer
	stderr      Buffer
	spill       *SpillHandle
	completedAt time.Time
	lastReadAt  time.Time
	template    string
}

// TaskID satisfies vars.TaskOutput.
func (o *TaskOutput) TaskID() string { return o.taskID }

// CompletedAt satisfies vars.TaskOutput.
func (o *TaskOutput) CompletedAt() time.Time { return o.completedAt }

// Template satisfies vars.TaskOutput; it is the task's own description/
// input text, set by the scheduler when recording the output.
func (o *TaskOutput) Template() string { return o.template }

// Body returns the task's stdout as text, satisfying vars.TaskOutput. If
// the in-memory copy was evicted but a spill exists, it is read back from
// disk.
func (o *TaskOutput) Body() string {
	if o.spill != nil && o.stdout.Data == nil {
		data, err := o.spill.ReadAll()
		if err != nil {
			return ""
		}
		return string(data)
	}
	return o.stdout.String()
}

// Stdout returns the captured (possibly truncated) stdout buffer.
func (o *TaskOutput) Stdout() Buffer { return o.stdout }

// Stderr returns the captured (possibly truncated) stderr buffer.
func (o *TaskOutput) Stderr() Buffer { return o.stderr }

// Spilled reports whether this output has an external spill file.
func (o *TaskOutput) Spilled() bool { return o.spill != nil }

// Manager owns the captured outputs of every task in one run, applying
// per-task size limits and external spill, and evicting in-memory bodies
// when Evict is called.
type Manager struct {
	mu        sync.RWMutex
	outputs   map[string]*TaskOutput
	order     []string // insertion order, for most_recent/lru tie-breaks
	spillDir  string
}

// NewManager returns an empty Manager that spills to spillDir when a
// task's limits call for it.
func NewManager(spillDir string) *Manager {
	return &Manager{outputs: make(map[string]*TaskOutput), spillDir: spillDir}
}

// Record captures stdout/stderr for taskID under limits, spilling to
// external storage if the raw volume exceeds the configured threshold.
func (m *Manager) Record(taskID string, stdout, stderr []byte, limits workflow.Limits, template string) (*TaskOutput, error) {
	out := &TaskOutput{
		taskID:      taskID,
		stdout:      Capture(stdout, limits.MaxStdoutBytes, limits.TruncationStrategy),
		stderr:      Capture(stderr, limits.MaxStderrBytes, limits.TruncationStrategy),
		completedAt: time.Now(),
		template:    template,
	}

	if limits.ExternalStorageThreshold > 0 && int64(len(stdout)) > limits.ExternalStorageThreshold {
		handle, err := Spill(m.spillDir, taskID, "stdout", stdout, limits.CompressExternal)
		if err != nil {
			return nil, err
		}
		out.spill = handle
	}

	m.mu.Lock()
	if _, exists := m.outputs[taskID]; !exists {
		m.order = append(m.order, taskID)
	}
	m.outputs[taskID] = out
	m.mu.Unlock()

	return out, nil
}

// Get returns taskID's output, marking it read for LRU purposes.
func (m *Manager) Get(taskID string) (*TaskOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[taskID]
	if ok {
		out.lastReadAt = time.Now()
	}
	return out, ok
}

// All returns every recorded output in insertion order, for context
// assembly's relevance-ranking candidate pool. It does not update
// lastReadAt — only a direct Get counts as a read for LRU purposes.
func (m *Manager) All() []*TaskOutput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TaskOutput, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.outputs[id])
	}
	return out
}

// EvictPlan describes the information Evict needs to apply a cleanup
// strategy without the output package depending on the task graph or
// state store directly.
type EvictPlan struct {
	Strategy CleanupDeps
}

// CleanupDeps supplies the predicates a cleanup strategy needs: which
// tasks are still pending, and which tasks are direct dependents of a
// given task.
type CleanupDeps struct {
	// StillPending reports whether a task id has not yet completed.
	StillPending func(taskID string) bool
	// DependentsDone reports whether every dependent of taskID has
	// completed (used by direct_dependencies).
	DependentsDone func(taskID string) bool
	// KeepMostRecent is the N most recent outputs to retain for
	// CleanupMostRecent.
	KeepMostRecent int
}

// Evict drops in-memory bodies (retaining the spill handle if one exists)
// for outputs the strategy no longer wants resident, per §4.D's four
// cleanup strategies. It never deletes an output's record or its spill
// file — only its in-memory Data.
func (m *Manager) Evict(strategy workflow.CleanupStrategy, deps CleanupDeps) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	switch strategy {
	case workflow.CleanupMostRecent:
		keep := deps.KeepMostRecent
		if keep <= 0 {
			keep = len(m.order)
		}
		cutoff := len(m.order) - keep
		for i := 0; i < cutoff; i++ {
			if m.dropBody(m.order[i]) {
				evicted++
			}
		}

	case workflow.CleanupLRU:
		type entry struct {
			id   string
			read time.Time
		}
		var entries []entry
		for id, out := range m.outputs {
			entries = append(entries, entry{id, out.lastReadAt})
		}
		// simple selection: evict the half with the oldest lastReadAt
		for i := range entries {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].read.Before(entries[i].read) {
					entries[i], entries[j] = entries[j], entries[i]
				}
			}
		}
		half := len(entries) / 2
		for i := 0; i < half; i++ {
			if m.dropBody(entries[i].id) {
				evicted++
			}
		}

	case workflow.CleanupHighestRelevance:
		if deps.StillPending == nil {
			return 0
		}
		for id := range m.outputs {
			if !deps.StillPending(id) {
				if m.dropBody(id) {
					evicted++
				}
			}
		}

	case workflow.CleanupDirectDependencies:
		if deps.DependentsDone == nil {
			return 0
		}
		for id := range m.outputs {
			if deps.DependentsDone(id) {
				if m.dropBody(id) {
					evicted++
				}
			}
		}
	}
	return evicted
}

// dropBody clears an output's in-memory Data if it has an external spill
// to fall back to; outputs without a spill are never evicted, since doing
// so would lose the data entirely.
func (m *Manager) dropBody(taskID string) bool {
	out, ok := m.outputs[taskID]
	if !ok || out.spill == nil || out.stdout.Data == nil {
		return false
	}
	out.stdout.Data = nil
	return true
}
