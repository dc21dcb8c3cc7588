package workflow

// TruncationStrategy names a captured-output truncation policy.
type TruncationStrategy string

const (
	TruncateHead      TruncationStrategy = "head"
	TruncateTail      TruncationStrategy = "tail"
	TruncateBoth      TruncationStrategy = "both"
	TruncateTailLines TruncationStrategy = "tail_lines"
	TruncateSummary   TruncationStrategy = "summary"
)

// CleanupStrategy names an Output Manager eviction policy applied at
// checkpoint time.
type CleanupStrategy string

const (
	CleanupMostRecent        CleanupStrategy = "most_recent"
	CleanupLRU               CleanupStrategy = "lru"
	CleanupHighestRelevance  CleanupStrategy = "highest_relevance"
	CleanupDirectDependencies CleanupStrategy = "direct_dependencies"
)

// Limits bounds a task's resource usage: captured output sizes, context
// assembly budget, external spill threshold, and timeouts. Workflow-level
// Limits act as defaults; a task's own Limits (if set) overrides per field
// via Merge.
type Limits struct {
	MaxStdoutBytes           int64               `json:"max_stdout_bytes,omitempty"`
	MaxStderrBytes           int64               `json:"max_stderr_bytes,omitempty"`
	MaxContextBytes          int64               `json:"max_context_bytes,omitempty"`
	MaxContextTasks          int                 `json:"max_context_tasks,omitempty"`
	ExternalStorageThreshold int64               `json:"external_storage_threshold,omitempty"`
	CompressExternal         bool                `json:"compress_external,omitempty"`
	TruncationStrategy       TruncationStrategy  `json:"truncation_strategy,omitempty"`
	CleanupStrategy          CleanupStrategy     `json:"cleanup_strategy,omitempty"`
	TimeoutSecs              float64             `json:"timeout_secs,omitempty"`
	MaxParallelIterations    int                 `json:"max_parallel_iterations,omitempty"`
}

// DefaultLimits returns the workflow-wide defaults named in the spec:
// a 100-task global parallelism ceiling, megabyte-scale per-task output
// caps, and tail truncation.
func DefaultLimits() Limits {
	return Limits{
		MaxStdoutBytes:           1 << 20,
		MaxStderrBytes:           1 << 20,
		MaxContextBytes:          32 * 1024,
		MaxContextTasks:          10,
		ExternalStorageThreshold: 1 << 20,
		CompressExternal:         false,
		TruncationStrategy:       TruncateTail,
		CleanupStrategy:          CleanupDirectDependencies,
		TimeoutSecs:              0,
		MaxParallelIterations:    100,
	}
}

// Merge overlays non-zero fields from source onto c, following this
// repository's config-merge convention: scalars merge when the source
// value is non-zero, nested/complex fields merge field-by-field.
func (c *Limits) Merge(source *Limits) {
	if source == nil {
		return
	}
	if source.MaxStdoutBytes > 0 {
		c.MaxStdoutBytes = source.MaxStdoutBytes
	}
	if source.MaxStderrBytes > 0 {
		c.MaxStderrBytes = source.MaxStderrBytes
	}
	if source.MaxContextBytes > 0 {
		c.MaxContextBytes = source.MaxContextBytes
	}
	if source.MaxContextTasks > 0 {
		c.MaxContextTasks = source.MaxContextTasks
	}
	if source.ExternalStorageThreshold > 0 {
		c.ExternalStorageThreshold = source.ExternalStorageThreshold
	}
	if source.CompressExternal {
		c.CompressExternal = source.CompressExternal
	}
	if source.TruncationStrategy != "" {
		c.TruncationStrategy = source.TruncationStrategy
	}
	if source.CleanupStrategy != "" {
		c.CleanupStrategy = source.CleanupStrategy
	}
	if source.TimeoutSecs > 0 {
		c.TimeoutSecs = source.TimeoutSecs
	}
	if source.MaxParallelIterations > 0 {
		c.MaxParallelIterations = source.MaxParallelIterations
	}
}
