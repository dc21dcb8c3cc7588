package workflow

// OnErrorPolicy configures a task's retry/fallback behavior on failure.
type OnErrorPolicy struct {
	Retry              int     `json:"retry,omitempty"`
	RetryDelaySecs     float64 `json:"retry_delay_secs,omitempty"`
	ExponentialBackoff bool    `json:"exponential_backoff,omitempty"`
	FallbackAgent      string  `json:"fallback_agent,omitempty"`

	// Continue marks the task's subtree as not-skipped on terminal
	// failure; dependents are instead held blocked rather than skipped.
	Continue bool `json:"continue,omitempty"`
}

// MaxAttempts returns the maximum number of attempts a task may make,
// including the optional fallback-agent attempt (testable property #2:
// attempt(t) <= on_error.retry + 1, +1 for the fallback).
func (p *OnErrorPolicy) MaxAttempts() int {
	if p == nil {
		return 1
	}
	attempts := p.Retry + 1
	if p.FallbackAgent != "" {
		attempts++
	}
	return attempts
}
