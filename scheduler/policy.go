package scheduler

import (
	"math"
	"math/rand"
	"time"

	"github.com/periplon/engine/workflow"
)

// backoffDelay returns how long to wait before the given (1-based) retry
// attempt, per §4.G: base retry_delay_secs, doubling per attempt when
// exponential_backoff is set, jittered by up to +/-10% so a batch of
// simultaneously-failing siblings doesn't retry in lockstep.
func backoffDelay(policy *workflow.OnErrorPolicy, attempt int) time.Duration {
	if policy == nil || policy.RetryDelaySecs <= 0 {
		return 0
	}
	base := policy.RetryDelaySecs
	if policy.ExponentialBackoff {
		base *= math.Pow(2, float64(attempt-1))
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(base * jitter * float64(time.Second))
}
