package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives scheduler instrumentation. NoOpMetrics is the
// zero-overhead default, matching the Debugger's "no observer means no
// cost" convention.
type Metrics interface {
	TaskStarted(taskID string)
	TaskFinished(taskID string, d time.Duration, status string)
	TaskRetried(taskID string)
}

// NoOpMetrics discards every call.
type NoOpMetrics struct{}

func (NoOpMetrics) TaskStarted(string)                        {}
func (NoOpMetrics) TaskFinished(string, time.Duration, string) {}
func (NoOpMetrics) TaskRetried(string)                         {}

// PrometheusMetrics exposes periplon_scheduler_tasks_running,
// periplon_scheduler_tasks_retried_total, and
// periplon_scheduler_task_duration_seconds, mirroring the teacher's
// hub.Metrics counter surface but through the real client rather than a
// hand-rolled atomic snapshot struct.
type PrometheusMetrics struct {
	running  prometheus.Gauge
	retried  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the scheduler's gauge/counter/histogram
// on reg (a fresh registry if reg is nil) and returns the wrapper.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &PrometheusMetrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "periplon",
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Number of tasks currently dispatched to a transport or loop runtime.",
		}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "periplon",
			Subsystem: "scheduler",
			Name:      "tasks_retried_total",
			Help:      "Total number of task retry attempts, by task id.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "periplon",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Task dispatch-to-completion duration in seconds, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	reg.MustRegister(m.running, m.retried, m.duration)
	return m
}

func (m *PrometheusMetrics) TaskStarted(string) { m.running.Inc() }

func (m *PrometheusMetrics) TaskFinished(taskID string, d time.Duration, status string) {
	m.running.Dec()
	m.duration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *PrometheusMetrics) TaskRetried(taskID string) {
	m.retried.WithLabelValues(taskID).Inc()
}
