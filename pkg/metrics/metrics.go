// Package metrics exposes the Prometheus counters and histograms the
// task engine, repo gateway, worker, and sweeper update as they run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClaimAttemptsTotal counts every attempted claim, by priority tier.
	ClaimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgrid_claim_attempts_total",
			Help: "Total claim attempts by priority tier",
		},
		[]string{"priority"},
	)

	// ClaimResultsTotal counts claim outcomes: won, lost, error.
	ClaimResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgrid_claim_results_total",
			Help: "Claim outcomes by result",
		},
		[]string{"result"},
	)

	// PushRetriesTotal counts retried pushes, by operation.
	PushRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgrid_push_retries_total",
			Help: "Git push retries by operation",
		},
		[]string{"operation"},
	)

	// SandboxExecDuration observes wall-clock time spent executing a
	// task script inside the sandbox.
	SandboxExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dgrid_sandbox_exec_duration_seconds",
			Help:    "Time spent executing a task inside the sandbox",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// TasksCompletedTotal counts terminal task outcomes.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgrid_tasks_completed_total",
			Help: "Completed tasks by terminal status",
		},
		[]string{"status"},
	)

	// SweepDuration observes the wall-clock time of one sweeper pass.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dgrid_sweep_duration_seconds",
			Help:    "Duration of one orphan-reclaim sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OrphansReclaimedTotal counts tasks moved back to queue/ by the sweeper.
	OrphansReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dgrid_orphans_reclaimed_total",
			Help: "Total in_progress tasks reclaimed from dead nodes",
		},
	)

	// HeartbeatsTotal counts successful heartbeat pushes.
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dgrid_heartbeats_total",
			Help: "Total heartbeats successfully recorded",
		},
	)

	// RateLimitedTotal counts claim attempts skipped by backpressure.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgrid_rate_limited_total",
			Help: "Claim attempts skipped by rate limiting or resource gates",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(ClaimAttemptsTotal)
	prometheus.MustRegister(ClaimResultsTotal)
	prometheus.MustRegister(PushRetriesTotal)
	prometheus.MustRegister(SandboxExecDuration)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(OrphansReclaimedTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RateLimitedTotal)
}

// Handler returns the Prometheus HTTP handler for the diagnostic endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an in-flight operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to the histogram vec under labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
