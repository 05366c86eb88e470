// Package metrics holds the Prometheus collectors for the write pipeline,
// the invalidation and materialization engines and the async workers.
//
// Collectors are registered on an injected registerer so tests and
// embedders can keep them off the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cbd"

// Collectors is the full metric set. A nil *Collectors is valid and records
// nothing.
type Collectors struct {
	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	lockAttempts        *prometheus.CounterVec
	rollbacks           *prometheus.CounterVec
	impacted            *prometheus.CounterVec
	generated           *prometheus.CounterVec
	generateDuration    *prometheus.HistogramVec
	cacheMisses         *prometheus.CounterVec
	jobs                *prometheus.CounterVec
	hookFailures        *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)

	return &Collectors{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Write transactions by final status",
		}, []string{"store", "pod", "status"}),

		transactionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from lock acquisition to completion or failure",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"store", "pod"}),

		lockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Batch lock attempts by outcome",
		}, []string{"outcome"}),

		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by outcome",
		}, []string{"outcome"}),

		impacted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impacted_subjects_total",
			Help:      "Impacted subjects found per artifact kind",
		}, []string{"kind"}),

		generated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_generated_total",
			Help:      "Artifacts written per kind and spec",
		}, []string{"kind", "spec"}),

		generateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_duration_seconds",
			Help:      "Time spent in one Generate call",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),

		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_cache_misses_total",
			Help:      "Reads that regenerated a missing or expired artifact",
		}, []string{"kind"}),

		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Async jobs by type and outcome",
		}, []string{"job", "outcome"}),

		hookFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Event hooks that returned an error or panicked",
		}, []string{"event"}),
	}
}

// Transaction records a finished write.
func (c *Collectors) Transaction(store, pod, status string, seconds float64) {
	if c == nil {
		return
	}

	c.transactions.WithLabelValues(store, pod, status).Inc()
	c.transactionDuration.WithLabelValues(store, pod).Observe(seconds)
}

// LockAttempt records one batch attempt: "acquired", "retry" or "exhausted".
func (c *Collectors) LockAttempt(outcome string) {
	if c == nil {
		return
	}

	c.lockAttempts.WithLabelValues(outcome).Inc()
}

// Rollback records a rollback: "restored" or "failed".
func (c *Collectors) Rollback(outcome string) {
	if c == nil {
		return
	}

	c.rollbacks.WithLabelValues(outcome).Inc()
}

// Impacted adds n impacted subjects for kind.
func (c *Collectors) Impacted(kind string, n int) {
	if c == nil || n == 0 {
		return
	}

	c.impacted.WithLabelValues(kind).Add(float64(n))
}

// Generated records n artifacts written by one Generate call.
func (c *Collectors) Generated(kind, spec string, n int, seconds float64) {
	if c == nil {
		return
	}

	c.generated.WithLabelValues(kind, spec).Add(float64(n))
	c.generateDuration.WithLabelValues(kind).Observe(seconds)
}

// CacheMiss records an on-demand regeneration.
func (c *Collectors) CacheMiss(kind string) {
	if c == nil {
		return
	}

	c.cacheMisses.WithLabelValues(kind).Inc()
}

// Job records an async job outcome: "enqueued", "done" or "failed".
func (c *Collectors) Job(job, outcome string) {
	if c == nil {
		return
	}

	c.jobs.WithLabelValues(job, outcome).Inc()
}

// HookFailure records a misbehaving hook.
func (c *Collectors) HookFailure(event string) {
	if c == nil {
		return
	}

	c.hookFailures.WithLabelValues(event).Inc()
}
