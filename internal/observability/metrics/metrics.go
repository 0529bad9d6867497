package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	obserrors "github.com/clipforge/taskd/internal/observability/errors"
)

// Result constants for metric labelling.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Collector owns the process-wide job metrics and the registry they live in.
// A nil *Collector is safe to call; every method becomes a no-op so callers
// never need to guard metric emission.
type Collector struct {
	registry *prometheus.Registry

	jobTransitions *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobRetries     *prometheus.CounterVec
	apiCallRetries *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
}

// NewCollector builds a Collector backed by its own registry, pre-registered
// with the standard Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskd_job_transitions_total",
			Help: "Job state transitions by type, transition and result.",
		}, []string{"job_type", "transition", "result", "error_class"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskd_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"job_type", "result"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskd_job_retries_total",
			Help: "Jobs requeued for a later attempt.",
		}, []string{"job_type"}),
		apiCallRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskd_api_call_attempts_total",
			Help: "Upstream API call attempts by provider and result.",
		}, []string{"provider", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskd_jobs_by_state",
			Help: "Current number of jobs per state for a tenant.",
		}, []string{"tenant_id", "state"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobTransitions,
		c.jobDuration,
		c.jobRetries,
		c.apiCallRetries,
		c.queueDepth,
	)
	return c
}

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle records a standardised job lifecycle event.
func (c *Collector) EmitJobLifecycle(in JobMetric) {
	if c == nil {
		return
	}

	errorClass := ""
	if in.Err != nil && in.Result == ResultError {
		errorClass = obserrors.Classify(in.Err)
	}
	c.jobTransitions.WithLabelValues(in.JobType, in.Transition, in.Result, errorClass).Inc()

	if in.Duration > 0 {
		c.jobDuration.WithLabelValues(in.JobType, in.Result).Observe(in.Duration.Seconds())
	}
}

// RecordRetry counts a job being requeued for another attempt.
func (c *Collector) RecordRetry(jobType string) {
	if c == nil {
		return
	}
	c.jobRetries.WithLabelValues(jobType).Inc()
}

// RecordAPICallAttempt counts a single upstream call attempt.
func (c *Collector) RecordAPICallAttempt(provider, result string) {
	if c == nil {
		return
	}
	c.apiCallRetries.WithLabelValues(provider, result).Inc()
}

// SetQueueDepth publishes the per-state job counts for a tenant.
func (c *Collector) SetQueueDepth(tenantID, state string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(tenantID, state).Set(float64(n))
}

// Handler exposes the collector's registry in Prometheus text format.
// A nil Collector returns a handler that serves an empty exposition.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
