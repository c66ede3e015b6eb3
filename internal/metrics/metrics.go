// Package metrics holds the prometheus collectors of radar. They are
// registered in the default registry and exposed by the service on
// service.metrics_addr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radar"

// Executor metrics
var (
	// TargetsDispatched counts targets handed to a worker.
	TargetsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_dispatched_total",
			Help:      "Total number of targets dispatched to a worker",
		},
		[]string{"scanner"},
	)

	// ProbeAttempts counts strategy invocations including retries.
	ProbeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Total number of probe attempts",
		},
		[]string{"scanner"},
	)

	// ProbeErrors counts terminal per-target errors by kind.
	ProbeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Total number of targets which failed after all attempts",
		},
		[]string{"scanner", "kind"},
	)

	// TargetDuration tracks how long a target took including retries.
	TargetDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Time spent on one target including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"scanner", "state"},
	)

	// JobsInProgress tracks running jobs.
	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_progress",
			Help:      "Number of scan jobs currently running",
		},
	)
)

// Pipeline metrics
var (
	// PipelineResults counts processed raw results by outcome.
	PipelineResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_results_total",
			Help:      "Total number of raw results processed by outcome",
		},
		[]string{"outcome"},
	)

	// StoreLookupDuration tracks resolutions against the resource store.
	StoreLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_lookup_duration_seconds",
			Help:      "Duration of resource resolutions in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"status"},
	)

	// CacheRequests counts read-through cache lookups.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_cache_requests_total",
			Help:      "Total number of resource cache lookups by result",
		},
		[]string{"result"},
	)
)

// Pipeline outcomes
const (
	OutcomeResolved   = "resolved"
	OutcomeNormalized = "normalized"
	OutcomeDuplicate  = "duplicate"
	OutcomeInvalid    = "invalid"
	OutcomeStoreError = "store_error"
	OutcomeProbeError = "probe_error"
)
