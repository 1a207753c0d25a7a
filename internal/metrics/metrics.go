// Package metrics exposes Prometheus instrumentation for the pipeline stages.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_fetch_requests_total",
			Help: "Upstream page requests by source and HTTP status (0 for transport errors)",
		},
		[]string{"source", "status"},
	)

	FetchedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_fetched_records_total",
			Help: "Records yielded by the fetcher",
		},
		[]string{"source"},
	)

	RejectedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rejected_records_total",
			Help: "Records dropped before landing",
		},
		[]string{"source", "reason"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Landing
	LandedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_landed_records_total",
			Help: "Landing outcomes per record (written or deduplicated)",
		},
		[]string{"source", "outcome"},
	)

	// Transform
	TransformOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_transform_outcomes_total",
			Help: "Transform outcomes by status",
		},
		[]string{"status"},
	)

	TransformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_transform_duration_seconds",
			Help:    "Time spent building a derived table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// Runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Finished pipeline runs by final status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Wall time of complete pipeline runs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// RecordFetch counts one upstream response.
func RecordFetch(source string, status int) {
	FetchRequests.WithLabelValues(source, strconv.Itoa(status)).Inc()
}

// RecordTransform counts an outcome and, for built tables, its duration.
func RecordTransform(table, status string, d time.Duration) {
	TransformOutcomes.WithLabelValues(status).Inc()
	if status == "materialized" {
		TransformDuration.WithLabelValues(table).Observe(d.Seconds())
	}
}

// RecordRun counts a finished run.
func RecordRun(status string, d time.Duration) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(d.Seconds())
}
