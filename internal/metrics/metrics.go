// Package metrics exposes Prometheus collectors for the job runner and the
// detection engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job runner metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submgr_jobs_enqueued_total",
			Help: "Total number of jobs admitted by type",
		},
		[]string{"type"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submgr_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state by type and state",
		},
		[]string{"type", "state"},
	)

	JobsInState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "submgr_jobs",
			Help: "Number of retained jobs by type and state",
		},
		[]string{"type", "state"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submgr_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"type"},
	)

	// Detection metrics
	DetectionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submgr_detections_created_total",
			Help: "Total number of detections stored by source",
		},
		[]string{"source"},
	)

	DetectionsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submgr_detections_suppressed_total",
			Help: "Total number of detections skipped as duplicates of a pending detection",
		},
		[]string{"source"},
	)

	ScanItemErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submgr_scan_item_errors_total",
			Help: "Total number of per-item failures skipped during scans by source",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobsInState)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(DetectionsCreated)
	prometheus.MustRegister(DetectionsSuppressed)
	prometheus.MustRegister(ScanItemErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
