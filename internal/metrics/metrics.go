package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodgemap_export_jobs_submitted_total",
			Help: "Total number of export jobs accepted",
		},
		[]string{"export_type", "format"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodgemap_export_jobs_finished_total",
			Help: "Total number of export jobs reaching a terminal state",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodgemap_export_jobs_running",
			Help: "Current number of export jobs being executed",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodgemap_export_queue_depth",
			Help: "Current number of pending export jobs",
		},
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodgemap_export_job_duration_seconds",
			Help:    "Export job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~102s
		},
		[]string{"export_type", "format"},
	)

	CleanupReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodgemap_cleanup_reclaimed_total",
			Help: "Total number of artifacts removed by cleanup sweeps",
		},
	)

	CleanupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodgemap_cleanup_failures_total",
			Help: "Total number of artifact deletions that failed during sweeps",
		},
	)
)
