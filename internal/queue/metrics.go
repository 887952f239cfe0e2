package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued per class",
		},
		[]string{"class"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed per class",
		},
		[]string{"class"},
	)

	jobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_retried_total",
			Help: "Total number of job retry attempts per class",
		},
		[]string{"class"},
	)

	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts",
		},
		[]string{"class"},
	)

	pendingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_pending_depth",
			Help: "Jobs waiting for dispatch per class",
		},
		[]string{"class"},
	)
)

func RecordEnqueued(class string) {
	jobsEnqueued.WithLabelValues(class).Inc()
}

func RecordCompleted(class string) {
	jobsCompleted.WithLabelValues(class).Inc()
}

func RecordRetried(class string) {
	jobsRetried.WithLabelValues(class).Inc()
}

func RecordFailed(class string) {
	jobsFailed.WithLabelValues(class).Inc()
}

func RecordDepth(class string, depth int64) {
	pendingDepth.WithLabelValues(class).Set(float64(depth))
}
