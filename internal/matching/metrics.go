package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_requests_accepted_total",
		Help: "Match requests admitted into the ledger, by tier",
	}, []string{"tier"})

	requestsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_requests_completed_total",
		Help: "Match requests finished by a worker, by tier and outcome",
	}, []string{"tier", "outcome"})

	matchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_matches_created_total",
		Help: "Match rows created, by tier",
	}, []string{"tier"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_job_duration_seconds",
		Help:    "Wall time spent processing a matchmaking job",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func RecordRequestAccepted(tier string) {
	requestsAccepted.WithLabelValues(tier).Inc()
}

func RecordRequestCompleted(tier, outcome string) {
	requestsCompleted.WithLabelValues(tier, outcome).Inc()
}

func RecordMatchCreated(tier string) {
	matchesCreated.WithLabelValues(tier).Inc()
}

func ObserveJobDuration(jobType string, seconds float64) {
	jobDuration.WithLabelValues(jobType).Observe(seconds)
}
