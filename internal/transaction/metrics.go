package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "transaction_submissions_total",
			Help:      "Submitted transactions by type and outcome (completed, held, rejected, error).",
		},
		[]string{"type", "outcome"},
	)

	submitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskledger",
			Name:      "transaction_submit_duration_seconds",
			Help:      "End-to-end Submit latency, including scoring.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"type"},
	)

	reversalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "transaction_reversals_total",
			Help:      "Reversal attempts by result.",
		},
		[]string{"result"},
	)

	releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "transaction_releases_total",
			Help:      "Held transactions released by resulting status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal, submitDuration, reversalsTotal, releasesTotal)
}
