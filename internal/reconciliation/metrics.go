package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	balanceMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskledger",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Accounts whose stored balance disagreed with their history in the last run.",
	})

	orphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskledger",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Held transactions without an active fraud case in the last run.",
	})

	accountsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskledger",
		Subsystem: "reconciliation",
		Name:      "accounts_checked",
		Help:      "Accounts checked in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		balanceMismatches,
		orphanedHolds,
		accountsChecked,
		runDuration,
		runErrors,
	)
}
