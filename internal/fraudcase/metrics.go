package fraudcase

import "github.com/prometheus/client_golang/prometheus"

var (
	casesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "fraud_cases_opened_total",
			Help:      "Fraud cases opened by detection type.",
		},
		[]string{"detection_type"},
	)

	caseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "fraud_case_transitions_total",
			Help:      "Fraud case status transitions by target status.",
		},
		[]string{"status"},
	)

	escalationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "riskledger",
			Name:      "fraud_escalation_failures_total",
			Help:      "Held transactions whose fraud case could not be created.",
		},
	)
)

func init() {
	prometheus.MustRegister(casesOpened, caseTransitions, escalationFailures)
}
