// Package risk scores transactions for fraud before funds move.
//
// Five rule-based indicators (amount, location, time of day, recent
// failures, velocity pattern) are combined into a basic score and blended
// with an external model's probability:
//
//	score = clamp(0.4*basic + 0.6*ml, 0, 1)
//
// The engine never fails a submission. Without a model it runs degraded
// with ml = 0; when anything in the pipeline breaks it returns the neutral
// fallback score 0.5.
package risk

import (
	"errors"
	"math"
	"time"
)

const (
	DefaultAlertThreshold = 0.75
	DefaultAmountCeiling  = 1_000_000
	DefaultTimeout        = 2 * time.Second
	DefaultCacheTTL       = 24 * time.Hour

	// FallbackScore is returned when scoring itself fails.
	FallbackScore = 0.5

	basicWeight = 0.4
	mlWeight    = 0.6
)

// ErrDegraded reports that no model is configured. It never leaves the
// package: the engine turns it into ml = 0.
var ErrDegraded = errors.New("risk: ml scoring unavailable")

// Config is fixed at construction.
type Config struct {
	AlertThreshold float64
	AmountCeiling  int64
	MLEnabled      bool
	Timeout        time.Duration
	CacheTTL       time.Duration
	Location       *time.Location
}

// DefaultConfig returns the production defaults with the model disabled.
func DefaultConfig() Config {
	return Config{
		AlertThreshold: DefaultAlertThreshold,
		AmountCeiling:  DefaultAmountCeiling,
		Timeout:        DefaultTimeout,
		CacheTTL:       DefaultCacheTTL,
		Location:       time.Local,
	}
}

// Outcome describes how a score was produced.
type Outcome string

const (
	OutcomeScored   Outcome = "scored"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFallback Outcome = "fallback"
)

// Result is the engine's verdict on one transaction.
type Result struct {
	TransactionID string     `json:"transactionId"`
	Score         float64    `json:"score"`
	BasicScore    float64    `json:"basicScore"`
	MLScore       float64    `json:"mlScore"`
	Indicators    Indicators `json:"indicators"`
	Outcome       Outcome    `json:"outcome"`
	EvaluatedAt   time.Time  `json:"evaluatedAt"`
}

// Percent is the score on the 0–100 scale stored on transactions and cases.
func (r *Result) Percent() int {
	return int(math.Round(r.Score * 100))
}

// Exceeds reports whether the score is strictly above threshold.
func (r *Result) Exceeds(threshold float64) bool {
	return r.Score > threshold
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
