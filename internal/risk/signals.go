package risk

import (
	"time"

	"github.com/mbd888/riskledger/internal/domain"
)

const (
	historyWindow      = 30 * 24 * time.Hour
	failureWindow      = time.Hour
	patternWindow      = 30 * time.Minute
	failureThreshold   = 3
	burstThreshold     = 5
	smallAmount        = 100
	smallRunThreshold  = 3
	largeAfterSmallRun = 1000
	meanMultiplier     = 3
	minMeanSamples     = 6
	unusualHourStart   = 1
	unusualHourEnd     = 5
)

// Signals is the input to the collectors: the transaction being scored and
// the recent history of the account it is attributed to.
type Signals struct {
	Txn     *domain.Transaction
	Subject string
	// History holds the subject's transactions from the last 30 days,
	// excluding Txn, in any order.
	History []*domain.Transaction
	Now     time.Time
}

// collect evaluates every indicator. The switch is exhaustive over the enum
// so a new indicator cannot be added without a collector.
func collect(s Signals, cfg Config) Indicators {
	var out Indicators
	for _, i := range AllIndicators() {
		var on bool
		switch i {
		case UnusualAmount:
			on = unusualAmount(s, cfg.AmountCeiling)
		case LocationChange:
			on = locationChange(s)
		case UnusualTime:
			on = unusualTime(s.Txn.CreatedAt, cfg.Location)
		case FailedAttempts:
			on = failedAttempts(s) >= failureThreshold
		case SuspiciousPattern:
			on = suspiciousPattern(s)
		default:
			panic("risk: indicator without collector")
		}
		out.Set(i, on)
	}
	return out
}

// unusualAmount flags amounts above the static ceiling, or above three times
// the subject's mean completed amount once enough samples exist.
func unusualAmount(s Signals, ceiling int64) bool {
	if ceiling > 0 && s.Txn.Amount > ceiling {
		return true
	}
	mean, n := completedMean(s)
	return n >= minMeanSamples && float64(s.Txn.Amount) > meanMultiplier*mean
}

func completedMean(s Signals) (float64, int) {
	var sum int64
	n := 0
	for _, t := range s.History {
		if t.Status == domain.StatusCompleted {
			sum += t.Amount
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return float64(sum) / float64(n), n
}

// locationChange flags a request whose client IP or location differs from
// the most recent prior transaction that recorded one.
func locationChange(s Signals) bool {
	cur := s.Txn.Metadata
	if cur.IPAddress == "" && cur.Location == "" {
		return false
	}
	var last *domain.Transaction
	for _, t := range s.History {
		m := t.Metadata
		if m.IPAddress == "" && m.Location == "" {
			continue
		}
		if last == nil || t.CreatedAt.After(last.CreatedAt) {
			last = t
		}
	}
	if last == nil {
		return false
	}
	prev := last.Metadata
	if cur.IPAddress != "" && prev.IPAddress != "" && cur.IPAddress != prev.IPAddress {
		return true
	}
	return cur.Location != "" && prev.Location != "" && cur.Location != prev.Location
}

// unusualTime flags local hours in [01:00, 05:00).
func unusualTime(at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	h := at.In(loc).Hour()
	return h >= unusualHourStart && h < unusualHourEnd
}

// failedAttempts counts failed transactions sourced from the subject in the
// last hour.
func failedAttempts(s Signals) int {
	since := s.Now.Add(-failureWindow)
	n := 0
	for _, t := range s.History {
		if t.Status == domain.StatusFailed && t.SourceAccountID == s.Subject && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

// recentCount counts transactions sourced from the subject in the last 30
// minutes. Incoming transfers and deposits do not count.
func recentCount(s Signals) (all, small int) {
	since := s.Now.Add(-patternWindow)
	for _, t := range s.History {
		if t.SourceAccountID != s.Subject || t.CreatedAt.Before(since) {
			continue
		}
		all++
		if t.Amount < smallAmount {
			small++
		}
	}
	return all, small
}

// suspiciousPattern flags outgoing bursts: five or more transactions in 30
// minutes, or a run of small transactions followed by a large one.
func suspiciousPattern(s Signals) bool {
	all, small := recentCount(s)
	if all >= burstThreshold {
		return true
	}
	return small >= smallRunThreshold && s.Txn.Amount > largeAfterSmallRun
}

// features builds the model input vector. Every element is in [0, 1].
func features(s Signals, ind Indicators, cfg Config) []float64 {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ceiling := float64(cfg.AmountCeiling)
	if ceiling <= 0 {
		ceiling = float64(DefaultAmountCeiling)
	}
	recent, _ := recentCount(s)
	mean, _ := completedMean(s)
	var meanRatio float64
	if mean > 0 {
		meanRatio = float64(s.Txn.Amount) / mean / 10
	}

	v := []float64{
		float64(s.Txn.Amount) / ceiling,
		float64(s.Txn.CreatedAt.In(loc).Hour()) / 23,
	}
	for _, i := range AllIndicators() {
		if ind.Has(i) {
			v = append(v, 1)
		} else {
			v = append(v, 0)
		}
	}
	v = append(v,
		float64(failedAttempts(s))/10,
		float64(recent)/10,
		meanRatio,
	)
	for i := range v {
		v[i] = clamp01(v[i])
	}
	return v
}
