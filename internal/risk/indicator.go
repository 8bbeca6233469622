package risk

import (
	"encoding/json"

	"github.com/mbd888/riskledger/internal/domain"
)

// Indicator is one rule-based fraud signal.
type Indicator int

// Declaration order is the tie-break order when two active indicators carry
// the same weight.
const (
	UnusualAmount Indicator = iota
	LocationChange
	UnusualTime
	FailedAttempts
	SuspiciousPattern

	indicatorCount
)

// AllIndicators lists every indicator in tie-break order.
func AllIndicators() []Indicator {
	out := make([]Indicator, indicatorCount)
	for i := range out {
		out[i] = Indicator(i)
	}
	return out
}

// Weight is the indicator's contribution to the basic score.
func (i Indicator) Weight() float64 {
	switch i {
	case UnusualAmount:
		return 0.30
	case LocationChange:
		return 0.20
	case UnusualTime:
		return 0.15
	case FailedAttempts:
		return 0.25
	case SuspiciousPattern:
		return 0.35
	}
	panic("risk: unknown indicator")
}

func (i Indicator) String() string {
	return string(i.DetectionType())
}

// DetectionType maps the indicator to the case detection type it produces.
func (i Indicator) DetectionType() domain.DetectionType {
	switch i {
	case UnusualAmount:
		return domain.DetectionUnusualAmount
	case LocationChange:
		return domain.DetectionLocationChange
	case UnusualTime:
		return domain.DetectionUnusualTime
	case FailedAttempts:
		return domain.DetectionFailedAttempts
	case SuspiciousPattern:
		return domain.DetectionSuspiciousPattern
	}
	panic("risk: unknown indicator")
}

// Indicators holds one flag per indicator.
type Indicators [indicatorCount]bool

// Set raises the flag for i.
func (s *Indicators) Set(i Indicator, on bool) { s[i] = on }

// Has reports whether i is active.
func (s Indicators) Has(i Indicator) bool { return s[i] }

// Active returns the raised indicators in tie-break order.
func (s Indicators) Active() []Indicator {
	var out []Indicator
	for i, on := range s {
		if on {
			out = append(out, Indicator(i))
		}
	}
	return out
}

// BasicScore is the clamped sum of the active indicators' weights.
func (s Indicators) BasicScore() float64 {
	var sum float64
	for _, i := range s.Active() {
		sum += i.Weight()
	}
	return clamp01(sum)
}

// Dominant returns the highest-weighted active indicator. Weight decides
// first; declaration order (amount, location, time, failures, pattern) only
// breaks ties between equal weights.
func (s Indicators) Dominant() (Indicator, bool) {
	best, found := Indicator(0), false
	for _, i := range s.Active() {
		if !found || i.Weight() > best.Weight() {
			best, found = i, true
		}
	}
	return best, found
}

// MarshalJSON renders the flags as {"unusual_amount": true, ...}.
func (s Indicators) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, indicatorCount)
	for i, on := range s {
		m[Indicator(i).String()] = on
	}
	return json.Marshal(m)
}

func (s *Indicators) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for _, i := range AllIndicators() {
		s[i] = m[i.String()]
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
