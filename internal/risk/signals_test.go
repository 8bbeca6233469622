package risk

import (
	"testing"
	"time"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/stretchr/testify/assert"
)

var signalsNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func histTxn(ago time.Duration, amount int64, status domain.TransactionStatus) *domain.Transaction {
	return &domain.Transaction{
		ID:              "h",
		SourceAccountID: "acc_1",
		Amount:          amount,
		Status:          status,
		CreatedAt:       signalsNow.Add(-ago),
	}
}

func current(amount int64) *domain.Transaction {
	return &domain.Transaction{ID: "cur", SourceAccountID: "acc_1", Amount: amount, CreatedAt: signalsNow}
}

func TestUnusualAmount(t *testing.T) {
	var history []*domain.Transaction
	for i := 0; i < 6; i++ {
		history = append(history, histTxn(time.Duration(i+1)*24*time.Hour, 100, domain.StatusCompleted))
	}

	tests := []struct {
		name    string
		amount  int64
		history []*domain.Transaction
		want    bool
	}{
		{"over ceiling", 1_000_001, nil, true},
		{"at ceiling", 1_000_000, nil, false},
		{"over 3x mean", 301, history, true},
		{"at 3x mean", 300, history, false},
		{"too few samples", 5000, history[:5], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Signals{Txn: current(tt.amount), Subject: "acc_1", History: tt.history, Now: signalsNow}
			assert.Equal(t, tt.want, unusualAmount(s, DefaultAmountCeiling))
		})
	}
}

func TestLocationChange(t *testing.T) {
	prev := histTxn(time.Hour, 10, domain.StatusCompleted)
	prev.Metadata = domain.ClientMetadata{IPAddress: "10.0.0.1", Location: "Berlin"}
	older := histTxn(2*time.Hour, 10, domain.StatusCompleted)
	older.Metadata = domain.ClientMetadata{IPAddress: "10.9.9.9"}

	same := current(10)
	same.Metadata = domain.ClientMetadata{IPAddress: "10.0.0.1", Location: "Berlin"}
	moved := current(10)
	moved.Metadata = domain.ClientMetadata{IPAddress: "10.0.0.1", Location: "Lagos"}
	newIP := current(10)
	newIP.Metadata = domain.ClientMetadata{IPAddress: "192.168.1.1"}

	history := []*domain.Transaction{older, prev}
	assert.False(t, locationChange(Signals{Txn: same, History: history}))
	assert.True(t, locationChange(Signals{Txn: moved, History: history}))
	assert.True(t, locationChange(Signals{Txn: newIP, History: history}))
	assert.False(t, locationChange(Signals{Txn: current(10), History: history}), "no metadata")
	assert.False(t, locationChange(Signals{Txn: moved}), "no history")
}

func TestUnusualTime(t *testing.T) {
	tests := []struct {
		hour int
		want bool
	}{
		{0, false}, {1, true}, {3, true}, {4, true}, {5, false}, {14, false},
	}
	for _, tt := range tests {
		at := time.Date(2026, 3, 2, tt.hour, 30, 0, 0, time.UTC)
		assert.Equal(t, tt.want, unusualTime(at, time.UTC), "hour %d", tt.hour)
	}

	// 03:00 in UTC is 22:00 the previous day in New York.
	ny, err := time.LoadLocation("America/New_York")
	if err == nil {
		assert.False(t, unusualTime(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), ny))
	}
}

func TestFailedAttempts(t *testing.T) {
	history := []*domain.Transaction{
		histTxn(10*time.Minute, 10, domain.StatusFailed),
		histTxn(20*time.Minute, 10, domain.StatusFailed),
		histTxn(50*time.Minute, 10, domain.StatusFailed),
		histTxn(2*time.Hour, 10, domain.StatusFailed),
		histTxn(5*time.Minute, 10, domain.StatusCompleted),
	}
	incoming := histTxn(5*time.Minute, 10, domain.StatusFailed)
	incoming.SourceAccountID = "acc_other"
	history = append(history, incoming)

	s := Signals{Txn: current(10), Subject: "acc_1", History: history, Now: signalsNow}
	assert.Equal(t, 3, failedAttempts(s))
	assert.True(t, collect(s, DefaultConfig()).Has(FailedAttempts))
}

func TestSuspiciousPattern(t *testing.T) {
	burst := make([]*domain.Transaction, 0, 5)
	for i := 0; i < 5; i++ {
		burst = append(burst, histTxn(time.Duration(i+1)*time.Minute, 500, domain.StatusCompleted))
	}
	assert.True(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(10), History: burst, Now: signalsNow}))
	assert.False(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(10), History: burst[:4], Now: signalsNow}))

	smalls := []*domain.Transaction{
		histTxn(3*time.Minute, 20, domain.StatusCompleted),
		histTxn(6*time.Minute, 50, domain.StatusCompleted),
		histTxn(9*time.Minute, 99, domain.StatusCompleted),
	}
	assert.True(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(1001), History: smalls, Now: signalsNow}))
	assert.False(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(1000), History: smalls, Now: signalsNow}))

	stale := []*domain.Transaction{
		histTxn(40*time.Minute, 20, domain.StatusCompleted),
		histTxn(6*time.Minute, 50, domain.StatusCompleted),
		histTxn(9*time.Minute, 99, domain.StatusCompleted),
	}
	assert.False(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(5000), History: stale, Now: signalsNow}))

	incoming := make([]*domain.Transaction, 0, 5)
	for i := 0; i < 5; i++ {
		h := histTxn(time.Duration(i+1)*time.Minute, 20, domain.StatusCompleted)
		h.SourceAccountID, h.DestinationAccountID = "acc_9", "acc_1"
		incoming = append(incoming, h)
	}
	assert.False(t, suspiciousPattern(Signals{Subject: "acc_1", Txn: current(5000), History: incoming, Now: signalsNow}),
		"transactions into the account are not part of its pattern")
}

func TestFeatures_InUnitRange(t *testing.T) {
	var ind Indicators
	ind.Set(UnusualAmount, true)
	cfg := DefaultConfig()
	cfg.Location = time.UTC

	s := Signals{Txn: current(5_000_000), Subject: "acc_1", Now: signalsNow}
	v := features(s, ind, cfg)
	assert.Len(t, v, 2+len(AllIndicators())+3)
	for _, f := range v {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}
	assert.Equal(t, 1.0, v[0])
	assert.Equal(t, 1.0, v[2], "unusual amount flag")
}
