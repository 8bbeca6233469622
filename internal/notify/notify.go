// Package notify fans engine events out to external channels after the
// unit of work that produced them has committed.
//
// Delivery is fire-and-forget: the caller never waits and never sees a
// delivery error. Failures are logged and counted.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/idgen"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskledger",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Notification deliveries by publisher and event type.",
	}, []string{"publisher", "event_type"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskledger",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Failed notification deliveries by publisher and event type.",
	}, []string{"publisher", "event_type"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// EventType names a notification.
type EventType string

const (
	EventFraudAlert          EventType = "fraud.alert"
	EventAccountFrozen       EventType = "account.frozen"
	EventTransactionSettled  EventType = "transaction.settled"
	EventTransactionReversed EventType = "transaction.reversed"
)

// Event is the payload every publisher receives.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sink receives engine events. Implementations must not block the caller.
type Sink interface {
	NotifyFraudAlert(ctx context.Context, c *domain.FraudCase, txn *domain.Transaction)
	NotifyAccountFrozen(ctx context.Context, accountID, caseID string)
	NotifyTransactionSettled(ctx context.Context, txn *domain.Transaction)
	NotifyReversal(ctx context.Context, original, refund *domain.Transaction)
}

// Publisher delivers one event to one channel.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) NotifyFraudAlert(context.Context, *domain.FraudCase, *domain.Transaction) {}
func (Nop) NotifyAccountFrozen(context.Context, string, string)                      {}
func (Nop) NotifyTransactionSettled(context.Context, *domain.Transaction)            {}
func (Nop) NotifyReversal(context.Context, *domain.Transaction, *domain.Transaction) {}

// Dispatcher is a Sink that hands each event to every publisher on its own
// goroutine, bounded by timeout.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher over publishers.
func NewDispatcher(timeout time.Duration, logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{publishers: publishers, timeout: timeout, logger: logger}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) emit(ctx context.Context, typ EventType, data map[string]any) {
	if d == nil || len(d.publishers) == 0 {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	// Deliveries outlive the request that triggered them.
	base := context.WithoutCancel(ctx)
	for _, p := range d.publishers {
		d.wg.Add(1)
		go d.deliver(base, p, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p Publisher, e *Event) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	notifyTotal.WithLabelValues(p.Name(), string(e.Type)).Inc()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("publisher panic: %v", r)
			}
		}()
		return p.Publish(ctx, e)
	}()
	if err != nil {
		notifyErrors.WithLabelValues(p.Name(), string(e.Type)).Inc()
		logging.L(ctx, d.logger).Warn("notification delivery failed",
			"publisher", p.Name(),
			"event", string(e.Type),
			"event_id", e.ID,
			logging.Err(err),
		)
	}
}

func (d *Dispatcher) NotifyFraudAlert(ctx context.Context, c *domain.FraudCase, txn *domain.Transaction) {
	data := map[string]any{
		"caseId":        c.ID,
		"accountId":     c.AccountID,
		"userId":        c.UserID,
		"detectionType": string(c.DetectionType),
		"fraudScore":    c.FraudScore,
	}
	if txn != nil {
		data["transactionId"] = txn.ID
		data["reference"] = txn.Reference
		data["amount"] = txn.Amount
		data["currency"] = txn.Currency
	}
	d.emit(ctx, EventFraudAlert, data)
}

func (d *Dispatcher) NotifyAccountFrozen(ctx context.Context, accountID, caseID string) {
	d.emit(ctx, EventAccountFrozen, map[string]any{
		"accountId": accountID,
		"caseId":    caseID,
	})
}

func (d *Dispatcher) NotifyTransactionSettled(ctx context.Context, txn *domain.Transaction) {
	d.emit(ctx, EventTransactionSettled, map[string]any{
		"transactionId":        txn.ID,
		"reference":            txn.Reference,
		"type":                 string(txn.Type),
		"sourceAccountId":      txn.SourceAccountID,
		"destinationAccountId": txn.DestinationAccountID,
		"amount":               txn.Amount,
		"currency":             txn.Currency,
	})
}

func (d *Dispatcher) NotifyReversal(ctx context.Context, original, refund *domain.Transaction) {
	d.emit(ctx, EventTransactionReversed, map[string]any{
		"transactionId": original.ID,
		"reference":     original.Reference,
		"refundId":      refund.ID,
		"refundRef":     refund.Reference,
		"amount":        refund.Amount,
		"currency":      refund.Currency,
	})
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, e *Event) error {
	p.logger.InfoContext(ctx, "notification", "event", string(e.Type), "event_id", e.ID, "data", e.Data)
	return nil
}
