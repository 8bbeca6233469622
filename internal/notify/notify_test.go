package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	name string
	err  error

	mu     sync.Mutex
	events []*Event
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) received() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

type panicPublisher struct{}

func (panicPublisher) Name() string                           { return "panicky" }
func (panicPublisher) Publish(context.Context, *Event) error { panic("boom") }

func waitFor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatcher_FansOutToEveryPublisher(t *testing.T) {
	a := &recordingPublisher{name: "a"}
	b := &recordingPublisher{name: "b"}
	d := NewDispatcher(time.Second, nil, a, b)

	c := &domain.FraudCase{ID: "case_1", AccountID: "acc_1", DetectionType: domain.DetectionUnusualAmount, FraudScore: 82}
	txn := &domain.Transaction{ID: "txn_1", Reference: "TXN-1", Amount: 500, Currency: "USD"}
	d.NotifyFraudAlert(context.Background(), c, txn)
	waitFor(t, d)

	for _, p := range []*recordingPublisher{a, b} {
		got := p.received()
		require.Len(t, got, 1)
		assert.Equal(t, EventFraudAlert, got[0].Type)
		assert.Equal(t, "case_1", got[0].Data["caseId"])
		assert.Equal(t, "txn_1", got[0].Data["transactionId"])
		assert.Equal(t, 82, got[0].Data["fraudScore"])
	}
	assert.Equal(t, a.received()[0].ID, b.received()[0].ID)
}

func TestDispatcher_SurvivesCanceledCaller(t *testing.T) {
	p := &recordingPublisher{name: "late"}
	d := NewDispatcher(time.Second, nil, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.NotifyAccountFrozen(ctx, "acc_1", "case_1")
	waitFor(t, d)

	require.Len(t, p.received(), 1)
	assert.Equal(t, EventAccountFrozen, p.received()[0].Type)
}

func TestDispatcher_CountsFailures(t *testing.T) {
	bad := &recordingPublisher{name: "failing_test", err: errors.New("down")}
	d := NewDispatcher(time.Second, nil, bad, panicPublisher{})

	before := testutil.ToFloat64(notifyErrors.WithLabelValues("failing_test", string(EventTransactionSettled)))
	beforePanic := testutil.ToFloat64(notifyErrors.WithLabelValues("panicky", string(EventTransactionSettled)))

	d.NotifyTransactionSettled(context.Background(), &domain.Transaction{ID: "txn_1"})
	waitFor(t, d)

	assert.Equal(t, before+1, testutil.ToFloat64(notifyErrors.WithLabelValues("failing_test", string(EventTransactionSettled))))
	assert.Equal(t, beforePanic+1, testutil.ToFloat64(notifyErrors.WithLabelValues("panicky", string(EventTransactionSettled))))
}

func TestDispatcher_NoPublishersIsNoop(t *testing.T) {
	d := NewDispatcher(0, nil)
	d.NotifyReversal(context.Background(), &domain.Transaction{ID: "a"}, &domain.Transaction{ID: "b"})
	waitFor(t, d)
}

func TestWebhookPublisher_SignsPayload(t *testing.T) {
	var (
		gotSig   string
		gotEvent string
		gotBody  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Riskledger-Signature")
		gotEvent = r.Header.Get("X-Riskledger-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "s3cret")
	e := &Event{ID: "evt_1", Type: EventFraudAlert, Timestamp: time.Now(), Data: map[string]any{"caseId": "case_1"}}
	require.NoError(t, p.Publish(context.Background(), e))

	assert.Equal(t, string(EventFraudAlert), gotEvent)
	assert.Equal(t, Sign(gotBody, "s3cret"), gotSig)

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "evt_1", decoded.ID)
}

func TestWebhookPublisher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "").WithRetry(3, time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), &Event{ID: "evt_1", Type: EventAccountFrozen}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookPublisher_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "").WithRetry(3, time.Millisecond)
	assert.Error(t, p.Publish(context.Background(), &Event{ID: "evt_1", Type: EventAccountFrozen}))
	assert.Equal(t, int32(1), calls.Load())
}

type fakeChannel struct {
	mu       sync.Mutex
	exchange string
	keys     []string
	msgs     []amqp.Publishing
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchange = exchange
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, "riskledger.events")

	e := &Event{ID: "evt_9", Type: EventTransactionReversed, Timestamp: time.Now(), Data: map[string]any{"refundId": "txn_2"}}
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Close())

	assert.Equal(t, "riskledger.events", ch.exchange)
	assert.Equal(t, []string{"transaction.reversed"}, ch.keys)
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, "evt_9", ch.msgs[0].MessageId)
	assert.True(t, ch.closed)
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(logging.Discard())
	assert.Equal(t, "log", p.Name())
	assert.NoError(t, p.Publish(context.Background(), &Event{ID: "evt_1", Type: EventFraudAlert}))
}
