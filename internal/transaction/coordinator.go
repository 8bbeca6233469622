// Package transaction orchestrates money movements: validation, the pending
// record, risk scoring, the ledger mutation and the final status, all in one
// unit of work. It also owns reversal and the release of held transactions.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/idgen"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/pagination"
	"github.com/mbd888/riskledger/internal/notify"
	"github.com/mbd888/riskledger/internal/retry"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/syncutil"
	"github.com/mbd888/riskledger/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultRetryAttempts = 3
	DefaultCurrency      = "USD"

	conflictBackoff = 10 * time.Millisecond
)

// Config is fixed at construction.
type Config struct {
	// AlertThreshold holds transactions whose risk score is strictly above it.
	AlertThreshold float64
	// Location defines "today" for daily limits.
	Location *time.Location
	// RetryAttempts bounds re-runs of a unit of work after a version conflict.
	RetryAttempts int
}

func DefaultConfig() Config {
	return Config{
		AlertThreshold: risk.DefaultAlertThreshold,
		Location:       time.Local,
		RetryAttempts:  DefaultRetryAttempts,
	}
}

// Request asks to move funds.
type Request struct {
	Type                 domain.TransactionType `json:"type"`
	SourceAccountID      string                 `json:"sourceAccountId,omitempty"`
	DestinationAccountID string                 `json:"destinationAccountId,omitempty"`
	Amount               int64                  `json:"amount"`
	Currency             string                 `json:"currency,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Metadata             domain.ClientMetadata  `json:"metadata"`
}

// Result is the outcome of Submit. Case is set when the transaction was
// held and a fraud case could be opened.
type Result struct {
	Transaction *domain.Transaction `json:"transaction"`
	Risk        *risk.Result        `json:"risk"`
	Case        *domain.FraudCase   `json:"case,omitempty"`
	Held        bool                `json:"held"`
}

// Scorer rates a transaction. It must always return a result.
type Scorer interface {
	Score(ctx context.Context, txn *domain.Transaction) *risk.Result
}

// Escalator opens a fraud case for a held transaction inside the caller's
// unit of work. It returns nil when no case could be created.
type Escalator interface {
	Escalate(ctx context.Context, tx store.Tx, txn *domain.Transaction, r *risk.Result) *domain.FraudCase
}

// Coordinator is the only writer of transaction status.
type Coordinator struct {
	cfg       Config
	store     store.Store
	ledger    *ledger.Ledger
	scorer    Scorer
	escalator Escalator
	sink      notify.Sink
	locks     *syncutil.KeyedMutex
	clock     clock.Clock
	logger    *slog.Logger
}

// NewCoordinator wires a coordinator. Without WithEscalator held
// transactions are parked with no case.
func NewCoordinator(cfg Config, st store.Store, l *ledger.Ledger, scorer Scorer, logger *slog.Logger) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		cfg:    cfg,
		store:  st,
		ledger: l,
		scorer: scorer,
		sink:   notify.Nop{},
		locks:  syncutil.NewKeyedMutex(),
		clock:  clock.Real{},
		logger: logger,
	}
}

func (c *Coordinator) WithEscalator(e Escalator) *Coordinator {
	c.escalator = e
	return c
}

func (c *Coordinator) WithSink(s notify.Sink) *Coordinator {
	if s == nil {
		s = notify.Nop{}
	}
	c.sink = s
	return c
}

func (c *Coordinator) WithClock(clk clock.Clock) *Coordinator {
	c.clock = clk
	return c
}

// WithLocks shares a keyed mutex with other writers of the same accounts.
func (c *Coordinator) WithLocks(m *syncutil.KeyedMutex) *Coordinator {
	c.locks = m
	return c
}

// Submit validates, scores and settles or holds a transaction.
//
// Validation failures come back as *domain.Error of kind Validation,
// InsufficientFunds, LimitExceeded or NotFound and change nothing. A score
// above the alert threshold parks the transaction in pending_review behind
// a fraud case without moving money. Anything unexpected rolls the whole
// unit back and returns an opaque processing error.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Submit",
		traces.TransactionType(string(req.Type)),
		traces.Amount(req.Amount),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		submitDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}()

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if err := validateShape(&req); err != nil {
		return nil, c.rejected(ctx, req, err)
	}

	// The id is fixed across conflict retries so a cached score is reused.
	now := c.clock.Now()
	draft := &domain.Transaction{
		ID:                   idgen.WithPrefix("txn_"),
		Reference:            idgen.Reference(now),
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Type:                 req.Type,
		Description:          req.Description,
		Metadata:             req.Metadata,
		CreatedAt:            now,
	}
	span.SetAttributes(traces.TransactionID(draft.ID), traces.Reference(draft.Reference))
	ctx = logging.WithLogger(ctx, logging.L(ctx, c.logger).With(logging.TransactionID(draft.ID)))

	unlock, err := c.locks.LockAll(ctx, draft.AccountIDs()...)
	if err != nil {
		return nil, c.failed(ctx, req, fmt.Errorf("acquire account locks: %w", err))
	}
	defer unlock()

	var res *Result
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = nil
		t := draft.Clone()

		if err := c.validateAccounts(ctx, tx, t); err != nil {
			return err
		}

		if err := t.Transition(domain.StatusPending, "transaction created", c.clock.Now()); err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return fmt.Errorf("persist transaction: %w", err)
		}

		r := c.scorer.Score(ctx, t)
		t.FraudScore = r.Percent()
		if r.Outcome != risk.OutcomeFallback {
			if err := c.ledger.RecordRisk(ctx, tx, t.SubjectAccountID(), r.Score); err != nil {
				return fmt.Errorf("record account risk: %w", err)
			}
		}

		if r.Exceeds(c.cfg.AlertThreshold) {
			if err := t.Transition(domain.StatusPendingReview, "held: high risk", c.clock.Now()); err != nil {
				return err
			}
			if err := tx.UpdateTransaction(ctx, t); err != nil {
				return fmt.Errorf("hold transaction: %w", err)
			}
			var fc *domain.FraudCase
			if c.escalator != nil {
				fc = c.escalator.Escalate(ctx, tx, t, r)
			}
			res = &Result{Transaction: t, Risk: r, Case: fc, Held: true}
			return nil
		}

		if err := c.settle(ctx, tx, t, "transaction completed"); err != nil {
			return err
		}
		res = &Result{Transaction: t, Risk: r}
		return nil
	})
	if err != nil {
		if domain.IsClientError(err) {
			return nil, c.rejected(ctx, req, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return nil, c.failed(ctx, req, err)
	}

	span.SetAttributes(traces.RiskScore(res.Risk.Score))
	if res.Held {
		submissionsTotal.WithLabelValues(string(req.Type), "held").Inc()
		logging.L(ctx, c.logger).Warn("transaction held for review",
			"reference", res.Transaction.Reference,
			"score", res.Risk.Score,
			"outcome", string(res.Risk.Outcome),
		)
		if res.Case != nil {
			c.sink.NotifyFraudAlert(ctx, res.Case, res.Transaction)
		}
		return res, nil
	}

	submissionsTotal.WithLabelValues(string(req.Type), "completed").Inc()
	logging.L(ctx, c.logger).Info("transaction completed",
		"reference", res.Transaction.Reference,
		"type", string(req.Type),
		"amount", req.Amount,
		"score", res.Risk.Score,
	)
	c.sink.NotifyTransactionSettled(ctx, res.Transaction)
	return res, nil
}

// settle moves the funds for t and marks it completed.
func (c *Coordinator) settle(ctx context.Context, tx store.Tx, t *domain.Transaction, note string) error {
	if err := c.ledger.ApplyMutation(ctx, tx, t.SourceAccountID, t.DestinationAccountID, t.Amount, domain.StatusCompleted); err != nil {
		return fmt.Errorf("apply ledger mutation: %w", err)
	}
	if err := t.Transition(domain.StatusCompleted, note, c.clock.Now()); err != nil {
		return err
	}
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	return nil
}

func (c *Coordinator) rejected(ctx context.Context, req Request, err error) error {
	submissionsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
	logging.L(ctx, c.logger).Debug("transaction rejected",
		"type", string(req.Type),
		"kind", domain.KindOf(err).String(),
		logging.Err(err),
	)
	return err
}

func (c *Coordinator) failed(ctx context.Context, req Request, err error) error {
	submissionsTotal.WithLabelValues(string(req.Type), "error").Inc()
	logging.L(ctx, c.logger).Error("transaction processing failed",
		"type", string(req.Type),
		"source_account_id", req.SourceAccountID,
		"destination_account_id", req.DestinationAccountID,
		"amount", req.Amount,
		logging.Err(err),
	)
	return domain.Processing(err)
}

// Get returns a transaction by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	t, err := c.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("transaction", id)
	}
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("get transaction: %w", err))
	}
	return t, nil
}

// GetByReference returns a transaction by its TXN- reference.
func (c *Coordinator) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	t, err := c.store.GetTransactionByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("transaction", reference)
	}
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("get transaction: %w", err))
	}
	return t, nil
}

// ListByAccount returns transactions touching an account, newest first.
func (c *Coordinator) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	if accountID == "" {
		return nil, domain.Validationf("account id is required")
	}
	return c.list(ctx, store.TransactionQuery{AccountID: accountID, Limit: limit})
}

// ListByStatus returns transactions in status, newest first.
func (c *Coordinator) ListByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]*domain.Transaction, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return c.list(ctx, store.TransactionQuery{Statuses: []domain.TransactionStatus{status}, Limit: limit})
}

// Page is one slice of a newest-first transaction listing. NextCursor
// resumes the listing when HasMore is set.
type Page struct {
	Transactions []*domain.Transaction `json:"transactions"`
	Count        int                   `json:"count"`
	NextCursor   string                `json:"nextCursor,omitempty"`
	HasMore      bool                  `json:"hasMore"`
}

const defaultPageSize = 50

// PageByAccount returns the page of an account's transactions that follows
// cursor. An empty cursor starts at the newest.
func (c *Coordinator) PageByAccount(ctx context.Context, accountID string, limit int, cursor string) (*Page, error) {
	if accountID == "" {
		return nil, domain.Validationf("account id is required")
	}
	return c.page(ctx, store.TransactionQuery{AccountID: accountID}, limit, cursor)
}

// PageByStatus returns the page of transactions in status that follows
// cursor.
func (c *Coordinator) PageByStatus(ctx context.Context, status domain.TransactionStatus, limit int, cursor string) (*Page, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return c.page(ctx, store.TransactionQuery{Statuses: []domain.TransactionStatus{status}}, limit, cursor)
}

func (c *Coordinator) page(ctx context.Context, q store.TransactionQuery, limit int, cursor string) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, domain.Validationf("invalid cursor")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit >= store.DefaultListLimit {
		limit = store.DefaultListLimit - 1
	}
	q.After = after
	q.Limit = limit + 1

	rows, err := c.list(ctx, q)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(t *domain.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if items == nil {
		items = []*domain.Transaction{}
	}
	return &Page{Transactions: items, Count: len(items), NextCursor: next, HasMore: more}, nil
}

func checkStatus(status domain.TransactionStatus) error {
	switch status {
	case domain.StatusPending, domain.StatusPendingReview, domain.StatusCompleted, domain.StatusFailed, domain.StatusReversed:
		return nil
	}
	return domain.Validationf("invalid transaction status %q", status)
}

func (c *Coordinator) list(ctx context.Context, q store.TransactionQuery) ([]*domain.Transaction, error) {
	out, err := c.store.ListTransactions(ctx, q)
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("list transactions: %w", err))
	}
	return out, nil
}

// withinTx runs fn in a unit of work, re-running it on version conflicts.
func (c *Coordinator) withinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return retry.DoIf(ctx, c.cfg.RetryAttempts, conflictBackoff, store.IsConflict, func() error {
		return c.store.WithinTx(ctx, fn)
	})
}
