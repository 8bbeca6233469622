// Package reconciliation checks stored account balances against the
// transaction history that produced them, and finds held transactions that
// no active fraud case is guarding.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/pagination"
	"github.com/mbd888/riskledger/internal/store"
)

const scanPageSize = 200

// Reader is the slice of the store reconciliation reads from.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListTransactions(ctx context.Context, q store.TransactionQuery) ([]*domain.Transaction, error)
	ListCases(ctx context.Context, q store.CaseQuery) ([]*domain.FraudCase, error)
}

// AccountReport compares an account's stored amounts with the amounts its
// history implies.
type AccountReport struct {
	AccountID       string    `json:"accountId"`
	Balance         int64     `json:"balance"`
	ExpectedBalance int64     `json:"expectedBalance"`
	PendingAmount   int64     `json:"pendingAmount"`
	ExpectedPending int64     `json:"expectedPending"`
	Transactions    int       `json:"transactions"`
	Match           bool      `json:"match"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// OrphanedHold is a pending_review transaction with no open or
// investigating case.
type OrphanedHold struct {
	TransactionID string    `json:"transactionId"`
	Reference     string    `json:"reference"`
	AccountID     string    `json:"accountId"`
	Amount        int64     `json:"amount"`
	HeldSince     time.Time `json:"heldSince"`
}

// Report is the outcome of a full run.
type Report struct {
	AccountsChecked int              `json:"accountsChecked"`
	Mismatches      []*AccountReport `json:"mismatches"`
	OrphanedHolds   []OrphanedHold   `json:"orphanedHolds"`
	Errors          []string         `json:"errors,omitempty"`
	StartedAt       time.Time        `json:"startedAt"`
	DurationMs      int64            `json:"durationMs"`
}

// Healthy reports whether the run found nothing to act on.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.OrphanedHolds) == 0 && len(r.Errors) == 0
}

// Service performs reconciliation.
type Service struct {
	reader Reader
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a service. RunAll checks accounts touched by
// transactions created within window.
func NewService(r Reader, window time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{reader: r, window: window, clock: clock.Real{}, logger: logger}
}

// WithClock replaces the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// CheckAccount recomputes one account from its full history. Every
// transaction that ever completed moved its amount from source to
// destination; transactions still pending reserve their amount on the
// source.
func (s *Service) CheckAccount(ctx context.Context, id string) (*AccountReport, error) {
	acct, err := s.reader.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("account", id)
	}
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("reconcile account: %w", err))
	}

	rep := &AccountReport{
		AccountID:     id,
		Balance:       acct.Balance,
		PendingAmount: acct.PendingAmount,
	}
	err = s.scan(ctx, store.TransactionQuery{AccountID: id}, func(t *domain.Transaction) error {
		rep.Transactions++
		if t.CompletedAt != nil {
			if t.DestinationAccountID == id {
				rep.ExpectedBalance += t.Amount
			}
			if t.SourceAccountID == id {
				rep.ExpectedBalance -= t.Amount
			}
		}
		if t.Status == domain.StatusPending && t.SourceAccountID == id {
			rep.ExpectedPending += t.Amount
		}
		return nil
	})
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("reconcile account: %w", err))
	}

	rep.Match = rep.Balance == rep.ExpectedBalance && rep.PendingAmount == rep.ExpectedPending
	rep.CheckedAt = s.clock.Now()
	return rep, nil
}

// OrphanedHolds lists held transactions whose guarding case is gone.
func (s *Service) OrphanedHolds(ctx context.Context) ([]OrphanedHold, error) {
	var out []OrphanedHold
	err := s.scan(ctx, store.TransactionQuery{
		Statuses: []domain.TransactionStatus{domain.StatusPendingReview},
	}, func(t *domain.Transaction) error {
		cases, err := s.reader.ListCases(ctx, store.CaseQuery{
			TransactionID: t.ID,
			Statuses:      []domain.CaseStatus{domain.CaseOpen, domain.CaseInvestigating},
			Limit:         1,
		})
		if err != nil {
			return err
		}
		if len(cases) == 0 {
			out = append(out, OrphanedHold{
				TransactionID: t.ID,
				Reference:     t.Reference,
				AccountID:     t.SubjectAccountID(),
				Amount:        t.Amount,
				HeldSince:     t.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("find orphaned holds: %w", err))
	}
	return out, nil
}

// RunAll checks every account touched within the window and looks for
// orphaned holds. Per-account failures are collected in the report; the
// returned error is set only when the run could not start.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	start := s.clock.Now()
	rep := &Report{StartedAt: start, Mismatches: []*AccountReport{}, OrphanedHolds: []OrphanedHold{}}
	timer := time.Now()
	defer func() {
		elapsed := time.Since(timer)
		rep.DurationMs = elapsed.Milliseconds()
		runDuration.Observe(elapsed.Seconds())
	}()

	touched := make(map[string]struct{})
	var order []string
	err := s.scan(ctx, store.TransactionQuery{Since: start.Add(-s.window)}, func(t *domain.Transaction) error {
		for _, id := range t.AccountIDs() {
			if _, ok := touched[id]; !ok {
				touched[id] = struct{}{}
				order = append(order, id)
			}
		}
		return nil
	})
	if err != nil {
		runErrors.Inc()
		return nil, domain.Processing(fmt.Errorf("list recent transactions: %w", err))
	}

	for _, id := range order {
		ar, err := s.CheckAccount(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// closed since
			continue
		}
		if err != nil {
			runErrors.Inc()
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		rep.AccountsChecked++
		if !ar.Match {
			rep.Mismatches = append(rep.Mismatches, ar)
			s.logger.Error("ledger balance mismatch",
				logging.AccountID(id),
				"balance", ar.Balance,
				"expected_balance", ar.ExpectedBalance,
				"pending", ar.PendingAmount,
				"expected_pending", ar.ExpectedPending,
			)
		}
	}

	holds, err := s.OrphanedHolds(ctx)
	if err != nil {
		runErrors.Inc()
		rep.Errors = append(rep.Errors, err.Error())
	} else {
		rep.OrphanedHolds = holds
		for _, h := range holds {
			s.logger.Warn("held transaction has no active case",
				logging.TransactionID(h.TransactionID),
				"held_since", h.HeldSince,
			)
		}
	}

	accountsChecked.Set(float64(rep.AccountsChecked))
	balanceMismatches.Set(float64(len(rep.Mismatches)))
	orphanedHolds.Set(float64(len(rep.OrphanedHolds)))
	return rep, nil
}

// scan walks every page of q newest first.
func (s *Service) scan(ctx context.Context, q store.TransactionQuery, fn func(*domain.Transaction) error) error {
	q.Limit = scanPageSize
	q.After = nil
	for {
		page, err := s.reader.ListTransactions(ctx, q)
		if err != nil {
			return err
		}
		for _, t := range page {
			if err := fn(t); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		last := page[len(page)-1]
		q.After = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
