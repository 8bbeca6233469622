// Package ledger owns account balances.
//
// Every balance change goes through ApplyMutation inside the caller's unit
// of work, so a movement commits together with the transaction record that
// caused it or not at all. The ledger never decides whether a movement is
// allowed; the transaction coordinator validates first and the ledger only
// refuses mutations that would break an account invariant.
package ledger

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
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/retry"
	"github.com/mbd888/riskledger/internal/store"
)

// ErrInvariantViolation marks a mutation that would leave an account with a
// negative balance beyond its limit or a negative pending amount. Callers
// validate before mutating, so this is a contract violation, not user error.
var ErrInvariantViolation = errors.New("ledger: invariant violation")

const (
	conflictAttempts = 3
	conflictBackoff  = 5 * time.Millisecond
)

// Ledger manages account balances and lifecycle.
type Ledger struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a ledger over st.
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ledger{store: st, clock: clock.Real{}, logger: logger}
}

// WithClock sets the time source used for UpdatedAt stamps.
func (l *Ledger) WithClock(c clock.Clock) *Ledger {
	l.clock = c
	return l
}

// ApplyMutation moves amount between the source and destination accounts
// according to status:
//
//	pending            source PendingAmount += amount
//	completed          source Balance -= amount, destination Balance += amount
//	failed, reversed   source PendingAmount -= amount
//
// An empty id skips that side. AvailableBalance is recomputed for every
// touched account.
func (l *Ledger) ApplyMutation(ctx context.Context, tx store.Tx, sourceID, destinationID string, amount int64, status domain.TransactionStatus) error {
	done := observeOp("mutation_" + string(status))
	defer done()

	if amount <= 0 {
		return fmt.Errorf("ledger: non-positive amount %d", amount)
	}

	touched := make(map[string]*domain.Account, 2)
	load := func(id string) (*domain.Account, error) {
		if a, ok := touched[id]; ok {
			return a, nil
		}
		a, err := tx.GetAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ledger: load account %s: %w", id, err)
		}
		touched[id] = a
		return a, nil
	}

	switch status {
	case domain.StatusPending:
		if sourceID != "" {
			src, err := load(sourceID)
			if err != nil {
				return err
			}
			src.PendingAmount += amount
		}
	case domain.StatusCompleted:
		if sourceID != "" {
			src, err := load(sourceID)
			if err != nil {
				return err
			}
			src.Balance -= amount
		}
		if destinationID != "" {
			dst, err := load(destinationID)
			if err != nil {
				return err
			}
			dst.Balance += amount
		}
	case domain.StatusFailed, domain.StatusReversed:
		if sourceID != "" {
			src, err := load(sourceID)
			if err != nil {
				return err
			}
			src.PendingAmount -= amount
		}
	default:
		return fmt.Errorf("ledger: no mutation for status %q", status)
	}

	now := l.clock.Now()
	for _, id := range []string{sourceID, destinationID} {
		a, ok := touched[id]
		if !ok {
			continue
		}
		delete(touched, id)

		a.Recompute()
		if err := a.CheckInvariants(); err != nil {
			invariantViolations.Inc()
			l.logger.Error("ledger invariant violation",
				logging.AccountID(a.ID),
				"status", string(status),
				"amount", amount,
				logging.Err(err),
			)
			return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return fmt.Errorf("ledger: update account %s: %w", a.ID, err)
		}
	}
	return nil
}

// RecordRisk stores score as the account's latest risk score inside the
// caller's unit of work. An empty id or an unchanged score is a no-op.
func (l *Ledger) RecordRisk(ctx context.Context, tx store.Tx, accountID string, score float64) error {
	if accountID == "" {
		return nil
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("ledger: risk score %v out of range", score)
	}
	a, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("ledger: load account %s: %w", accountID, err)
	}
	if a.RiskScore == score {
		return nil
	}
	a.RiskScore = score
	a.UpdatedAt = l.clock.Now()
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return fmt.Errorf("ledger: update account %s: %w", accountID, err)
	}
	return nil
}

// OpenRequest describes a new account.
type OpenRequest struct {
	OwnerID     string             `json:"ownerId"`
	Type        domain.AccountType `json:"type"`
	Currency    string             `json:"currency"`
	CreditLimit int64              `json:"creditLimit"`
	Limits      domain.Limits      `json:"limits"`
}

// Open creates an active account with a zero balance.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*domain.Account, error) {
	done := observeOp("open")
	defer done()

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, domain.Validationf("owner id is required")
	}
	if !req.Type.Valid() {
		return nil, domain.Validationf("invalid account type %q", req.Type)
	}
	if req.CreditLimit < 0 || req.Limits.PerTransaction < 0 || req.Limits.Daily < 0 {
		return nil, domain.Validationf("limits must not be negative")
	}
	if req.CreditLimit > 0 && req.Type != domain.AccountCredit {
		return nil, domain.Validationf("credit limit only applies to credit accounts")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := l.clock.Now()
	acct := &domain.Account{
		ID:          idgen.WithPrefix("acc_"),
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		Currency:    currency,
		CreditLimit: req.CreditLimit,
		Limits:      req.Limits,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, acct)
	})
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("open account: %w", err))
	}
	l.logger.Info("account opened", logging.AccountID(acct.ID), "type", string(acct.Type))
	return acct, nil
}

// Get returns a live account.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Account, error) {
	a, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("account", id)
	}
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("get account: %w", err))
	}
	return a, nil
}

// Close tombstones an account. It must carry no balance, no pending amount
// and no pending or held transactions.
func (l *Ledger) Close(ctx context.Context, id string) (*domain.Account, error) {
	done := observeOp("close")
	defer done()

	var closed *domain.Account
	err := l.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("account", id)
		}
		if err != nil {
			return err
		}
		if a.Balance != 0 || a.PendingAmount != 0 {
			return domain.InvalidStatef("account %s still holds funds", id)
		}
		pending, err := tx.HasPendingTransactions(ctx, id)
		if err != nil {
			return err
		}
		if pending {
			return domain.InvalidStatef("account %s has pending transactions", id)
		}
		now := l.clock.Now()
		a.IsActive = false
		a.ClosedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		closed = a
		return nil
	})
	if err != nil {
		return nil, wrapUnitErr("close account", err)
	}
	l.logger.Info("account closed", logging.AccountID(id))
	return closed, nil
}

// FreezeInTx freezes an account inside the caller's unit of work. It
// reports whether the account was newly frozen.
func (l *Ledger) FreezeInTx(ctx context.Context, tx store.Tx, id string) (bool, error) {
	return l.setFrozen(ctx, tx, id, true)
}

// Freeze freezes an account in its own unit of work.
func (l *Ledger) Freeze(ctx context.Context, id string) (*domain.Account, error) {
	return l.setFrozenTx(ctx, id, true)
}

// Unfreeze lifts a freeze in its own unit of work.
func (l *Ledger) Unfreeze(ctx context.Context, id string) (*domain.Account, error) {
	return l.setFrozenTx(ctx, id, false)
}

func (l *Ledger) setFrozenTx(ctx context.Context, id string, frozen bool) (*domain.Account, error) {
	var out *domain.Account
	err := l.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.setFrozen(ctx, tx, id, frozen); err != nil {
			return err
		}
		a, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, wrapUnitErr("set frozen", err)
	}
	return out, nil
}

func (l *Ledger) setFrozen(ctx context.Context, tx store.Tx, id string, frozen bool) (bool, error) {
	a, err := tx.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, domain.NotFound("account", id)
	}
	if err != nil {
		return false, err
	}
	if a.IsFrozen == frozen {
		return false, nil
	}
	a.IsFrozen = frozen
	a.UpdatedAt = l.clock.Now()
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return false, err
	}
	if frozen {
		observeOp("freeze")()
		l.logger.Warn("account frozen", logging.AccountID(id))
	} else {
		observeOp("unfreeze")()
		l.logger.Info("account unfrozen", logging.AccountID(id))
	}
	return true, nil
}

// withinTx runs fn in a unit of work, retrying on version conflicts.
func (l *Ledger) withinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return retry.DoIf(ctx, conflictAttempts, conflictBackoff, store.IsConflict, func() error {
		return l.store.WithinTx(ctx, fn)
	})
}

// wrapUnitErr passes domain errors through and hides anything else behind
// a processing error.
func wrapUnitErr(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Processing(fmt.Errorf("%s: %w", op, err))
}
