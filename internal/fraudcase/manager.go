// Package fraudcase turns high-risk transactions and user reports into
// investigable cases and drives their side effects: account freezes,
// reversals and the release of held transactions.
package fraudcase

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
	"github.com/mbd888/riskledger/internal/notify"
	"github.com/mbd888/riskledger/internal/retry"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/syncutil"
	"github.com/mbd888/riskledger/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// SystemActor is recorded on actions the manager performs by itself.
const SystemActor = "system"

const (
	conflictAttempts = 3
	conflictBackoff  = 5 * time.Millisecond
)

// Freezer freezes accounts inside a unit of work.
type Freezer interface {
	FreezeInTx(ctx context.Context, tx store.Tx, accountID string) (bool, error)
}

// Reverser reverses a completed transaction inside a unit of work.
type Reverser interface {
	ReverseInTx(ctx context.Context, tx store.Tx, transactionID, reason string) (*domain.Transaction, error)
}

// HoldReleaser settles or fails the transaction held behind a case that has
// just reached a terminal status. It returns nil when nothing was held.
type HoldReleaser interface {
	ReleaseInTx(ctx context.Context, tx store.Tx, c *domain.FraudCase) (*domain.Transaction, error)
}

// Manager owns the fraud case lifecycle.
type Manager struct {
	store    store.Store
	freezer  Freezer
	reverser Reverser
	releaser HoldReleaser
	sink     notify.Sink
	locks    *syncutil.KeyedMutex
	clock    clock.Clock
	logger   *slog.Logger
}

// NewManager creates a manager. Reversal and release are disabled until
// WithReverser and WithReleaser are called.
func NewManager(st store.Store, freezer Freezer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:   st,
		freezer: freezer,
		sink:    notify.Nop{},
		locks:   syncutil.NewKeyedMutex(),
		clock:   clock.Real{},
		logger:  logger,
	}
}

func (m *Manager) WithReverser(r Reverser) *Manager {
	m.reverser = r
	return m
}

func (m *Manager) WithReleaser(r HoldReleaser) *Manager {
	m.releaser = r
	return m
}

func (m *Manager) WithSink(s notify.Sink) *Manager {
	if s == nil {
		s = notify.Nop{}
	}
	m.sink = s
	return m
}

// WithLocks shares the keyed mutex the transaction coordinator uses, so
// case-driven releases and reversals serialize with submissions on the same
// accounts.
func (m *Manager) WithLocks(l *syncutil.KeyedMutex) *Manager {
	m.locks = l
	return m
}

func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Escalate opens a case for a held transaction inside the caller's unit of
// work and marks the transaction as fraud-reviewed. If an active case
// already exists for the transaction it is returned instead.
//
// Escalate never fails the caller: on any error its writes are rolled back
// to a savepoint, the failure is logged and nil is returned.
func (m *Manager) Escalate(ctx context.Context, tx store.Tx, txn *domain.Transaction, r *risk.Result) *domain.FraudCase {
	ctx, span := traces.StartSpan(ctx, "fraudcase.Escalate",
		traces.TransactionID(txn.ID),
		traces.RiskScore(r.Score),
	)
	defer span.End()

	var (
		opened *domain.FraudCase
		marked *domain.Transaction
	)
	err := tx.Savepoint(ctx, func() error {
		existing, err := tx.ActiveCaseForTransaction(ctx, txn.ID)
		if err == nil {
			opened = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check active case: %w", err)
		}

		detection := domain.DetectionML
		if ind, ok := r.Indicators.Dominant(); ok {
			detection = ind.DetectionType()
		}

		c := m.newCase(txn.SubjectAccountID(), detection)
		c.TransactionID = txn.ID
		c.FraudScore = r.Percent()
		c.Description = fmt.Sprintf("Transaction %s held with risk score %.2f", txn.Reference, r.Score)
		if c.AccountID != "" {
			if acct, err := tx.GetAccount(ctx, c.AccountID); err == nil {
				c.UserID = acct.OwnerID
			}
		}
		if err := tx.CreateCase(ctx, c); err != nil {
			return fmt.Errorf("create case: %w", err)
		}

		marked = txn.Clone()
		marked.FraudReviewed = true
		if err := tx.UpdateTransaction(ctx, marked); err != nil {
			return fmt.Errorf("mark transaction reviewed: %w", err)
		}
		opened = c
		return nil
	})
	if err != nil {
		escalationFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "escalation failed")
		logging.L(ctx, m.logger).Error("fraud case escalation failed, transaction stays held",
			logging.TransactionID(txn.ID),
			logging.Err(err),
		)
		return nil
	}
	if marked != nil {
		*txn = *marked
		casesOpened.WithLabelValues(string(opened.DetectionType)).Inc()
		logging.L(ctx, m.logger).Warn("fraud case opened",
			logging.CaseID(opened.ID),
			logging.TransactionID(txn.ID),
			"detection_type", string(opened.DetectionType),
			"fraud_score", opened.FraudScore,
		)
	}
	span.SetAttributes(traces.CaseID(opened.ID))
	return opened
}

// ReportRequest is a user-submitted fraud report.
type ReportRequest struct {
	TransactionID string `json:"transactionId"`
	AccountID     string `json:"accountId"`
	UserID        string `json:"userId"`
	Description   string `json:"description"`
	Reporter      string `json:"reporter"`
}

// Report opens a manual_report case about a transaction or an account.
func (m *Manager) Report(ctx context.Context, req ReportRequest) (*domain.FraudCase, error) {
	if req.TransactionID == "" && req.AccountID == "" {
		return nil, domain.Validationf("a transaction id or an account id is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, domain.Validationf("description is required")
	}

	lockKey := "acct:" + req.AccountID
	if req.TransactionID != "" {
		lockKey = "txn:" + req.TransactionID
	}
	unlock, err := m.locks.Lock(ctx, lockKey)
	if err != nil {
		return nil, domain.Processing(err)
	}
	defer unlock()

	var (
		opened *domain.FraudCase
		txn    *domain.Transaction
	)
	err = m.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accountID := req.AccountID
		txn = nil
		if req.TransactionID != "" {
			t, err := tx.GetTransaction(ctx, req.TransactionID)
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound("transaction", req.TransactionID)
			}
			if err != nil {
				return err
			}
			if _, err := tx.ActiveCaseForTransaction(ctx, t.ID); err == nil {
				return domain.InvalidStatef("transaction %s already has an open case", t.ID)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if accountID == "" {
				accountID = t.SubjectAccountID()
			}
			txn = t
		}

		c := m.newCase(accountID, domain.DetectionManualReport)
		c.TransactionID = req.TransactionID
		c.UserID = req.UserID
		c.Description = req.Description
		if txn != nil {
			c.FraudScore = txn.FraudScore
		}
		if accountID != "" {
			acct, err := tx.GetAccount(ctx, accountID)
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound("account", accountID)
			}
			if err != nil {
				return err
			}
			if c.UserID == "" {
				c.UserID = acct.OwnerID
			}
		}
		reporter := req.Reporter
		if reporter == "" {
			reporter = c.UserID
		}
		c.Notes = append(c.Notes, domain.AuditNote{Author: reporter, Text: "reported: " + req.Description, At: c.CreatedAt})
		if err := tx.CreateCase(ctx, c); err != nil {
			return err
		}
		opened = c
		return nil
	})
	if err != nil {
		return nil, m.wrapErr(ctx, "report fraud", err)
	}

	casesOpened.WithLabelValues(string(domain.DetectionManualReport)).Inc()
	logging.L(ctx, m.logger).Info("fraud reported", logging.CaseID(opened.ID), logging.AccountID(opened.AccountID))
	m.sink.NotifyFraudAlert(ctx, opened, txn)
	return opened, nil
}

// Patch updates a case. Nil fields are left unchanged.
type Patch struct {
	Status      *domain.CaseStatus `json:"status,omitempty"`
	Description *string            `json:"description,omitempty"`
	Actor       string             `json:"actor"`
	Note        string             `json:"note,omitempty"`
}

// UpdateCase applies p. Moving a case to resolved_fraud freezes its account
// and logs an account_freeze action once. Any terminal status stamps the
// resolution date once and releases or fails the transaction held behind
// the case. Moves outside the case status machine are rejected. Terminal
// cases accept only notes; repeating the current status is a no-op.
func (m *Manager) UpdateCase(ctx context.Context, id string, p Patch) (*domain.FraudCase, error) {
	ctx, span := traces.StartSpan(ctx, "fraudcase.UpdateCase", traces.CaseID(id))
	defer span.End()

	if p.Status != nil && !p.Status.Valid() {
		return nil, domain.Validationf("invalid case status %q", *p.Status)
	}

	unlock, err := m.lockCase(ctx, id)
	if err != nil {
		return nil, domain.Processing(err)
	}
	defer unlock()

	var (
		updated  *domain.FraudCase
		frozen   bool
		released *domain.Transaction
	)
	err = m.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		frozen, released = false, nil

		c, err := tx.GetCase(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("fraud case", id)
		}
		if err != nil {
			return err
		}
		now := m.clock.Now()

		if c.Status.IsTerminal() {
			if p.Description != nil || (p.Status != nil && *p.Status != c.Status) {
				return domain.InvalidStatef("case %s is %s and can no longer change", id, c.Status)
			}
			if p.Note == "" {
				updated = c
				return nil
			}
			c.Notes = append(c.Notes, domain.AuditNote{Author: p.Actor, Text: p.Note, At: now})
			c.UpdatedAt = now
			if err := tx.UpdateCase(ctx, c); err != nil {
				return err
			}
			updated = c
			return nil
		}

		if p.Status != nil && *p.Status != c.Status && !c.Status.CanTransition(*p.Status) {
			return domain.InvalidStatef("case %s cannot move from %s to %s", id, c.Status, *p.Status)
		}
		if p.Description != nil {
			c.Description = *p.Description
		}
		if p.Note != "" {
			c.Notes = append(c.Notes, domain.AuditNote{Author: p.Actor, Text: p.Note, At: now})
		}
		if p.Status != nil && *p.Status != c.Status {
			c.Status = *p.Status
			if c.Status == domain.CaseResolvedFraud {
				frozen, err = m.freeze(ctx, tx, c, SystemActor, "automatic freeze on confirmed fraud", now)
				if err != nil {
					return err
				}
			}
			if c.Status.IsTerminal() {
				if c.ResolutionDate == nil {
					resolved := now
					c.ResolutionDate = &resolved
				}
				if m.releaser != nil && c.TransactionID != "" {
					released, err = m.releaser.ReleaseInTx(ctx, tx, c)
					if err != nil {
						return fmt.Errorf("release held transaction: %w", err)
					}
				}
			}
		}
		c.UpdatedAt = now
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, m.wrapErr(ctx, "update case", err)
	}

	if p.Status != nil {
		caseTransitions.WithLabelValues(string(*p.Status)).Inc()
		logging.L(ctx, m.logger).Info("fraud case updated",
			logging.CaseID(id),
			"status", string(updated.Status),
			"actor", p.Actor,
		)
	}
	if frozen {
		m.sink.NotifyAccountFrozen(ctx, updated.AccountID, updated.ID)
	}
	if released != nil && released.Status == domain.StatusCompleted {
		m.sink.NotifyTransactionSettled(ctx, released)
	}
	return updated, nil
}

// ActionRequest is an investigator action on a case.
type ActionRequest struct {
	Type  domain.ActionType `json:"type"`
	Actor string            `json:"actor"`
	Notes string            `json:"notes"`
}

// AddAction appends an action. account_freeze freezes the case's account;
// transaction_reversal reverses the linked transaction when it is completed.
func (m *Manager) AddAction(ctx context.Context, id string, a ActionRequest) (*domain.FraudCase, error) {
	switch a.Type {
	case domain.ActionAccountFreeze, domain.ActionTransactionReversal, domain.ActionContactCustomer, domain.ActionNote:
	default:
		return nil, domain.Validationf("invalid action type %q", a.Type)
	}
	if strings.TrimSpace(a.Actor) == "" {
		return nil, domain.Validationf("actor is required")
	}

	unlock, err := m.lockCase(ctx, id)
	if err != nil {
		return nil, domain.Processing(err)
	}
	defer unlock()

	var (
		updated  *domain.FraudCase
		frozen   bool
		original *domain.Transaction
		refund   *domain.Transaction
	)
	err = m.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		frozen, original, refund = false, nil, nil

		c, err := tx.GetCase(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("fraud case", id)
		}
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return domain.InvalidStatef("case %s is %s and can no longer change", id, c.Status)
		}
		now := m.clock.Now()

		switch a.Type {
		case domain.ActionAccountFreeze:
			frozen, err = m.freeze(ctx, tx, c, a.Actor, a.Notes, now)
			if err != nil {
				return err
			}
		case domain.ActionTransactionReversal:
			notes := a.Notes
			if c.TransactionID != "" && m.reverser != nil {
				t, err := tx.GetTransaction(ctx, c.TransactionID)
				if err != nil {
					return fmt.Errorf("load case transaction: %w", err)
				}
				if t.Status == domain.StatusCompleted {
					refund, err = m.reverser.ReverseInTx(ctx, tx, t.ID, "fraud case "+c.ID)
					if err != nil {
						return err
					}
					original, err = tx.GetTransaction(ctx, t.ID)
					if err != nil {
						return err
					}
					notes = strings.TrimSpace(notes + " refund " + refund.Reference)
				}
			}
			c.Actions = append(c.Actions, domain.CaseAction{Type: a.Type, Actor: a.Actor, At: now, Notes: notes})
		default:
			c.Actions = append(c.Actions, domain.CaseAction{Type: a.Type, Actor: a.Actor, At: now, Notes: a.Notes})
		}

		c.UpdatedAt = now
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, m.wrapErr(ctx, "add case action", err)
	}

	logging.L(ctx, m.logger).Info("fraud case action",
		logging.CaseID(id),
		"action", string(a.Type),
		"actor", a.Actor,
	)
	if frozen {
		m.sink.NotifyAccountFrozen(ctx, updated.AccountID, updated.ID)
	}
	if refund != nil {
		m.sink.NotifyReversal(ctx, original, refund)
	}
	return updated, nil
}

// AddNote appends an audit note. Notes are accepted in every status.
func (m *Manager) AddNote(ctx context.Context, id, author, text string) (*domain.FraudCase, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.Validationf("note text is required")
	}
	return m.UpdateCase(ctx, id, Patch{Actor: author, Note: text})
}

// Get returns a case by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.FraudCase, error) {
	c, err := m.store.GetCase(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("fraud case", id)
	}
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("get case: %w", err))
	}
	return c, nil
}

// ListByStatus returns cases in status, newest first.
func (m *Manager) ListByStatus(ctx context.Context, status domain.CaseStatus, limit int) ([]*domain.FraudCase, error) {
	if !status.Valid() {
		return nil, domain.Validationf("invalid case status %q", status)
	}
	cases, err := m.store.ListCases(ctx, store.CaseQuery{Statuses: []domain.CaseStatus{status}, Limit: limit})
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("list cases: %w", err))
	}
	return cases, nil
}

// ListByTransaction returns every case that references a transaction.
func (m *Manager) ListByTransaction(ctx context.Context, transactionID string) ([]*domain.FraudCase, error) {
	cases, err := m.store.ListCases(ctx, store.CaseQuery{TransactionID: transactionID})
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("list cases: %w", err))
	}
	return cases, nil
}

func (m *Manager) newCase(accountID string, detection domain.DetectionType) *domain.FraudCase {
	now := m.clock.Now()
	return &domain.FraudCase{
		ID:            idgen.WithPrefix("case_"),
		AccountID:     accountID,
		DetectionType: detection,
		Status:        domain.CaseOpen,
		Actions:       []domain.CaseAction{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// freeze freezes the case account and logs the account_freeze action the
// first time only.
func (m *Manager) freeze(ctx context.Context, tx store.Tx, c *domain.FraudCase, actor, notes string, now time.Time) (bool, error) {
	if c.AccountID == "" {
		return false, nil
	}
	changed, err := m.freezer.FreezeInTx(ctx, tx, c.AccountID)
	if err != nil {
		return false, fmt.Errorf("freeze account: %w", err)
	}
	if !c.HasAction(domain.ActionAccountFreeze) {
		c.Actions = append(c.Actions, domain.CaseAction{
			Type:  domain.ActionAccountFreeze,
			Actor: actor,
			At:    now,
			Notes: notes,
		})
	}
	return changed, nil
}

// lockCase locks the case together with every account its transaction
// touches. The ids are read before locking; they never change once written.
// A missing case or transaction only narrows the key set and is reported by
// the unit of work.
func (m *Manager) lockCase(ctx context.Context, id string) (func(), error) {
	keys := []string{"case:" + id}
	if c, err := m.store.GetCase(ctx, id); err == nil {
		keys = append(keys, c.AccountID)
		if c.TransactionID != "" {
			if t, err := m.store.GetTransaction(ctx, c.TransactionID); err == nil {
				keys = append(keys, t.AccountIDs()...)
			}
		}
	}
	return m.locks.LockAll(ctx, keys...)
}

func (m *Manager) withinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return retry.DoIf(ctx, conflictAttempts, conflictBackoff, store.IsConflict, func() error {
		return m.store.WithinTx(ctx, fn)
	})
}

func (m *Manager) wrapErr(ctx context.Context, op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	logging.L(ctx, m.logger).Error(op+" failed", logging.Err(err))
	return domain.Processing(fmt.Errorf("%s: %w", op, err))
}
