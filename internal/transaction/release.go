package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/store"
)

// ReleaseInTx resolves the transaction held behind a case that has just
// reached a terminal status. A resolved_genuine case re-checks the accounts
// and settles the transaction, failing it if the checks no longer pass. Any
// other terminal status fails it. It returns nil when the transaction is
// not held.
func (c *Coordinator) ReleaseInTx(ctx context.Context, tx store.Tx, fc *domain.FraudCase) (*domain.Transaction, error) {
	if fc.TransactionID == "" || !fc.Status.IsTerminal() {
		return nil, nil
	}
	t, err := tx.GetTransaction(ctx, fc.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load held transaction: %w", err)
	}
	if t.Status != domain.StatusPendingReview {
		return nil, nil
	}
	if err := c.resolveHeld(ctx, tx, t, fc.Status, "case "+fc.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// Release resolves a held transaction whose cases are all closed. With no
// case at all, as after a failed escalation, the transaction is failed so
// it never stays parked.
func (c *Coordinator) Release(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	held, err := c.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	unlock, err := c.locks.LockAll(ctx, held.AccountIDs()...)
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("acquire account locks: %w", err))
	}
	defer unlock()

	var out *domain.Transaction
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusPendingReview {
			return domain.InvalidStatef("transaction %s is %s, not held", t.Reference, t.Status)
		}
		if _, err := tx.ActiveCaseForTransaction(ctx, t.ID); err == nil {
			return domain.InvalidStatef("transaction %s still has an open fraud case", t.Reference)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		verdict, why := domain.CaseClosed, "no fraud case"
		cases, err := tx.ListCases(ctx, store.CaseQuery{TransactionID: t.ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(cases) > 0 {
			verdict, why = cases[0].Status, "case "+cases[0].ID
		}
		if err := c.resolveHeld(ctx, tx, t, verdict, why); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		if domain.IsClientError(err) {
			return nil, err
		}
		logging.L(ctx, c.logger).Error("release failed", logging.TransactionID(transactionID), logging.Err(err))
		return nil, domain.Processing(err)
	}
	if out.Status == domain.StatusCompleted {
		c.sink.NotifyTransactionSettled(ctx, out)
	}
	return out, nil
}

func (c *Coordinator) resolveHeld(ctx context.Context, tx store.Tx, t *domain.Transaction, verdict domain.CaseStatus, why string) error {
	now := c.clock.Now()
	if verdict != domain.CaseResolvedGenuine {
		if err := t.Transition(domain.StatusFailed, fmt.Sprintf("rejected: %s %s", why, verdict), now); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("fail held transaction: %w", err)
		}
		releasesTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		return nil
	}

	if err := c.validateAccounts(ctx, tx, t); err != nil {
		var de *domain.Error
		if !errors.As(err, &de) {
			return err
		}
		if err := t.Transition(domain.StatusFailed, "release failed: "+de.Message, now); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("fail held transaction: %w", err)
		}
		releasesTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		logging.L(ctx, c.logger).Info("held transaction failed on release",
			logging.TransactionID(t.ID),
			"reason", de.Message,
		)
		return nil
	}
	t.FraudReviewed = true
	if err := c.settle(ctx, tx, t, "released: "+why+" resolved genuine"); err != nil {
		return err
	}
	releasesTotal.WithLabelValues(string(domain.StatusCompleted)).Inc()
	return nil
}
