package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/idgen"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Reverse undoes a completed transaction with a refund moving the same
// amount the other way. The refund is not risk scored.
func (c *Coordinator) Reverse(ctx context.Context, transactionID, reason string) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Reverse", traces.TransactionID(transactionID))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, domain.Validationf("a reversal reason is required")
	}
	original, err := c.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locks.LockAll(ctx, original.AccountIDs()...)
	if err != nil {
		return nil, domain.Processing(fmt.Errorf("acquire account locks: %w", err))
	}
	defer unlock()

	var orig, refund *domain.Transaction
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := c.ReverseInTx(ctx, tx, transactionID, reason)
		if err != nil {
			return err
		}
		o, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		orig, refund = o, r
		return nil
	})
	if err != nil {
		if domain.IsClientError(err) {
			reversalsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		reversalsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reversal failed")
		logging.L(ctx, c.logger).Error("reversal failed", logging.TransactionID(transactionID), logging.Err(err))
		return nil, domain.Processing(err)
	}

	reversalsTotal.WithLabelValues("reversed").Inc()
	logging.L(ctx, c.logger).Info("transaction reversed",
		logging.TransactionID(transactionID),
		"refund_id", refund.ID,
		"amount", refund.Amount,
		"reason", reason,
	)
	c.sink.NotifyReversal(ctx, orig, refund)
	return refund, nil
}

// ReverseInTx performs the reversal inside the caller's unit of work. The
// caller is responsible for serializing access to the accounts involved.
func (c *Coordinator) ReverseInTx(ctx context.Context, tx store.Tx, transactionID, reason string) (*domain.Transaction, error) {
	orig, err := tx.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("transaction", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if orig.Status != domain.StatusCompleted {
		return nil, domain.InvalidStatef("transaction %s is %s; only completed transactions can be reversed", orig.Reference, orig.Status)
	}

	now := c.clock.Now()
	refund := &domain.Transaction{
		ID:                   idgen.WithPrefix("txn_"),
		Reference:            idgen.Reference(now),
		SourceAccountID:      orig.DestinationAccountID,
		DestinationAccountID: orig.SourceAccountID,
		Amount:               orig.Amount,
		Currency:             orig.Currency,
		Type:                 domain.TypeRefund,
		Description:          fmt.Sprintf("Reversal of %s: %s", orig.Reference, reason),
		RelatedTransactions:  []string{orig.ID},
		CreatedAt:            now,
	}

	// Frozen accounts still take part: a reversal is a compensating action.
	for _, id := range refund.AccountIDs() {
		a, err := tx.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.InvalidStatef("account %s is closed; transaction %s cannot be reversed", id, orig.Reference)
		}
		if err != nil {
			return nil, fmt.Errorf("load account %s: %w", id, err)
		}
		if id != refund.SourceAccountID {
			continue
		}
		if a.IsCredit() {
			if a.Balance-refund.Amount < -a.CreditLimit {
				return nil, domain.InsufficientFundsf("account %s cannot cover the reversal of %s", id, orig.Reference)
			}
		} else if a.AvailableBalance < refund.Amount {
			return nil, domain.InsufficientFundsf("account %s cannot cover the reversal of %s", id, orig.Reference)
		}
	}

	if err := refund.Transition(domain.StatusPending, "reversal created", now); err != nil {
		return nil, err
	}
	if err := tx.CreateTransaction(ctx, refund); err != nil {
		return nil, fmt.Errorf("persist refund: %w", err)
	}
	if err := c.settle(ctx, tx, refund, "reversal completed"); err != nil {
		return nil, err
	}

	if err := orig.Transition(domain.StatusReversed, fmt.Sprintf("reversed by %s: %s", refund.Reference, reason), now); err != nil {
		return nil, err
	}
	orig.RelatedTransactions = append(orig.RelatedTransactions, refund.ID)
	if err := tx.UpdateTransaction(ctx, orig); err != nil {
		return nil, fmt.Errorf("mark reversed: %w", err)
	}
	return refund, nil
}
