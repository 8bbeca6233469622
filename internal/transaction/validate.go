package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/store"
)

// party says whether a side of a transaction is required, optional or
// forbidden for a transaction type.
type party int

const (
	forbidden party = iota
	optional
	required
)

type rule struct {
	source      party
	destination party
}

// rules is the per-type validation table. Refunds are absent: they are
// produced by reversal only.
var rules = map[domain.TransactionType]rule{
	domain.TypeTransfer:   {source: required, destination: required},
	domain.TypeWithdrawal: {source: required, destination: forbidden},
	domain.TypeDeposit:    {source: forbidden, destination: required},
	domain.TypePayment:    {source: required, destination: optional},
}

// validateShape checks the request without touching storage.
func validateShape(req *Request) error {
	if req.Type == domain.TypeRefund {
		return domain.Validationf("refunds are created by reversal only")
	}
	r, ok := rules[req.Type]
	if !ok {
		return domain.Validationf("invalid transaction type %q", req.Type)
	}
	if req.Amount <= 0 {
		return domain.Validationf("amount must be positive")
	}
	if err := checkParty("source", req.SourceAccountID, r.source); err != nil {
		return err
	}
	if err := checkParty("destination", req.DestinationAccountID, r.destination); err != nil {
		return err
	}
	if req.SourceAccountID != "" && req.SourceAccountID == req.DestinationAccountID {
		return domain.Validationf("source and destination accounts must differ")
	}
	if c := strings.TrimSpace(req.Currency); c != "" && len(c) != 3 {
		return domain.Validationf("invalid currency %q", req.Currency)
	}
	return nil
}

func checkParty(side, id string, p party) error {
	switch {
	case p == required && id == "":
		return domain.Validationf("%s account is required", side)
	case p == forbidden && id != "":
		return domain.Validationf("%s account is not allowed for this transaction type", side)
	}
	return nil
}

// validateAccounts runs the business checks against current state. Source
// checks run in order and the first failure wins.
//
// The daily limit sums completed outgoing transactions since local midnight
// and then decides. Two concurrent submissions from different processes can
// both pass it; the check is best-effort.
func (c *Coordinator) validateAccounts(ctx context.Context, tx store.Tx, t *domain.Transaction) error {
	if t.SourceAccountID != "" {
		src, err := loadAccount(ctx, tx, t.SourceAccountID)
		if err != nil {
			return err
		}
		if err := c.checkSource(ctx, tx, src, t.Amount); err != nil {
			return err
		}
		if src.Currency != t.Currency {
			return domain.Validationf("currency %s does not match account currency %s", t.Currency, src.Currency)
		}
	}
	if t.DestinationAccountID != "" {
		dst, err := loadAccount(ctx, tx, t.DestinationAccountID)
		if err != nil {
			return err
		}
		if err := checkDestination(dst); err != nil {
			return err
		}
		if dst.Currency != t.Currency {
			return domain.Validationf("currency %s does not match account currency %s", t.Currency, dst.Currency)
		}
	}
	return nil
}

func (c *Coordinator) checkSource(ctx context.Context, tx store.Tx, a *domain.Account, amount int64) error {
	if !a.IsActive {
		return domain.Validationf("source account %s is not active", a.ID)
	}
	if a.IsFrozen {
		return domain.Validationf("source account %s is frozen", a.ID)
	}
	if a.IsCredit() {
		if a.Balance-amount < -a.CreditLimit {
			return domain.InsufficientFundsf("credit limit exceeded on account %s", a.ID)
		}
	} else if a.AvailableBalance < amount {
		return domain.InsufficientFundsf("insufficient funds in account %s", a.ID)
	}
	if a.Limits.PerTransaction > 0 && amount > a.Limits.PerTransaction {
		return domain.LimitExceededf("amount exceeds the per-transaction limit of %d", a.Limits.PerTransaction)
	}
	if a.Limits.Daily > 0 {
		since := clock.StartOfDay(c.clock.Now(), c.cfg.Location)
		spent, err := tx.SumCompletedOutgoing(ctx, a.ID, since)
		if err != nil {
			return fmt.Errorf("sum daily outgoing: %w", err)
		}
		if spent+amount > a.Limits.Daily {
			return domain.LimitExceededf("daily limit of %d exceeded (%d already spent today)", a.Limits.Daily, spent)
		}
	}
	return nil
}

func checkDestination(a *domain.Account) error {
	if !a.IsActive {
		return domain.Validationf("destination account %s is not active", a.ID)
	}
	if a.IsFrozen {
		return domain.Validationf("destination account %s is frozen", a.ID)
	}
	return nil
}

func loadAccount(ctx context.Context, tx store.Tx, id string) (*domain.Account, error) {
	a, err := tx.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return a, nil
}
