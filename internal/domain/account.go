// Package domain holds the entities shared by the ledger, the risk engine,
// the transaction coordinator and the fraud case manager.
//
// Amounts are int64 minor units throughout. Entities carry a Version that
// the store uses for compare-and-swap writes.
package domain

import "time"

// AccountType classifies an account. Only credit accounts may go negative.
type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountInvestment AccountType = "investment"
	AccountCredit     AccountType = "credit"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings, AccountInvestment, AccountCredit:
		return true
	}
	return false
}

// Limits caps outgoing movements. Zero means unlimited.
type Limits struct {
	PerTransaction int64 `json:"perTransaction"`
	Daily          int64 `json:"daily"`
}

// Account is a balance-holding ledger account.
type Account struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"ownerId"`
	Type             AccountType `json:"type"`
	Currency         string      `json:"currency"`
	Balance          int64       `json:"balance"`
	AvailableBalance int64       `json:"availableBalance"`
	PendingAmount    int64       `json:"pendingAmount"`
	CreditLimit      int64       `json:"creditLimit"`
	Limits           Limits      `json:"limits"`
	IsActive         bool        `json:"isActive"`
	IsFrozen         bool        `json:"isFrozen"`
	RiskScore        float64     `json:"riskScore"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	ClosedAt         *time.Time  `json:"closedAt,omitempty"`
}

// IsCredit reports whether the account may carry a negative balance.
func (a *Account) IsCredit() bool {
	return a.Type == AccountCredit
}

// IsClosed reports whether the account has been tombstoned.
func (a *Account) IsClosed() bool {
	return a.ClosedAt != nil
}

// Recompute refreshes AvailableBalance from Balance and PendingAmount.
func (a *Account) Recompute() {
	a.AvailableBalance = a.Balance - a.PendingAmount
}

// CheckInvariants returns a non-nil error describing the first broken
// balance invariant, if any.
func (a *Account) CheckInvariants() error {
	if a.PendingAmount < 0 {
		return &InvariantError{AccountID: a.ID, Reason: "pending amount is negative"}
	}
	if a.AvailableBalance != a.Balance-a.PendingAmount {
		return &InvariantError{AccountID: a.ID, Reason: "available balance out of sync"}
	}
	if a.IsCredit() {
		if a.Balance < -a.CreditLimit {
			return &InvariantError{AccountID: a.ID, Reason: "balance below credit limit"}
		}
		return nil
	}
	if a.Balance < 0 {
		return &InvariantError{AccountID: a.ID, Reason: "balance is negative"}
	}
	return nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
