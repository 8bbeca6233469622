// Package store persists accounts, transactions and fraud cases and
// provides the atomic unit of work the engine runs every operation in.
//
// Writes are compare-and-swap on each entity's Version. A write whose
// expected version no longer matches, or a database serialization failure,
// surfaces as ErrConflict and the caller retries the whole unit of work.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/pagination"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: concurrent modification")
	ErrDuplicate = errors.New("store: duplicate key")
)

// TransactionQuery filters transaction listings. Zero fields do not filter.
type TransactionQuery struct {
	AccountID       string // source or destination
	SourceAccountID string
	Statuses        []domain.TransactionStatus
	Since           time.Time // CreatedAt >= Since
	Until           time.Time // CreatedAt < Until
	// After resumes a newest-first listing past the cursor row.
	After *pagination.Cursor
	Limit int
}

// CaseQuery filters fraud case listings.
type CaseQuery struct {
	TransactionID string
	AccountID     string
	Statuses      []domain.CaseStatus
	Limit         int
}

// DefaultListLimit caps listings that do not set Limit.
const DefaultListLimit = 500

// Reader exposes committed state. Closed accounts are not returned.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error)
	GetCase(ctx context.Context, id string) (*domain.FraudCase, error)
	ListCases(ctx context.Context, q CaseQuery) ([]*domain.FraudCase, error)
}

// Tx is one unit of work. Reads observe the unit's own writes. Get methods
// return copies the caller may mutate and hand back to the Update methods;
// Update bumps Version on the passed entity on success.
type Tx interface {
	Reader

	CreateAccount(ctx context.Context, a *domain.Account) error
	UpdateAccount(ctx context.Context, a *domain.Account) error

	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	// SumCompletedOutgoing totals completed transactions with the account as
	// source created at or after since.
	SumCompletedOutgoing(ctx context.Context, accountID string, since time.Time) (int64, error)
	// HasPendingTransactions reports whether any pending or held
	// transaction references the account.
	HasPendingTransactions(ctx context.Context, accountID string) (bool, error)

	CreateCase(ctx context.Context, c *domain.FraudCase) error
	UpdateCase(ctx context.Context, c *domain.FraudCase) error
	// ActiveCaseForTransaction returns the open or investigating case for a
	// transaction, or ErrNotFound.
	ActiveCaseForTransaction(ctx context.Context, transactionID string) (*domain.FraudCase, error)

	// Savepoint runs fn so that, if it returns an error, its writes are
	// undone while the rest of the unit of work stays intact.
	Savepoint(ctx context.Context, fn func() error) error
}

// Store is the persistence boundary.
type Store interface {
	Reader
	// WithinTx runs fn in a unit of work that commits if fn returns nil and
	// rolls back otherwise. Commit is all-or-nothing.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// IsConflict reports whether err is a retryable concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func statusIn(s domain.TransactionStatus, set []domain.TransactionStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func caseStatusIn(s domain.CaseStatus, set []domain.CaseStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (q TransactionQuery) matches(t *domain.Transaction) bool {
	if q.AccountID != "" && !t.Involves(q.AccountID) {
		return false
	}
	if q.SourceAccountID != "" && t.SourceAccountID != q.SourceAccountID {
		return false
	}
	if !statusIn(t.Status, q.Statuses) {
		return false
	}
	if !q.Since.IsZero() && t.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.CreatedAt.Before(q.Until) {
		return false
	}
	return q.After.Precedes(t.CreatedAt, t.ID)
}

func (q CaseQuery) matches(c *domain.FraudCase) bool {
	if q.TransactionID != "" && c.TransactionID != q.TransactionID {
		return false
	}
	if q.AccountID != "" && c.AccountID != q.AccountID {
		return false
	}
	return caseStatusIn(c.Status, q.Statuses)
}

func limitOrDefault(n int) int {
	if n <= 0 || n > DefaultListLimit {
		return DefaultListLimit
	}
	return n
}
