package domain

import "time"

// TransactionType is the kind of money movement requested.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypePayment    TransactionType = "payment"
	TypeRefund     TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransfer, TypePayment, TypeRefund:
		return true
	}
	return false
}

// TransactionStatus is the settlement state of a transaction.
type TransactionStatus string

const (
	// StatusPending is the state of a freshly persisted transaction that
	// has not been scored yet.
	StatusPending TransactionStatus = "pending"
	// StatusPendingReview is a scored transaction parked behind a fraud case.
	// No money has moved.
	StatusPendingReview TransactionStatus = "pending_review"
	StatusCompleted     TransactionStatus = "completed"
	StatusFailed        TransactionStatus = "failed"
	StatusReversed      TransactionStatus = "reversed"
)

// StatusChange is one entry of a transaction's append-only history.
type StatusChange struct {
	Status TransactionStatus `json:"status"`
	Note   string            `json:"note,omitempty"`
	At     time.Time         `json:"at"`
}

// ClientMetadata describes the client that requested a transaction.
type ClientMetadata struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Transaction is a requested or settled movement of funds.
type Transaction struct {
	ID                   string            `json:"id"`
	Reference            string            `json:"reference"`
	SourceAccountID      string            `json:"sourceAccountId,omitempty"`
	DestinationAccountID string            `json:"destinationAccountId,omitempty"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	StatusHistory        []StatusChange    `json:"statusHistory"`
	FraudScore           int               `json:"fraudScore"`
	FraudReviewed        bool              `json:"fraudReviewed"`
	RelatedTransactions  []string          `json:"relatedTransactions,omitempty"`
	Description          string            `json:"description,omitempty"`
	Metadata             ClientMetadata    `json:"metadata"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	"":                  {StatusPending},
	StatusPending:       {StatusCompleted, StatusFailed, StatusPendingReview},
	StatusPendingReview: {StatusCompleted, StatusFailed},
	StatusCompleted:     {StatusReversed},
}

// CanTransition reports whether a transaction in status s may move to next.
// The zero status only moves to pending; failed and reversed are final.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	for _, to := range transactionTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Transition moves the transaction to status and appends a history entry.
// It refuses moves the status machine does not allow and leaves t untouched.
func (t *Transaction) Transition(status TransactionStatus, note string, at time.Time) error {
	if !t.Status.CanTransition(status) {
		return InvalidStatef("transaction %s cannot move from %q to %q", t.ID, t.Status, status)
	}
	t.Status = status
	t.StatusHistory = append(t.StatusHistory, StatusChange{Status: status, Note: note, At: at})
	t.UpdatedAt = at
	if status == StatusCompleted {
		ts := at
		t.CompletedAt = &ts
	}
	return nil
}

// Involves reports whether accountID is the source or the destination.
func (t *Transaction) Involves(accountID string) bool {
	return accountID != "" && (t.SourceAccountID == accountID || t.DestinationAccountID == accountID)
}

// SubjectAccountID is the account a transaction is attributed to for risk
// and case purposes: the source when present, otherwise the destination.
func (t *Transaction) SubjectAccountID() string {
	if t.SourceAccountID != "" {
		return t.SourceAccountID
	}
	return t.DestinationAccountID
}

// AccountIDs returns the non-empty account ids the transaction touches.
func (t *Transaction) AccountIDs() []string {
	ids := make([]string, 0, 2)
	if t.SourceAccountID != "" {
		ids = append(ids, t.SourceAccountID)
	}
	if t.DestinationAccountID != "" && t.DestinationAccountID != t.SourceAccountID {
		ids = append(ids, t.DestinationAccountID)
	}
	return ids
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StatusHistory = append([]StatusChange(nil), t.StatusHistory...)
	cp.RelatedTransactions = append([]string(nil), t.RelatedTransactions...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
