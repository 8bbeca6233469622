package domain

import "time"

// DetectionType names what caused a fraud case to be opened.
type DetectionType string

const (
	DetectionUnusualAmount     DetectionType = "unusual_amount"
	DetectionLocationChange    DetectionType = "location_change"
	DetectionUnusualTime       DetectionType = "unusual_time"
	DetectionFailedAttempts    DetectionType = "failed_attempts"
	DetectionSuspiciousPattern DetectionType = "suspicious_pattern"
	DetectionML                DetectionType = "ml_detection"
	DetectionManualReport      DetectionType = "manual_report"
)

// CaseStatus is the investigation state of a fraud case.
type CaseStatus string

const (
	CaseOpen            CaseStatus = "open"
	CaseInvestigating   CaseStatus = "investigating"
	CaseResolvedGenuine CaseStatus = "resolved_genuine"
	CaseResolvedFraud   CaseStatus = "resolved_fraud"
	CaseClosed          CaseStatus = "closed"
)

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseOpen, CaseInvestigating, CaseResolvedGenuine, CaseResolvedFraud, CaseClosed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final status.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case CaseResolvedGenuine, CaseResolvedFraud, CaseClosed:
		return true
	}
	return false
}

var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseOpen:          {CaseInvestigating, CaseResolvedGenuine, CaseResolvedFraud, CaseClosed},
	CaseInvestigating: {CaseResolvedGenuine, CaseResolvedFraud, CaseClosed},
}

// CanTransition reports whether a case in status s may move to next.
// Terminal statuses have no outgoing moves.
func (s CaseStatus) CanTransition(next CaseStatus) bool {
	for _, to := range caseTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsActive reports whether s counts toward the one-active-case-per-transaction rule.
func (s CaseStatus) IsActive() bool {
	return s == CaseOpen || s == CaseInvestigating
}

// ActionType is the kind of an investigator action on a case.
type ActionType string

const (
	ActionAccountFreeze       ActionType = "account_freeze"
	ActionTransactionReversal ActionType = "transaction_reversal"
	ActionContactCustomer     ActionType = "contact_customer"
	ActionNote                ActionType = "note"
)

// CaseAction is one entry of a case's ordered action log.
type CaseAction struct {
	Type  ActionType `json:"type"`
	Actor string     `json:"actor"`
	At    time.Time  `json:"at"`
	Notes string     `json:"notes,omitempty"`
}

// AuditNote is free text attached to a case. Notes may be added in any status.
type AuditNote struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// FraudCase is an investigable record about a suspicious transaction.
type FraudCase struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId,omitempty"`
	AccountID      string        `json:"accountId,omitempty"`
	TransactionID  string        `json:"transactionId,omitempty"`
	DetectionType  DetectionType `json:"detectionType"`
	FraudScore     int           `json:"fraudScore"`
	Status         CaseStatus    `json:"status"`
	Description    string        `json:"description,omitempty"`
	Actions        []CaseAction  `json:"actions"`
	Notes          []AuditNote   `json:"notes,omitempty"`
	ResolutionDate *time.Time    `json:"resolutionDate,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// HasAction reports whether an action of type t is already logged.
func (c *FraudCase) HasAction(t ActionType) bool {
	for _, a := range c.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *FraudCase) Clone() *FraudCase {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Actions = append([]CaseAction(nil), c.Actions...)
	cp.Notes = append([]AuditNote(nil), c.Notes...)
	if c.ResolutionDate != nil {
		t := *c.ResolutionDate
		cp.ResolutionDate = &t
	}
	return &cp
}
