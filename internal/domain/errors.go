package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. ErrInsufficientFunds and ErrLimitExceeded
// are validation errors too, so errors.Is(err, ErrValidation) matches them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLimitExceeded     = errors.New("limit exceeded")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrProcessing        = errors.New("processing failed")
)

// Kind classifies an Error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindInsufficientFunds
	KindLimitExceeded
	KindNotFound
	KindInvalidState
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Error is the error type returned across the engine's public surface.
// Message is safe to show to a caller; Err carries internal detail for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation || e.Kind == KindInsufficientFunds || e.Kind == KindLimitExceeded
	case ErrInsufficientFunds:
		return e.Kind == KindInsufficientFunds
	case ErrLimitExceeded:
		return e.Kind == KindLimitExceeded
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	case ErrProcessing:
		return e.Kind == KindProcessing
	}
	return false
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InsufficientFundsf(format string, args ...any) error {
	return &Error{Kind: KindInsufficientFunds, Message: fmt.Sprintf(format, args...)}
}

func LimitExceededf(format string, args ...any) error {
	return &Error{Kind: KindLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity id.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func InvalidStatef(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Processing wraps an unexpected internal failure behind an opaque message.
func Processing(err error) error {
	return &Error{Kind: KindProcessing, Message: "transaction processing failed", Err: err}
}

// KindOf returns the Kind of err, or KindProcessing for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindProcessing
}

// IsClientError reports whether err is caused by the caller's input or the
// current state of the addressed entity, as opposed to an internal failure.
func IsClientError(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind != KindProcessing
}

// InvariantError reports a mutation that would break an account invariant.
// Callers validate before mutating, so seeing one is a programming error.
type InvariantError struct {
	AccountID string
	Reason    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("account %s invariant violated: %s", e.AccountID, e.Reason)
}
