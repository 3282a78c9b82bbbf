// Package apperr defines the error kinds surfaced by the deal, escrow and posting services.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidState      Kind = "invalid_state"
	KindMissingWallet     Kind = "missing_wallet"
	KindUnauthorized      Kind = "unauthorized"
	KindLedgerFailure     Kind = "ledger_failure"
	KindValidation        Kind = "validation_failure"
)

// Error carries a stable kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrMissingWallet     = &Error{Kind: KindMissingWallet, Message: "wallet address is not set"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrLedgerFailure     = &Error{Kind: KindLedgerFailure, Message: "ledger call failed"}
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation failed"}

	// ErrNotAdmin is returned when the bot cannot post into the channel.
	ErrNotAdmin = &Error{Kind: KindUnauthorized, Message: "bot is not an admin of the channel"}
	// ErrInvalidTime is returned when a post is scheduled in the past.
	ErrInvalidTime = &Error{Kind: KindValidation, Message: "scheduled time must be in the future"}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NotFound(entity string) *Error {
	return New(KindNotFound, "%s not found", entity)
}
