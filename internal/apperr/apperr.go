package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it without string matching.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindBadRequest        Kind = "bad_request"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidTransition Kind = "invalid_transition"
	KindTerminalState     Kind = "terminal_state_violation"
	KindOfferUnavailable  Kind = "offer_unavailable"
	KindNoCoverage        Kind = "no_coverage"
	KindConflict          Kind = "conflict"
	KindForbidden         Kind = "forbidden"
	KindUnauthorized      Kind = "unauthorized"
	KindPaymentRejected   Kind = "payment_rejected"
	KindInternal          Kind = "internal"
)

// Sentinels usable with errors.Is. Every *Error matches the sentinel of its kind.
var (
	NotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	BadRequest             = &Error{Kind: KindBadRequest, Message: "bad request"}
	InvalidState           = &Error{Kind: KindInvalidState, Message: "invalid state"}
	InvalidTransition      = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	TerminalStateViolation = &Error{Kind: KindTerminalState, Message: "job is in a terminal state"}
	OfferUnavailable       = &Error{Kind: KindOfferUnavailable, Message: "offer no longer available"}
	NoCoverage             = &Error{Kind: KindNoCoverage, Message: "no coverage"}
	Conflict               = &Error{Kind: KindConflict, Message: "conflict"}
	Forbidden              = &Error{Kind: KindForbidden, Message: "forbidden"}
	Unauthorized           = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	PaymentRejected        = &Error{Kind: KindPaymentRejected, Message: "payment rejected"}
	Internal               = &Error{Kind: KindInternal, Message: "internal error"}
)

// Error is an application error carrying a Kind, the failing operation and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so errors.Is(err, apperr.NotFound) works for any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: string(kind), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
