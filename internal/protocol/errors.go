// Package protocol defines the unified error taxonomy shared by the
// registry, escrow, and relay state machines. Every operation either
// commits fully or returns one of these errors with zero state change,
// so callers never have to reason about partial effects.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable failure classification.
type Kind string

const (
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindWrongState          Kind = "WRONG_STATE"
	KindNotAvailable        Kind = "NOT_AVAILABLE"
	KindExpired             Kind = "EXPIRED"
	KindInactiveAgent       Kind = "INACTIVE_AGENT"
	KindUnsupportedDomain   Kind = "UNSUPPORTED_DOMAIN"
	KindAlreadyProcessed    Kind = "ALREADY_PROCESSED"
	KindAlreadyInactive     Kind = "ALREADY_INACTIVE"
	KindNotFound            Kind = "NOT_FOUND"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a Kind plus a human message. Two Errors compare equal under
// errors.Is when their kinds match, so services can return detailed messages
// while callers match against the package sentinels below.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidInput        = &Error{kind: KindInvalidInput}
	ErrUnauthorized        = &Error{kind: KindUnauthorized}
	ErrWrongState          = &Error{kind: KindWrongState}
	ErrNotAvailable        = &Error{kind: KindNotAvailable}
	ErrExpired             = &Error{kind: KindExpired}
	ErrInactiveAgent       = &Error{kind: KindInactiveAgent}
	ErrUnsupportedDomain   = &Error{kind: KindUnsupportedDomain}
	ErrAlreadyProcessed    = &Error{kind: KindAlreadyProcessed}
	ErrAlreadyInactive     = &Error{kind: KindAlreadyInactive}
	ErrNotFound            = &Error{kind: KindNotFound}
	ErrInsufficientBalance = &Error{kind: KindInsufficientBalance}
)

// E returns a new protocol error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new protocol error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	msg := e.msg
	if msg == "" {
		msg = string(e.kind)
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from any error, or KindInternal for errors that
// did not originate in the protocol layer.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// HTTPStatus maps a protocol error kind to the status code the API boundary
// reports. The mapping is part of the stable external contract.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindWrongState, KindNotAvailable, KindAlreadyProcessed, KindAlreadyInactive:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindInactiveAgent, KindUnsupportedDomain:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
