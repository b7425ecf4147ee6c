// Package escrowerr defines the flat, structured error taxonomy shared by
// every escrow component. Every fallible operation in this module returns
// one of these kinds rather than an ad-hoc error string.
package escrowerr

import (
	"errors"
	"fmt"
)

// Kind identifies a taxonomy entry. See SPEC_FULL.md §7 for the meaning
// and recovery policy of each.
type Kind string

const (
	OpsecViolation         Kind = "OpsecViolation"
	NotAuthorized          Kind = "NotAuthorized"
	IllegalTransition      Kind = "IllegalTransition"
	StateRace              Kind = "StateRace"
	PayloadReplaceForbidden Kind = "PayloadReplaceForbidden"
	InvalidPayload         Kind = "InvalidPayload"
	AddressMismatch        Kind = "AddressMismatch"
	AlreadyBound           Kind = "AlreadyBound"
	AlreadyBroadcast       Kind = "AlreadyBroadcast"
	NoArbiterAvailable     Kind = "NoArbiterAvailable"
	Timeout                Kind = "Timeout"
	Unreachable            Kind = "Unreachable"
	RpcError               Kind = "RpcError"
	Locked                 Kind = "Locked"
	Crypto                 Kind = "Crypto"
	Internal               Kind = "Internal"
)

// Error is the structured error type every component returns. Fields
// carries kind-specific structured data (e.g. IllegalTransitionFields);
// callers that need the detail type-assert it themselves.
type Error struct {
	Kind    Kind
	Message string
	Fields  any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, escrowerr.New(Kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps an underlying cause for %w-unwrapping,
// without leaking the cause's text into Message unless the caller does so.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithFields attaches a structured payload and returns the same error for
// chaining at the call site, e.g. escrowerr.New(...).WithFields(...).
func (e *Error) WithFields(fields any) *Error {
	e.Fields = fields
	return e
}

// Of reports whether err is an *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IllegalTransitionFields is the structured payload for IllegalTransition.
type IllegalTransitionFields struct {
	From string
	To   string
}

// RpcErrorFields is the structured payload for RpcError.
type RpcErrorFields struct {
	Code    int
	Message string
}
