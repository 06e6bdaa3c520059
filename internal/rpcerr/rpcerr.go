// Package rpcerr maps the orchestrator's language-neutral error taxonomy
// (ParseError, NotFound, PreconditionFailed, PolicyViolation, Transient,
// Fatal) onto the two wire-level JSON-RPC error codes the dispatcher ever
// returns to a client.
package rpcerr

import (
	"errors"
	"fmt"
)

// Code is a JSON-RPC error code. Only two values are ever sent on the wire.
type Code int

const (
	// InvalidRequest covers every validation-style failure: malformed
	// payloads, unknown ids, precondition and policy violations. Mirrors
	// the standard JSON-RPC "invalid request" code.
	InvalidRequest Code = -32600
	// InternalError covers I/O failures, backend failures, and anything
	// unexpected that is not the client's fault.
	InternalError Code = -32603
)

// Error is the typed error returned by dispatcher handlers. Message is
// sanitized, human-readable, and never contains a stack trace; Data carries
// optional structured detail safe to expose to clients.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Kind classifies the underlying cause of an Error for logging and metrics
// purposes without changing what is sent on the wire.
type Kind int

const (
	KindParse Kind = iota
	KindNotFound
	KindPrecondition
	KindPolicy
	KindTransient
	KindFatal
)

// causeError carries a Kind alongside a plain error so New can classify it.
type causeError struct {
	kind Kind
	err  error
}

func (c *causeError) Error() string { return c.err.Error() }
func (c *causeError) Unwrap() error { return c.err }

// Parse wraps err as a ParseError: malformed request payloads or cursors.
func Parse(err error) error { return &causeError{kind: KindParse, err: err} }

// NotFound wraps err as a NotFound error: unknown thread, rollout, subscription, or login id.
func NotFound(err error) error { return &causeError{kind: KindNotFound, err: err} }

// Precondition wraps err as a PreconditionFailed error: a conflicting operation already in flight.
func Precondition(err error) error { return &causeError{kind: KindPrecondition, err: err} }

// Policy wraps err as a PolicyViolation error: disallowed by configuration or reserved naming.
func Policy(err error) error { return &causeError{kind: KindPolicy, err: err} }

// Transient wraps err as a Transient error: I/O or backend failure, surfaced as InternalError.
func Transient(err error) error { return &causeError{kind: KindTransient, err: err} }

// NotFoundf is a convenience constructor combining fmt.Errorf and NotFound.
func NotFoundf(format string, args ...any) error {
	return NotFound(fmt.Errorf(format, args...))
}

// Preconditionf is a convenience constructor combining fmt.Errorf and Precondition.
func Preconditionf(format string, args ...any) error {
	return Precondition(fmt.Errorf(format, args...))
}

// Policyf is a convenience constructor combining fmt.Errorf and Policy.
func Policyf(format string, args ...any) error {
	return Policy(fmt.Errorf(format, args...))
}

// ToWire converts any error into the wire Error the dispatcher sends back.
// Errors produced by this package classify deterministically; any other
// error is treated as Transient (InternalError) per the taxonomy's default.
func ToWire(err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var ce *causeError
	if errors.As(err, &ce) {
		switch ce.kind {
		case KindParse, KindNotFound, KindPrecondition, KindPolicy:
			return &Error{Code: InvalidRequest, Message: ce.err.Error()}
		case KindFatal:
			return &Error{Code: InternalError, Message: "internal error"}
		default:
			return &Error{Code: InternalError, Message: ce.err.Error()}
		}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}
