// Package fault defines the error taxonomy shared by the kernel. Errors carry
// a Kind that callers branch on (transport maps kinds to HTTP statuses, retry
// helpers decide retryability) while wrapping the underlying cause for
// errors.Is/As chains.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// KindUsage indicates invalid configuration or missing required input.
	// Surface to the user; never retry.
	KindUsage Kind = "usage"
	// KindNotFound indicates a recording, session, or prompt id is unknown.
	KindNotFound Kind = "not_found"
	// KindConflict indicates an operation invalid for the current state,
	// such as resuming a session that is not paused.
	KindConflict Kind = "conflict"
	// KindProvider indicates an upstream failure during streaming. Retryable
	// unless the provider marks it fatal.
	KindProvider Kind = "provider"
	// KindValidation indicates a payload failed schema or validator checks.
	KindValidation Kind = "validation"
	// KindTimeout indicates an operation exceeded its budget. Retryable at
	// the caller's discretion.
	KindTimeout Kind = "timeout"
	// KindAborted indicates cooperative cancellation.
	KindAborted Kind = "aborted"
	// KindInternal indicates a violated invariant.
	KindInternal Kind = "internal"
)

// Error is a classified kernel error.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message is the human-readable description.
	Message string
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
