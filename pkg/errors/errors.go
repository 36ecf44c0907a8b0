// Package errors provides the kinded error taxonomy shared by all polisvault
// engines. Every rejection carries a Kind so callers can distinguish bad
// input, a named policy rule, an idempotency conflict, and internal
// consistency failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an error for propagation policy purposes.
type Kind string

const (
	// KindValidation marks malformed input rejected before any state change.
	KindValidation Kind = "validation"
	// KindPolicy marks a well-formed operation rejected by a named business
	// rule (LTV cap, concentration cap, quorum, staleness, eligibility).
	KindPolicy Kind = "policy_violation"
	// KindConflict marks an operation that already happened or races a
	// terminal state; safe to treat as idempotent at the caller.
	KindConflict Kind = "conflict"
	// KindConsistency marks a broken internal invariant. Not retryable; the
	// affected entity is halted until an operator intervenes.
	KindConsistency Kind = "consistency_failure"
	// KindNotFound marks a reference to an entity that does not exist.
	KindNotFound Kind = "not_found"
	// KindInternal marks infrastructure failures (storage, transfer backend).
	KindInternal Kind = "internal"
)

// Error is the structured error type returned by every public operation.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind Kind `json:"kind"`
	// Rule names the specific policy rule for KindPolicy errors.
	Rule string `json:"rule,omitempty"`
	// Message is the human readable description.
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Rule != "" {
		str += fmt.Sprintf("(%s) ", e.Rule)
	}
	str += e.Message
	if e.cause != nil {
		str += fmt.Sprintf(": %s", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors by Kind (and Rule when the target sets one), so callers
// can write errors.Is(err, errors.Policy("ltv_exceeded", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Rule != "" && t.Rule != e.Rule {
		return false
	}
	return t.Kind == e.Kind
}

// Wrap sets the error cause and returns the error for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Policy builds a KindPolicy error naming the violated rule.
func Policy(rule, format string, args ...any) *Error {
	return &Error{Kind: KindPolicy, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Consistency builds a KindConsistency error.
func Consistency(format string, args ...any) *Error {
	return &Error{Kind: KindConsistency, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an infrastructure failure.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
