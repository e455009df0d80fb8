// Package domainerrors provides coded errors for the resolution domain.
// Services wrap infrastructure errors with a code so callers can branch on
// the kind of failure without string matching, while errors.Is/As still
// reach the underlying cause.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeInvalidInput marks caller-supplied input that fails validation.
	// Raised before any mutation takes place.
	CodeInvalidInput Code = "invalid_input"

	// CodeNotFound marks absence of an entity or mapping. Absence is a
	// normal, branchable outcome, not an exceptional condition.
	CodeNotFound Code = "not_found"

	// CodeConflict marks a write that collided with existing state, such as
	// a source key already mapped to a different entity.
	CodeConflict Code = "conflict"

	// CodeStorage marks a storage-collaborator failure propagated unchanged.
	// The wrapped cause remains reachable through errors.Is/As.
	CodeStorage Code = "storage_error"

	// CodeInvariantViolation marks a model constraint that would be broken
	// by the requested change.
	CodeInvariantViolation Code = "invariant_violation"

	// CodeInternal marks unexpected conditions that indicate a bug rather
	// than bad input or a failed collaborator.
	CodeInternal Code = "internal"
)

// Error is a coded domain error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. Returns nil if err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.Err
		if err == nil {
			return false
		}
	}
	return false
}

// Is is shorthand for HasCode, matching the call sites that read better as
// a predicate.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when
// err carries no domain code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
