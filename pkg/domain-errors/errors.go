// Package domainerrors carries coded errors across service boundaries.
//
// Services return these so callers (an HTTP layer, a CLI, tests) can branch on
// the Code without string matching. Infrastructure layers return sentinel
// errors from pkg/platform/sentinel instead; services translate them here.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeNotFound: referenced ticket, asset, run, artifact or script is absent.
	CodeNotFound Code = "not_found"
	// CodeInvalidState: the operation is not legal for the current state.
	CodeInvalidState Code = "invalid_state"
	// CodeAlreadyRunning: execution ownership is held by another owner.
	CodeAlreadyRunning Code = "already_running"
	// CodeVerificationFailure: artifact content failed its declared checks.
	// Absorbed into a failed run by the engine; surfaced only by the verifier.
	CodeVerificationFailure Code = "verification_failure"
	// CodeStorageFailure: a durable write (audit log, byte store, run store) failed.
	CodeStorageFailure Code = "storage_failure"
	// CodeTimeout: a bounded operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeConcurrency: a re-entrant request raced an in-flight one for the same key.
	CodeConcurrency Code = "concurrency"

	CodeValidation   Code = "validation_error"
	CodeInvalidInput Code = "invalid_input"
	CodeInternal     Code = "internal_error"
)

// Error is a coded domain error with an optional cause.
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

// New builds a coded error without a cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to err. A nil err yields a plain coded error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
