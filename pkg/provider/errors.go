// Package provider defines the contract every hypervisor back-end must
// implement and the closed error taxonomy the orchestration core relies on
// for its retry and give-up decisions.
package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an adapter failure for retry and give-up logic.
type ErrorKind string

const (
	// KindRetryable indicates a transient failure that may succeed on retry.
	// Examples: network timeouts, hypervisor API briefly unavailable.
	KindRetryable ErrorKind = "retryable"

	// KindFatal indicates a likely-persistent failure that is still worth a
	// bounded number of attempts before giving up.
	KindFatal ErrorKind = "fatal"

	// KindNotFound indicates the remote resource no longer exists. The core
	// treats this as success-by-absence, never as a failure.
	KindNotFound ErrorKind = "not_found"
)

// Error is a classified adapter failure with context.
type Error struct {
	// Kind is the classification driving retry logic.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// VMID is the remote resource identifier involved, if known.
	VMID string `json:"vmid,omitempty"`

	// Op is the adapter operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.VMID != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (vmid=%s, op=%s): %s", e.Kind, e.Message, e.VMID, e.Op, e.unwrapMessage())
	}
	if e.VMID != "" {
		return fmt.Sprintf("[%s] %s (vmid=%s): %s", e.Kind, e.Message, e.VMID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, err error) *Error {
	return &Error{Kind: KindRetryable, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

// WithVMID adds the remote resource identifier to an error.
func (e *Error) WithVMID(vmid string) *Error {
	e.VMID = vmid
	return e
}

// WithOp adds the adapter operation name to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Classify returns the kind of an adapter error. Anything that is not a
// *provider.Error is classified fatal: an adapter that lets an unclassified
// error escape gets the bounded-fatal treatment rather than unbounded retries.
func Classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsRetryable returns true if the error is classified as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindRetryable
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindFatal
	}
	return false
}

// IsNotFound returns true if the error reports the remote resource as gone.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}
