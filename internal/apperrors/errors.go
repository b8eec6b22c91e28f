// Package apperrors defines the error classes used throughout the worker
// orchestration layer. Callers classify errors with errors.Is against the
// sentinels; the structured Error type carries the operation and resource
// context for logging and for the HTTP mapping used by the status server.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrUsage indicates invalid caller-supplied input.
	ErrUsage = errors.New("usage error")

	// ErrNotFound indicates a referenced run or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthorization indicates missing authentication.
	ErrAuthorization = errors.New("authorization required")

	// ErrPermission indicates the caller lacks rights to the resource.
	ErrPermission = errors.New("permission denied")

	// ErrIntegrity indicates a broken invariant of the run map. This is a
	// serious defect and must never be silently swallowed.
	ErrIntegrity = errors.New("integrity violation")

	// ErrPrecondition indicates a caller across a module boundary failed to
	// uphold a documented contract. Treated as a programming defect.
	ErrPrecondition = errors.New("precondition violation")

	// ErrTransient indicates a backend or network failure that is expected
	// to resolve itself. Handlers log it and retry on the next tick.
	ErrTransient = errors.New("transient backend error")

	// ErrUnsupported indicates an operation the configured backend cannot
	// perform (a capability gap, not a bug).
	ErrUnsupported = errors.New("operation unsupported by backend")

	// ErrDraining indicates the run manager is shutting down and refuses
	// new runs.
	ErrDraining = errors.New("run manager is draining")
)

// Error is a structured error wrapping one of the sentinels.
type Error struct {
	Sentinel error  // wrapped sentinel for errors.Is() classification
	Message  string // human-readable message
	Resource string // affected resource, e.g. "run"
	Op       string // operation that failed, e.g. "batch.SubmitJob"
	Cause    error  // underlying error, if any
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel so errors.Is can classify the error.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Usage creates an error for invalid caller input.
func Usage(format string, args ...any) error {
	return &Error{Sentinel: ErrUsage, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates an error for a missing resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Integrity creates an error for a broken run-map invariant.
func Integrity(format string, args ...any) error {
	return &Error{Sentinel: ErrIntegrity, Message: fmt.Sprintf(format, args...)}
}

// Precondition creates an error for a violated inter-module contract.
func Precondition(format string, args ...any) error {
	return &Error{Sentinel: ErrPrecondition, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a backend or network failure that should be retried on
// the next sweep tick.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unsupported creates an error for a backend capability gap.
func Unsupported(op, backend string) error {
	return &Error{
		Sentinel: ErrUnsupported,
		Message:  fmt.Sprintf("%s is not supported by the %s backend", op, backend),
		Op:       op,
	}
}

// Draining creates the error returned by CreateRun once Stop has been
// called.
func Draining() error {
	return &Error{Sentinel: ErrDraining, Message: "run manager is draining, not accepting new runs"}
}
