// Package status defines the typed results returned by fallible controller
// operations.
//
// Every recoverable failure in the arena, sequence engine and scheduler is
// reported as a *Error carrying one of the Code values below. A nil error is
// the OK result. Programmer errors (stale handles, out-of-range indices) are
// not reported here; they go to the fault register instead.
package status

import (
	"errors"
	"fmt"
)

// Code identifies the category of a result.
type Code uint8

const (
	// OK is the success result. It is never carried by a non-nil error.
	OK Code = iota

	// ValveOnTimeTooLong indicates a period exceeds the valve's configured
	// maximum on-time.
	ValveOnTimeTooLong

	// InsufficientMemory indicates the arena has no room for the request.
	InsufficientMemory

	// AssertionFailed indicates the operation hit an internal consistency
	// check (invalid handle, unbound sequence, unknown valve).
	AssertionFailed

	// SequenceDurationExceedsMaximum indicates an offset would leave the
	// 16-bit sequence time range.
	SequenceDurationExceedsMaximum

	// AlreadyAllocated indicates an allocation was requested for an object
	// that already owns one.
	AlreadyAllocated

	// RequestedCountTooLarge indicates a collection size above the
	// addressable maximum.
	RequestedCountTooLarge
)

var codeNames = [...]string{
	OK:                             "OK",
	ValveOnTimeTooLong:             "ValveOnTimeTooLong",
	InsufficientMemory:             "InsufficientMemory",
	AssertionFailed:                "AssertionFailed",
	SequenceDurationExceedsMaximum: "SequenceDurationExceedsMaximum",
	AlreadyAllocated:               "AlreadyAllocated",
	RequestedCountTooLarge:         "RequestedCountTooLarge",
}

// String returns the code name, e.g. "InsufficientMemory".
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// ParseCode converts a code name back into a Code.
func ParseCode(name string) (Code, error) {
	for i, n := range codeNames {
		if n == name {
			return Code(i), nil
		}
	}
	return OK, fmt.Errorf("unknown result code %q", name)
}

// Error is a failed result.
type Error struct {
	// Code identifies the failure category. Never OK.
	Code Code

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a *Error with the same code, so callers can
// write errors.Is(err, status.ErrInsufficientMemory).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrValveOnTimeTooLong             = &Error{Code: ValveOnTimeTooLong}
	ErrInsufficientMemory             = &Error{Code: InsufficientMemory}
	ErrAssertionFailed                = &Error{Code: AssertionFailed}
	ErrSequenceDurationExceedsMaximum = &Error{Code: SequenceDurationExceedsMaximum}
	ErrAlreadyAllocated               = &Error{Code: AlreadyAllocated}
	ErrRequestedCountTooLarge         = &Error{Code: RequestedCountTooLarge}
)

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the result code from err.
// Returns OK for nil and AssertionFailed for errors that are not *Error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return AssertionFailed
}

// Is reports whether err carries the given code. Is(nil, OK) is true.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
