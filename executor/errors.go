package executor

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-checkable classification of a terminal
// failure.
type ErrorKind string

const (
	// KindNone marks success.
	KindNone ErrorKind = ""

	// Submission errors: the job failed, the host is fine.
	KindSyntax    ErrorKind = "syntax"
	KindRuntime   ErrorKind = "runtime"
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"

	// Host-side errors.
	KindUnitExit ErrorKind = "unit-exit"
	KindCapacity ErrorKind = "capacity"
	KindShutdown ErrorKind = "shutdown"
	KindInternal ErrorKind = "internal"
)

// Error is a classified execution failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err: KindNone for nil,
// KindInternal for errors carrying no classification.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsSubmissionError reports whether err is attributable to the
// submitted code rather than the host.
func IsSubmissionError(err error) bool {
	switch KindOf(err) {
	case KindSyntax, KindRuntime, KindTimeout, KindCancelled:
		return true
	}
	return false
}

// Sentinel conditions surfaced synchronously by pools.
var (
	ErrPoolClosed   = NewError(KindShutdown, "pool is shutting down")
	ErrMaxInstances = NewError(KindCapacity, "maximum instances reached")
	ErrJobNotFound  = errors.New("job not found")
)
