package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failure for retry decisions and reporting.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindConfiguration  ErrorKind = "ConfigurationError"
	KindConnection     ErrorKind = "ConnectionError"
	KindAuthentication ErrorKind = "AuthenticationError"
	KindCommand        ErrorKind = "CommandError"
	KindTimeout        ErrorKind = "TimeoutError"
	KindValidation     ErrorKind = "ValidationError"
	KindNotFound       ErrorKind = "NotFoundError"
	// KindCancelled is only ever recorded on tasks stopped by run cancellation.
	KindCancelled ErrorKind = "CancelledError"
)

func (k ErrorKind) String() string { return string(k) }

// Retryable reports whether the kind may be retried. Authentication and
// validation failures never are; configuration errors stop a run before
// any task starts and cancelled tasks are not failures.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindCommand, KindTimeout, KindNotFound:
		return true
	default:
		return false
	}
}

// Error is the typed error carried through the engine. Op names the step
// that failed ("connect", "authenticate", "execute", ...).
type Error struct {
	Kind   ErrorKind
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Target != "" {
		msg += " on " + e.Target
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the failing step.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Unclassified errors are treated as command
// failures, which are retryable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindNone {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindCommand
}

// IsConfigurationError reports whether err aborted a run before it started.
func IsConfigurationError(err error) bool {
	return KindOf(err) == KindConfiguration
}
