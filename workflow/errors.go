package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors for retry and reporting decisions.
type ErrorKind string

const (
	// KindValidation marks bad definitions or inputs. Never retried.
	KindValidation ErrorKind = "validation"
	// KindExecutor marks a task executor failure. Retriable.
	KindExecutor ErrorKind = "executor"
	// KindNotFound marks a missing entity.
	KindNotFound ErrorKind = "not_found"
	// KindState marks an illegal state transition or precondition.
	KindState ErrorKind = "state"
	// KindConfiguration marks orchestrator misconfiguration.
	KindConfiguration ErrorKind = "configuration"
	// KindTransport marks a messaging or network failure. Retriable.
	KindTransport ErrorKind = "transport"
)

// Error is the orchestrator error type carrying a kind for classification.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports an invalid definition or input.
func NewValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NewExecutorError wraps a failure from a task executor.
func NewExecutorError(msg string, err error) error {
	return &Error{Kind: KindExecutor, Msg: msg, Err: err}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// NewStateError reports an illegal transition or violated precondition.
func NewStateError(format string, args ...any) error {
	return &Error{Kind: KindState, Msg: fmt.Sprintf(format, args...)}
}

// NewConfigurationError reports orchestrator misconfiguration.
func NewConfigurationError(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// NewTransportError wraps a messaging or network failure.
func NewTransportError(msg string, err error) error {
	return &Error{Kind: KindTransport, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetriable reports whether a failed task attempt may be retried.
// Validation, state, not-found, and configuration failures are permanent
// no matter how often they run. Executor and transport failures, and
// errors carrying no kind at all, are presumed transient.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindState, KindNotFound, KindConfiguration:
		return false
	default:
		return true
	}
}
