// Package orcherrors holds the error taxonomy shared by the engine, process
// manager, and issue engine layers (spec.md §7). It follows the same typed
// error-struct + classification pattern as agent.ToolError.
package orcherrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an orchestrator error for recovery/surfacing decisions.
type Kind string

const (
	KindParse            Kind = "parse"
	KindProtocol         Kind = "protocol"
	KindTimeout          Kind = "timeout"
	KindSessionMissing   Kind = "session_missing"
	KindExitNonZero      Kind = "exit_non_zero"
	KindCancelled        Kind = "cancelled"
	KindPersist          Kind = "persist"
	KindConcurrencyLimit Kind = "concurrency_limit"
)

// Recoverable reports whether the engine should swallow the error locally
// and keep going (true) or surface it as an execution-ending failure (false).
func (k Kind) Recoverable() bool {
	switch k {
	case KindParse, KindProtocol, KindPersist:
		return true
	default:
		return false
	}
}

// Error is the orchestrator's structured error type, carrying a Kind; the
// sentinel errors below are plain errors and not of this type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// Sentinel errors used where a typed Kind would be overkill (matched via
// errors.Is rather than carrying a taxonomy Kind).
var (
	// ErrSessionLimitReached is returned by the process manager's register
	// call when a group is at its concurrency cap (spec §4.5).
	ErrSessionLimitReached = errors.New("session_limit_reached")

	// ErrNoActiveExecution is returned by cancelIssue/followUpIssue lookups
	// when the issue has no running or pending execution.
	ErrNoActiveExecution = errors.New("no_active_execution")

	// ErrExternalSessionMissing signals a follow-up spawn whose stored
	// externalSessionId the engine subprocess no longer recognizes; the
	// issue engine catches this and retries as a fresh spawn (spec §6).
	ErrExternalSessionMissing = errors.New("external_session_missing")

	// ErrRestartNotPermitted is returned by restartIssue when sessionStatus
	// is not in {failed, cancelled}.
	ErrRestartNotPermitted = errors.New("restart_not_permitted")
)
