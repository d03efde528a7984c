// Package forgeerr defines the structured error taxonomy: every failure
// the orchestrator and its collaborators produce carries a Kind the
// control surface can map to {kind, message} without ever leaking a raw
// stack trace or provider-specific detail.
package forgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindScope           Kind = "ScopeError"
	KindToolTimeout     Kind = "ToolTimeout"
	KindAuditFail       Kind = "AuditFail"
	KindPauseRequired   Kind = "PauseRequired"
	KindCostCapExceeded Kind = "CostCapExceeded"
	KindBuildTimeout    Kind = "BuildTimeout"
	KindProviderError   Kind = "ProviderError"
	KindGitError        Kind = "GitError"
	KindOrphanBuild     Kind = "OrphanBuild"
	KindCancelled       Kind = "Cancelled"
	KindInternal        Kind = "internal_error"
)

// Error is the structured error every component surfaces. It satisfies the
// standard errors.Is/errors.As protocol via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, forgeerr.Sentinel(forgeerr.KindScope)) work by
// comparing Kind against a *Error target with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel returns a zero-message *Error usable with errors.Is to test kind
// membership: errors.Is(err, forgeerr.Sentinel(forgeerr.KindGitError)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// AsStructured extracts {kind, message} for the control surface, never
// exposing Cause.
func AsStructured(err error) (kind Kind, message string) {
	if err == nil {
		return "", ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, fe.Message
	}
	return KindInternal, "an internal error occurred"
}
