// Package ceremony drives a single WebAuthn registration or
// authentication ceremony against an authenticator. It owns the state
// machine between options delivery and verification hand-off,
// normalizes the response shapes different clients produce, and maps
// authenticator failures onto a small taxonomy.
package ceremony

import (
	"context"
	"errors"
	"fmt"
)

// State is the ceremony lifecycle. Transitions only move forward; the
// three terminal states are never left.
type State string

const (
	StateIdle              State = "idle"
	StateOptionsReady      State = "options-ready"
	StateAwaitingGesture   State = "awaiting-user-gesture"
	StateInProgress        State = "ceremony-in-progress"
	StateCeremonySucceeded State = "ceremony-succeeded"
	StateCeremonyCancelled State = "ceremony-cancelled"
	StateCeremonyFailed    State = "ceremony-failed"
)

// Terminal reports whether the state ends the ceremony.
func (s State) Terminal() bool {
	switch s {
	case StateCeremonySucceeded, StateCeremonyCancelled, StateCeremonyFailed:
		return true
	}
	return false
}

// FailureClass categorizes why a ceremony did not succeed. Cancelled is
// the only class that is a normal user action rather than an error.
type FailureClass string

const (
	ClassCancelled   FailureClass = "cancelled"
	ClassConcurrent  FailureClass = "concurrent"
	ClassUnsupported FailureClass = "unsupported"
	ClassSecurity    FailureClass = "security"
	ClassConstraint  FailureClass = "constraint"
	ClassAborted     FailureClass = "aborted"
	ClassTimeout     FailureClass = "timeout"
	ClassInternal    FailureClass = "internal"
)

// Remedy returns the user-facing suggestion for a failure class, or ""
// when there is nothing actionable.
func (c FailureClass) Remedy() string {
	switch c {
	case ClassUnsupported:
		return "update your browser or use one that supports passkeys"
	case ClassSecurity:
		return "make sure the page is served over HTTPS"
	case ClassConstraint:
		return "this authenticator cannot satisfy the requested options"
	case ClassTimeout:
		return "the request timed out, try again"
	case ClassConcurrent:
		return "another passkey request is already in progress"
	}
	return ""
}

// Error is a classified ceremony failure. Cancellations are carried as
// Error too so callers can report the outcome uniformly, but
// Cancelled() distinguishes them from real errors.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cancelled reports whether the failure is a user decline rather than
// an error condition.
func (e *Error) Cancelled() bool { return e.Class == ClassCancelled }

// PlatformError mirrors a DOMException-style error reported by the
// client-side credential API, relayed with its name intact.
type PlatformError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// classify maps an authenticator error onto the failure taxonomy. A
// "not allowed" condition carries no security-relevant detail and is
// treated as a user cancellation.
func classify(err error) FailureClass {
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch pe.Name {
		case "NotAllowedError":
			return ClassCancelled
		case "NotSupportedError":
			return ClassUnsupported
		case "SecurityError":
			return ClassSecurity
		case "ConstraintError":
			return ClassConstraint
		case "InvalidStateError":
			return ClassConcurrent
		case "AbortError":
			return ClassAborted
		}
		return ClassInternal
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassAborted
	}
	return ClassInternal
}
