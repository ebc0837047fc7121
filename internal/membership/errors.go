package membership

import (
	"errors"
	"fmt"
)

// GroupErrorCode categorizes a rejected welcome.
type GroupErrorCode string

const (
	// ErrCodeInvalidGroupMembership: actual installations differ from expected.
	ErrCodeInvalidGroupMembership GroupErrorCode = "INVALID_GROUP_MEMBERSHIP"

	// ErrCodeWelcomeAlreadyProcessed: an active local group is already at or
	// past the welcome's epoch.
	ErrCodeWelcomeAlreadyProcessed GroupErrorCode = "WELCOME_ALREADY_PROCESSED"

	// ErrCodeMissingIdentityUpdates: the identity log could not be brought up
	// to a sequence id the extension references.
	ErrCodeMissingIdentityUpdates GroupErrorCode = "MISSING_IDENTITY_UPDATES"

	// ErrCodeUnresolvableInbox: an inbox in the extension has no valid state.
	ErrCodeUnresolvableInbox GroupErrorCode = "UNRESOLVABLE_INBOX"
)

// GroupError describes why a welcome was not accepted.
type GroupError struct {
	Code    GroupErrorCode
	Message string
	GroupID string

	// Unexpected and Missing are set for INVALID_GROUP_MEMBERSHIP.
	Unexpected []string
	Missing    []string

	err error
}

var (
	ErrInvalidGroupMembership  = &GroupError{Code: ErrCodeInvalidGroupMembership}
	ErrWelcomeAlreadyProcessed = &GroupError{Code: ErrCodeWelcomeAlreadyProcessed}
	ErrMissingIdentityUpdates  = &GroupError{Code: ErrCodeMissingIdentityUpdates}
	ErrUnresolvableInbox       = &GroupError{Code: ErrCodeUnresolvableInbox}
)

func (e *GroupError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.GroupID != "" {
		msg += fmt.Sprintf(" (group=%s)", e.GroupID)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Is matches another GroupError with the same code.
func (e *GroupError) Is(target error) bool {
	var t *GroupError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *GroupError) Unwrap() error { return e.err }

// IsRetryable reports whether the same welcome may succeed later.
//
// Membership mismatches and already-processed welcomes are terminal for the
// welcome. Missing identity updates may arrive later, and so may anything
// that is not a GroupError at all (storage or network failures).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ge *GroupError
	if !errors.As(err, &ge) {
		return true
	}
	return ge.Code == ErrCodeMissingIdentityUpdates
}

// IsAlreadyProcessed reports whether err is ErrWelcomeAlreadyProcessed.
func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrWelcomeAlreadyProcessed)
}
