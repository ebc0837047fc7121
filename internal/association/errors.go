package association

import (
	"errors"
	"fmt"
)

// StateErrorCode categorizes why an identity update was not folded.
type StateErrorCode string

const (
	// ErrCodeNotFound indicates a referenced identifier or inbox does not exist.
	ErrCodeNotFound StateErrorCode = "NOT_FOUND"

	// ErrCodeReplayDetected indicates the update's event hash was already folded.
	ErrCodeReplayDetected StateErrorCode = "REPLAY_DETECTED"

	// ErrCodeUnauthorized indicates the signer lacks authority for the action.
	ErrCodeUnauthorized StateErrorCode = "UNAUTHORIZED"

	// ErrCodeOutOfOrder indicates the sequence id does not follow the state.
	ErrCodeOutOfOrder StateErrorCode = "OUT_OF_ORDER"

	// ErrCodeInvalidUpdate indicates a malformed update (wrong inbox, no actions).
	ErrCodeInvalidUpdate StateErrorCode = "INVALID_UPDATE"
)

// StateError describes a rejected identity update.
//
// A StateError never invalidates the state it was folded against: the update
// is dropped and the previous state stays current.
type StateError struct {
	Code    StateErrorCode
	Message string

	InboxID    string
	SequenceID uint64
}

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrNotFound       = &StateError{Code: ErrCodeNotFound}
	ErrReplayDetected = &StateError{Code: ErrCodeReplayDetected}
	ErrUnauthorized   = &StateError{Code: ErrCodeUnauthorized}
	ErrOutOfOrder     = &StateError{Code: ErrCodeOutOfOrder}
	ErrInvalidUpdate  = &StateError{Code: ErrCodeInvalidUpdate}

	// ErrRecoveryRevocation is the NOT_FOUND case of an update that would leave
	// the inbox without its recovery identifier.
	ErrRecoveryRevocation = errors.New("recovery identifier cannot be revoked")
)

func (e *StateError) Error() string {
	if e.InboxID != "" {
		return fmt.Sprintf("%s: %s (inbox=%s, seq=%d)", e.Code, e.Message, e.InboxID, e.SequenceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another StateError with the same code.
func (e *StateError) Is(target error) bool {
	var t *StateError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// recoveryRevocationError keeps both the NOT_FOUND code and the specific cause.
type recoveryRevocationError struct {
	*StateError
}

func (e recoveryRevocationError) Unwrap() []error {
	return []error{e.StateError, ErrRecoveryRevocation}
}

func newError(code StateErrorCode, u IdentityUpdate, format string, args ...any) *StateError {
	return &StateError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		InboxID:    u.InboxID,
		SequenceID: u.SequenceID,
	}
}

// IsReplay reports whether err is a replayed update. Replays are benign.
func IsReplay(err error) bool {
	return errors.Is(err, ErrReplayDetected)
}

// IsUnauthorized reports whether err is an authority violation.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound reports whether err references a missing identifier or inbox.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
