package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrConfig indicates required configuration is missing or invalid.
	ErrConfig = errors.New("invalid configuration")

	// ErrDeviceNotBound means the email has no registered mobile device.
	ErrDeviceNotBound = errors.New("no device bound for email")

	// ErrAlreadyRegistered means the email already has a device
	// subscription and a second registration was attempted.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrChallengeNotFound means the challenge ID does not exist or has
	// already been purged.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeResolved is returned when a confirm or deny arrives for
	// a challenge that already left the pending state.
	ErrChallengeResolved = errors.New("challenge already resolved")

	// ErrChallengeDenied means the human rejected the request on the
	// mobile device.
	ErrChallengeDenied = errors.New("challenge denied by user")

	// ErrChallengeTimeout means the approval window elapsed before the
	// device responded.
	ErrChallengeTimeout = errors.New("challenge timed out")

	// ErrSessionNotFound means the pairing session does not exist or has
	// expired.
	ErrSessionNotFound = errors.New("pairing session not found")

	// ErrTokenUsed is returned when a single-use token is presented a
	// second time.
	ErrTokenUsed = errors.New("token already used")

	// ErrTokenExpired is returned when a token is presented after its
	// validity window.
	ErrTokenExpired = errors.New("token expired")

	// ErrDecryptFailed indicates an envelope failed authentication or was
	// structurally malformed.  The two cases are deliberately not
	// distinguished.
	ErrDecryptFailed = errors.New("envelope decryption failed")

	// ErrSubscriptionGone means the push endpoint reported the device
	// subscription no longer exists.
	ErrSubscriptionGone = errors.New("push subscription gone")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrKeyNotFound means no key material is stored for the requested
	// user and selector.
	ErrKeyNotFound = errors.New("key material not found")
)

// ChallengeError wraps an underlying error with challenge context.
type ChallengeError struct {
	ChallengeID string
	Op          string
	Err         error
}

func (e *ChallengeError) Error() string {
	if e.ChallengeID != "" {
		return fmt.Sprintf("challenge %s: %s: %v", e.ChallengeID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ChallengeError) Unwrap() error {
	return e.Err
}
