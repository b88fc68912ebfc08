// Package domain defines the core data types and errors shared by the
// coordinator, key-manager, and plugin agent.
package domain

import "time"

// Pairing session states.
const (
	PairingPending   = "pending"
	PairingConfirmed = "confirmed"
	PairingExpired   = "expired"
)

// Challenge kinds.  The kind selects the ID prefix, so login and
// registration challenges are distinguishable at a glance.
const (
	ChallengeKindLogin        = "login"
	ChallengeKindRegistration = "registration"
)

// Challenge statuses.  A challenge moves pending -> confirmed -> approved
// on the happy path; pending or confirmed -> denied on rejection or a
// failed identity proof.
const (
	ChallengePending   = "pending"
	ChallengeConfirmed = "confirmed"
	ChallengeDenied    = "denied"
	ChallengeApproved  = "approved"
)

// Subscription is the push delivery address of a mobile device.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
}

// PairingSession is a short-lived QR pairing flow between a browser and a
// mobile device.
type PairingSession struct {
	ID        string
	Email     string
	Platform  string
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeviceSubscription binds an email to the push channel of its paired
// device.  PendingUntil is set while the registration still awaits its
// confirmation tap; a nil value means the binding is confirmed.
type DeviceSubscription struct {
	Email        string
	Subscription Subscription
	CreatedAt    time.Time
	PendingUntil *time.Time
}

// Challenge is one human-approval round trip.  UnlockToken is minted on
// the transition into confirmed and may be consumed exactly once.
type Challenge struct {
	ID          string
	Email       string
	Platform    string
	Kind        string
	Status      string
	UnlockToken string
	ProofUserID string
	ProofJWT    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	TokenUsedAt *time.Time
}

// TokenSpent reports whether the challenge's unlock token has been
// consumed.
func (c *Challenge) TokenSpent() bool {
	return c.TokenUsedAt != nil
}
