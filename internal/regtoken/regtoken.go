// Package regtoken issues and verifies the short-lived single-use tokens
// that authorize a plugin to register its public key with the key-manager.
//
// The coordinator holds the [Broker] and signs tokens with an in-memory
// ES256 key.  The key-manager holds a [Verifier] built from the broker's
// published public key and checks tokens offline, spending each token ID
// through a [SpendLedger] so replays are rejected.
package regtoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// DefaultTTL bounds how long an issued token stays redeemable.
const DefaultTTL = 30 * time.Second

// Claims binds a registration token to the exact identity and public key
// it authorizes.
type Claims struct {
	PluginID       string `json:"plugin_id"`
	KeyFingerprint string `json:"kfp"`
	jwt.RegisteredClaims
}

// Fingerprint returns the hex SHA-256 digest of a base64 raw public key.
func Fingerprint(publicKeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SpendLedger records consumed token IDs so each token is honored once.
// Spend returns [domain.ErrTokenUsed] when the ID has been seen before.
type SpendLedger interface {
	Spend(jti string, expires time.Time) error
}

// Broker signs registration tokens.
type Broker struct {
	key *ecdsa.PrivateKey
	ttl time.Duration
}

// NewBroker generates a fresh signing key.  The key is deliberately not
// persisted: tokens outlive a restart by at most their TTL, and the
// key-manager refetches the verification key on its own startup.
func NewBroker(ttl time.Duration) (*Broker, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate broker key: %w", err)
	}
	return &Broker{key: key, ttl: ttl}, nil
}

// Issue signs a token authorizing pluginID to register publicKeyB64 for
// the given email.
func (b *Broker) Issue(email, pluginID, publicKeyB64 string) (string, error) {
	kfp, err := Fingerprint(publicKeyB64)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		PluginID:       pluginID,
		KeyFingerprint: kfp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(b.key)
}

// PublicKeyB64 returns the broker's verification key as a base64 raw
// uncompressed P-256 point, the same encoding the channel handshake uses.
func (b *Broker) PublicKeyB64() (string, error) {
	pub, err := b.key.PublicKey.ECDH()
	if err != nil {
		return "", fmt.Errorf("export broker key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub.Bytes()), nil
}

// Verifier checks registration tokens on the key-manager side.
type Verifier struct {
	pub    *ecdsa.PublicKey
	ledger SpendLedger
}

// NewVerifier builds a verifier from a base64 raw uncompressed P-256
// point as published by the broker.
func NewVerifier(publicKeyB64 string, ledger SpendLedger) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	if len(raw) != 65 || raw[0] != 4 {
		return nil, fmt.Errorf("verification key must be a 65-byte uncompressed point")
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:]),
	}
	return &Verifier{pub: pub, ledger: ledger}, nil
}

// Consume verifies the token's signature, expiry, and binding to the
// presented identity and key, then spends its ID.  A second call with the
// same token returns [domain.ErrTokenUsed].
func (v *Verifier) Consume(token, email, pluginID, publicKeyB64 string) error {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.ErrTokenExpired
		}
		return domain.ErrUnauthorized
	}
	if !parsed.Valid {
		return domain.ErrUnauthorized
	}

	kfp, err := Fingerprint(publicKeyB64)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if claims.Subject != email || claims.PluginID != pluginID || claims.KeyFingerprint != kfp {
		return domain.ErrUnauthorized
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return domain.ErrUnauthorized
	}
	return v.ledger.Spend(claims.ID, claims.ExpiresAt.Time)
}
