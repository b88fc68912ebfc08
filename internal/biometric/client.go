// Package biometric talks to the external identity-proof validator.  The
// validator runs the actual biometric check on the mobile device's behalf
// and reports back through the coordinator's callback endpoint with a
// signed proof.
package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyvouch/keyvouch/internal/auth"
	"github.com/keyvouch/keyvouch/internal/domain"
)

// Client is an HTTP client for the biometric validator.  A nil *Client is
// a disabled validator; callers should treat confirmation as final then.
type Client struct {
	baseURL   string
	apiKey    string
	jwtSecret []byte
	http      *http.Client
}

// New builds a validator client.  It returns nil when baseURL is empty,
// which disables identity proofs entirely.
func New(baseURL, apiKey, jwtSecret string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		jwtSecret: []byte(jwtSecret),
		http:      &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	Email        string `json:"email"`
	Platform     string `json:"platform"`
	SessionToken string `json:"session_token"`
	CallbackURL  string `json:"callback_url"`
}

// StartProof asks the validator to run an identity check for a confirmed
// challenge.  The result arrives asynchronously on the callback URL.
func (c *Client) StartProof(ctx context.Context, email, platform, sessionToken, callbackURL string) error {
	body, err := json.Marshal(startRequest{
		Email:        email,
		Platform:     platform,
		SessionToken: sessionToken,
		CallbackURL:  callbackURL,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("biometric start: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("biometric start: status %d", resp.StatusCode)
	}
	return nil
}

// APIKeyMatches checks the bearer key presented on the callback endpoint.
func (c *Client) APIKeyMatches(key string) bool {
	return auth.ConstantTimeEquals(c.apiKey, key)
}

type proofClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// VerifyProof validates an HS256 identity proof and returns the proven
// user ID.
func (c *Client) VerifyProof(token, email string) (string, error) {
	var claims proofClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", domain.ErrTokenExpired
		}
		return "", domain.ErrUnauthorized
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", domain.ErrUnauthorized
	}
	if claims.Email != "" && claims.Email != email {
		return "", domain.ErrUnauthorized
	}
	return claims.UserID, nil
}
