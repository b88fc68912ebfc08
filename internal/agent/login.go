package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// StartPairing opens a pairing session for email.  The returned register
// URL is what the browser renders as a QR code for the device to scan.
func (a *Agent) StartPairing(ctx context.Context, email, platform string) (domain.PairingStartResponse, error) {
	var resp domain.PairingStartResponse
	err := a.doJSON(ctx, http.MethodPost, a.cfg.CoordinatorURL+"/pairing/start", domain.PairingStartRequest{
		Email:    email,
		Platform: platform,
	}, &resp)
	if err != nil {
		return domain.PairingStartResponse{}, fmt.Errorf("failed to start pairing: %w", err)
	}
	return resp, nil
}

// AwaitPairing polls the pairing session until the device confirms it or
// the session expires.
func (a *Agent) AwaitPairing(ctx context.Context, sessionID string) error {
	statusURL := a.cfg.CoordinatorURL + "/pairing/status?session_id=" + url.QueryEscape(sessionID)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.PollDeadline)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var resp domain.PairingStatusResponse
		if err := a.doJSON(ctx, http.MethodGet, statusURL, nil, &resp); err != nil {
			if ctx.Err() != nil {
				return errors.Join(domain.ErrChallengeTimeout, ctx.Err())
			}
			return err
		}
		switch resp.State {
		case domain.PairingConfirmed:
			return nil
		case domain.PairingExpired:
			return errors.Join(domain.ErrSessionNotFound, errors.New("pairing session expired"))
		}

		select {
		case <-ctx.Done():
			return errors.Join(domain.ErrChallengeTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Login raises a challenge on the paired device and waits for the human
// decision.  On approval it redeems the unlock token for the stored key
// material; the token doubles as the browser session credential for
// later registration-token requests.
func (a *Agent) Login(ctx context.Context, email string) (*KeyMaterial, error) {
	var started domain.RequestAuthLoginResponse
	err := a.doJSON(ctx, http.MethodPost, a.cfg.CoordinatorURL+"/request-auth-login", domain.RequestAuthLoginRequest{
		Email:    email,
		Platform: a.cfg.Platform,
	}, &started)
	if statusOf(err) == http.StatusNotFound {
		return nil, errors.Join(domain.ErrDeviceNotBound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to raise login challenge: %w", err)
	}
	a.log.Info("login challenge raised", "challenge_id", started.ChallengeID)

	token, err := a.awaitDecision(ctx, email)
	if err != nil {
		return nil, &domain.ChallengeError{ChallengeID: started.ChallengeID, Op: "login", Err: err}
	}

	var material domain.GetKeyMaterialResponse
	err = a.doJSON(ctx, http.MethodPost, a.cfg.KeyManagerURL+"/get_key_material", domain.GetKeyMaterialRequest{
		AuthToken:    token,
		UserEmail:    email,
		PlatformName: a.cfg.Platform,
	}, &material)
	if statusOf(err) == http.StatusNotFound {
		// First login on a fresh vault.  The token was still redeemed, so
		// the session is established; there is just nothing stored yet.
		a.SetCredentials(email, token)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem unlock token: %w", err)
	}

	a.SetCredentials(email, token)

	raw, err := decodeKeyB64(material.KeyB64)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{KeyID: material.KeyID, Material: raw}, nil
}

// awaitDecision polls the challenge status until the device approves or
// denies it, or the deadline passes.  Exactly one terminal outcome.
func (a *Agent) awaitDecision(ctx context.Context, email string) (string, error) {
	statusURL := a.cfg.CoordinatorURL + "/check-password-status?email=" + url.QueryEscape(email)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.PollDeadline)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var resp domain.PasswordStatusResponse
		if err := a.doJSON(ctx, http.MethodGet, statusURL, nil, &resp); err != nil {
			if ctx.Err() != nil {
				return "", domain.ErrChallengeTimeout
			}
			return "", err
		}
		switch resp.Status {
		case "authenticated":
			if resp.Token == "" {
				return "", errors.New("authenticated status carried no token")
			}
			return resp.Token, nil
		case "denied":
			return "", domain.ErrChallengeDenied
		}

		select {
		case <-ctx.Done():
			return "", domain.ErrChallengeTimeout
		case <-ticker.C:
		}
	}
}
