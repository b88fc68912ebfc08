package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/keyvouch/keyvouch/internal/auth"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/push"
)

func (s *Server) handleRequestAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.RequestAuthLoginRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required", "bad_request")
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetDeviceSubscription(ctx, req.Email); err != nil {
		if errors.Is(err, domain.ErrDeviceNotBound) {
			writeError(w, http.StatusNotFound, "no device bound for email", "device_not_bound")
			return
		}
		s.log.Error("failed to load device subscription", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	challenge, err := s.store.CreateChallenge(ctx, req.Email, req.Platform, domain.ChallengeKindLogin, s.cfg.ChallengeTTL)
	if err != nil {
		s.log.Error("failed to create login challenge", "email", req.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	if err := s.dispatchChallenge(ctx, challenge.Email, push.Payload{
		Title:       "Sign-in request",
		Body:        "Approve sign-in for " + challenge.Email + " on " + challenge.Platform,
		ActionType:  push.ActionLoginReview,
		Email:       challenge.Email,
		ChallengeID: challenge.ID,
		ContinueURL: s.confirmURL("auth-confirm", challenge.ID),
	}); err != nil {
		if errors.Is(err, domain.ErrSubscriptionGone) {
			writeError(w, http.StatusNotFound, "no device bound for email", "device_not_bound")
			return
		}
		s.log.Error("login push failed", "challenge_id", challenge.ID, "err", err)
		writeError(w, http.StatusBadGateway, "push delivery failed", "push_failed")
		return
	}

	s.log.Info("login challenge dispatched", "challenge_id", challenge.ID, "email", challenge.Email)
	writeJSON(w, http.StatusOK, domain.RequestAuthLoginResponse{ChallengeID: challenge.ID})
}

// dispatchChallenge delivers a challenge payload to the device bound to
// the email, preferring a live gateway connection over the push webhook.
// A gone subscription is unbound before the error is surfaced.
func (s *Server) dispatchChallenge(ctx context.Context, email string, payload push.Payload) error {
	sub, err := s.store.GetDeviceSubscription(ctx, email)
	if err != nil {
		return err
	}

	if s.hub.deliver(email, payload) {
		return nil
	}

	err = s.sender.Send(ctx, sub.Subscription, payload)
	if errors.Is(err, domain.ErrSubscriptionGone) {
		if derr := s.store.DeleteDeviceSubscription(ctx, email); derr != nil {
			s.log.Warn("failed to remove gone subscription", "email", email, "err", derr)
		} else {
			s.log.Info("removed gone subscription", "email", email)
		}
	}
	return err
}

func (s *Server) handleCheckPasswordStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required", "bad_request")
		return
	}

	challenge, err := s.store.LatestChallenge(r.Context(), email, domain.ChallengeKindLogin)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		// Expired or absent challenges read as still pending; the
		// browser's own poll deadline bounds how long it keeps asking.
		writeJSON(w, http.StatusOK, domain.PasswordStatusResponse{Status: "pending"})
		return
	}
	if err != nil {
		s.log.Error("failed to load login challenge", "email", email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	switch {
	case challenge.Status == domain.ChallengeApproved,
		challenge.Status == domain.ChallengeConfirmed && s.bio == nil:
		writeJSON(w, http.StatusOK, domain.PasswordStatusResponse{
			Status: "authenticated",
			Token:  challenge.UnlockToken,
		})
	case challenge.Status == domain.ChallengeDenied:
		writeJSON(w, http.StatusOK, domain.PasswordStatusResponse{Status: "denied"})
	default:
		writeJSON(w, http.StatusOK, domain.PasswordStatusResponse{Status: "pending"})
	}
}

func (s *Server) handleAuthConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleDeviceDecision(w, r, domain.ChallengeKindLogin)
}

func (s *Server) handleRegisterConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleDeviceDecision(w, r, domain.ChallengeKindRegistration)
}

// handleDeviceDecision is the landing endpoint for the links the mobile
// device opens.  It is the only place a human decision enters the system,
// and it funnels both outcomes through the store's guarded transitions.
func (s *Server) handleDeviceDecision(w http.ResponseWriter, r *http.Request, kind string) {
	id := r.URL.Query().Get("sessionId")
	decision := r.URL.Query().Get("status")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required", "bad_request")
		return
	}

	ctx := r.Context()
	challenge, err := s.store.GetChallenge(ctx, id)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		writeError(w, http.StatusNotFound, "challenge expired", "challenge_not_found")
		return
	}
	if err != nil {
		s.log.Error("failed to load challenge", "challenge_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	if challenge.Kind != kind {
		writeError(w, http.StatusNotFound, "challenge expired", "challenge_not_found")
		return
	}

	if decision != "confirmed" {
		s.resolveDeny(ctx, w, challenge)
		return
	}
	s.resolveConfirm(ctx, w, challenge)
}

func (s *Server) resolveDeny(ctx context.Context, w http.ResponseWriter, challenge domain.Challenge) {
	_, err := s.store.DenyChallenge(ctx, challenge.ID)
	if errors.Is(err, domain.ErrChallengeResolved) {
		// Already confirmed or denied; either way the decision stands.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}
	if err != nil {
		s.log.Error("failed to deny challenge", "challenge_id", challenge.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	s.log.Info("challenge denied", "challenge_id", challenge.ID, "email", challenge.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

// resolveProofFailure marks a confirmed challenge denied after its
// identity proof did not hold up.
func (s *Server) resolveProofFailure(ctx context.Context, w http.ResponseWriter, challenge domain.Challenge) {
	_, err := s.store.FailChallengeProof(ctx, challenge.ID)
	if errors.Is(err, domain.ErrChallengeResolved) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}
	if err != nil {
		s.log.Error("failed to record proof failure", "challenge_id", challenge.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	s.log.Info("challenge denied on proof failure", "challenge_id", challenge.ID, "email", challenge.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

func (s *Server) resolveConfirm(ctx context.Context, w http.ResponseWriter, challenge domain.Challenge) {
	token, err := auth.GenerateToken()
	if err != nil {
		s.log.Error("failed to mint unlock token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	confirmed, err := s.store.ConfirmChallenge(ctx, challenge.ID, token)
	if errors.Is(err, domain.ErrChallengeResolved) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}
	if err != nil {
		s.log.Error("failed to confirm challenge", "challenge_id", challenge.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	if confirmed.Kind == domain.ChallengeKindRegistration {
		if err := s.store.ConfirmDeviceSubscription(ctx, confirmed.Email); err != nil {
			s.log.Warn("failed to finalize device binding", "email", confirmed.Email, "err", err)
		}
	}

	if s.bio != nil {
		callbackURL := s.cfg.PublicBaseURL + "/api/biometric-callback"
		if err := s.bio.StartProof(ctx, confirmed.Email, confirmed.Platform, confirmed.UnlockToken, callbackURL); err != nil {
			s.log.Error("failed to start identity proof", "challenge_id", confirmed.ID, "err", err)
			if _, derr := s.store.FailChallengeProof(ctx, confirmed.ID); derr != nil {
				s.log.Error("failed to deny after proof start failure", "challenge_id", confirmed.ID, "err", derr)
			}
			writeError(w, http.StatusBadGateway, "identity proof unavailable", "proof_failed")
			return
		}
		s.log.Info("challenge confirmed, proof pending", "challenge_id", confirmed.ID, "email", confirmed.Email)
		writeJSON(w, http.StatusOK, map[string]string{"status": "proof_pending"})
		return
	}

	s.log.Info("challenge confirmed", "challenge_id", confirmed.ID, "email", confirmed.Email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) handleBiometricCallback(w http.ResponseWriter, r *http.Request) {
	if s.bio == nil {
		writeError(w, http.StatusNotFound, "identity proofs disabled", "not_found")
		return
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !s.bio.APIKeyMatches(strings.TrimSpace(key)) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req domain.BiometricCallbackRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	ctx := r.Context()
	challenge, err := s.store.GetChallengeByToken(ctx, req.Email, req.SessionToken)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		writeError(w, http.StatusNotFound, "auth session not found", "challenge_not_found")
		return
	}
	if err != nil {
		s.log.Error("failed to resolve proof target", "email", req.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	if !req.Authenticated {
		s.resolveProofFailure(ctx, w, challenge)
		return
	}

	userID, err := s.bio.VerifyProof(req.JWT, challenge.Email)
	if err != nil {
		s.log.Warn("identity proof rejected", "challenge_id", challenge.ID, "err", err)
		s.resolveProofFailure(ctx, w, challenge)
		return
	}

	approved, err := s.store.ApproveChallenge(ctx, challenge.ID, userID, req.JWT)
	if errors.Is(err, domain.ErrChallengeResolved) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}
	if err != nil {
		s.log.Error("failed to approve challenge", "challenge_id", challenge.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	s.log.Info("challenge approved", "challenge_id", approved.ID, "email", approved.Email, "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}
