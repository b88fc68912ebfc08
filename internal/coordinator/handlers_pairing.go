package coordinator

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/push"
)

func (s *Server) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	var req domain.PairingStartRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required", "bad_request")
		return
	}

	sess, err := s.store.CreatePairingSession(r.Context(), req.Email, req.Platform, s.cfg.PairingTTL)
	if err != nil {
		s.log.Error("failed to create pairing session", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	registerURL := s.cfg.PublicBaseURL + "/mobile_client/register-mobile.html?sessionId=" + url.QueryEscape(sess.ID)
	s.log.Info("pairing session started", "session_id", sess.ID, "email", sess.Email)
	writeJSON(w, http.StatusOK, domain.PairingStartResponse{
		SessionID:   sess.ID,
		RegisterURL: registerURL,
	})
}

func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", "bad_request")
		return
	}

	sess, err := s.store.GetPairingSession(r.Context(), id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		// A purged session is indistinguishable from an expired one.
		writeJSON(w, http.StatusOK, domain.PairingStatusResponse{State: domain.PairingExpired})
		return
	}
	if err != nil {
		s.log.Error("failed to load pairing session", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	writeJSON(w, http.StatusOK, domain.PairingStatusResponse{State: sess.State})
}

func (s *Server) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	var req domain.PairingStartRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required", "bad_request")
		return
	}

	n, err := s.store.CancelPairingSessions(r.Context(), req.Email)
	if err != nil {
		s.log.Error("failed to cancel pairing sessions", "email", req.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	if n > 0 {
		s.log.Info("pairing canceled", "email", req.Email, "sessions", n)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleRegisterMobile(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterMobileRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.SessionID == "" || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "sessionId and subscription are required", "bad_request")
		return
	}

	ctx := r.Context()
	sess, err := s.store.GetPairingSession(ctx, req.SessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found", "session_not_found")
		return
	}
	if err != nil {
		s.log.Error("failed to load pairing session", "session_id", req.SessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	if sess.State != domain.PairingPending {
		writeError(w, http.StatusNotFound, "session not found", "session_not_found")
		return
	}

	pendingWindow := s.cfg.RegistrationWindow
	if s.bio == nil {
		// Without an identity proof step there is nothing left to
		// confirm later; the binding is final immediately.
		pendingWindow = 0
	}

	err = s.store.CreateDeviceSubscription(ctx, sess.Email, req.Subscription, pendingWindow)
	if errors.Is(err, domain.ErrAlreadyRegistered) {
		// The device is already bound; tidy up the leftover flow state
		// and tell the client it can proceed straight to login.
		if _, cerr := s.store.CancelPairingSessions(ctx, sess.Email); cerr != nil {
			s.log.Warn("failed to cancel pairing sessions", "email", sess.Email, "err", cerr)
		}
		writeJSON(w, http.StatusOK, domain.RegisterMobileResponse{
			Status: "already_registered",
			Email:  sess.Email,
		})
		return
	}
	if err != nil {
		s.log.Error("failed to save device subscription", "email", sess.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	if err := s.store.ConfirmPairingSession(ctx, sess.ID); err != nil {
		// Another device won the session between our read and this
		// write.  Roll back the binding attempt.
		_ = s.store.DeleteDeviceSubscription(ctx, sess.Email)
		writeError(w, http.StatusNotFound, "session not found", "session_not_found")
		return
	}

	challenge, err := s.store.CreateChallenge(ctx, sess.Email, sess.Platform, domain.ChallengeKindRegistration, s.cfg.ChallengeTTL)
	if err != nil {
		s.log.Error("failed to create registration challenge", "email", sess.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	continueURL := s.confirmURL("register-confirm", challenge.ID)
	if err := s.dispatchChallenge(ctx, sess.Email, push.Payload{
		Title:       "Finish device registration",
		Body:        "Confirm this device for " + sess.Email,
		ActionType:  push.ActionRegisterCheck,
		Email:       sess.Email,
		ChallengeID: challenge.ID,
		ContinueURL: continueURL,
	}); err != nil {
		// The device that just registered is standing by on the same
		// page; it also receives continueUrl in this response, so a
		// failed push is not fatal here.
		s.log.Warn("registration push failed", "email", sess.Email, "err", err)
	}

	s.log.Info("device registered", "email", sess.Email, "session_id", sess.ID, "challenge_id", challenge.ID)
	writeJSON(w, http.StatusOK, domain.RegisterMobileResponse{
		Status:      "subscription_saved",
		ContinueURL: continueURL,
		Email:       sess.Email,
	})
}

func (s *Server) confirmURL(page, challengeID string) string {
	return s.cfg.PublicBaseURL + "/mobile_client/" + page + "?sessionId=" + url.QueryEscape(challengeID)
}
