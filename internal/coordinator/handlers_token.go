package coordinator

import (
	"errors"
	"net/http"
	"strings"

	"github.com/keyvouch/keyvouch/internal/auth"
	"github.com/keyvouch/keyvouch/internal/domain"
)

func (s *Server) handleRegToken(w http.ResponseWriter, r *http.Request) {
	var req domain.RegTokenRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.RegTokenResponse{OK: false, Error: "invalid request body"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.SessionToken == "" || req.PluginID == "" || req.PublicKeyB64 == "" {
		writeJSON(w, http.StatusBadRequest, domain.RegTokenResponse{OK: false, Error: "missing required fields"})
		return
	}

	// Issuance is delegated to the login the browser already completed:
	// the session token minted at unlock-token redemption stands in for
	// re-authenticating here.
	hash := auth.HashToken(req.SessionToken, s.cfg.TokenPepper)
	if err := s.store.CheckBrowserSession(r.Context(), req.Email, hash); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, domain.RegTokenResponse{OK: false, Error: "invalid session"})
			return
		}
		s.log.Error("failed to check browser session", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.RegTokenResponse{OK: false, Error: "internal error"})
		return
	}

	token, err := s.broker.Issue(req.Email, req.PluginID, req.PublicKeyB64)
	if err != nil {
		s.log.Error("failed to issue registration token", "email", req.Email, "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.RegTokenResponse{OK: false, Error: "internal error"})
		return
	}
	s.log.Info("registration token issued", "email", req.Email, "plugin_id", req.PluginID)
	writeJSON(w, http.StatusOK, domain.RegTokenResponse{OK: true, RegToken: token})
}

func (s *Server) handleRegTokenKey(w http.ResponseWriter, r *http.Request) {
	pub, err := s.broker.PublicKeyB64()
	if err != nil {
		s.log.Error("failed to export broker key", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	writeJSON(w, http.StatusOK, domain.RegTokenKeyResponse{PublicKeyB64: pub})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateTokenRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	ctx := r.Context()
	challenge, err := s.store.ConsumeUnlockToken(ctx, req.Email, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenUsed):
			writeError(w, http.StatusUnauthorized, "token already used", "token_used")
		case errors.Is(err, domain.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "token expired", "token_expired")
		case errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		default:
			s.log.Error("failed to consume unlock token", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", "internal")
		}
		return
	}

	// The spent unlock token doubles as the browser's session token for
	// follow-up registration token requests; only its hash is kept.
	hash := auth.HashToken(req.Token, s.cfg.TokenPepper)
	if err := s.store.CreateBrowserSession(ctx, challenge.Email, hash, s.cfg.SessionTTL); err != nil {
		s.log.Error("failed to create browser session", "email", challenge.Email, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	s.log.Info("unlock token redeemed", "challenge_id", challenge.ID, "email", challenge.Email)
	writeJSON(w, http.StatusOK, domain.ValidateTokenResponse{OK: true})
}
