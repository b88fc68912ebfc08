package keymanager

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/envelope"
	"github.com/keyvouch/keyvouch/internal/vault/sqlite"
)

func (s *Server) handleInitHandshake(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.HandshakeResponse{
		ServerPublicKeyB64: base64.StdEncoding.EncodeToString(s.priv.PublicKey().Bytes()),
	})
}

func (s *Server) handleAuthPluginKey(w http.ResponseWriter, r *http.Request) {
	var req domain.AuthPluginKeyRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.UserID == "" || req.PluginID == "" || req.PublicKeyB64 == "" || req.RegToken == "" {
		writeError(w, http.StatusBadRequest, "missing required fields", "bad_request")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil || len(raw) != 65 {
		writeError(w, http.StatusBadRequest, "malformed public key", "bad_request")
		return
	}

	if err := s.consumeRegToken(r.Context(), req.RegToken, req.UserID, req.PluginID, req.PublicKeyB64); err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenUsed):
			writeError(w, http.StatusUnauthorized, "registration token already used", "token_used")
		case errors.Is(err, domain.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "registration token expired", "token_expired")
		default:
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		}
		return
	}

	if err := s.vault.UpsertPluginKey(r.Context(), req.UserID, req.PluginID, raw); err != nil {
		s.log.Error("failed to store plugin key", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	s.log.Info("plugin key registered", "user_id", req.UserID, "plugin_id", req.PluginID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// channelKey derives the AES key shared with the registered plugin.
func (s *Server) channelKey(ctx context.Context, userID, pluginID string) ([]byte, error) {
	pluginRaw, err := s.vault.GetPluginKey(ctx, userID, pluginID)
	if err != nil {
		return nil, err
	}
	return envelope.DeriveChannelKey(s.priv, pluginRaw, pluginRaw)
}

func (s *Server) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	var req domain.SendKeysRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	ctx := r.Context()
	key, err := s.channelKey(ctx, req.UserID, req.PluginID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown plugin", "unauthorized")
		return
	}
	plaintext, err := envelope.Open(key, req.EncryptedPayload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "envelope decryption failed", "decrypt_failed")
		return
	}

	var payload domain.MaterialPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload", "bad_request")
		return
	}
	material, err := base64.StdEncoding.DecodeString(payload.KeyB64)
	if err != nil || len(material) == 0 {
		writeError(w, http.StatusBadRequest, "malformed key material", "bad_request")
		return
	}

	keyID, err := s.vault.StoreKey(ctx, sqlite.KeyRecord{
		UserID:     req.UserID,
		ModuleType: payload.ModuleType,
		Purpose:    payload.Purpose,
		Platform:   payload.Platform,
		KeyAlgo:    payload.KeyAlgo,
		Material:   material,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.log.Error("failed to store key material", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	s.log.Info("key material stored", "user_id", req.UserID, "key_id", keyID, "module", payload.ModuleType)
	writeJSON(w, http.StatusOK, domain.SendKeysResponse{Status: "ok", KeyID: keyID})
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	var req domain.GetKeysRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	ctx := r.Context()
	key, err := s.channelKey(ctx, req.UserID, req.PluginID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown plugin", "unauthorized")
		return
	}

	keyID, material, err := s.vault.GetKeyMaterial(ctx, req.UserID, req.ModuleType, req.Purpose)
	if errors.Is(err, domain.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "key material not found", "not_found")
		return
	}
	if err != nil {
		s.log.Error("failed to load key material", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	plaintext, err := json.Marshal(domain.KeyPayload{
		KeyID:  keyID,
		KeyB64: base64.StdEncoding.EncodeToString(material),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	sealed, err := envelope.Seal(key, plaintext)
	if err != nil {
		s.log.Error("failed to seal response", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	writeJSON(w, http.StatusOK, domain.GetKeysResponse{EncryptedPayload: sealed})
}

func (s *Server) handleGetKeyMaterial(w http.ResponseWriter, r *http.Request) {
	var req domain.GetKeyMaterialRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.AuthToken == "" || req.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "missing required fields", "bad_request")
		return
	}

	ctx := r.Context()
	if err := s.redeemUnlockToken(ctx, req.AuthToken, req.UserEmail); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	keyID, material, err := s.vault.GetLatestKeyForUser(ctx, req.UserEmail, req.PlatformName)
	if errors.Is(err, domain.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "key material not found", "not_found")
		return
	}
	if err != nil {
		s.log.Error("failed to load key material", "user_email", req.UserEmail, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}

	s.log.Info("key material released", "user_email", req.UserEmail, "key_id", keyID)
	writeJSON(w, http.StatusOK, domain.GetKeyMaterialResponse{
		KeyID:  keyID,
		KeyB64: base64.StdEncoding.EncodeToString(material),
	})
}

// redeemUnlockToken asks the coordinator to consume the single-use unlock
// token minted by the human approval.
func (s *Server) redeemUnlockToken(ctx context.Context, token, email string) error {
	body, err := json.Marshal(domain.ValidateTokenRequest{Token: token, Email: email})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CoordinatorURL+"/validate-km-token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return domain.ErrUnauthorized
	}
	return nil
}
