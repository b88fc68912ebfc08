// Package keymanager implements the key-manager vault server.  Plugins
// talk to it over the ECDH-derived channel: they register their public
// key under a registration token, then exchange sealed envelopes to store
// and fetch key material.
package keymanager

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/keyvouch/keyvouch/internal/config"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/envelope"
	"github.com/keyvouch/keyvouch/internal/regtoken"
	"github.com/keyvouch/keyvouch/internal/vault/sqlite"
)

const channelKeyName = "plugin-channel"

// Server wires the key-manager's HTTP API, vault, and token verifier
// together.
type Server struct {
	cfg   config.KeyManagerConfig
	vault *sqlite.Vault
	log   *slog.Logger
	priv  *ecdh.PrivateKey
	http  *http.Client

	mu          sync.Mutex
	verifier    *regtoken.Verifier
	verifierKey string
}

// New builds a key-manager server.  It loads or creates the long-lived
// channel private key and fetches the registration token verification
// key from the coordinator.
func New(ctx context.Context, cfg config.KeyManagerConfig, vault *sqlite.Vault, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		vault: vault,
		log:   logger,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
	}

	priv, err := s.loadOrCreateChannelKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel key: %w", err)
	}
	s.priv = priv

	if _, err := s.refreshVerifier(ctx); err != nil {
		return nil, fmt.Errorf("registration token verifier: %w", err)
	}
	return s, nil
}

func (s *Server) loadOrCreateChannelKey(ctx context.Context) (*ecdh.PrivateKey, error) {
	der, err := s.vault.LoadServerKey(ctx, channelKeyName)
	if err == nil {
		return envelope.ParsePrivateKeyDER(der)
	}
	if !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, err
	}

	priv, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	der, err = envelope.MarshalPrivateKeyDER(priv)
	if err != nil {
		return nil, err
	}
	if err := s.vault.SaveServerKey(ctx, channelKeyName, der); err != nil {
		return nil, err
	}
	s.log.Info("generated channel key")
	return priv, nil
}

func (s *Server) fetchVerificationKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.CoordinatorURL+"/km-reg-token-key", nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("coordinator status %d", resp.StatusCode)
	}
	var body domain.RegTokenKeyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body); err != nil {
		return "", err
	}
	return body.PublicKeyB64, nil
}

// refreshVerifier refetches the coordinator's registration token key and
// rebuilds the verifier when the key changed.  It returns the new
// verifier, or nil when the key is the one already in use.
func (s *Server) refreshVerifier(ctx context.Context) (*regtoken.Verifier, error) {
	key, err := s.fetchVerificationKey(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifier != nil && key == s.verifierKey {
		return nil, nil
	}
	verifier, err := regtoken.NewVerifier(key, s.vault)
	if err != nil {
		return nil, err
	}
	if s.verifierKey != "" {
		s.log.Info("registration token key rotated")
	}
	s.verifier = verifier
	s.verifierKey = key
	return verifier, nil
}

// consumeRegToken verifies and spends a registration token.  The
// coordinator signs with an ephemeral key, so a signature failure may
// just mean the coordinator restarted since the key was fetched: refetch
// it once and retry before rejecting.
func (s *Server) consumeRegToken(ctx context.Context, token, email, pluginID, publicKeyB64 string) error {
	s.mu.Lock()
	verifier := s.verifier
	s.mu.Unlock()

	err := verifier.Consume(token, email, pluginID, publicKeyB64)
	if !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}

	refreshed, refreshErr := s.refreshVerifier(ctx)
	if refreshErr != nil {
		s.log.Warn("failed to refresh registration token key", "err", refreshErr)
		return err
	}
	if refreshed == nil {
		return err
	}
	return refreshed.Consume(token, email, pluginID, publicKeyB64)
}

// Handler returns the key-manager's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /init_handshake", s.handleInitHandshake)
	mux.HandleFunc("POST /auth_plugin_key", s.handleAuthPluginKey)
	mux.HandleFunc("POST /send_keys_enveloped", s.handleSendKeys)
	mux.HandleFunc("POST /get_keys_enveloped", s.handleGetKeys)
	mux.HandleFunc("POST /get_key_material", s.handleGetKeyMaterial)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves the key-manager until ctx is cancelled, purging spent
// registration tokens in the background.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("key-manager listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := s.vault.PurgeSpentRegTokens(purgeCtx, time.Now())
			cancel()
			if err != nil {
				s.log.Error("failed to purge spent registration tokens", "err", err)
			} else if n > 0 {
				s.log.Debug("purged spent registration tokens", "count", n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, Code: code})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}
