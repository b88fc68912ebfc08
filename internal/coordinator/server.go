// Package coordinator implements the pairing and challenge coordinator:
// it binds browsers to mobile devices, raises approval challenges on the
// paired device, and brokers the tokens the plugin needs to talk to the
// key-manager.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyvouch/keyvouch/internal/biometric"
	"github.com/keyvouch/keyvouch/internal/config"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/push"
	"github.com/keyvouch/keyvouch/internal/regtoken"
	"github.com/keyvouch/keyvouch/internal/store/sqlite"
)

// Server wires the coordinator's HTTP API, device gateway, and janitor
// together.
type Server struct {
	cfg    config.CoordinatorConfig
	store  *sqlite.Store
	log    *slog.Logger
	broker *regtoken.Broker
	sender push.Sender
	bio    *biometric.Client
	hub    *hub
}

// New builds a coordinator server.  sender may be nil to use the default
// webhook sender; bio may be nil to disable identity proofs.
func New(cfg config.CoordinatorConfig, store *sqlite.Store, logger *slog.Logger, sender push.Sender, bio *biometric.Client) (*Server, error) {
	broker, err := regtoken.NewBroker(cfg.RegTokenTTL)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		sender = push.NewWebhookSender(cfg.PushTimeout)
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		log:    logger,
		broker: broker,
		sender: sender,
		bio:    bio,
		hub:    newHub(),
	}, nil
}

// Handler returns the coordinator's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pairing/start", s.handlePairingStart)
	mux.HandleFunc("GET /pairing/status", s.handlePairingStatus)
	mux.HandleFunc("POST /pairing/cancel", s.handlePairingCancel)
	mux.HandleFunc("POST /register-mobile", s.handleRegisterMobile)
	mux.HandleFunc("POST /request-auth-login", s.handleRequestAuthLogin)
	mux.HandleFunc("GET /check-password-status", s.handleCheckPasswordStatus)
	mux.HandleFunc("GET /mobile_client/auth-confirm", s.handleAuthConfirm)
	mux.HandleFunc("GET /mobile_client/register-confirm", s.handleRegisterConfirm)
	mux.HandleFunc("POST /api/biometric-callback", s.handleBiometricCallback)
	mux.HandleFunc("POST /km-plugin-reg-token", s.handleRegToken)
	mux.HandleFunc("GET /km-reg-token-key", s.handleRegTokenKey)
	mux.HandleFunc("POST /validate-km-token", s.handleValidateToken)
	mux.HandleFunc("GET /device/events", s.handleDeviceEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves the coordinator until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("coordinator listening", "addr", s.cfg.Listen)
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
