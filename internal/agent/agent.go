package agent

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/keyvouch/keyvouch/internal/config"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/envelope"
)

// Agent is the plugin-side client.  It keeps a persistent ECDH identity,
// registers it with the key-manager once, and speaks the enveloped
// channel for key material.
type Agent struct {
	cfg   config.AgentConfig
	log   *slog.Logger
	http  *http.Client
	store *Keystore
	group singleflight.Group

	mu           sync.Mutex
	email        string
	sessionToken string
	session      *channelSession
}

// channelSession is the completed handshake state.
type channelSession struct {
	priv         *ecdh.PrivateKey
	publicKeyB64 string
	channelKey   []byte
}

// Material is key material the plugin pushes into the vault.
type Material struct {
	Material   []byte
	Email      string
	ModuleType string
	Purpose    string
	Platform   string
	KeyAlgo    string
}

// Query selects stored key material.
type Query struct {
	ModuleType string
	Purpose    string
	Platform   string
}

// KeyMaterial is decrypted material returned by the vault.
type KeyMaterial struct {
	KeyID    string
	Material []byte
}

func New(cfg config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:   cfg,
		log:   logger,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
		store: NewKeystore(cfg.KeystorePath),
	}, nil
}

// SetCredentials primes the agent with an authenticated browser session,
// normally obtained through Login.
func (a *Agent) SetCredentials(email, sessionToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.email = email
	a.sessionToken = sessionToken
}

// Reset drops the established channel and the persisted plugin identity.
func (a *Agent) Reset() error {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	return a.store.Reset()
}

// EnsureHandshake establishes the secure channel with the key-manager.
// Safe for concurrent use; concurrent callers share a single handshake.
func (a *Agent) EnsureHandshake(ctx context.Context) error {
	a.mu.Lock()
	ready := a.session != nil
	a.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := a.group.Do("handshake", func() (any, error) {
		a.mu.Lock()
		if a.session != nil {
			a.mu.Unlock()
			return nil, nil
		}
		email, sessionToken := a.email, a.sessionToken
		a.mu.Unlock()

		sess, err := a.handshake(ctx, email, sessionToken)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.session = sess
		a.mu.Unlock()
		return nil, nil
	})
	return err
}

func (a *Agent) handshake(ctx context.Context, email, sessionToken string) (*channelSession, error) {
	if email == "" || sessionToken == "" {
		return nil, errors.Join(domain.ErrConfig, errors.New("handshake requires an authenticated session"))
	}

	priv, err := a.store.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	publicKeyB64 := base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes())

	var regResp domain.RegTokenResponse
	err = a.doJSON(ctx, http.MethodPost, a.cfg.CoordinatorURL+"/km-plugin-reg-token", domain.RegTokenRequest{
		Email:        email,
		SessionToken: sessionToken,
		PluginID:     a.cfg.PluginID,
		PublicKeyB64: publicKeyB64,
	}, &regResp)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain registration token: %w", err)
	}
	if !regResp.OK || regResp.RegToken == "" {
		return nil, errors.Join(domain.ErrUnauthorized, fmt.Errorf("registration token refused: %s", regResp.Error))
	}

	err = a.doJSON(ctx, http.MethodPost, a.cfg.KeyManagerURL+"/auth_plugin_key", domain.AuthPluginKeyRequest{
		UserID:       email,
		PluginID:     a.cfg.PluginID,
		PublicKeyB64: publicKeyB64,
		RegToken:     regResp.RegToken,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugin key: %w", err)
	}

	var handshake domain.HandshakeResponse
	err = a.doJSON(ctx, http.MethodGet, a.cfg.KeyManagerURL+"/init_handshake", nil, &handshake)
	if err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	serverRaw, err := base64.StdEncoding.DecodeString(handshake.ServerPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed server public key: %w", err)
	}

	channelKey, err := envelope.DeriveChannelKey(priv, serverRaw, priv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}

	a.log.Info("secure channel established", "plugin_id", a.cfg.PluginID)
	return &channelSession{priv: priv, publicKeyB64: publicKeyB64, channelKey: channelKey}, nil
}

// EnvelopeEncrypt seals plaintext for the key-manager over the channel.
func (a *Agent) EnvelopeEncrypt(ctx context.Context, plaintext []byte) (string, error) {
	if err := a.EnsureHandshake(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	key := a.session.channelKey
	a.mu.Unlock()
	return envelope.Seal(key, plaintext)
}

// EnvelopeDecrypt opens an envelope received from the key-manager.
func (a *Agent) EnvelopeDecrypt(ctx context.Context, env string) ([]byte, error) {
	if err := a.EnsureHandshake(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	key := a.session.channelKey
	a.mu.Unlock()
	return envelope.Open(key, env)
}

// SendKeyMaterial stores material in the vault and returns the key id.
func (a *Agent) SendKeyMaterial(ctx context.Context, m Material) (string, error) {
	if err := a.EnsureHandshake(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	email := a.email
	a.mu.Unlock()
	if m.Email == "" {
		m.Email = email
	}

	payload, err := json.Marshal(domain.MaterialPayload{
		KeyB64:     base64.StdEncoding.EncodeToString(m.Material),
		Email:      m.Email,
		ModuleType: m.ModuleType,
		Purpose:    m.Purpose,
		Platform:   m.Platform,
		KeyAlgo:    m.KeyAlgo,
	})
	if err != nil {
		return "", err
	}
	sealed, err := a.EnvelopeEncrypt(ctx, payload)
	if err != nil {
		return "", err
	}

	var resp domain.SendKeysResponse
	err = a.doJSON(ctx, http.MethodPost, a.cfg.KeyManagerURL+"/send_keys_enveloped", domain.SendKeysRequest{
		UserID:           m.Email,
		PluginID:         a.cfg.PluginID,
		EncryptedPayload: sealed,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Status != "ok" {
		return "", fmt.Errorf("vault refused key material: %s", resp.Status)
	}
	return resp.KeyID, nil
}

// FetchKeyMaterial retrieves stored material over the enveloped channel.
func (a *Agent) FetchKeyMaterial(ctx context.Context, q Query) (*KeyMaterial, error) {
	if err := a.EnsureHandshake(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	email := a.email
	a.mu.Unlock()

	var resp domain.GetKeysResponse
	err := a.doJSON(ctx, http.MethodPost, a.cfg.KeyManagerURL+"/get_keys_enveloped", domain.GetKeysRequest{
		UserID:     email,
		PluginID:   a.cfg.PluginID,
		ModuleType: q.ModuleType,
		Purpose:    q.Purpose,
		Platform:   q.Platform,
	}, &resp)
	if statusOf(err) == http.StatusNotFound {
		return nil, errors.Join(domain.ErrKeyNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if resp.EncryptedPayload == "" {
		return nil, errors.Join(domain.ErrKeyNotFound, errors.New("response carried no payload"))
	}

	plaintext, err := a.EnvelopeDecrypt(ctx, resp.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var payload domain.KeyPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("malformed key payload: %w", err)
	}
	material, err := decodeKeyB64(payload.KeyB64)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{KeyID: payload.KeyID, Material: material}, nil
}

func decodeKeyB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed key material: %w", err)
	}
	return raw, nil
}

// doJSON posts (or gets) JSON and decodes the response into out when the
// status is 2xx.  Non-2xx responses become errors carrying the server's
// error code when one is present.
func (a *Agent) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body domain.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Code = body.Code
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return errors.Join(domain.ErrUnauthorized, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError is a non-2xx response from the coordinator or key-manager.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// statusOf extracts the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
