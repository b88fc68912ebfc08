package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyvouch/keyvouch/internal/config"
	"github.com/keyvouch/keyvouch/internal/coordinator"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/keymanager"
	"github.com/keyvouch/keyvouch/internal/push"
	"github.com/keyvouch/keyvouch/internal/store/sqlite"
	vaultsqlite "github.com/keyvouch/keyvouch/internal/vault/sqlite"
)

// captureSender delivers every push payload to a channel so the test can
// play the part of the mobile device.
type captureSender struct {
	payloads chan push.Payload
}

func newCaptureSender() *captureSender {
	return &captureSender{payloads: make(chan push.Payload, 16)}
}

func (c *captureSender) Send(_ context.Context, _ domain.Subscription, p push.Payload) error {
	c.payloads <- p
	return nil
}

func (c *captureSender) next(t *testing.T) push.Payload {
	t.Helper()
	select {
	case p := <-c.payloads:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a push")
		return push.Payload{}
	}
}

// testbed wires a real coordinator and key-manager and an agent that
// talks to both.
type testbed struct {
	agent       *Agent
	sender      *captureSender
	coordURL    string
	regTokenHit atomic.Int64
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	tb := &testbed{sender: newCaptureSender()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	coordCfg := config.CoordinatorConfig{
		PublicBaseURL:      "https://auth.example.test",
		TokenPepper:        "test-pepper",
		MaxBodyBytes:       1 << 20,
		ChallengeTTL:       time.Minute,
		PairingTTL:         time.Minute,
		RegTokenTTL:        30 * time.Second,
		SessionTTL:         time.Hour,
		RegistrationWindow: time.Hour,
		PushTimeout:        5 * time.Second,
	}
	coord, err := coordinator.New(coordCfg, store, logger, tb.sender, nil)
	if err != nil {
		t.Fatal(err)
	}
	coordHandler := coord.Handler()
	coordTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/km-plugin-reg-token" {
			tb.regTokenHit.Add(1)
		}
		coordHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(coordTS.Close)
	tb.coordURL = coordTS.URL

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatal(err)
	}
	vault, err := vaultsqlite.Open(filepath.Join(t.TempDir(), "vault.db"), masterKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = vault.Close() })

	kmCfg := config.KeyManagerConfig{
		CoordinatorURL: coordTS.URL,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 5 * time.Second,
	}
	km, err := keymanager.New(context.Background(), kmCfg, vault, logger)
	if err != nil {
		t.Fatal(err)
	}
	kmTS := httptest.NewServer(km.Handler())
	t.Cleanup(kmTS.Close)

	ag, err := New(config.AgentConfig{
		KeyManagerURL:  kmTS.URL,
		CoordinatorURL: coordTS.URL,
		PluginID:       "plugin-1",
		Platform:       "windows",
		KeystorePath:   filepath.Join(t.TempDir(), "identity.json"),
		RequestTimeout: 5 * time.Second,
		PollInterval:   25 * time.Millisecond,
		PollDeadline:   5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	tb.agent = ag
	return tb
}

// deviceDecide opens the decision link the push payload points at, the
// way the mobile app would.
func (tb *testbed) deviceDecide(t *testing.T, p push.Payload, status string) {
	t.Helper()
	page := "/mobile_client/auth-confirm"
	if p.ActionType == push.ActionRegisterCheck {
		page = "/mobile_client/register-confirm"
	}
	resp, err := http.Get(tb.coordURL + page + "?sessionId=" + p.ChallengeID + "&status=" + status)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device decision status %d", resp.StatusCode)
	}
}

// pair walks the QR pairing flow for email and confirms the registration
// challenge on the device.
func (tb *testbed) pair(t *testing.T, email string) {
	t.Helper()
	ctx := context.Background()

	started, err := tb.agent.StartPairing(ctx, email, "windows")
	if err != nil {
		t.Fatal(err)
	}
	if started.RegisterURL == "" {
		t.Fatal("pairing returned no register URL")
	}

	body, _ := json.Marshal(domain.RegisterMobileRequest{
		SessionID:    started.SessionID,
		Subscription: domain.Subscription{Endpoint: "https://push.example/dev", Auth: "dev-secret"},
	})
	resp, err := http.Post(tb.coordURL+"/register-mobile", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register-mobile status %d", resp.StatusCode)
	}

	if err := tb.agent.AwaitPairing(ctx, started.SessionID); err != nil {
		t.Fatal(err)
	}
	tb.deviceDecide(t, tb.sender.next(t), "confirmed")
}

// loginApproving runs Login while approving the challenge when the push
// arrives.
func (tb *testbed) loginApproving(t *testing.T, email string) (*KeyMaterial, error) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tb.deviceDecide(t, tb.sender.next(t), "confirmed")
	}()
	material, err := tb.agent.Login(context.Background(), email)
	<-done
	return material, err
}

func TestLoginWithoutDevice(t *testing.T) {
	tb := newTestbed(t)
	_, err := tb.agent.Login(context.Background(), "nobody@example.test")
	if !errors.Is(err, domain.ErrDeviceNotBound) {
		t.Fatalf("expected ErrDeviceNotBound, got %v", err)
	}
}

func TestPairLoginAndKeyRoundTrip(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()
	email := "a@b.test"
	tb.pair(t, email)

	// First login, empty vault: the approval succeeds, there is just no
	// key material stored yet.
	material, err := tb.loginApproving(t, email)
	if err != nil {
		t.Fatal(err)
	}
	if material != nil {
		t.Fatalf("expected no stored material on first login, got %+v", material)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	keyID, err := tb.agent.SendKeyMaterial(ctx, Material{
		Material:   secret,
		ModuleType: "LOGIN",
		Purpose:    "PASSWORD",
		Platform:   "windows",
		KeyAlgo:    "AES-256",
	})
	if err != nil {
		t.Fatal(err)
	}
	if keyID == "" {
		t.Fatal("vault returned no key id")
	}

	fetched, err := tb.agent.FetchKeyMaterial(ctx, Query{ModuleType: "LOGIN", Purpose: "PASSWORD"})
	if err != nil {
		t.Fatal(err)
	}
	if fetched.KeyID != keyID || !bytes.Equal(fetched.Material, secret) {
		t.Fatalf("fetched material does not match stored")
	}

	// A later login redeems a fresh unlock token and gets the material
	// back without the enveloped channel.
	material, err = tb.loginApproving(t, email)
	if err != nil {
		t.Fatal(err)
	}
	if material == nil || !bytes.Equal(material.Material, secret) {
		t.Fatalf("second login did not return the stored material")
	}
}

func TestLoginDenied(t *testing.T) {
	tb := newTestbed(t)
	email := "a@b.test"
	tb.pair(t, email)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tb.deviceDecide(t, tb.sender.next(t), "denied")
	}()
	_, err := tb.agent.Login(context.Background(), email)
	<-done
	if !errors.Is(err, domain.ErrChallengeDenied) {
		t.Fatalf("expected ErrChallengeDenied, got %v", err)
	}
	var chErr *domain.ChallengeError
	if !errors.As(err, &chErr) || chErr.ChallengeID == "" {
		t.Fatalf("denial should identify the challenge, got %v", err)
	}
}

func TestLoginTimesOut(t *testing.T) {
	tb := newTestbed(t)
	email := "a@b.test"
	tb.pair(t, email)

	tb.agent.cfg.PollDeadline = 200 * time.Millisecond
	start := time.Now()
	_, err := tb.agent.Login(context.Background(), email)
	if !errors.Is(err, domain.ErrChallengeTimeout) {
		t.Fatalf("expected ErrChallengeTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("poll loop did not respect its deadline")
	}
	// Drain the undecided challenge push.
	tb.sender.next(t)
}

func TestHandshakeIsSingleFlight(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()
	email := "a@b.test"
	tb.pair(t, email)
	if _, err := tb.loginApproving(t, email); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tb.agent.EnsureHandshake(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := tb.regTokenHit.Load(); got != 1 {
		t.Fatalf("expected exactly one registration token issuance, got %d", got)
	}
}

func TestKeystoreIdentityPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	ks := NewKeystore(path)

	first, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.PublicKey().Equal(second.PublicKey()) {
		t.Fatal("keystore minted a new identity on reload")
	}

	if err := ks.Reset(); err != nil {
		t.Fatal(err)
	}
	third, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKey().Equal(third.PublicKey()) {
		t.Fatal("reset should discard the old identity")
	}
}

func TestAgentConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := New(config.AgentConfig{KeyManagerURL: "http://km.test"}, nil)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
