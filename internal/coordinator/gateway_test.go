package coordinator

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/push"
)

func dialGateway(t *testing.T, tsURL, email, secret string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tsURL, "http") + "/device/events?email=" + email + "&auth=" + secret
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGatewayRejectsBadCredentials(t *testing.T) {
	_, ts := newTestServer(t, &recordingSender{})
	pairDevice(t, ts, "a@b.test")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/device/events?email=a@b.test&auth=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestGatewayDeliversChallenge(t *testing.T) {
	sender := &recordingSender{err: errors.New("webhook down")}
	srv, ts := newTestServer(t, sender)
	pairDevice(t, ts, "a@b.test")

	conn := dialGateway(t, ts.URL, "a@b.test", "dev-secret")

	// Wait for the hub to register the session before dispatching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.hub.mu.RLock()
		_, ok := srv.hub.sessions["a@b.test"]
		srv.hub.mu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := postJSON(t, ts.URL+"/request-auth-login", domain.RequestAuthLoginRequest{Email: "a@b.test", Platform: "windows"})
	login := decodeBody[domain.RequestAuthLoginResponse](t, resp)

	// The live socket wins over the (broken) webhook sender.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload push.Payload
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read gateway payload: %v", err)
	}
	if payload.ChallengeID != login.ChallengeID || payload.ActionType != push.ActionLoginReview {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestExpireStaleGatewaySessions(t *testing.T) {
	srv, ts := newTestServer(t, &recordingSender{})
	pairDevice(t, ts, "a@b.test")

	conn := dialGateway(t, ts.URL, "a@b.test", "dev-secret")
	_ = conn

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.hub.mu.RLock()
		sess, ok := srv.hub.sessions["a@b.test"]
		srv.hub.mu.RUnlock()
		if ok {
			// Age the session past the ping timeout and sweep.
			sess.lastSeenUnixNano.Store(time.Now().Add(-2 * srv.cfg.DevicePingTimeout).UnixNano())
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.expireStaleGatewaySessions()

	deadline = time.Now().Add(2 * time.Second)
	for {
		srv.hub.mu.RLock()
		_, ok := srv.hub.sessions["a@b.test"]
		srv.hub.mu.RUnlock()
		if !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stale session was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
