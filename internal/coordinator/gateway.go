package coordinator

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keyvouch/keyvouch/internal/auth"
	"github.com/keyvouch/keyvouch/internal/domain"
	"github.com/keyvouch/keyvouch/internal/push"
)

// hub tracks live device gateway connections keyed by email.  A device
// with an open gateway socket receives challenges instantly instead of
// through the push webhook.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*deviceSession
}

func newHub() *hub {
	return &hub{sessions: make(map[string]*deviceSession)}
}

type deviceSession struct {
	email            string
	conn             *websocket.Conn
	writeMu          sync.Mutex
	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

func (d *deviceSession) writeJSON(v any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteJSON(v)
}

func (d *deviceSession) touch(t time.Time) {
	d.lastSeenUnixNano.Store(t.UnixNano())
}

func (d *deviceSession) lastSeen() time.Time {
	n := d.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

// deliver pushes a payload over the live gateway connection for the
// email.  It reports false when no usable connection exists so the caller
// can fall back to the webhook.
func (h *hub) deliver(email string, payload push.Payload) bool {
	h.mu.RLock()
	sess := h.sessions[email]
	h.mu.RUnlock()
	if sess == nil || sess.closing.Load() {
		return false
	}
	return sess.writeJSON(payload) == nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 4 << 10,
	// The gateway authenticates with the subscription secret, not the
	// Origin header; devices are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	secret := r.URL.Query().Get("auth")
	if email == "" || secret == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	sub, err := s.store.GetDeviceSubscription(r.Context(), email)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotBound) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		s.log.Error("failed to load device subscription", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
		return
	}
	if !auth.ConstantTimeEquals(sub.Subscription.Auth, secret) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &deviceSession{email: sub.Email, conn: conn}
	sess.touch(time.Now())

	s.hub.mu.Lock()
	if prev := s.hub.sessions[sub.Email]; prev != nil {
		_ = prev.conn.Close()
	}
	s.hub.sessions[sub.Email] = sess
	s.hub.mu.Unlock()
	s.log.Info("device gateway connected", "email", sub.Email)

	go s.gatewayReadLoop(sess)
}

func (s *Server) gatewayReadLoop(sess *deviceSession) {
	defer func() {
		_ = sess.conn.Close()
		s.hub.mu.Lock()
		if s.hub.sessions[sess.email] == sess {
			delete(s.hub.sessions, sess.email)
		}
		s.hub.mu.Unlock()
		s.log.Info("device gateway disconnected", "email", sess.email)
	}()

	sess.conn.SetPongHandler(func(string) error {
		sess.touch(time.Now())
		return nil
	})

	for {
		// Devices only listen on the gateway; reads exist to observe
		// pings, pongs, and the close handshake.
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
		sess.touch(time.Now())
	}
}

func (s *Server) expireStaleGatewaySessions() {
	now := time.Now()

	s.hub.mu.RLock()
	sessions := make([]*deviceSession, 0, len(s.hub.sessions))
	for _, sess := range s.hub.sessions {
		sessions = append(sessions, sess)
	}
	s.hub.mu.RUnlock()

	for _, sess := range sessions {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.DevicePingTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("device gateway heartbeat timeout", "email", sess.email, "last_seen", lastSeen.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}
