// Package push delivers approval challenges to paired mobile devices.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// Action types understood by the mobile client.
const (
	ActionLoginReview   = "login_review"
	ActionRegisterCheck = "register_check"
)

// Payload is the notification body delivered to the device.
type Payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ActionType  string `json:"actionType"`
	Email       string `json:"email"`
	ChallengeID string `json:"sessionId"`
	ContinueURL string `json:"continueUrl,omitempty"`
}

// Sender delivers a payload to one device subscription.
type Sender interface {
	Send(ctx context.Context, sub domain.Subscription, payload Payload) error
}

// WebhookSender posts payloads to the subscription endpoint.  A 404 or
// 410 response means the device dropped the subscription; callers should
// treat [domain.ErrSubscriptionGone] as a signal to unbind the device.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, sub domain.Subscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+sub.Auth)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push delivery: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("endpoint status %d: %w", resp.StatusCode, domain.ErrSubscriptionGone)
	default:
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
}
