package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agenttrace/agenttrace/models"
)

const (
	defaultTimeout  = 10 * time.Second
	tokenTTL        = 5 * time.Minute
	headerEventKind = "X-Agenttrace-Event"
)

// WebhookConfig holds the settings shared by webhook notifiers
type WebhookConfig struct {
	// SigningSecret, when set, is used to mint a short-lived HS256 token
	// sent in the Authorization header so receivers can authenticate the
	// delivery. Empty disables signing.
	SigningSecret string
	Timeout       time.Duration
}

// WebhookNotifier delivers events as JSON POST requests to a single URL
type WebhookNotifier struct {
	url        string
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier for one webhook URL
func NewWebhookNotifier(url string, config WebhookConfig) *WebhookNotifier {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &WebhookNotifier{
		url:    url,
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the sink name
func (n *WebhookNotifier) Name() string {
	return "webhook:" + n.url
}

// NotifyKill posts the kill event
func (n *WebhookNotifier) NotifyKill(ctx context.Context, event models.KillEvent) error {
	return n.post(ctx, "kill", event.SessionID.String(), webhookPayload{
		Event: "session_killed",
		Kill:  &event,
	})
}

// NotifyAlert posts the alert event
func (n *WebhookNotifier) NotifyAlert(ctx context.Context, event models.AlertEvent) error {
	return n.post(ctx, "alert", event.SessionID.String(), webhookPayload{
		Event: "session_alert",
		Alert: &event,
	})
}

// webhookPayload is the wire format for webhook deliveries
type webhookPayload struct {
	Event string             `json:"event"`
	Kill  *models.KillEvent  `json:"kill,omitempty"`
	Alert *models.AlertEvent `json:"alert,omitempty"`
}

func (n *WebhookNotifier) post(ctx context.Context, kind, sessionID string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEventKind, kind)
	if n.config.SigningSecret != "" {
		token, err := n.signToken(kind, sessionID)
		if err != nil {
			return fmt.Errorf("failed to sign webhook token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// signToken mints a short-lived HS256 token identifying the delivery
func (n *WebhookNotifier) signToken(kind, sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":        "agenttrace",
		"iat":        now.Unix(),
		"exp":        now.Add(tokenTTL).Unix(),
		"event":      kind,
		"session_id": sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(n.config.SigningSecret))
}
