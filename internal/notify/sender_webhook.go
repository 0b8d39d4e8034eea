package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field follows the WeCom/Slack/Discord incoming-webhook convention; the
// structured "payload" field carries the same data for custom receivers.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookSender delivers notifications via an outbound HTTP POST. Signs
// the body with HMAC-SHA256 when a secret is configured.
type webhookSender struct {
	client *http.Client
	loader ConfigLoader
}

func newWebhookSender(loader ConfigLoader) *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: 10 * time.Second}, loader: loader}
}

// Send serializes the notification as JSON and POSTs it to the configured
// webhook URL. Skipped silently if the channel is unconfigured or disabled.
func (s *webhookSender) Send(ctx context.Context, notifType, title, body string, payload map[string]any) error {
	cfg, err := loadWebhookConfig(ctx, s.loader)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil
		}
		return fmt.Errorf("%w: loading webhook config: %s", ErrSendFailed, err)
	}
	if !cfg.Enabled {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type: notifType, Title: title, Body: body, Payload: payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: building request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bastion-Webhook/1.0")
	if cfg.Secret != "" {
		req.Header.Set("X-Bastion-Signature", "sha256="+hmacSHA256(data, cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
