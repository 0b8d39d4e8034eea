// Package notify implements delivery for the two notification channels a
// job's notifications can target: SMTP and an outbound webhook. Channel
// configuration (host, credentials, webhook secret, enabled flag) is itself
// sensitive, so it is stored as a vault secret scoped to the fixed "hub"
// node id rather than a separate settings table.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// HubNodeID is the vault node scope for channel configuration, since these
// settings are process-wide rather than per-agent.
const HubNodeID = "hub"

// Vault secret names channel configuration is stored under.
const (
	SecretNameSMTPConfig    = "notification_smtp"
	SecretNameWebhookConfig = "notification_webhook"
)

// Vault secret kind for both channel config secrets.
const SecretKindChannelConfig = "notification_channel_config"

// ErrConfigNotFound means the channel has never been configured; Send skips
// delivery silently rather than treating it as an error, since a channel
// being unconfigured is the default self-hosted state.
var ErrConfigNotFound = errors.New("notify: channel not configured")

// ConfigLoader resolves a channel's configuration secret to bytes. The
// vault.Service satisfies this; Get should return an error wrapping
// ErrConfigNotFound if the secret has never been written.
type ConfigLoader interface {
	Get(ctx context.Context, kind, nodeID, name string) ([]byte, error)
}

// SMTPConfig holds the configuration needed to send emails via SMTP.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	TLS      bool   `json:"tls"`
	Enabled  bool   `json:"enabled"`
}

// WebhookConfig holds the configuration for the outbound HTTP webhook
// channel.
type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`
}

func loadSMTPConfig(ctx context.Context, loader ConfigLoader) (*SMTPConfig, error) {
	raw, err := loader.Get(ctx, SecretKindChannelConfig, HubNodeID, SecretNameSMTPConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, err)
	}
	var cfg SMTPConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("notify: decoding smtp config: %w", err)
	}
	return &cfg, nil
}

func loadWebhookConfig(ctx context.Context, loader ConfigLoader) (*WebhookConfig, error) {
	raw, err := loader.Get(ctx, SecretKindChannelConfig, HubNodeID, SecretNameWebhookConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, err)
	}
	var cfg WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("notify: decoding webhook config: %w", err)
	}
	return &cfg, nil
}
