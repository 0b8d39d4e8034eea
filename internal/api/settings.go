package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/notify"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// secretVault is the subset of vault.Service the settings handler needs.
type secretVault interface {
	Put(ctx context.Context, kind, nodeID, name string, plaintext []byte) error
	Get(ctx context.Context, kind, nodeID, name string) ([]byte, error)
}

// SettingsHandler configures the two notification channels. Their config is
// vault-backed rather than a plain settings table, so reads and writes go
// through secretVault using the same secret names internal/notify loads.
type SettingsHandler struct {
	vault  secretVault
	notifs store.NotificationRepository
	logger *zap.Logger
}

// NewSettingsHandler returns a SettingsHandler.
func NewSettingsHandler(vault secretVault, notifs store.NotificationRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{vault: vault, notifs: notifs, logger: logger}
}

type smtpSettingsRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	TLS      bool   `json:"tls"`
	Enabled  bool   `json:"enabled"`
}

// GetSMTP returns the current SMTP channel configuration. Password is
// redacted — the UI never needs to display it back.
func (h *SettingsHandler) GetSMTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.vault.Get(r.Context(), notify.SecretKindChannelConfig, notify.HubNodeID, notify.SecretNameSMTPConfig)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Ok(w, smtpSettingsRequest{})
			return
		}
		ErrInternal(w)
		return
	}
	var cfg notify.SMTPConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		ErrInternal(w)
		return
	}
	cfg.Password = ""
	Ok(w, cfg)
}

// PutSMTP replaces the SMTP channel configuration. Disabling it cancels any
// notification currently queued for the smtp channel — re-enabling never
// resurrects what was canceled.
func (h *SettingsHandler) PutSMTP(w http.ResponseWriter, r *http.Request) {
	var req smtpSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := notify.SMTPConfig{
		Host: req.Host, Port: req.Port, Username: req.Username,
		Password: req.Password, From: req.From, TLS: req.TLS, Enabled: req.Enabled,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		ErrInternal(w)
		return
	}
	if err := h.vault.Put(r.Context(), notify.SecretKindChannelConfig, notify.HubNodeID, notify.SecretNameSMTPConfig, raw); err != nil {
		h.logger.Error("save smtp settings failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !req.Enabled {
		h.cancelQueuedFor(r.Context(), string(domain.ChannelSMTP))
	}
	NoContent(w)
}

type webhookSettingsRequest struct {
	URL     string `json:"url"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`
}

// GetWebhook returns the current webhook channel configuration, redacting
// its signing secret.
func (h *SettingsHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := h.vault.Get(r.Context(), notify.SecretKindChannelConfig, notify.HubNodeID, notify.SecretNameWebhookConfig)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Ok(w, webhookSettingsRequest{})
			return
		}
		ErrInternal(w)
		return
	}
	var cfg notify.WebhookConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		ErrInternal(w)
		return
	}
	cfg.Secret = ""
	Ok(w, cfg)
}

// PutWebhook replaces the webhook channel configuration, canceling queued
// webhook notifications if it disables the channel.
func (h *SettingsHandler) PutWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := notify.WebhookConfig{URL: req.URL, Secret: req.Secret, Enabled: req.Enabled}
	raw, err := json.Marshal(cfg)
	if err != nil {
		ErrInternal(w)
		return
	}
	if err := h.vault.Put(r.Context(), notify.SecretKindChannelConfig, notify.HubNodeID, notify.SecretNameWebhookConfig, raw); err != nil {
		h.logger.Error("save webhook settings failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !req.Enabled {
		h.cancelQueuedFor(r.Context(), string(domain.ChannelWebhook))
	}
	NoContent(w)
}

func (h *SettingsHandler) cancelQueuedFor(ctx context.Context, channel string) {
	n, err := h.notifs.CancelQueuedForChannel(ctx, channel, time.Now().UTC())
	if err != nil {
		h.logger.Error("cancel queued notifications failed", zap.Error(err), zap.String("channel", channel))
		return
	}
	if n > 0 {
		h.logger.Info("canceled queued notifications for disabled channel", zap.String("channel", channel), zap.Int64("count", n))
	}
}
