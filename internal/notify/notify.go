package notify

import (
	"context"
	"fmt"

	"github.com/Syt100/bastion-sub003/internal/domain"
)

// Sender delivers one rendered notification body to one recipient over one
// channel, dispatched by domain.NotificationChannelKind — the small
// capability trait per axis the tagged-variant design favors over a class
// hierarchy.
type Sender struct {
	loader  ConfigLoader
	email   *emailSender
	webhook *webhookSender
}

// New returns a Sender that reloads channel configuration from loader (the
// vault service) on every Send.
func New(loader ConfigLoader) *Sender {
	return &Sender{
		loader:  loader,
		email:   newEmailSender(loader),
		webhook: newWebhookSender(loader),
	}
}

// Send delivers one notification. recipient is an email address for
// ChannelSMTP and ignored for ChannelWebhook (the webhook URL itself is the
// destination).
func (s *Sender) Send(ctx context.Context, channel domain.NotificationChannelKind, recipient, title, body string, payload map[string]any) error {
	switch channel {
	case domain.ChannelSMTP:
		return s.email.Send(ctx, []string{recipient}, title, body)
	case domain.ChannelWebhook:
		return s.webhook.Send(ctx, "notification", title, body, payload)
	default:
		return fmt.Errorf("notify: unknown channel kind %q", channel)
	}
}

// Enabled reports whether channel currently has delivery enabled, used to
// decide whether a newly queued notification should be created at all and
// by the retry loop's channel-disablement cancellation pass.
func (s *Sender) Enabled(ctx context.Context, channel domain.NotificationChannelKind) bool {
	switch channel {
	case domain.ChannelSMTP:
		cfg, err := loadSMTPConfig(ctx, s.loader)
		return err == nil && cfg.Enabled
	case domain.ChannelWebhook:
		cfg, err := loadWebhookConfig(ctx, s.loader)
		return err == nil && cfg.Enabled
	default:
		return false
	}
}
