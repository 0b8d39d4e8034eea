package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/notify"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// NotificationBody delivers one queued notification through its channel.
// Global/channel disablement is checked again at Process time, so a
// notification claimed while its channel is disabled is blocked
// (errkind.Config) instead of delivering a stale message. Rows still queued
// when a channel is disabled are canceled separately, through
// CancelQueuedForChannel from the settings API.
type NotificationBody struct {
	repo   store.NotificationRepository
	sender *notify.Sender
}

// NewNotificationBody returns a Body for the notifications queue.
func NewNotificationBody(repo store.NotificationRepository, sender *notify.Sender) *NotificationBody {
	return &NotificationBody{repo: repo, sender: sender}
}

func (b *NotificationBody) Name() string { return "notifications" }

func (b *NotificationBody) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.Notification, error) {
	return b.repo.ClaimDue(ctx, now, limit)
}

func (b *NotificationBody) Process(ctx context.Context, task *store.Notification) error {
	channel := domain.NotificationChannelKind(task.Channel)
	if !b.sender.Enabled(ctx, channel) {
		// Blocked, not retried: re-enabling the channel later must not
		// resurrect this notification, an operator retries it explicitly.
		return errkind.Config(fmt.Errorf("notify: channel %q disabled", channel))
	}

	var fields notify.Fields
	if task.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(task.PayloadJSON), &fields)
	}

	title := fmt.Sprintf("[%s] %s", task.EventKind, fields.JobName)
	body := notify.Render(defaultBodyTemplate(task.EventKind), fields)

	var payload map[string]any
	if task.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(task.PayloadJSON), &payload)
	}

	return b.sender.Send(ctx, channel, task.Recipient, title, body, payload)
}

func defaultBodyTemplate(eventKind string) string {
	switch eventKind {
	case "job_failed":
		return "Job " + notify.PlaceholderJobName + " (run " + notify.PlaceholderRunID + ") failed: " + notify.PlaceholderError
	case "agent_offline":
		return "Agent associated with job " + notify.PlaceholderJobName + " went offline."
	default:
		return "Job " + notify.PlaceholderJobName + " (run " + notify.PlaceholderRunID + ") " + notify.PlaceholderStatus + "."
	}
}

func (b *NotificationBody) MarkDone(ctx context.Context, id uuid.UUID) error {
	return b.repo.MarkDone(ctx, id)
}

func (b *NotificationBody) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkRetrying(ctx, id, nextAttemptAt, errKind, errMsg, at)
}

func (b *NotificationBody) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkBlocked(ctx, id, errKind, errMsg, at)
}

func (b *NotificationBody) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.repo.MarkAbandoned(ctx, id, at)
}
