package api

import (
	"time"

	"github.com/Syt100/bastion-sub003/internal/store"
)

type taskBaseResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	LastErrorKind   string     `json:"last_error_kind,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	IgnoredAt       *time.Time `json:"ignored_at,omitempty"`
	IgnoredByUserID *string    `json:"ignored_by_user_id,omitempty"`
	IgnoreReason    string     `json:"ignore_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func notificationToResponse(n *store.Notification) any {
	var ignoredBy *string
	if n.IgnoredByUserID != nil {
		s := n.IgnoredByUserID.String()
		ignoredBy = &s
	}
	return struct {
		taskBaseResponse
		Channel   string `json:"channel"`
		EventKind string `json:"event_kind"`
		Recipient string `json:"recipient"`
	}{
		taskBaseResponse: taskBaseResponse{
			ID: n.ID.String(), Status: n.Status, Attempts: n.Attempts,
			NextAttemptAt: n.NextAttemptAt, LastErrorKind: n.LastErrorKind,
			LastError: n.LastError, LastAttemptAt: n.LastAttemptAt,
			IgnoredAt: n.IgnoredAt, IgnoredByUserID: ignoredBy,
			IgnoreReason: n.IgnoreReason, CreatedAt: n.CreatedAt,
		},
		Channel:   n.Channel,
		EventKind: n.EventKind,
		Recipient: n.Recipient,
	}
}

func cleanupTaskToResponse(t *store.IncompleteCleanupTask) any {
	var ignoredBy *string
	if t.IgnoredByUserID != nil {
		s := t.IgnoredByUserID.String()
		ignoredBy = &s
	}
	return struct {
		taskBaseResponse
		RunID string `json:"run_id"`
		JobID string `json:"job_id"`
	}{
		taskBaseResponse: taskBaseResponse{
			ID: t.ID.String(), Status: t.Status, Attempts: t.Attempts,
			NextAttemptAt: t.NextAttemptAt, LastErrorKind: t.LastErrorKind,
			LastError: t.LastError, LastAttemptAt: t.LastAttemptAt,
			IgnoredAt: t.IgnoredAt, IgnoredByUserID: ignoredBy,
			IgnoreReason: t.IgnoreReason, CreatedAt: t.CreatedAt,
		},
		RunID: t.RunID.String(),
		JobID: t.JobID.String(),
	}
}

func artifactDeleteTaskToResponse(t *store.ArtifactDeleteTask) any {
	var ignoredBy *string
	if t.IgnoredByUserID != nil {
		s := t.IgnoredByUserID.String()
		ignoredBy = &s
	}
	return struct {
		taskBaseResponse
		RunID string `json:"run_id"`
		Force bool   `json:"force"`
	}{
		taskBaseResponse: taskBaseResponse{
			ID: t.ID.String(), Status: t.Status, Attempts: t.Attempts,
			NextAttemptAt: t.NextAttemptAt, LastErrorKind: t.LastErrorKind,
			LastError: t.LastError, LastAttemptAt: t.LastAttemptAt,
			IgnoredAt: t.IgnoredAt, IgnoredByUserID: ignoredBy,
			IgnoreReason: t.IgnoreReason, CreatedAt: t.CreatedAt,
		},
		RunID: t.RunID.String(),
		Force: t.Force,
	}
}

func bulkOperationItemToResponse(it *store.BulkOperationItem) any {
	var ignoredBy *string
	if it.IgnoredByUserID != nil {
		s := it.IgnoredByUserID.String()
		ignoredBy = &s
	}
	return struct {
		taskBaseResponse
		BulkOperationID string `json:"bulk_operation_id"`
		AgentID         string `json:"agent_id"`
	}{
		taskBaseResponse: taskBaseResponse{
			ID: it.ID.String(), Status: it.Status, Attempts: it.Attempts,
			NextAttemptAt: it.NextAttemptAt, LastErrorKind: it.LastErrorKind,
			LastError: it.LastError, LastAttemptAt: it.LastAttemptAt,
			IgnoredAt: it.IgnoredAt, IgnoredByUserID: ignoredBy,
			IgnoreReason: it.IgnoreReason, CreatedAt: it.CreatedAt,
		},
		BulkOperationID: it.BulkOperationID.String(),
		AgentID:         it.AgentID.String(),
	}
}
