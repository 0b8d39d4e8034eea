package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base is embedded by every top-level entity. It generates a UUIDv7 primary
// key on create so that ids sort roughly by creation time without a separate
// sequence column.
type base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// GetID satisfies the idGetter interface used by the generic queue helpers.
func (b base) GetID() uuid.UUID { return b.ID }

// GetCreatedAt satisfies the generic queue worker's createdGetter interface,
// used to enforce MaxAge on retrying tasks.
func (b base) GetCreatedAt() time.Time { return b.CreatedAt }

// softDelete adds GORM soft-delete support for entities that support
// archive/unarchive or delete-with-history semantics.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Job
// -----------------------------------------------------------------------------

// Job is a persistent job definition. Everything but ID is mutable; Archive
// is a soft-delete-like flag rather than a hard delete so runs retain a
// parent to reference.
type Job struct {
	base

	Name             string `gorm:"uniqueIndex"`
	SpecJSON         string `gorm:"column:spec_json;type:text"`
	Schedule         string // cron string, empty = manual trigger only
	ScheduleTimezone string // IANA timezone name, e.g. "UTC", "Europe/Berlin"
	OverlapPolicy    string // domain.OverlapPolicy
	AgentID          *uuid.UUID `gorm:"type:uuid;index"` // nil = hub-local

	// PendingRunAt holds at most one coalesced trigger while a run is active
	// under OverlapQueue; cleared once that run starts.
	PendingRunAt *time.Time

	ArchivedAt *time.Time
	LastRunAt  *time.Time
	NextRunAt  *time.Time
}

func (Job) TableName() string { return "jobs" }

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Run is one execution attempt of a job.
type Run struct {
	base

	JobID     uuid.UUID `gorm:"type:uuid;index:idx_runs_job_started"`
	Status    string    `gorm:"index:idx_runs_status_started"`
	StartedAt *time.Time `gorm:"index:idx_runs_status_started;index:idx_runs_job_started"`
	EndedAt   *time.Time

	SummaryJSON string `gorm:"column:summary_json;type:text"`
	Error       string

	// TargetSnapshotJSON is the denormalised copy of the job's target at
	// run-start. All post-run lifecycle actions (cleanup, delete) read this,
	// never the job's current spec — see domain.TargetSnapshot.
	TargetSnapshotJSON string `gorm:"column:target_snapshot_json;type:text"`

	// NextSeq is the next run_events.seq value to assign; incremented inside
	// the same transaction as the event insert to guarantee gap-free order.
	NextSeq int64 `gorm:"default:1"`
}

func (Run) TableName() string { return "runs" }

// RunEvent is an append-only (run_id, seq) log entry.
type RunEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_run_events_run_seq"`
	Seq        int64     `gorm:"uniqueIndex:idx_run_events_run_seq"`
	Ts         time.Time
	Level      string
	Kind       string
	Message    string
	FieldsJSON string `gorm:"column:fields_json;type:text"`
}

func (RunEvent) TableName() string { return "run_events" }

func (e *RunEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agent
// -----------------------------------------------------------------------------

// Agent is a remote enrolled node.
type Agent struct {
	base

	Name       string `gorm:"uniqueIndex"`
	KeyHash    string // verifier for the long-lived agent key; never the key itself
	RevokedAt  *time.Time
	LastSeenAt *time.Time

	CapabilitiesJSON string `gorm:"column:capabilities_json;type:text"`

	// Config sync observability fields.
	DesiredConfigSnapshotID  string
	DesiredConfigSnapshotAt  *time.Time
	AppliedConfigSnapshotID  string
	AppliedConfigSnapshotAt  *time.Time
	LastConfigSyncAt         *time.Time
	LastConfigSyncError      string
}

func (Agent) TableName() string { return "agents" }

// AgentLabel is the many-to-many (agent_id, label) relation.
type AgentLabel struct {
	AgentID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label   string    `gorm:"primaryKey"`
}

func (AgentLabel) TableName() string { return "agent_labels" }

// EnrollmentToken is a short-lived, optionally limited-use credential
// exchanged once for a long-lived agent key.
type EnrollmentToken struct {
	base

	TokenHash     string `gorm:"uniqueIndex"`
	ExpiresAt     time.Time
	RemainingUses *int // nil = unlimited
}

func (EnrollmentToken) TableName() string { return "enrollment_tokens" }

// -----------------------------------------------------------------------------
// Secret
// -----------------------------------------------------------------------------

// Secret is a node-scoped encrypted credential. Kind/NodeID/Name together are
// unique; NodeID is "hub" for Hub-local secrets or an agent id string.
type Secret struct {
	base

	Kind   string `gorm:"uniqueIndex:idx_secrets_scope"`
	NodeID string `gorm:"uniqueIndex:idx_secrets_scope"`
	Name   string `gorm:"uniqueIndex:idx_secrets_scope"`

	Kid        string
	Nonce      []byte
	Ciphertext []byte
}

func (Secret) TableName() string { return "secrets" }

// -----------------------------------------------------------------------------
// SnapshotArtifact (run_artifacts)
// -----------------------------------------------------------------------------

// SnapshotArtifact is a successfully completed backup, keyed by run id.
type SnapshotArtifact struct {
	base

	RunID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	JobID uuid.UUID `gorm:"type:uuid;index"`

	TargetSnapshotJSON string `gorm:"column:target_snapshot_json;type:text"`
	ArtifactFormat     string

	Status string // domain.SnapshotStatus

	SizeBytes   int64
	TotalFiles  int64
	PartsCount  int

	PinnedAt *time.Time
}

func (SnapshotArtifact) TableName() string { return "run_artifacts" }

// -----------------------------------------------------------------------------
// Queue: notifications
// -----------------------------------------------------------------------------

type taskBase struct {
	base

	Status        string `gorm:"index:idx_notifications_status_next"`
	Attempts      int
	NextAttemptAt time.Time `gorm:"index:idx_notifications_status_next"`
	LastErrorKind string
	LastError     string
	LastAttemptAt *time.Time

	IgnoredAt       *time.Time
	IgnoredByUserID *uuid.UUID `gorm:"type:uuid"`
	IgnoreReason    string
}

// GetAttempts satisfies the generic queue worker's attemptsGetter interface.
func (t taskBase) GetAttempts() int { return t.Attempts }

// Notification is a single queued notification delivery.
type Notification struct {
	taskBase

	Channel   string // domain.NotificationChannelKind
	EventKind string // e.g. "job_success", "job_failed", "agent_offline"
	Recipient string
	PayloadJSON string `gorm:"column:payload_json;type:text"`
}

func (Notification) TableName() string { return "notifications" }

// NotificationEvent is the append-only event-log sibling of Notification.
type NotificationEvent struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_notification_events_seq"`
	Seq     int64     `gorm:"uniqueIndex:idx_notification_events_seq"`
	Ts      time.Time
	Message string
}

func (NotificationEvent) TableName() string { return "notification_events" }

// -----------------------------------------------------------------------------
// Queue: incomplete cleanup
// -----------------------------------------------------------------------------

// IncompleteCleanupTask targets a run whose target_snapshot may hold a
// partial, never-completed artifact that should be removed.
type IncompleteCleanupTask struct {
	taskBase

	RunID              uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	JobID              uuid.UUID `gorm:"type:uuid;index"`
	TargetSnapshotJSON string    `gorm:"column:target_snapshot_json;type:text"`
}

func (IncompleteCleanupTask) TableName() string { return "incomplete_cleanup_tasks" }

type IncompleteCleanupTaskEvent struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_cleanup_task_events_seq"`
	Seq     int64     `gorm:"uniqueIndex:idx_cleanup_task_events_seq"`
	Ts      time.Time
	Message string
}

func (IncompleteCleanupTaskEvent) TableName() string { return "cleanup_task_events" }

// -----------------------------------------------------------------------------
// Queue: artifact delete
// -----------------------------------------------------------------------------

// ArtifactDeleteTask deletes a present snapshot. Pinned snapshots are
// rejected unless Force is set.
type ArtifactDeleteTask struct {
	taskBase

	RunID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Force bool
}

func (ArtifactDeleteTask) TableName() string { return "artifact_delete_tasks" }

type ArtifactDeleteTaskEvent struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_artifact_delete_task_events_seq"`
	Seq     int64     `gorm:"uniqueIndex:idx_artifact_delete_task_events_seq"`
	Ts      time.Time
	Message string
}

func (ArtifactDeleteTaskEvent) TableName() string { return "artifact_delete_task_events" }

// -----------------------------------------------------------------------------
// Queue: bulk operations
// -----------------------------------------------------------------------------

// BulkOperation is the parent of a fan-out to N per-agent child items.
type BulkOperation struct {
	base

	Kind   string // domain.BulkOperationKind
	Status string // set when the operation is created; not updated from the children

	NodeIDsJSON  string `gorm:"column:node_ids_json;type:text"`
	LabelsJSON   string `gorm:"column:labels_json;type:text"`
	LabelsMode   string // domain.LabelsMode
	ParamsJSON   string `gorm:"column:params_json;type:text"`

	CreatedByUserID *uuid.UUID `gorm:"type:uuid"`
}

func (BulkOperation) TableName() string { return "bulk_operations" }

// BulkOperationItem is one per-agent child of a BulkOperation.
type BulkOperationItem struct {
	taskBase

	BulkOperationID uuid.UUID `gorm:"type:uuid;index"`
	AgentID         uuid.UUID `gorm:"type:uuid;index"`
	ResultJSON      string    `gorm:"column:result_json;type:text"`
}

func (BulkOperationItem) TableName() string { return "bulk_operation_items" }

type BulkOperationEvent struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ItemID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_bulk_operation_events_seq"`
	Seq     int64     `gorm:"uniqueIndex:idx_bulk_operation_events_seq"`
	Ts      time.Time
	Message string
}

func (BulkOperationEvent) TableName() string { return "bulk_operation_events" }

// -----------------------------------------------------------------------------
// Auth: single admin credential, sessions, login throttling
// -----------------------------------------------------------------------------

// AdminCredential is the one local admin account. There is never more than a
// single row; first-boot setup creates it and rejects a second attempt.
type AdminCredential struct {
	base

	Username     string `gorm:"uniqueIndex"`
	PasswordHash string
}

func (AdminCredential) TableName() string { return "admin_credentials" }

// Session is an issued login session. TokenHash is the SHA-256 hash of the
// opaque session token handed to the client; the raw token is never stored.
type Session struct {
	base

	TokenHash string `gorm:"uniqueIndex"`
	ExpiresAt time.Time
}

func (Session) TableName() string { return "sessions" }

// LoginThrottle tracks consecutive failed login attempts keyed by client IP
// so repeated guesses earn an increasing lockout instead of another try.
type LoginThrottle struct {
	base

	ThrottleKey     string `gorm:"column:throttle_key;uniqueIndex"`
	FailCount       int
	LockedUntil     *time.Time
	WindowStartedAt time.Time
}

func (LoginThrottle) TableName() string { return "login_throttles" }

// AllModels returns every model for AutoMigrate-free environments that still
// want a single list (used by test helpers to build an in-memory schema that
// mirrors the embedded SQL migrations without duplicating them).
func AllModels() []any {
	return []any{
		&Job{}, &Run{}, &RunEvent{},
		&Agent{}, &AgentLabel{}, &EnrollmentToken{},
		&Secret{},
		&SnapshotArtifact{},
		&Notification{}, &NotificationEvent{},
		&IncompleteCleanupTask{}, &IncompleteCleanupTaskEvent{},
		&ArtifactDeleteTask{}, &ArtifactDeleteTaskEvent{},
		&BulkOperation{}, &BulkOperationItem{}, &BulkOperationEvent{},
		&AdminCredential{}, &Session{}, &LoginThrottle{},
	}
}
