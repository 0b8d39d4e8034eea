// Package domain holds the value types shared across the store, pipeline,
// scheduler, queue, and API packages: status enums, policy kinds, and the
// small JSON-friendly payload shapes that cross the Hub/Agent boundary.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a single run.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// Terminal reports whether status is a terminal lifecycle state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunRejected:
		return true
	default:
		return false
	}
}

// OverlapPolicy governs what happens when a job's prior run is still
// non-terminal at the next trigger.
type OverlapPolicy string

const (
	OverlapReject OverlapPolicy = "reject"
	OverlapQueue  OverlapPolicy = "queue"
)

// SourceKind identifies the backup source type.
type SourceKind string

const (
	SourceFilesystem SourceKind = "filesystem"
	SourceSQLite     SourceKind = "sqlite"
)

// SymlinkPolicy controls how the filesystem source treats symlinks.
type SymlinkPolicy string

const (
	SymlinkKeep   SymlinkPolicy = "keep"
	SymlinkFollow SymlinkPolicy = "follow"
	SymlinkSkip   SymlinkPolicy = "skip"
)

// HardlinkPolicy controls how the filesystem source treats hardlinks.
type HardlinkPolicy string

const (
	HardlinkKeep HardlinkPolicy = "keep"
	HardlinkCopy HardlinkPolicy = "copy"
)

// FileErrorPolicy controls behavior when a source file cannot be read.
type FileErrorPolicy string

const (
	FileErrorFailFast FileErrorPolicy = "fail_fast"
	FileErrorSkipFail FileErrorPolicy = "skip_fail"
	FileErrorSkipOK   FileErrorPolicy = "skip_ok"
)

// TargetKind identifies the storage backend for a target.
type TargetKind string

const (
	TargetLocalDir TargetKind = "local_dir"
	TargetWebDAV   TargetKind = "webdav"
)

// EncryptionKind identifies the pipeline's encryption layer.
type EncryptionKind string

const (
	EncryptionNone EncryptionKind = "none"
	EncryptionAge  EncryptionKind = "age"
)

// ErrorKind classifies a failure for retry/backoff purposes. Shared by the
// queue workers, the target clients, and the agent runtime.
type ErrorKind string

const (
	ErrorNetwork     ErrorKind = "network"
	ErrorHTTP        ErrorKind = "http"
	ErrorAuth        ErrorKind = "auth"
	ErrorConfig      ErrorKind = "config"
	ErrorIntegrity   ErrorKind = "integrity"
	ErrorConsistency ErrorKind = "consistency"
	ErrorInternal    ErrorKind = "internal"
	ErrorUnknown     ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried with
// backoff (true) or parked as blocked pending operator action (false).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorAuth, ErrorConfig:
		return false
	default:
		return true
	}
}

// QueueTaskStatus is the shared status enum for all four durable queues.
type QueueTaskStatus string

const (
	TaskQueued    QueueTaskStatus = "queued"
	TaskRunning   QueueTaskStatus = "running"
	TaskRetrying  QueueTaskStatus = "retrying"
	TaskBlocked   QueueTaskStatus = "blocked"
	TaskDone      QueueTaskStatus = "done"
	TaskIgnored   QueueTaskStatus = "ignored"
	TaskAbandoned QueueTaskStatus = "abandoned"
	TaskCanceled  QueueTaskStatus = "canceled"
)

// Due reports whether a task in this status is eligible for claiming.
func (s QueueTaskStatus) Due() bool {
	switch s {
	case TaskQueued, TaskRetrying, TaskBlocked:
		return true
	default:
		return false
	}
}

// SnapshotStatus is the lifecycle state of a run_artifacts row.
type SnapshotStatus string

const (
	SnapshotPresent  SnapshotStatus = "present"
	SnapshotDeleting SnapshotStatus = "deleting"
	SnapshotError    SnapshotStatus = "error"
)

// NotificationChannelKind identifies a notification delivery channel.
type NotificationChannelKind string

const (
	ChannelSMTP    NotificationChannelKind = "smtp"
	ChannelWebhook NotificationChannelKind = "webhook"
)

// BulkOperationKind identifies a bulk-operation action.
type BulkOperationKind string

const (
	BulkLabelEdit        BulkOperationKind = "label_edit"
	BulkConfigResync     BulkOperationKind = "config_resync"
	BulkSecretDistribute BulkOperationKind = "secret_distribute"
	BulkJobDeploy        BulkOperationKind = "job_deploy"
)

// LabelsMode controls how a bulk operation's label selector combines entries.
type LabelsMode string

const (
	LabelsAnd LabelsMode = "and"
	LabelsOr  LabelsMode = "or"
)

// JobSpec is the JSON payload stored on Job.Spec: source, target, and
// pipeline options for a single job definition.
type JobSpec struct {
	Source    SourceSpec    `json:"source"`
	Target    TargetSpec    `json:"target"`
	Pipeline  PipelineSpec  `json:"pipeline"`
	Retention RetentionSpec `json:"retention"`
}

// SourceSpec describes where a job reads its backup payload from.
type SourceSpec struct {
	Kind SourceKind `json:"kind"`

	// Filesystem fields.
	Paths           []string        `json:"paths,omitempty"`
	Excludes        []string        `json:"excludes,omitempty"`
	Symlinks        SymlinkPolicy   `json:"symlinks,omitempty"`
	Hardlinks       HardlinkPolicy  `json:"hardlinks,omitempty"`
	OnFileError     FileErrorPolicy `json:"on_file_error,omitempty"`

	// SQLite fields.
	DatabasePath  string `json:"database_path,omitempty"`
	IntegrityCheck bool  `json:"integrity_check,omitempty"`
}

// TargetSpec describes where a job's artifact is uploaded.
type TargetSpec struct {
	Kind TargetKind `json:"kind"`

	// Local directory.
	BaseDir string `json:"base_dir,omitempty"`

	// WebDAV.
	BaseURL string `json:"base_url,omitempty"`

	// SecretName references a vault secret holding credentials for this
	// target, node-scoped to the job's executing node ("hub" or an agent id).
	SecretName string `json:"secret_name,omitempty"`
}

// Redacted returns a copy of the target spec safe to log: WebDAV URLs have
// userinfo, query, and fragment stripped.
func (t TargetSpec) Redacted() TargetSpec {
	r := t
	if r.BaseURL != "" {
		r.BaseURL = redactURL(r.BaseURL)
	}
	return r
}

// PipelineSpec describes packaging options.
type PipelineSpec struct {
	CompressionLevel int            `json:"compression_level,omitempty"`
	Encryption       EncryptionKind `json:"encryption,omitempty"`
	EncryptionKey    string         `json:"encryption_key,omitempty"`
	PartSizeBytes    int64          `json:"part_size_bytes,omitempty"`
}

// RetentionSpec describes how many runs/days of history to keep.
type RetentionSpec struct {
	RunRetentionDays int `json:"run_retention_days,omitempty"`
}

// TargetSnapshot is the denormalised copy of a job's target spec recorded on
// a run at start time; all post-run lifecycle actions (cleanup, delete) MUST
// use this value, never the job's current spec.
type TargetSnapshot struct {
	Kind       TargetKind `json:"kind"`
	BaseDir    string     `json:"base_dir,omitempty"`
	BaseURL    string     `json:"base_url,omitempty"`
	SecretName string     `json:"secret_name,omitempty"`
}

// ToSpec converts the snapshot back into a TargetSpec for code paths (target
// resolution) shared with the job's live spec.
func (s TargetSnapshot) ToSpec() TargetSpec {
	return TargetSpec{Kind: s.Kind, BaseDir: s.BaseDir, BaseURL: s.BaseURL, SecretName: s.SecretName}
}

// RunSummary is the JSON payload stored on Run.Summary at completion.
type RunSummary struct {
	TotalFiles       int64 `json:"total_files"`
	TotalBytes       int64 `json:"total_bytes"`
	Parts            int   `json:"parts"`
	ConsistencyIssue int   `json:"consistency_issues"`
}

// EventLevel classifies a run event's severity.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// BulkOperationParams is the JSON payload stored on BulkOperation.ParamsJSON,
// a tagged union keyed by BulkOperation.Kind. Exactly one of the embedded
// field groups is populated for a given kind.
type BulkOperationParams struct {
	LabelEdit  *BulkLabelEditParams        `json:"label_edit,omitempty"`
	SecretDist *BulkSecretDistributeParams `json:"secret_distribute,omitempty"`
	JobDeploy  *BulkJobDeployParams        `json:"job_deploy,omitempty"`
}

// BulkLabelEditParams adds and removes labels on every selected agent.
type BulkLabelEditParams struct {
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
}

// BulkSecretDistributeParams pushes one vault secret to every selected
// agent, re-encrypted per-agent by the vault layer at write time.
type BulkSecretDistributeParams struct {
	SecretKind        string `json:"secret_kind"`
	SecretName        string `json:"secret_name"`
	Plaintext         []byte `json:"plaintext"`
	OverwriteExisting bool   `json:"overwrite_existing"`
}

// BulkJobDeployParams clones SourceJobID to every selected agent, naming
// each clone from NameTemplate ("{name} ({node})" if empty) with an
// automatic numeric suffix on name collision.
type BulkJobDeployParams struct {
	SourceJobID  uuid.UUID `json:"source_job_id"`
	NameTemplate string    `json:"name_template,omitempty"`
}

// DefaultJobDeployNameTemplate is used when BulkJobDeployParams.NameTemplate
// is empty.
const DefaultJobDeployNameTemplate = "{name} ({node})"

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// RealClock is the production Clock implementation.
func RealClock() time.Time { return time.Now().UTC() }
