// Package executor runs one job's pipeline-and-upload locally: it is the
// "local worker" the scheduler invokes directly for a Hub-local job, and
// the same packaging/upload logic an Agent runs for an agent-assigned job.
// It has no database dependency — callers hand it a resolved domain.JobSpec
// and get back a domain.RunSummary or a classified error.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/pipeline"
	"github.com/Syt100/bastion-sub003/internal/target"
)

// Secrets resolves a node-scoped vault secret to its decrypted bytes.
// *vault.Service satisfies this.
type Secrets interface {
	Get(ctx context.Context, kind, nodeID, name string) ([]byte, error)
}

const (
	secretKindWebDAV       = "target_webdav"
	secretKindAgeRecipient = "pipeline_age_recipient"
)

// StaticSecrets answers Get from a fixed in-memory map, keyed by
// kind/nodeID/name. The agent side of an agent-dispatched task uses this:
// the Hub resolves vault secrets before dispatch (the agent never holds
// vault keys) and ships the resolved bytes inline in the task payload, so
// the agent's Executor can run the exact same Run method as the Hub-local
// path, unaware its Secrets happen to be a static snapshot rather than a
// live vault lookup.
type StaticSecrets map[string][]byte

// Get implements Secrets.
func (s StaticSecrets) Get(ctx context.Context, kind, nodeID, name string) ([]byte, error) {
	v, ok := s[secretKey(kind, nodeID, name)]
	if !ok {
		return nil, fmt.Errorf("executor: static secret %s/%s/%s not provided", kind, nodeID, name)
	}
	return v, nil
}

// Put stores plaintext under the (kind, nodeID, name) key buildTarget/
// resolveRecipient will look it up with. Used by the dispatching side
// (the scheduler) to assemble the snapshot it ships to an agent.
func (s StaticSecrets) Put(kind, nodeID, name string, plaintext []byte) {
	s[secretKey(kind, nodeID, name)] = plaintext
}

func secretKey(kind, nodeID, name string) string { return kind + "/" + nodeID + "/" + name }

// WebDAVSecretKind and AgeRecipientSecretKind are exported so callers
// assembling a StaticSecrets snapshot (the scheduler, dispatching to an
// agent) use the same kind strings Executor resolves against, without
// reaching into this package's unexported constants.
const (
	WebDAVSecretKind       = secretKindWebDAV
	AgeRecipientSecretKind = secretKindAgeRecipient
)

// BackupTaskPayload is the agentproto.Task payload for agentproto.TaskBackup:
// a fully-resolved job spec plus every secret its execution needs, since the
// agent cannot reach the Hub's vault itself.
type BackupTaskPayload struct {
	JobID   string        `json:"job_id"`
	RunID   string        `json:"run_id"`
	NodeID  string        `json:"node_id"`
	Spec    domain.JobSpec `json:"spec"`
	Secrets StaticSecrets  `json:"secrets"`
}

// webdavCredentials is the JSON shape stored under a target's secret_name.
type webdavCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Executor packages SourceSpec into a staging directory and uploads it to
// TargetSpec, reusing the same staging-then-upload flow for every target
// kind (even local_dir, which mirrors the rolling-upload design the spec
// requires for remote targets, rather than writing parts directly into the
// target directory).
type Executor struct {
	secrets     Secrets
	stagingRoot string
	rateLimits  target.MethodLimits
}

// New returns an Executor that stages runs under stagingRoot/<job_id>/<run_id>
// and resolves target/encryption secrets via secrets, node-scoped to the
// nodeID passed to Run.
func New(secrets Secrets, stagingRoot string, rateLimits target.MethodLimits) *Executor {
	return &Executor{secrets: secrets, stagingRoot: stagingRoot, rateLimits: rateLimits}
}

// Event is one progress/consistency note surfaced while packaging, handed
// to the caller's onEvent for durable run_events logging.
type Event struct {
	Level   domain.EventLevel
	Kind    string
	Message string
}

// Run packages spec.Source and uploads the result to spec.Target under the
// given job/run IDs, scoped to nodeID ("hub" for Hub-local execution, or an
// agent's id) for secret resolution. onEvent, if non-nil, is called
// synchronously for each progress/consistency note.
func (e *Executor) Run(ctx context.Context, jobID, runID, nodeID string, spec domain.JobSpec, onEvent func(Event)) (domain.RunSummary, error) {
	stagingDir := filepath.Join(e.stagingRoot, jobID, runID)
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return domain.RunSummary{}, errkind.Unknown(fmt.Errorf("executor: creating staging dir: %w", err))
	}
	defer os.RemoveAll(stagingDir)

	src, err := e.buildSource(spec.Source, stagingDir)
	if err != nil {
		return domain.RunSummary{}, errkind.Config(err)
	}

	var recipient age.Recipient
	if spec.Pipeline.Encryption == domain.EncryptionAge {
		recipient, err = e.resolveRecipient(ctx, nodeID, spec.Pipeline.EncryptionKey)
		if err != nil {
			return domain.RunSummary{}, err
		}
	}

	packager := pipeline.NewPackager()
	issues := 0
	manifest, err := packager.Pack(pipeline.PackOptions{
		JobID:            jobID,
		RunID:            runID,
		Source:           src,
		PartSizeBytes:    spec.Pipeline.PartSizeBytes,
		CompressionLevel: spec.Pipeline.CompressionLevel,
		Encryption:       spec.Pipeline.Encryption,
		Recipient:        recipient,
		NewPart:          pipeline.NewLocalPartFactory(stagingDir),
		NewIndex:         pipeline.NewLocalIndexFactory(stagingDir),
		SourceKind:       string(spec.Source.Kind),
		OnProgress: func(pev pipeline.ProgressEvent) {
			if onEvent != nil {
				onEvent(Event{Level: domain.EventInfo, Kind: "progress", Message: fmt.Sprintf("%d files, %d bytes (%s)", pev.FilesDone, pev.BytesDone, pev.CurrentDir)})
			}
		},
		OnConsistencyIssue: func(em pipeline.EntryMeta) {
			issues++
			if onEvent != nil {
				onEvent(Event{Level: domain.EventWarn, Kind: "consistency_issue", Message: fmt.Sprintf("%s: %s", em.Path, em.Issue)})
			}
		},
	})
	if err != nil {
		return domain.RunSummary{}, errkind.Unknown(fmt.Errorf("executor: packaging: %w", err))
	}

	if err := pipeline.WriteManifest(stagingDir, manifest); err != nil {
		return domain.RunSummary{}, errkind.Unknown(fmt.Errorf("executor: writing manifest: %w", err))
	}

	dst, err := e.buildTarget(ctx, nodeID, spec.Target)
	if err != nil {
		return domain.RunSummary{}, err
	}

	files := stagedFiles(stagingDir, manifest)
	loc := target.RunLocation{JobID: jobID, RunID: runID}
	if err := dst.StoreRun(ctx, loc, files, func(f target.StagedFile) {
		if onEvent != nil {
			onEvent(Event{Level: domain.EventInfo, Kind: "uploaded", Message: f.Name})
		}
		// Rolling upload: once a part is confirmed on the target its local
		// staging copy is no longer needed.
		os.Remove(f.Path)
	}); err != nil {
		return domain.RunSummary{}, errkind.Network(fmt.Errorf("executor: uploading parts: %w", err))
	}

	if err := pipeline.WriteCompleteMarker(stagingDir); err != nil {
		return domain.RunSummary{}, errkind.Unknown(fmt.Errorf("executor: writing completion marker: %w", err))
	}
	if err := dst.StoreRun(ctx, loc, []target.StagedFile{
		{Name: "complete.json", Path: filepath.Join(stagingDir, "complete.json"), Size: completeMarkerSize(stagingDir)},
	}, nil); err != nil {
		return domain.RunSummary{}, errkind.Network(fmt.Errorf("executor: uploading completion marker: %w", err))
	}

	return domain.RunSummary{
		TotalFiles:       manifest.TotalFiles,
		TotalBytes:       manifest.TotalBytes,
		Parts:            len(manifest.Parts),
		ConsistencyIssue: issues,
	}, nil
}

func completeMarkerSize(stagingDir string) int64 {
	fi, err := os.Stat(filepath.Join(stagingDir, "complete.json"))
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (e *Executor) buildSource(spec domain.SourceSpec, stagingDir string) (pipeline.Source, error) {
	switch spec.Kind {
	case domain.SourceFilesystem:
		return &pipeline.FilesystemSource{
			Paths:       spec.Paths,
			Excludes:    spec.Excludes,
			Symlinks:    spec.Symlinks,
			Hardlinks:   spec.Hardlinks,
			OnFileError: spec.OnFileError,
		}, nil
	case domain.SourceSQLite:
		return pipeline.NewSQLiteSource(spec.DatabasePath, spec.IntegrityCheck, stagingDir), nil
	default:
		return nil, fmt.Errorf("executor: unknown source kind %q", spec.Kind)
	}
}

func (e *Executor) buildTarget(ctx context.Context, nodeID string, spec domain.TargetSpec) (target.Target, error) {
	return BuildTarget(ctx, e.secrets, nodeID, spec, e.rateLimits)
}

// BuildTarget resolves spec into a target.Target, reading WebDAV credentials
// from secrets when needed. Exported so queue workers (incomplete-cleanup,
// artifact-delete) that act on a run's target.TargetSnapshot can reach the
// same target without going through a full Executor.
func BuildTarget(ctx context.Context, secrets Secrets, nodeID string, spec domain.TargetSpec, rateLimits target.MethodLimits) (target.Target, error) {
	switch spec.Kind {
	case domain.TargetLocalDir:
		return target.NewLocal(spec.BaseDir), nil
	case domain.TargetWebDAV:
		raw, err := secrets.Get(ctx, secretKindWebDAV, nodeID, spec.SecretName)
		if err != nil {
			return nil, errkind.Auth(fmt.Errorf("executor: resolving webdav secret %q: %w", spec.SecretName, err))
		}
		var creds webdavCredentials
		if err := json.Unmarshal(raw, &creds); err != nil {
			return nil, errkind.Config(fmt.Errorf("executor: decoding webdav secret %q: %w", spec.SecretName, err))
		}
		return target.NewWebDAV(spec.BaseURL, target.WebDAVCredentials{
			Username: creds.Username,
			Password: creds.Password,
		}, rateLimits), nil
	default:
		return nil, errkind.Config(fmt.Errorf("executor: unknown target kind %q", spec.Kind))
	}
}

func (e *Executor) resolveRecipient(ctx context.Context, nodeID, secretName string) (age.Recipient, error) {
	raw, err := e.secrets.Get(ctx, secretKindAgeRecipient, nodeID, secretName)
	if err != nil {
		return nil, errkind.Auth(fmt.Errorf("executor: resolving age recipient %q: %w", secretName, err))
	}
	recipient, err := age.ParseX25519Recipient(string(raw))
	if err != nil {
		return nil, errkind.Config(fmt.Errorf("executor: parsing age recipient %q: %w", secretName, err))
	}
	return recipient, nil
}

// stagedFiles lists every file the packager wrote to stagingDir, in upload
// order: parts first (so a resumed upload can skip already-confirmed
// parts), then the entries index, then the manifest. complete.json is
// uploaded separately, last, by the caller.
func stagedFiles(stagingDir string, manifest *pipeline.Manifest) []target.StagedFile {
	files := make([]target.StagedFile, 0, len(manifest.Parts)+2)
	for _, p := range manifest.Parts {
		files = append(files, target.StagedFile{
			Name: p.Filename,
			Path: filepath.Join(stagingDir, p.Filename),
			Size: p.SizeBytes,
		})
	}
	files = append(files, target.StagedFile{
		Name: "entries.jsonl.zst",
		Path: filepath.Join(stagingDir, "entries.jsonl.zst"),
		Size: manifest.IndexSize,
	})
	files = append(files, target.StagedFile{
		Name: "manifest.json",
		Path: filepath.Join(stagingDir, "manifest.json"),
	})
	return files
}
