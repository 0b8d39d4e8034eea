package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/executor"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/target"
)

// ArtifactDeleteBody removes a run's stored backup artifact. A pinned
// artifact is rejected unless the task carries Force, mirroring the API's
// own pin guard so a bulk or scheduled delete can never bypass a pin by
// accident.
type ArtifactDeleteBody struct {
	repo      store.ArtifactDeleteRepository
	snapshots store.SnapshotRepository
	secrets   executor.Secrets
	limits    target.MethodLimits
}

// NewArtifactDeleteBody returns a Body for the artifact-delete queue.
func NewArtifactDeleteBody(repo store.ArtifactDeleteRepository, snapshots store.SnapshotRepository, secrets executor.Secrets, limits target.MethodLimits) *ArtifactDeleteBody {
	return &ArtifactDeleteBody{repo: repo, snapshots: snapshots, secrets: secrets, limits: limits}
}

func (b *ArtifactDeleteBody) Name() string { return "artifact_delete" }

func (b *ArtifactDeleteBody) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.ArtifactDeleteTask, error) {
	return b.repo.ClaimDue(ctx, now, limit)
}

func (b *ArtifactDeleteBody) Process(ctx context.Context, task *store.ArtifactDeleteTask) error {
	artifact, err := b.snapshots.GetByRunID(ctx, task.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already gone, nothing left to delete.
			return nil
		}
		return errkind.Unknown(fmt.Errorf("artifact delete: loading artifact: %w", err))
	}
	if artifact.PinnedAt != nil && !task.Force {
		return errkind.Config(fmt.Errorf("artifact delete: run %s is pinned", task.RunID))
	}

	var snapshot domain.TargetSnapshot
	if err := json.Unmarshal([]byte(artifact.TargetSnapshotJSON), &snapshot); err != nil {
		return errkind.Config(fmt.Errorf("artifact delete: decoding target snapshot: %w", err))
	}

	t, err := executor.BuildTarget(ctx, b.secrets, hubNodeID, snapshot.ToSpec(), b.limits)
	if err != nil {
		return err
	}

	loc := target.RunLocation{JobID: artifact.JobID.String(), RunID: artifact.RunID.String()}
	if err := t.DeleteRun(ctx, loc); err != nil {
		return errkind.Network(fmt.Errorf("artifact delete: deleting run files: %w", err))
	}

	if err := b.snapshots.Delete(ctx, artifact.RunID); err != nil {
		return errkind.Unknown(fmt.Errorf("artifact delete: removing artifact row: %w", err))
	}
	return nil
}

func (b *ArtifactDeleteBody) MarkDone(ctx context.Context, id uuid.UUID) error {
	return b.repo.MarkDone(ctx, id)
}

func (b *ArtifactDeleteBody) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkRetrying(ctx, id, nextAttemptAt, errKind, errMsg, at)
}

func (b *ArtifactDeleteBody) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkBlocked(ctx, id, errKind, errMsg, at)
}

func (b *ArtifactDeleteBody) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.repo.MarkAbandoned(ctx, id, at)
}
