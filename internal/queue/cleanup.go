package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/executor"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/target"
)

// CleanupBody removes the partial upload left behind by a run that never
// reached a terminal state cleanly (crash, killed process, lost agent
// connection) — it always resolves the target from the task's own snapshot,
// never the job's current (possibly since-changed) target spec.
type CleanupBody struct {
	repo    store.CleanupRepository
	secrets executor.Secrets
	limits  target.MethodLimits
}

// NewCleanupBody returns a Body for the incomplete-cleanup queue.
func NewCleanupBody(repo store.CleanupRepository, secrets executor.Secrets, limits target.MethodLimits) *CleanupBody {
	return &CleanupBody{repo: repo, secrets: secrets, limits: limits}
}

func (b *CleanupBody) Name() string { return "incomplete_cleanup" }

func (b *CleanupBody) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.IncompleteCleanupTask, error) {
	return b.repo.ClaimDue(ctx, now, limit)
}

func (b *CleanupBody) Process(ctx context.Context, task *store.IncompleteCleanupTask) error {
	var snapshot domain.TargetSnapshot
	if err := json.Unmarshal([]byte(task.TargetSnapshotJSON), &snapshot); err != nil {
		return errkind.Config(fmt.Errorf("cleanup: decoding target snapshot: %w", err))
	}

	t, err := executor.BuildTarget(ctx, b.secrets, hubNodeID, snapshot.ToSpec(), b.limits)
	if err != nil {
		return err
	}

	loc := target.RunLocation{JobID: task.JobID.String(), RunID: task.RunID.String()}
	if err := t.DeleteRun(ctx, loc); err != nil {
		return errkind.Network(fmt.Errorf("cleanup: deleting incomplete run: %w", err))
	}
	return nil
}

func (b *CleanupBody) MarkDone(ctx context.Context, id uuid.UUID) error {
	return b.repo.MarkDone(ctx, id)
}

func (b *CleanupBody) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkRetrying(ctx, id, nextAttemptAt, errKind, errMsg, at)
}

func (b *CleanupBody) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkBlocked(ctx, id, errKind, errMsg, at)
}

func (b *CleanupBody) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.repo.MarkAbandoned(ctx, id, at)
}
