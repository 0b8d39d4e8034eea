package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// BulkBody carries out one per-agent item of a bulk operation: label edit,
// config resync, secret distribution, or job deploy. It continues past a
// failing item: each item is its own queue task, so one failure does not
// stop the others. The parent BulkOperation's Status is not updated from
// its children's outcomes.
type BulkBody struct {
	repo     store.BulkOperationRepository
	agents   store.AgentRepository
	jobs     store.JobRepository
	vault    VaultPutGetter
	agentMgr *agentmanager.Manager
}

// VaultPutGetter is the subset of vault.Service the secret-distribute action
// needs.
type VaultPutGetter interface {
	Put(ctx context.Context, kind, nodeID, name string, plaintext []byte) error
	Get(ctx context.Context, kind, nodeID, name string) ([]byte, error)
}

// NewBulkBody returns a Body for the bulk-operations queue.
func NewBulkBody(repo store.BulkOperationRepository, agents store.AgentRepository, jobs store.JobRepository, vault VaultPutGetter, agentMgr *agentmanager.Manager) *BulkBody {
	return &BulkBody{repo: repo, agents: agents, jobs: jobs, vault: vault, agentMgr: agentMgr}
}

func (b *BulkBody) Name() string { return "bulk_operations" }

func (b *BulkBody) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.BulkOperationItem, error) {
	return b.repo.ClaimDue(ctx, now, limit)
}

func (b *BulkBody) Process(ctx context.Context, item *store.BulkOperationItem) error {
	op, err := b.repo.GetOperation(ctx, item.BulkOperationID)
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: loading parent operation: %w", err))
	}

	var params domain.BulkOperationParams
	if op.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(op.ParamsJSON), &params); err != nil {
			return errkind.Config(fmt.Errorf("bulk: decoding operation params: %w", err))
		}
	}

	switch domain.BulkOperationKind(op.Kind) {
	case domain.BulkLabelEdit:
		return b.processLabelEdit(ctx, item, params.LabelEdit)
	case domain.BulkConfigResync:
		return b.processConfigResync(ctx, item)
	case domain.BulkSecretDistribute:
		return b.processSecretDistribute(ctx, item, params.SecretDist)
	case domain.BulkJobDeploy:
		return b.processJobDeploy(ctx, item, params.JobDeploy)
	default:
		return errkind.Config(fmt.Errorf("bulk: unknown operation kind %q", op.Kind))
	}
}

func (b *BulkBody) processLabelEdit(ctx context.Context, item *store.BulkOperationItem, params *domain.BulkLabelEditParams) error {
	if params == nil {
		return errkind.Config(fmt.Errorf("bulk: label_edit operation missing params"))
	}

	current, err := b.agents.GetLabels(ctx, item.AgentID)
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: loading current labels: %w", err))
	}

	remove := make(map[string]bool, len(params.RemoveLabels))
	for _, l := range params.RemoveLabels {
		remove[l] = true
	}

	final := make(map[string]bool, len(current)+len(params.AddLabels))
	for _, l := range current {
		if !remove[l] {
			final[l] = true
		}
	}
	for _, l := range params.AddLabels {
		final[l] = true
	}

	labels := make([]string, 0, len(final))
	for l := range final {
		labels = append(labels, l)
	}

	if err := b.agents.SetLabels(ctx, item.AgentID, labels); err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: setting labels: %w", err))
	}
	return nil
}

func (b *BulkBody) processConfigResync(ctx context.Context, item *store.BulkOperationItem) error {
	agent, err := b.agents.GetByID(ctx, item.AgentID)
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: loading agent: %w", err))
	}

	snapshotID, err := uuid.NewV7()
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: generating snapshot id: %w", err))
	}

	now := time.Now().UTC()
	agent.DesiredConfigSnapshotID = snapshotID.String()
	agent.DesiredConfigSnapshotAt = &now
	if err := b.agents.Update(ctx, agent); err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: recording desired config snapshot: %w", err))
	}
	// The agent applies the new snapshot on its next config-sync tick or
	// reconnect; AppliedConfigSnapshotID advances asynchronously once it
	// reports back, so this item completes immediately regardless of
	// whether the agent is currently online.
	return nil
}

func (b *BulkBody) processSecretDistribute(ctx context.Context, item *store.BulkOperationItem, params *domain.BulkSecretDistributeParams) error {
	if params == nil {
		return errkind.Config(fmt.Errorf("bulk: secret_distribute operation missing params"))
	}

	nodeID := item.AgentID.String()
	if !params.OverwriteExisting {
		if _, err := b.vault.Get(ctx, params.SecretKind, nodeID, params.SecretName); err == nil {
			return nil // already present, skip per default skip-if-exists policy
		} else if !errors.Is(err, store.ErrNotFound) {
			return errkind.Unknown(fmt.Errorf("bulk: checking existing secret: %w", err))
		}
	}

	if err := b.vault.Put(ctx, params.SecretKind, nodeID, params.SecretName, params.Plaintext); err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: storing secret: %w", err))
	}

	if !b.agentMgr.IsOnline(nodeID) {
		// Secret is sealed and stored; delivery to the agent (its next
		// config sync) can't be confirmed until it reconnects, so the item
		// stays in retrying/pending state rather than being marked done.
		return errkind.Network(fmt.Errorf("bulk: agent %s offline, secret pending delivery", nodeID))
	}
	return nil
}

func (b *BulkBody) processJobDeploy(ctx context.Context, item *store.BulkOperationItem, params *domain.BulkJobDeployParams) error {
	if params == nil {
		return errkind.Config(fmt.Errorf("bulk: job_deploy operation missing params"))
	}

	source, err := b.jobs.GetByID(ctx, params.SourceJobID)
	if err != nil {
		return errkind.Config(fmt.Errorf("bulk: loading source job: %w", err))
	}
	agent, err := b.agents.GetByID(ctx, item.AgentID)
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: loading target agent: %w", err))
	}

	tmpl := params.NameTemplate
	if tmpl == "" {
		tmpl = domain.DefaultJobDeployNameTemplate
	}
	baseName := strings.NewReplacer("{name}", source.Name, "{node}", agent.Name).Replace(tmpl)
	name, err := b.uniqueJobName(ctx, baseName)
	if err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: resolving unique job name: %w", err))
	}

	agentID := item.AgentID
	clone := &store.Job{
		Name:             name,
		SpecJSON:         source.SpecJSON,
		Schedule:         source.Schedule,
		ScheduleTimezone: source.ScheduleTimezone,
		OverlapPolicy:    source.OverlapPolicy,
		AgentID:          &agentID,
	}
	if err := b.jobs.Create(ctx, clone); err != nil {
		return errkind.Unknown(fmt.Errorf("bulk: creating cloned job: %w", err))
	}
	return nil
}

// uniqueJobName appends " (2)", " (3)", ... to base until a name with no
// existing job is found.
func (b *BulkBody) uniqueJobName(ctx context.Context, base string) (string, error) {
	name := base
	for attempt := 2; ; attempt++ {
		_, err := b.jobs.GetByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s (%d)", base, attempt)
	}
}

func (b *BulkBody) MarkDone(ctx context.Context, id uuid.UUID) error {
	return b.repo.MarkDone(ctx, id)
}

func (b *BulkBody) MarkRetrying(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkRetrying(ctx, id, nextAttemptAt, errKind, errMsg, at)
}

func (b *BulkBody) MarkBlocked(ctx context.Context, id uuid.UUID, errKind, errMsg string, at time.Time) error {
	return b.repo.MarkBlocked(ctx, id, errKind, errMsg, at)
}

func (b *BulkBody) MarkAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.repo.MarkAbandoned(ctx, id, at)
}
