// Package hubhandler implements wsserver.Handler: the Hub-side application
// logic invoked by the WebSocket connection pump for each inbound frame
// class (hello, event, result). It is the seam between the transport layer
// (internal/wsserver) and the domain layer (internal/store,
// internal/scheduler).
package hubhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentproto"
	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/scheduler"
	"github.com/Syt100/bastion-sub003/internal/store"
)

// Handler adapts agentproto frames to scheduler/store calls. It satisfies
// wsserver.Handler.
type Handler struct {
	agents store.AgentRepository
	runs   store.RunRepository
	sched  *scheduler.Scheduler
	logger *zap.Logger

	// seenMu/seen track the highest agent-assigned event seq ingested per
	// run this process has observed, so an agent replaying its offline
	// buffer after a reconnect does not re-append already-seen events. This
	// dedup is in-memory only: it covers the common case (a reconnect
	// within the hub's uptime) but not ingestion crossing a hub restart.
	seenMu sync.Mutex
	seen   map[string]int64
}

// New returns a Handler.
func New(agents store.AgentRepository, runs store.RunRepository, sched *scheduler.Scheduler, logger *zap.Logger) *Handler {
	return &Handler{
		agents: agents,
		runs:   runs,
		sched:  sched,
		logger: logger.Named("hubhandler"),
		seen:   make(map[string]int64),
	}
}

// OnHello records that the agent is alive and accepts the connection. The
// agent's reported config snapshot id is echoed back unchanged for now — the
// Hub has no independent config push to compare it against yet.
func (h *Handler) OnHello(ctx context.Context, agentID string, hello agentproto.Hello) (agentproto.HelloAck, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return agentproto.HelloAck{}, fmt.Errorf("hubhandler: invalid agent id %q: %w", agentID, err)
	}

	capsJSON, _ := json.Marshal(hello.Capabilities)
	a, err := h.agents.GetByID(ctx, id)
	if err == nil {
		a.CapabilitiesJSON = string(capsJSON)
		if err := h.agents.Update(ctx, a); err != nil {
			h.logger.Warn("persist agent capabilities failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if err := h.agents.TouchLastSeen(ctx, id, time.Now().UTC()); err != nil {
		h.logger.Warn("touch last seen failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	return agentproto.HelloAck{Accepted: true, ConfigSnapshotID: hello.ConfigSnapshotID}, nil
}

// OnEvent ingests one run event reported by the agent, deduping by
// (run_id, seq) within this process's lifetime.
func (h *Handler) OnEvent(ctx context.Context, agentID string, ev agentproto.Event) error {
	runID, err := uuid.Parse(ev.RunID)
	if err != nil {
		return fmt.Errorf("hubhandler: invalid run id %q: %w", ev.RunID, err)
	}

	if h.alreadySeen(ev.RunID, ev.Seq) {
		return nil
	}

	ts, err := time.Parse(time.RFC3339Nano, ev.TS)
	if err != nil {
		ts = time.Now().UTC()
	}

	if _, err := h.runs.AppendEvent(ctx, runID, ev.Level, ev.Kind, ev.Message, string(ev.Fields), ts); err != nil {
		return fmt.Errorf("hubhandler: appending event for run %s: %w", ev.RunID, err)
	}
	h.markSeen(ev.RunID, ev.Seq)
	return nil
}

// OnResult finalizes the run an agent-dispatched task belonged to.
func (h *Handler) OnResult(ctx context.Context, agentID string, res agentproto.Result) error {
	if res.RunID == "" {
		// Non-backup tasks (restore/verify/fs_list/control) have no run row
		// to finalize; the queue worker that dispatched them reads the
		// result off the ack/result pair directly.
		return nil
	}

	runID, err := uuid.Parse(res.RunID)
	if err != nil {
		return fmt.Errorf("hubhandler: invalid run id %q: %w", res.RunID, err)
	}

	status := domain.RunSuccess
	if res.Status != "success" {
		status = domain.RunFailed
	}

	var summary domain.RunSummary
	if len(res.Summary) > 0 {
		if err := json.Unmarshal(res.Summary, &summary); err != nil {
			h.logger.Warn("decode run summary failed", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}

	if err := h.sched.CompleteAgentRun(ctx, runID, status, res.Error, summary); err != nil {
		return fmt.Errorf("hubhandler: completing run %s: %w", res.RunID, err)
	}
	return nil
}

func (h *Handler) alreadySeen(runID string, seq int64) bool {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	return h.seen[runID] >= seq && seq != 0
}

func (h *Handler) markSeen(runID string, seq int64) {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	if seq > h.seen[runID] {
		h.seen[runID] = seq
	}
}
