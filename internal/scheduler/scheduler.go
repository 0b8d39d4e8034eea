// Package scheduler parses each job's cron schedule in its own IANA
// timezone, dispatches due jobs either to the local executor or to a
// connected agent, enforces the job's overlap policy, and runs a periodic
// retention sweep. It wraps gocron exactly as the teacher's scheduler does,
// generalized from single-destination gRPC dispatch to Bastion's
// local-or-agent, reject-or-queue model.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Syt100/bastion-sub003/internal/agentmanager"
	"github.com/Syt100/bastion-sub003/internal/agentproto"
	"github.com/Syt100/bastion-sub003/internal/broadcast"
	"github.com/Syt100/bastion-sub003/internal/domain"
	"github.com/Syt100/bastion-sub003/internal/errkind"
	"github.com/Syt100/bastion-sub003/internal/executor"
	"github.com/Syt100/bastion-sub003/internal/store"
	"github.com/Syt100/bastion-sub003/internal/wsserver"
)

// retentionInterval is how often the maintenance sweep runs; the spec calls
// for a periodic pass, not a specific cadence, so this matches the
// teacher's own maintenance-loop grain.
const retentionInterval = 1 * time.Hour

// shutdownGrace bounds how long Stop waits for in-flight runs to finish
// before returning; runs still active then stay in the "running" state.
const shutdownGrace = 25 * time.Second

// Scheduler owns the gocron instance and coordinates job creation,
// dispatch, and retention for every job in the store.
type Scheduler struct {
	cron     gocron.Scheduler
	jobs     store.JobRepository
	runs     store.RunRepository
	exec     *executor.Executor
	secrets  executor.Secrets
	agentMgr *agentmanager.Manager
	events   *broadcast.Hub
	logger   *zap.Logger

	cronCache sync.Map // key: spec+"|"+tz -> cron.Schedule

	// jobLocks serializes the overlap decision + run-start for a single job
	// across cron ticks, TriggerNow, and a run's own completion handler, so
	// two concurrent evaluations can never both decide "no active run".
	jobLocksMu sync.Mutex
	jobLocks   map[uuid.UUID]*sync.Mutex

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	inFlight       sync.WaitGroup

	retentionStop chan struct{}
}

// New creates a configured Scheduler. Call Start to begin processing.
func New(
	jobs store.JobRepository,
	runs store.RunRepository,
	exec *executor.Executor,
	secrets executor.Secrets,
	agentMgr *agentmanager.Manager,
	events *broadcast.Hub,
	logger *zap.Logger,
) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:           g,
		jobs:           jobs,
		runs:           runs,
		exec:           exec,
		secrets:        secrets,
		agentMgr:       agentMgr,
		events:         events,
		logger:         logger.Named("scheduler"),
		jobLocks:       make(map[uuid.UUID]*sync.Mutex),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		retentionStop:  make(chan struct{}),
	}, nil
}

// Start loads every non-archived, schedule-bearing job, registers it with
// gocron, and starts the underlying scheduler plus the retention sweep
// loop. Call once at process startup.
func (s *Scheduler) Start(ctx context.Context) error {
	jobList, err := s.jobs.List(ctx, store.ListOptions{Limit: 10000})
	if err != nil {
		return fmt.Errorf("scheduler: listing jobs: %w", err)
	}

	scheduled := 0
	for _, j := range jobList {
		if j.Schedule == "" {
			continue // manual-trigger-only job
		}
		if err := s.addJob(j); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", j.ID.String()), zap.String("job_name", j.Name), zap.Error(err))
			continue
		}
		scheduled++
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", scheduled))
	s.cron.Start()

	go s.retentionLoop()
	return nil
}

// Stop signals every in-flight run to wind down, waits up to shutdownGrace
// for them to finish, then shuts down gocron. Runs still active past the
// grace period are left in "running" state with their StartedAt timestamp
// intact. Nothing resets them on the next process start, and activeRun keeps
// counting such a run as its job's active run.
func (s *Scheduler) Stop() error {
	close(s.retentionStop)
	s.shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("shutdown grace period elapsed with runs still active; leaving them in running state")
	}

	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// AddJob schedules a newly created or re-enabled job. Safe to call while
// the scheduler is running.
func (s *Scheduler) AddJob(j *store.Job) error {
	if j.Schedule == "" {
		return nil
	}
	if err := s.addJob(j); err != nil {
		return fmt.Errorf("scheduler: adding job %s: %w", j.ID, err)
	}
	return nil
}

// RemoveJob unregisters a job from the scheduler, e.g. on archive or
// schedule-clear.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) {
	s.cron.RemoveByTags(jobID.String())
}

// UpdateJob reschedules a job after its cron expression, timezone, or
// archive state changed.
func (s *Scheduler) UpdateJob(j *store.Job) error {
	s.cron.RemoveByTags(j.ID.String())
	if j.ArchivedAt != nil || j.Schedule == "" {
		return nil
	}
	return s.AddJob(j)
}

// TriggerNow starts an immediate run for jobID, bypassing the cron
// schedule, subject to the same overlap policy as a normal tick.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID) error {
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: loading job %s: %w", jobID, err)
	}
	s.evaluateJob(j)
	return nil
}

func (s *Scheduler) addJob(j *store.Job) error {
	schedule, err := s.parseSchedule(j.Schedule, j.ScheduleTimezone)
	if err != nil {
		return fmt.Errorf("scheduler: parsing schedule %q (tz %q): %w", j.Schedule, j.ScheduleTimezone, err)
	}

	// gocron evaluates a bare crontab in the scheduler's own location, so the
	// job's timezone goes in as a CRON_TZ prefix; an empty tz means UTC, as
	// in parseSchedule.
	tz := j.ScheduleTimezone
	if tz == "" {
		tz = "UTC"
	}
	_, err = s.cron.NewJob(
		gocron.CronJob("CRON_TZ="+tz+" "+j.Schedule, false),
		gocron.NewTask(func(jobID uuid.UUID) {
			job, err := s.jobs.GetByID(context.Background(), jobID)
			if err != nil {
				s.logger.Error("failed to reload job at tick time", zap.String("job_id", jobID.String()), zap.Error(err))
				return
			}
			s.evaluateJob(job)
		}, j.ID),
		gocron.WithTags(j.ID.String()),
	)
	if err != nil {
		return err
	}
	_ = schedule // parsed eagerly only to fail fast on an invalid spec/tz pair; gocron re-parses internally.
	return nil
}

// parseSchedule parses and caches spec in tz, using robfig/cron for its
// ParseStandard + LoadLocation-aware schedule type since gocron/v2 does not
// expose a per-job timezone-aware cron.Schedule of its own.
func (s *Scheduler) parseSchedule(spec, tz string) (cron.Schedule, error) {
	key := spec + "|" + tz
	if cached, ok := s.cronCache.Load(key); ok {
		return cached.(cron.Schedule), nil
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}

	tzSched := &locationSchedule{Schedule: sched, loc: loc}
	s.cronCache.Store(key, tzSched)
	return tzSched, nil
}

// locationSchedule wraps a cron.Schedule so Next evaluates against a fixed
// IANA location rather than the time passed in's own location.
type locationSchedule struct {
	cron.Schedule
	loc *time.Location
}

func (l *locationSchedule) Next(t time.Time) time.Time {
	return l.Schedule.Next(t.In(l.loc))
}

func (s *Scheduler) lockFor(jobID uuid.UUID) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	m, ok := s.jobLocks[jobID]
	if !ok {
		m = &sync.Mutex{}
		s.jobLocks[jobID] = m
	}
	return m
}

// evaluateJob is the per-tick (and TriggerNow) entry point: it decides
// reject/queue/start under the job's overlap policy and, if starting,
// launches the run in its own goroutine so a long hub-local backup never
// blocks gocron's tick callback.
func (s *Scheduler) evaluateJob(j *store.Job) {
	lock := s.lockFor(j.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if j.ArchivedAt != nil {
		return
	}

	active, err := s.activeRun(ctx, j.ID)
	if err != nil {
		s.logger.Error("failed to check active run", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	overlap := domain.OverlapPolicy(j.OverlapPolicy)
	if active != nil {
		switch overlap {
		case domain.OverlapQueue:
			now := time.Now().UTC()
			if err := s.jobs.SetPendingRun(ctx, j.ID, &now); err != nil {
				s.logger.Error("failed to coalesce pending run", zap.String("job_id", j.ID.String()), zap.Error(err))
			}
		default: // reject
			s.recordRejected(ctx, j)
		}
		return
	}

	s.startRun(j)
}

func (s *Scheduler) activeRun(ctx context.Context, jobID uuid.UUID) (*store.Run, error) {
	active, err := s.runs.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range active {
		if r.JobID == jobID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) recordRejected(ctx context.Context, j *store.Job) {
	now := time.Now().UTC()
	run := &store.Run{
		JobID:     j.ID,
		Status:    string(domain.RunRejected),
		StartedAt: &now,
		EndedAt:   &now,
		Error:     "overlap",
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Error("failed to record rejected run", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}
	s.logger.Info("run rejected: overlap", zap.String("job_id", j.ID.String()), zap.String("run_id", run.ID.String()))
}

// startRun creates the running Run row and launches the actual execution
// (local or agent) in a tracked background goroutine.
func (s *Scheduler) startRun(j *store.Job) {
	ctx := context.Background()

	var spec domain.JobSpec
	if err := json.Unmarshal([]byte(j.SpecJSON), &spec); err != nil {
		s.logger.Error("failed to decode job spec", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	snapshot := domain.TargetSnapshot{
		Kind:       spec.Target.Kind,
		BaseDir:    spec.Target.BaseDir,
		BaseURL:    spec.Target.BaseURL,
		SecretName: spec.Target.SecretName,
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("failed to encode target snapshot", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	run := &store.Run{
		JobID:              j.ID,
		Status:             string(domain.RunRunning),
		StartedAt:          &now,
		TargetSnapshotJSON: string(snapshotJSON),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Error("failed to create run", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	if err := s.jobs.SetPendingRun(ctx, j.ID, nil); err != nil {
		s.logger.Warn("failed to clear pending-run marker", zap.String("job_id", j.ID.String()), zap.Error(err))
	}
	j.LastRunAt = &now
	if err := s.jobs.Update(ctx, j); err != nil {
		s.logger.Warn("failed to update job last-run timestamp", zap.String("job_id", j.ID.String()), zap.Error(err))
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		s.execute(j, run, spec)
	}()
}

// errDispatchedToAgent is a sentinel returned by dispatchToAgent once the
// task was successfully handed to an online agent: the run is not
// finished, just no longer this goroutine's concern. It is never a user-
// visible error.
var errDispatchedToAgent = fmt.Errorf("scheduler: run dispatched to agent, awaiting result")

func (s *Scheduler) execute(j *store.Job, run *store.Run, spec domain.JobSpec) {
	ctx := s.shutdownCtx

	var execErr error
	var summary domain.RunSummary
	if j.AgentID == nil {
		summary, execErr = s.exec.Run(ctx, j.ID.String(), run.ID.String(), "hub", spec, s.eventSink(run.ID))
	} else {
		summary, execErr = s.dispatchToAgent(ctx, j, run, spec)
		if execErr == errDispatchedToAgent {
			return // CompleteAgentRun finishes this run later.
		}
	}

	s.finishRun(run, summary, execErr)
	s.maybeStartQueuedRun(j.ID)
}

func (s *Scheduler) eventSink(runID uuid.UUID) func(executor.Event) {
	return func(ev executor.Event) {
		stored, err := s.runs.AppendEvent(context.Background(), runID, string(ev.Level), ev.Kind, ev.Message, "", time.Now().UTC())
		if err != nil {
			s.logger.Warn("failed to append run event", zap.String("run_id", runID.String()), zap.Error(err))
			return
		}
		if s.events != nil {
			s.events.Publish(broadcast.Event{
				RunID: runID.String(), Seq: stored.Seq, Ts: stored.Ts,
				Level: stored.Level, Kind: stored.Kind, Message: stored.Message,
			})
		}
	}
}

// dispatchToAgent resolves the agent-scoped secrets a backup task needs,
// sends it over the WebSocket control plane, and blocks for the agent's
// ack. An unreachable agent fails the run with agent_offline rather than
// leaving it silently pending — the spec's explicit "no silent drops".
func (s *Scheduler) dispatchToAgent(ctx context.Context, j *store.Job, run *store.Run, spec domain.JobSpec) (domain.RunSummary, error) {
	agentID := j.AgentID.String()
	if !s.agentMgr.IsOnline(agentID) {
		return domain.RunSummary{}, errkind.Network(fmt.Errorf("scheduler: agent_offline: agent %s not connected", agentID))
	}

	secrets, err := s.buildAgentSecrets(ctx, agentID, spec)
	if err != nil {
		return domain.RunSummary{}, errkind.Auth(err)
	}

	payload := executor.BackupTaskPayload{
		JobID: j.ID.String(), RunID: run.ID.String(), NodeID: agentID,
		Spec: spec, Secrets: secrets,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.RunSummary{}, errkind.Unknown(fmt.Errorf("scheduler: encoding task payload: %w", err))
	}

	task := agentproto.Task{TaskID: run.ID.String(), Kind: agentproto.TaskBackup, Payload: payloadJSON}
	if err := wsserver.DispatchTask(ctx, s.agentMgr, agentID, task); err != nil {
		return domain.RunSummary{}, errkind.Network(fmt.Errorf("scheduler: dispatching task to agent %s: %w", agentID, err))
	}

	// The ack only confirms delivery; the run's terminal status arrives
	// later via the agent's result frame, handled by CompleteAgentRun (the
	// wsserver.Handler wired in process wiring calls it from OnResult).
	return domain.RunSummary{}, errDispatchedToAgent
}

func (s *Scheduler) buildAgentSecrets(ctx context.Context, agentID string, spec domain.JobSpec) (executor.StaticSecrets, error) {
	secrets := executor.StaticSecrets{}

	if spec.Target.Kind == domain.TargetWebDAV && spec.Target.SecretName != "" {
		raw, err := s.secrets.Get(ctx, executor.WebDAVSecretKind, agentID, spec.Target.SecretName)
		if err != nil {
			return nil, fmt.Errorf("resolving webdav secret %q for agent %s: %w", spec.Target.SecretName, agentID, err)
		}
		secrets.Put(executor.WebDAVSecretKind, agentID, spec.Target.SecretName, raw)
	}

	if spec.Pipeline.Encryption == domain.EncryptionAge && spec.Pipeline.EncryptionKey != "" {
		raw, err := s.secrets.Get(ctx, executor.AgeRecipientSecretKind, agentID, spec.Pipeline.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("resolving age recipient %q for agent %s: %w", spec.Pipeline.EncryptionKey, agentID, err)
		}
		secrets.Put(executor.AgeRecipientSecretKind, agentID, spec.Pipeline.EncryptionKey, raw)
	}

	return secrets, nil
}

// finishRun updates run with its terminal outcome. Called by execute once a
// Hub-local run returns, or once dispatchToAgent returns an immediate
// failure (agent_offline, secret resolution, dispatch); a successfully dispatched agent run never reaches
// here (execute returns early on errDispatchedToAgent) and is finished
// later by CompleteAgentRun.
func (s *Scheduler) finishRun(run *store.Run, summary domain.RunSummary, execErr error) {
	now := time.Now().UTC()
	run.EndedAt = &now
	if execErr != nil {
		run.Status = string(domain.RunFailed)
		run.Error = truncateError(execErr)
	} else {
		run.Status = string(domain.RunSuccess)
	}
	summaryJSON, err := json.Marshal(summary)
	if err == nil {
		run.SummaryJSON = string(summaryJSON)
	}

	if err := s.runs.Update(context.Background(), run); err != nil {
		s.logger.Error("failed to persist run outcome", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

// CompleteAgentRun finalizes a run that was dispatched to an agent, called
// from the Hub↔Agent result handler (wsserver.Handler.OnResult) once the
// agent reports a terminal outcome.
func (s *Scheduler) CompleteAgentRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg string, summary domain.RunSummary) error {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: loading run %s: %w", runID, err)
	}

	now := time.Now().UTC()
	run.EndedAt = &now
	run.Status = string(status)
	run.Error = errMsg
	if summaryJSON, err := json.Marshal(summary); err == nil {
		run.SummaryJSON = string(summaryJSON)
	}
	if err := s.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("scheduler: updating run %s: %w", runID, err)
	}

	s.maybeStartQueuedRun(run.JobID)
	return nil
}

// maybeStartQueuedRun starts the job's coalesced queued run, if any, once
// its predecessor finishes under OverlapQueue.
func (s *Scheduler) maybeStartQueuedRun(jobID uuid.UUID) {
	ctx := context.Background()
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to reload job after run completion", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}
	if j.PendingRunAt == nil {
		return
	}
	s.evaluateJob(j)
}

func truncateError(err error) string {
	const maxLen = 2048
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}

func (s *Scheduler) retentionLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunRetentionSweep(context.Background()); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		case <-s.retentionStop:
			return
		}
	}
}

// RunRetentionSweep deletes runs older than each job's run_retention_days
// that have no surviving snapshot (present/deleting/error). Exported so it
// can also be triggered on demand (an admin endpoint, or a test).
func (s *Scheduler) RunRetentionSweep(ctx context.Context) error {
	jobList, err := s.jobs.List(ctx, store.ListOptions{Limit: 10000})
	if err != nil {
		return fmt.Errorf("scheduler: listing jobs for retention: %w", err)
	}

	deleted := 0
	for _, j := range jobList {
		var spec domain.JobSpec
		if err := json.Unmarshal([]byte(j.SpecJSON), &spec); err != nil {
			continue
		}
		if spec.Retention.RunRetentionDays <= 0 {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -spec.Retention.RunRetentionDays)

		candidates, err := s.runs.ListTerminalOlderThan(ctx, j.ID, cutoff)
		if err != nil {
			s.logger.Error("failed to list retention candidates", zap.String("job_id", j.ID.String()), zap.Error(err))
			continue
		}
		for _, r := range candidates {
			if err := s.runs.Delete(ctx, r.ID); err != nil {
				s.logger.Warn("failed to delete expired run", zap.String("run_id", r.ID.String()), zap.Error(err))
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info("retention sweep complete", zap.Int("runs_deleted", deleted))
	}
	return nil
}
