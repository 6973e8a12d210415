// Package engine composes the job queue, dispatcher, scheduler and claim
// store into the orchestrator control plane. Every instance serves reads,
// submissions and outcome reports; the loops that move jobs (dispatch,
// timeout enforcement, schedule firing) run only on the instance holding
// the dispatch lease, so instances can be added for availability without
// double-dispatching.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/application/dispatch"
	"github.com/cloudrpa/fleet/internal/application/queue"
	"github.com/cloudrpa/fleet/internal/application/schedule"
	"github.com/cloudrpa/fleet/internal/domain"
	"github.com/cloudrpa/fleet/internal/infrastructure/realtime"
	"github.com/cloudrpa/fleet/internal/protocol"
)

// ErrAlreadyRunning reports a second concurrent Run call.
var ErrAlreadyRunning = errors.New("engine already running")

// dispatchLeaderRun names the exclusive-run lease that gates the job-moving
// loops.
const dispatchLeaderRun = "dispatch"

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	WorkflowID   string
	WorkflowName string

	// Params is the opaque workflow input, forwarded to the robot verbatim.
	Params []byte

	// Priority defaults to NORMAL.
	Priority domain.JobPriority

	// RobotID pins the job to one robot. Empty means any eligible robot.
	RobotID     string
	Environment string

	// ScheduledTime defers dispatch until the given instant.
	ScheduledTime time.Time

	VisibilityTimeout time.Duration
	ExecutionTimeout  time.Duration

	// CheckDuplicate rejects resubmission of identical work inside the
	// dedup window.
	CheckDuplicate bool
}

// Stats is a point-in-time operational summary.
type Stats struct {
	EngineID  string         `json:"engine_id"`
	Leader    bool           `json:"leader"`
	Jobs      queue.Stats    `json:"jobs"`
	Robots    dispatch.Stats `json:"robots"`
	Schedules int            `json:"schedules"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock, which also becomes the clock of
// every component it assembles. Tests use this to control time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the orchestrator facade. All methods are safe for concurrent
// use.
type Engine struct {
	cfg Config

	store   claim.Store
	channel realtime.Channel

	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Scheduler
	metrics    *metrics

	now func() time.Time

	leaderMu      sync.Mutex
	leader        bool
	leaderRelease func()

	started atomic.Bool
	wg      sync.WaitGroup
}

// New assembles an engine around its durable store. channel may be nil for
// poll-only deployments; robots then learn about work at their next poll.
func New(cfg Config, store claim.Store, channel realtime.Channel, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	cfg.normalize()
	if cfg.EngineID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate engine id: %w", err)
		}
		cfg.EngineID = "engine-" + id.String()
	}
	if channel == nil {
		channel = realtime.NewNopChannel()
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		channel: channel,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	e.queue = queue.New(
		queue.WithMaxSize(cfg.MaxQueueSize),
		queue.WithDedupWindow(cfg.DedupWindow),
		queue.WithClock(e.now),
	)
	e.dispatcher = dispatch.New(
		dispatch.WithStrategy(cfg.Strategy),
		dispatch.WithStaleAfter(cfg.StaleAfter),
		dispatch.WithClock(e.now),
	)
	e.scheduler = schedule.New(e.scheduleTrigger,
		schedule.WithTickInterval(cfg.SchedulerTickInterval),
		schedule.WithMisfireGrace(cfg.MisfireGrace),
		schedule.WithClock(e.now),
	)

	m, err := newMetrics(e.queue, e.dispatcher)
	if err != nil {
		return nil, err
	}
	e.metrics = m

	return e, nil
}

// Run restores persisted state, starts the engine loops and blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.started.Store(false)

	if err := e.restore(ctx); err != nil {
		return err
	}

	slog.InfoContext(ctx, "engine started",
		"engine_id", e.cfg.EngineID,
		"strategy", e.cfg.Strategy,
		"dispatch_interval", e.cfg.DispatchInterval)

	e.wg.Add(6)
	go e.leaderLoop(ctx)
	go e.dispatchLoop(ctx)
	go e.timeoutLoop(ctx)
	go e.schedulerLoop(ctx)
	go e.syncLoop(ctx)
	go func() {
		defer e.wg.Done()
		e.dispatcher.RunHealthLoop(ctx, e.cfg.HealthCheckInterval)
	}()

	e.wg.Add(2)
	go e.consume(ctx, realtime.TopicEvents, e.handleEvent)
	go e.consume(ctx, realtime.TopicPresence, e.handlePresence)

	<-ctx.Done()
	e.wg.Wait()
	e.scheduler.Wait()
	e.resign()

	slog.Info("engine stopped", "engine_id", e.cfg.EngineID)
	return nil
}

// restore rebuilds the in-memory view from the store: registered robots,
// schedules and every non-terminal job.
func (e *Engine) restore(ctx context.Context) error {
	robots, err := e.store.GetRobots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load robots: %w", err)
	}
	now := e.now()
	for _, robot := range robots {
		stale := now.Sub(robot.LastHeartbeat) > e.cfg.StaleAfter
		if _, err := e.dispatcher.Register(robot); err != nil {
			slog.WarnContext(ctx, "robot restore skipped", "robot_id", robot.ID, "error", err)
			continue
		}
		// Register stamps a fresh heartbeat; a robot that was already
		// silent must not look alive for another staleness window.
		if stale {
			_ = e.dispatcher.SetStatus(robot.ID, domain.RobotStatusOffline)
		}
	}

	schedules, err := e.store.GetSchedules(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	e.scheduler.Restore(schedules)

	open, err := e.store.ListOpenJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open jobs: %w", err)
	}
	e.queue.Restore(open)

	slog.InfoContext(ctx, "engine state restored",
		"robots", len(robots),
		"schedules", len(schedules),
		"open_jobs", len(open))
	return nil
}

// === Leader Election ===

func (e *Engine) leaderLoop(ctx context.Context) {
	defer e.wg.Done()

	e.tryLead(ctx)

	ticker := time.NewTicker(e.cfg.LeaderRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tryLead(ctx)
		}
	}
}

// tryLead acquires or renews the dispatch lease. A failed attempt (as
// opposed to a refused one) keeps the current role: the lease is not
// revoked by an unreachable store, and dual leaders are safe because every
// dispatch goes through the claim store anyway.
func (e *Engine) tryLead(ctx context.Context) {
	release, acquired, err := e.store.TryAcquireExclusiveRun(
		ctx, dispatchLeaderRun, e.cfg.EngineID, e.cfg.LeaderLease)
	if err != nil {
		slog.WarnContext(ctx, "dispatch lease check failed", "error", err)
		return
	}

	e.leaderMu.Lock()
	wasLeader := e.leader
	e.leader = acquired
	e.leaderRelease = release
	e.leaderMu.Unlock()

	switch {
	case acquired && !wasLeader:
		slog.InfoContext(ctx, "dispatch leadership acquired", "engine_id", e.cfg.EngineID)
		e.adoptSchedules(ctx)
	case !acquired && wasLeader:
		slog.WarnContext(ctx, "dispatch leadership lost", "engine_id", e.cfg.EngineID)
	}
}

func (e *Engine) resign() {
	e.leaderMu.Lock()
	release := e.leaderRelease
	e.leader = false
	e.leaderRelease = nil
	e.leaderMu.Unlock()

	if release != nil {
		release()
	}
}

// IsLeader reports whether this instance currently drives dispatch.
func (e *Engine) IsLeader() bool {
	e.leaderMu.Lock()
	defer e.leaderMu.Unlock()
	return e.leader
}

// adoptSchedules replaces the in-memory schedule set with the persisted
// rows. A fresh leader must not refire occurrences the previous leader
// already advanced past.
func (e *Engine) adoptSchedules(ctx context.Context) {
	rows, err := e.store.GetSchedules(ctx, false)
	if err != nil {
		slog.WarnContext(ctx, "schedule adoption failed", "error", err)
		return
	}

	keep := make(map[string]bool, len(rows))
	for _, row := range rows {
		keep[row.ID] = true
		if _, err := e.scheduler.Get(row.ID); err != nil {
			if err := e.scheduler.Add(row); err != nil {
				slog.WarnContext(ctx, "schedule adoption skipped", "schedule_id", row.ID, "error", err)
			}
			continue
		}
		if err := e.scheduler.Update(row); err != nil {
			slog.WarnContext(ctx, "schedule adoption skipped", "schedule_id", row.ID, "error", err)
		}
	}
	for _, existing := range e.scheduler.List() {
		if !keep[existing.ID] {
			_ = e.scheduler.Remove(existing.ID)
		}
	}
}

// === Dispatch Loop ===

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.DispatchTick(ctx)
			}
		}
	}
}

// DispatchTick matches every ready job against the fleet once, claiming
// each matched job for its robot and pushing the assignment. Returns how
// many jobs were dispatched. Exported so tests can drive dispatch
// deterministically; the dispatch loop calls it on a ticker.
func (e *Engine) DispatchTick(ctx context.Context) int {
	dispatched := 0
	for _, job := range e.queue.ReadySnapshot() {
		robot := e.dispatcher.Select(job)
		if robot == nil {
			continue
		}

		claimed, err := e.store.ClaimJobByID(ctx, job.ID, claim.ClaimParams{
			RobotID:           robot.ID,
			VisibilityTimeout: job.VisibilityTimeout,
			Now:               e.now(),
		})
		if err != nil {
			slog.WarnContext(ctx, "dispatch claim failed",
				"job_id", job.ID, "robot_id", robot.ID, "error", err)
			continue
		}
		if claimed == nil {
			// Someone else owns the job; fold the store's view back in.
			e.refreshMirror(ctx, job.ID)
			continue
		}

		e.markRunning(ctx, job.ID, robot.ID)
		e.publishAssignment(ctx, robot.ID, claimed)
		e.metrics.recordDispatched(ctx)
		dispatched++

		slog.InfoContext(ctx, "job dispatched",
			"job_id", job.ID,
			"robot_id", robot.ID,
			"workflow", job.WorkflowName,
			"priority", job.Priority)
	}
	return dispatched
}

// markRunning mirrors an observed start and reserves the robot's capacity
// slot exactly once per queued to running transition, so later settles and
// releases stay balanced for both pushed and self-claimed jobs.
func (e *Engine) markRunning(ctx context.Context, jobID, robotID string) {
	prev, err := e.queue.Get(jobID)
	if err != nil {
		return
	}
	if err := e.queue.MarkRunning(jobID, robotID); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			slog.DebugContext(ctx, "queue mirror diverged", "job_id", jobID, "error", err)
		}
		return
	}
	if prev.Status == domain.JobStatusQueued && robotID != "" {
		if err := e.dispatcher.IncrementJobs(robotID); err != nil {
			slog.DebugContext(ctx, "robot load tracking", "robot_id", robotID, "error", err)
		}
	}
}

// refreshMirror reconciles one mirror entry against the store row after
// the two disagreed.
func (e *Engine) refreshMirror(ctx context.Context, jobID string) {
	row, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		e.queue.Evict(jobID)
		return
	}
	if err != nil {
		return
	}
	switch {
	case row.Status == domain.JobStatusRunning:
		e.markRunning(ctx, row.ID, row.ClaimedBy)
	case row.Status.Terminal():
		e.queue.Evict(row.ID)
	}
}

func (e *Engine) publishAssignment(ctx context.Context, robotID string, claimed *domain.ClaimedJob) {
	job := claimed.Job
	e.publish(ctx, realtime.TopicControl, &protocol.ControlMessage{
		Command: protocol.ControlAssignJob,
		RobotID: robotID,
		JobID:   job.ID,
		Assign: &protocol.JobAssign{
			Envelope:          protocol.NewEnvelope(protocol.TypeJobAssign),
			JobID:             job.ID,
			WorkflowName:      job.WorkflowName,
			WorkflowJSON:      json.RawMessage(job.Params),
			Priority:          string(job.Priority),
			LeaseGeneration:   claimed.LeaseGeneration,
			LeaseExpiresAt:    claimed.LeaseExpiresAt,
			VisibilityTimeout: job.VisibilityTimeout.Milliseconds(),
			ExecutionTimeout:  job.ExecutionTimeout.Milliseconds(),
		},
	})
}

// === Timeout Enforcement ===

func (e *Engine) timeoutLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.TimeoutTick(ctx)
			}
		}
	}
}

// TimeoutTick force-finishes jobs over their execution budget and requeues
// jobs whose lease expired without a settle. Exported so tests can drive
// enforcement deterministically.
func (e *Engine) TimeoutTick(ctx context.Context) {
	for _, jobID := range e.queue.CheckTimeouts() {
		message := "execution budget exceeded"
		job, err := e.queue.Get(jobID)
		if err == nil && job.ErrorMessage != "" {
			message = job.ErrorMessage
		}
		if err == nil && job.ClaimedBy != "" {
			e.dispatcher.DecrementJobs(job.ClaimedBy)
			e.publishCancel(ctx, job.ClaimedBy, jobID, message)
		}

		err = e.store.ForceSettle(ctx, jobID, domain.SettleResult{
			Outcome:      domain.OutcomeTimeout,
			ErrorMessage: message,
		})
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			slog.WarnContext(ctx, "timeout settle failed", "job_id", jobID, "error", err)
			continue
		}
		e.metrics.recordSettled(ctx, domain.OutcomeTimeout)
		slog.WarnContext(ctx, "job timed out", "job_id", jobID, "error", message)
	}

	reclaimed, err := e.store.ReclaimExpired(ctx, e.now())
	if err != nil {
		slog.WarnContext(ctx, "lease reclaim failed", "error", err)
		return
	}
	for _, jobID := range reclaimed {
		if job, err := e.queue.Get(jobID); err == nil && job.ClaimedBy != "" {
			e.dispatcher.DecrementJobs(job.ClaimedBy)
		}
		if err := e.queue.Release(jobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			slog.DebugContext(ctx, "queue mirror release", "job_id", jobID, "error", err)
		}
		e.metrics.recordRequeued(ctx, "lease_expired")
		slog.WarnContext(ctx, "job requeued, lease expired", "job_id", jobID)
	}
}

// === Scheduler Loop ===

func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.scheduler.FireDue(ctx)
			}
		}
	}
}

// === Realtime ===

// consume pumps one topic into handle until ctx ends, resubscribing after
// transport failures.
func (e *Engine) consume(ctx context.Context, topic string, handle func(context.Context, []byte)) {
	defer e.wg.Done()

	for {
		msgs, err := e.channel.Subscribe(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "subscribe failed, retrying", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for payload := range msgs {
			handle(ctx, payload)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleEvent routes robot-to-orchestrator messages from the events topic.
// Every message is advisory: handlers tolerate duplication, loss and
// reordering, with the store sweeps as the backstop.
func (e *Engine) handleEvent(ctx context.Context, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		slog.DebugContext(ctx, "undecodable event dropped", "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.JobAccept:
		e.markRunning(ctx, m.JobID, m.RobotID)
	case *protocol.JobReject:
		e.handleReject(ctx, m)
	case *protocol.JobProgress:
		if err := e.queue.UpdateProgress(m.JobID, m.Progress, m.Message); err != nil &&
			!errors.Is(err, domain.ErrJobNotFound) {
			slog.DebugContext(ctx, "progress event dropped", "job_id", m.JobID, "error", err)
		}
	case *protocol.JobComplete:
		e.applyOutcome(ctx, m.JobID, m.RobotID, domain.SettleResult{
			Outcome: domain.OutcomeCompleted,
			Result:  []byte(m.Result),
		})
	case *protocol.JobFailed:
		e.applyOutcome(ctx, m.JobID, m.RobotID, domain.SettleResult{
			Outcome:      domain.OutcomeFailed,
			ErrorMessage: m.Error,
		})
	case *protocol.JobCancelled:
		e.applyOutcome(ctx, m.JobID, m.RobotID, domain.SettleResult{
			Outcome: domain.OutcomeCancelled,
		})
	default:
		// Robot-bound or unknown; not ours to handle.
	}
}

// handleReject returns a pushed assignment to the queue. The robot already
// released its claim durably; only the mirror and the capacity slot need
// updating here.
func (e *Engine) handleReject(ctx context.Context, m *protocol.JobReject) {
	if err := e.queue.Release(m.JobID); err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			slog.DebugContext(ctx, "queue mirror release", "job_id", m.JobID, "error", err)
		}
	} else if m.RobotID != "" {
		e.dispatcher.DecrementJobs(m.RobotID)
	}
	e.metrics.recordRequeued(ctx, "rejected")
	slog.InfoContext(ctx, "assignment rejected",
		"job_id", m.JobID, "robot_id", m.RobotID, "reason", m.Reason)
}

// handlePresence refreshes fleet liveness from robot presence broadcasts.
// Unknown robots wait for the store sync, which carries full registration
// detail.
func (e *Engine) handlePresence(ctx context.Context, payload []byte) {
	var update protocol.PresenceUpdate
	if err := json.Unmarshal(payload, &update); err != nil || update.RobotID == "" {
		return
	}
	if err := e.dispatcher.Heartbeat(update.RobotID); err != nil {
		slog.DebugContext(ctx, "presence for unregistered robot", "robot_id", update.RobotID)
	}
}

// publish sends best effort: the realtime channel is advisory, polling and
// the store sweeps cover for lost payloads.
func (e *Engine) publish(ctx context.Context, topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.WarnContext(ctx, "payload marshal failed", "topic", topic, "error", err)
		return
	}
	if err := e.channel.Publish(ctx, topic, payload); err != nil && ctx.Err() == nil {
		slog.DebugContext(ctx, "publish failed", "topic", topic, "error", err)
	}
}

func (e *Engine) publishHint(ctx context.Context, job *domain.Job) {
	e.publish(ctx, realtime.TopicJobs, &protocol.JobHint{
		JobID:        job.ID,
		WorkflowName: job.WorkflowName,
		Priority:     string(job.Priority),
	})
}

func (e *Engine) publishCancel(ctx context.Context, robotID, jobID, reason string) {
	e.publish(ctx, realtime.TopicControl, &protocol.ControlMessage{
		Command: protocol.ControlCancelJob,
		RobotID: robotID,
		JobID:   jobID,
		Reason:  reason,
	})
}

// === Jobs ===

// SubmitJob validates, enqueues and persists a new job, then hints idle
// robots that work is claimable.
func (e *Engine) SubmitJob(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	job, err := e.buildJob(req)
	if err != nil {
		return nil, err
	}
	if err := e.persistNewJob(ctx, job, req.CheckDuplicate); err != nil {
		return nil, err
	}

	e.metrics.recordSubmitted(ctx, job.Priority)
	e.publishHint(ctx, job)
	slog.InfoContext(ctx, "job submitted",
		"job_id", job.ID,
		"workflow", job.WorkflowName,
		"priority", job.Priority,
		"environment", job.Environment)
	return job, nil
}

func (e *Engine) buildJob(req SubmitRequest) (*domain.Job, error) {
	if req.WorkflowID == "" {
		return nil, fmt.Errorf("%w: missing workflow id", domain.ErrInvalidJob)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &domain.Job{
		ID:                id.String(),
		WorkflowID:        req.WorkflowID,
		WorkflowName:      req.WorkflowName,
		Params:            req.Params,
		Priority:          req.Priority,
		Status:            domain.JobStatusPending,
		RobotID:           req.RobotID,
		Environment:       req.Environment,
		ScheduledTime:     req.ScheduledTime,
		CreatedAt:         e.now(),
		VisibilityTimeout: req.VisibilityTimeout,
		ExecutionTimeout:  req.ExecutionTimeout,
		Fingerprint:       domain.JobFingerprint(req.WorkflowID, req.Params),
	}
	if job.Priority == "" {
		job.Priority = domain.JobPriorityNormal
	}
	if job.VisibilityTimeout <= 0 {
		job.VisibilityTimeout = domain.DefaultVisibilityTimeout
	}
	if job.ExecutionTimeout <= 0 {
		job.ExecutionTimeout = domain.DefaultExecutionTimeout
	}
	return job, nil
}

// persistNewJob admits the job to the queue first, so dedup and size limits
// are enforced, then writes the durable row. A failed insert withdraws the
// queue entry: the store row is what makes a job real.
func (e *Engine) persistNewJob(ctx context.Context, job *domain.Job, checkDuplicate bool) error {
	if err := e.queue.Enqueue(job, checkDuplicate); err != nil {
		return err
	}
	if err := e.store.InsertJob(ctx, job); err != nil {
		e.queue.Evict(job.ID)
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

// CancelJob cancels a job. Waiting jobs finish immediately; running jobs
// are flagged for cooperative cancellation and the executing robot is
// signalled to stop.
func (e *Engine) CancelJob(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	if err := e.store.RequestCancel(ctx, jobID, reason); err != nil {
		return nil, err
	}

	job, err := e.queue.Cancel(jobID, reason)
	if err != nil {
		// The store accepted the cancel; a diverged mirror must not fail
		// the call. Serve the durable row instead.
		job, err = e.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
	}

	if job.Status == domain.JobStatusRunning && job.ClaimedBy != "" {
		e.publishCancel(ctx, job.ClaimedBy, jobID, reason)
	}
	if job.Status == domain.JobStatusCancelled {
		e.metrics.recordSettled(ctx, domain.OutcomeCancelled)
	}
	slog.InfoContext(ctx, "job cancel requested",
		"job_id", jobID, "status", job.Status, "reason", reason)
	return job, nil
}

// RetryJob resubmits a finished job as a fresh one linked back to the
// original. The dedup check is skipped: retrying is a deliberate
// resubmission of the same work.
func (e *Engine) RetryJob(ctx context.Context, jobID string) (*domain.Job, error) {
	orig, err := e.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s, only finished jobs can be retried",
			domain.ErrInvalidTransition, jobID, orig.Status)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	job := &domain.Job{
		ID:                id.String(),
		WorkflowID:        orig.WorkflowID,
		WorkflowName:      orig.WorkflowName,
		Params:            orig.Params,
		Priority:          orig.Priority,
		Status:            domain.JobStatusPending,
		RobotID:           orig.RobotID,
		Environment:       orig.Environment,
		CreatedAt:         e.now(),
		RetryOfJobID:      orig.ID,
		RetryCount:        orig.RetryCount + 1,
		VisibilityTimeout: orig.VisibilityTimeout,
		ExecutionTimeout:  orig.ExecutionTimeout,
		Fingerprint:       domain.JobFingerprint(orig.WorkflowID, orig.Params),
	}

	if err := e.persistNewJob(ctx, job, false); err != nil {
		return nil, err
	}

	e.metrics.recordSubmitted(ctx, job.Priority)
	e.publishHint(ctx, job)
	slog.InfoContext(ctx, "job retried",
		"job_id", job.ID, "retry_of", orig.ID, "retry_count", job.RetryCount)
	return job, nil
}

// GetJob returns the freshest view of a job: the live queue when it knows
// the job, otherwise the durable row.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if job, err := e.queue.Get(jobID); err == nil {
		return job, nil
	}
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs from the store, newest first. An empty status list
// returns every job; limit 0 means no limit.
func (e *Engine) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error) {
	return e.store.ListJobs(ctx, statuses, limit)
}

// Stats summarizes queue, fleet and schedule state.
func (e *Engine) Stats() Stats {
	return Stats{
		EngineID:  e.cfg.EngineID,
		Leader:    e.IsLeader(),
		Jobs:      e.queue.Stats(),
		Robots:    e.dispatcher.Stats(),
		Schedules: len(e.scheduler.List()),
	}
}

// === Outcome Reports ===

// ReportProgress applies a progress report to the queue and the durable
// row. Late reports for finished jobs are dropped.
func (e *Engine) ReportProgress(ctx context.Context, jobID string, progress int, currentNode string) error {
	if err := e.queue.UpdateProgress(jobID, progress, currentNode); err != nil &&
		!errors.Is(err, domain.ErrJobNotFound) {
		return err
	}
	if err := e.store.UpdateJobProgress(ctx, jobID, progress, currentNode); err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", jobID, err)
	}
	return nil
}

// ReportCompleted records a successful run. Robots that settled through
// the claim protocol make the durable write a no-op; robots reporting over
// HTTP rely on it.
func (e *Engine) ReportCompleted(ctx context.Context, jobID, robotID string, result []byte) error {
	res := domain.SettleResult{
		Outcome:  domain.OutcomeCompleted,
		Result:   result,
		Progress: domain.MaxProgress,
	}
	e.applyOutcome(ctx, jobID, robotID, res)
	return e.forceSettle(ctx, jobID, res)
}

// ReportFailed records a failed run.
func (e *Engine) ReportFailed(ctx context.Context, jobID, robotID, errorMessage string) error {
	res := domain.SettleResult{
		Outcome:      domain.OutcomeFailed,
		ErrorMessage: errorMessage,
	}
	e.applyOutcome(ctx, jobID, robotID, res)
	return e.forceSettle(ctx, jobID, res)
}

// ReportCancelled records that cooperative cancellation finished.
func (e *Engine) ReportCancelled(ctx context.Context, jobID, robotID string) error {
	res := domain.SettleResult{Outcome: domain.OutcomeCancelled}
	e.applyOutcome(ctx, jobID, robotID, res)
	return e.forceSettle(ctx, jobID, res)
}

// applyOutcome folds one reported outcome into the queue and fleet view.
// Returns whether this report was the one that settled the queue entry, so
// duplicate deliveries do not double-free robot capacity.
func (e *Engine) applyOutcome(ctx context.Context, jobID, robotID string, res domain.SettleResult) bool {
	e.markRunning(ctx, jobID, robotID)

	var workflowID string
	if job, err := e.queue.Get(jobID); err == nil {
		workflowID = job.WorkflowID
		if robotID == "" {
			robotID = job.ClaimedBy
		}
	}

	var err error
	switch res.Outcome {
	case domain.OutcomeCompleted:
		err = e.queue.Complete(jobID, res.Result)
	case domain.OutcomeCancelled:
		err = e.queue.FinalizeCancel(jobID)
	default:
		err = e.queue.Fail(jobID, res.ErrorMessage)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
			slog.WarnContext(ctx, "queue mirror settle failed", "job_id", jobID, "error", err)
		}
		return false
	}

	if robotID != "" {
		e.dispatcher.DecrementJobs(robotID)
		e.dispatcher.RecordJobResult(workflowID, robotID, res.Outcome == domain.OutcomeCompleted)
	}
	e.metrics.recordSettled(ctx, res.Outcome)
	slog.InfoContext(ctx, "job settled",
		"job_id", jobID, "robot_id", robotID, "outcome", res.Outcome)
	return true
}

// forceSettle makes a reported outcome durable, tolerating rows already
// settled by the robot's own generation-checked settle.
func (e *Engine) forceSettle(ctx context.Context, jobID string, res domain.SettleResult) error {
	err := e.store.ForceSettle(ctx, jobID, res)
	if err == nil || errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return fmt.Errorf("failed to settle job %s: %w", jobID, err)
}

// === Robots ===

// RegisterRobot adds a robot to the fleet and persists its registration.
func (e *Engine) RegisterRobot(ctx context.Context, robot *domain.Robot) (*domain.Robot, error) {
	_, getErr := e.dispatcher.Get(robot.ID)
	existed := getErr == nil

	stored, err := e.dispatcher.Register(robot)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertRobot(ctx, stored); err != nil {
		if !existed {
			_ = e.dispatcher.Deregister(stored.ID)
		}
		return nil, fmt.Errorf("failed to persist robot %s: %w", stored.ID, err)
	}

	slog.InfoContext(ctx, "robot registered",
		"robot_id", stored.ID,
		"robot_name", stored.Name,
		"environment", stored.Environment,
		"max_concurrent_jobs", stored.MaxConcurrentJobs)
	return stored, nil
}

// RobotHeartbeat refreshes a robot's liveness and records its presence row.
func (e *Engine) RobotHeartbeat(ctx context.Context, update claim.RobotPresence) error {
	if err := e.dispatcher.Heartbeat(update.RobotID); err != nil {
		return err
	}
	if update.SeenAt.IsZero() {
		update.SeenAt = e.now()
	}
	if update.Status == "" {
		if robot, err := e.dispatcher.Get(update.RobotID); err == nil {
			update.Status = robot.Status
		}
	}
	if err := e.store.UpdateRobotPresence(ctx, update); err != nil {
		return fmt.Errorf("failed to record presence for robot %s: %w", update.RobotID, err)
	}
	return nil
}

// SetRobotStatus applies an operator or robot reported status change.
func (e *Engine) SetRobotStatus(ctx context.Context, robotID string, status domain.RobotStatus) (*domain.Robot, error) {
	if err := e.dispatcher.SetStatus(robotID, status); err != nil {
		return nil, err
	}
	robot, err := e.dispatcher.Get(robotID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertRobot(ctx, robot); err != nil {
		return nil, fmt.Errorf("failed to persist robot %s: %w", robotID, err)
	}
	return robot, nil
}

// DeregisterRobot removes a robot from the fleet. The durable row is kept
// as OFFLINE; in-flight jobs finish through the claim protocol either way.
func (e *Engine) DeregisterRobot(ctx context.Context, robotID string) error {
	robot, err := e.dispatcher.Get(robotID)
	if err != nil {
		return err
	}
	if err := e.dispatcher.Deregister(robotID); err != nil {
		return err
	}

	robot.Status = domain.RobotStatusOffline
	robot.CurrentJobs = 0
	if err := e.store.UpsertRobot(ctx, robot); err != nil {
		return fmt.Errorf("failed to persist robot %s: %w", robotID, err)
	}
	slog.InfoContext(ctx, "robot deregistered", "robot_id", robotID)
	return nil
}

// GetRobot returns one robot from the live fleet view.
func (e *Engine) GetRobot(robotID string) (*domain.Robot, error) {
	return e.dispatcher.Get(robotID)
}

// ListRobots returns the live fleet view sorted by name.
func (e *Engine) ListRobots() []*domain.Robot {
	return e.dispatcher.List()
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncRobots(ctx)
		}
	}
}

// syncRobots folds store presence into the fleet view. Robots that claim
// work by polling may never call the HTTP registry, so the presence rows
// their agents write are the only sign of life the dispatcher gets.
func (e *Engine) syncRobots(ctx context.Context) {
	robots, err := e.store.GetRobots(ctx)
	if err != nil {
		slog.WarnContext(ctx, "robot sync failed", "error", err)
		return
	}

	now := e.now()
	for _, robot := range robots {
		if now.Sub(robot.LastHeartbeat) > e.cfg.StaleAfter {
			continue
		}
		if err := e.dispatcher.Heartbeat(robot.ID); err == nil {
			continue
		}
		if _, err := e.dispatcher.Register(robot); err != nil {
			slog.WarnContext(ctx, "robot sync register failed", "robot_id", robot.ID, "error", err)
		}
	}
}

// === Schedules ===

// CreateSchedule validates, activates and persists a schedule. A missing
// id is generated; the returned snapshot carries the computed first run.
func (e *Engine) CreateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if s.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate schedule id: %w", err)
		}
		s.ID = id.String()
	}
	now := e.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	if err := e.scheduler.Add(s); err != nil {
		return nil, err
	}
	stored, err := e.scheduler.Get(s.ID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSchedule(ctx, stored); err != nil {
		_ = e.scheduler.Remove(s.ID)
		return nil, fmt.Errorf("failed to persist schedule %s: %w", s.ID, err)
	}

	slog.InfoContext(ctx, "schedule created",
		"schedule_id", stored.ID,
		"name", stored.Name,
		"frequency", stored.Frequency,
		"next_run", stored.NextRun)
	return stored, nil
}

// UpdateSchedule replaces a schedule's definition, keeping its creation
// time. Clearing NextRun recomputes the cursor from now.
func (e *Engine) UpdateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	prev, err := e.scheduler.Get(s.ID)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = prev.CreatedAt
	s.UpdatedAt = e.now()

	if err := e.scheduler.Update(s); err != nil {
		return nil, err
	}
	stored, err := e.scheduler.Get(s.ID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSchedule(ctx, stored); err != nil {
		_ = e.scheduler.Update(prev)
		return nil, fmt.Errorf("failed to persist schedule %s: %w", s.ID, err)
	}
	return stored, nil
}

// DeleteSchedule removes a schedule everywhere. In-flight occurrences
// finish undisturbed.
func (e *Engine) DeleteSchedule(ctx context.Context, scheduleID string) error {
	prev, err := e.scheduler.Get(scheduleID)
	if err != nil {
		return err
	}
	if err := e.scheduler.Remove(scheduleID); err != nil {
		return err
	}
	if err := e.store.DeleteSchedule(ctx, scheduleID); err != nil &&
		!errors.Is(err, domain.ErrScheduleNotFound) {
		_ = e.scheduler.Add(prev)
		return fmt.Errorf("failed to delete schedule %s: %w", scheduleID, err)
	}
	slog.InfoContext(ctx, "schedule deleted", "schedule_id", scheduleID)
	return nil
}

// SetScheduleEnabled pauses or resumes a schedule.
func (e *Engine) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) (*domain.Schedule, error) {
	stored, err := e.scheduler.SetEnabled(scheduleID, enabled)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSchedule(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to persist schedule %s: %w", scheduleID, err)
	}
	return stored, nil
}

// GetSchedule returns one schedule snapshot.
func (e *Engine) GetSchedule(scheduleID string) (*domain.Schedule, error) {
	return e.scheduler.Get(scheduleID)
}

// ListSchedules returns every schedule sorted by name.
func (e *Engine) ListSchedules() []*domain.Schedule {
	return e.scheduler.List()
}

// PreviewSchedules returns the next limit occurrences across all enabled
// schedules in firing order.
func (e *Engine) PreviewSchedules(limit int) []schedule.Preview {
	return e.scheduler.NextRuns(limit)
}

// scheduleTrigger submits one occurrence of a schedule as a job. The fire
// time rides inside the params, so every instance computes the same
// fingerprint for the same occurrence and dedup absorbs refires after a
// failover or restart.
func (e *Engine) scheduleTrigger(ctx context.Context, s *domain.Schedule, firedAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &domain.Job{
		ID:                id.String(),
		WorkflowID:        s.WorkflowID,
		WorkflowName:      s.WorkflowName,
		Params:            stampFireTime(s.Params, firedAt),
		Priority:          s.Priority,
		Status:            domain.JobStatusPending,
		CreatedAt:         e.now(),
		VisibilityTimeout: domain.DefaultVisibilityTimeout,
		ExecutionTimeout:  domain.DefaultExecutionTimeout,
	}
	if job.Priority == "" {
		job.Priority = domain.JobPriorityNormal
	}
	job.Fingerprint = domain.JobFingerprint(job.WorkflowID, job.Params)

	switch err := e.persistNewJob(ctx, job, true); {
	case errors.Is(err, domain.ErrDuplicateJob):
		slog.InfoContext(ctx, "occurrence already submitted",
			"schedule_id", s.ID, "fired_at", firedAt)
	case err != nil:
		return err
	default:
		e.metrics.recordSubmitted(ctx, job.Priority)
		e.publishHint(ctx, job)
		slog.InfoContext(ctx, "schedule fired",
			"schedule_id", s.ID,
			"name", s.Name,
			"job_id", job.ID,
			"fired_at", firedAt)
	}

	// Persist the advanced cursor. A crash before this write refires the
	// occurrence on restart and the fingerprint absorbs it.
	if err := e.store.SaveSchedule(ctx, s); err != nil {
		slog.WarnContext(ctx, "schedule cursor persist failed", "schedule_id", s.ID, "error", err)
	}
	return nil
}

// stampFireTime merges the occurrence instant into the job params. Params
// that are not a JSON object are forwarded untouched.
func stampFireTime(params []byte, firedAt time.Time) []byte {
	merged := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &merged); err != nil {
			return params
		}
	}
	merged["scheduled_fire_time"] = firedAt.UTC().Format(time.RFC3339)

	out, err := json.Marshal(merged)
	if err != nil {
		return params
	}
	return out
}
