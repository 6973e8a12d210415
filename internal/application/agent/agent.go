// Package agent implements the robot-side coordination loop: claiming jobs
// from the durable store, running them through an injected executor, keeping
// leases alive, and reporting presence. The realtime channel only shortens
// latency; every assignment decision is backed by the claim protocol, so an
// agent that loses the channel degrades to polling instead of failing.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/domain"
	"github.com/cloudrpa/fleet/internal/infrastructure/realtime"
	"github.com/cloudrpa/fleet/internal/protocol"
)

// State is the agent lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
)

// Stats is a point-in-time snapshot of agent counters.
type Stats struct {
	State         State
	InFlight      int
	JobsCompleted int64
	JobsFailed    int64
	LeasesLost    int64
}

// execution tracks one in-flight job from claim to settle.
type execution struct {
	claimed *domain.ClaimedJob
	cancel  context.CancelFunc

	// budget is the effective execution timeout after fallbacks.
	budget time.Duration

	// abandoned is set when the lease is lost or the drain deadline passes.
	// An abandoned execution unwinds without settling: the store already
	// reassigned the job, or soon will.
	abandoned atomic.Bool

	cancelRequested atomic.Bool

	mu           sync.Mutex
	cancelReason string
}

// requestCancel flags the execution and cancels its context. The executor
// is expected to notice and return; the settle path then reports CANCELLED.
func (e *execution) requestCancel(reason string) {
	e.mu.Lock()
	if e.cancelReason == "" {
		e.cancelReason = reason
	}
	e.mu.Unlock()
	e.cancelRequested.Store(true)
	e.cancel()
}

func (e *execution) reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelReason
}

// Option configures an Agent.
type Option func(*Agent)

// WithMetricsSampler replaces the default runtime-only sampler.
func WithMetricsSampler(s MetricsSampler) Option {
	return func(a *Agent) {
		if s != nil {
			a.sampler = s
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// Agent is one robot process. It owns a set of in-flight executions and the
// loops that feed them. All exported methods are safe for concurrent use.
type Agent struct {
	cfg      Config
	store    claim.Store
	channel  realtime.Channel
	executor Executor
	sampler  MetricsSampler
	affinity *affinityTable
	clock    func() time.Time

	mu        sync.Mutex
	state     State
	pauseFlag bool
	inflight  map[string]*execution

	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	leasesLost    atomic.Int64

	// execCtx parents every job context so a forced shutdown can cut all
	// executions at once. Independent of the Run context: executions must
	// outlive it during a graceful drain.
	execCtx    context.Context
	execCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}

	loopWG sync.WaitGroup
	bgWG   sync.WaitGroup
	execWG sync.WaitGroup
}

// New builds an Agent. The store carries every assignment decision; channel
// may be realtime.NopChannel for poll-only operation.
func New(cfg Config, store claim.Store, channel realtime.Channel, executor Executor, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, ErrMissingExecutor
	}
	cfg.normalize()
	if channel == nil {
		channel = realtime.NewNopChannel()
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        cfg,
		store:      store,
		channel:    channel,
		executor:   executor,
		sampler:    runtimeSampler{},
		clock:      func() time.Time { return time.Now().UTC() },
		state:      StateStopped,
		inflight:   make(map[string]*execution),
		execCtx:    execCtx,
		execCancel: execCancel,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.affinity = newAffinityTable(a.clock)
	return a, nil
}

// Run registers the robot, starts the coordination loops and blocks until
// ctx ends or Stop is called, then drains in-flight jobs within the
// configured grace period. Jobs still running at the deadline are abandoned
// unsettled so their leases lapse and another robot reclaims them.
func (a *Agent) Run(ctx context.Context) error {
	if !a.begin() {
		return ErrAlreadyRunning
	}

	if err := a.register(ctx); err != nil {
		a.setState(StateStopped)
		return fmt.Errorf("register robot: %w", err)
	}

	// Claim and control loops stop the moment shutdown begins; heartbeat
	// and presence keep running through the drain so surviving executions
	// hold their leases.
	runCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	hints := a.subscribe(runCtx, realtime.TopicJobs)
	control := a.subscribe(runCtx, realtime.TopicControl)

	a.loopWG.Add(2)
	go a.claimLoop(runCtx, hints)
	go a.controlLoop(runCtx, control)

	a.bgWG.Add(2)
	go a.heartbeatLoop(bgCtx)
	go a.presenceLoop(bgCtx)

	a.setState(StateRunning)
	slog.InfoContext(ctx, "agent running",
		"robot_id", a.cfg.RobotID,
		"robot_name", a.cfg.RobotName,
		"environment", a.cfg.Environment,
		"max_concurrent_jobs", a.cfg.MaxConcurrentJobs)

	select {
	case <-ctx.Done():
	case <-a.stopCh:
	}

	a.setState(StateShuttingDown)
	stopLoops()
	a.loopWG.Wait()

	a.drain()

	stopBackground()
	a.bgWG.Wait()

	a.farewell()
	a.setState(StateStopped)
	slog.Info("agent stopped",
		"robot_id", a.cfg.RobotID,
		"jobs_completed", a.jobsCompleted.Load(),
		"jobs_failed", a.jobsFailed.Load(),
		"leases_lost", a.leasesLost.Load())
	return nil
}

// Stop requests a graceful shutdown. Safe to call from any goroutine and
// more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	state := a.state
	inflight := len(a.inflight)
	a.mu.Unlock()
	return Stats{
		State:         state,
		InFlight:      inflight,
		JobsCompleted: a.jobsCompleted.Load(),
		JobsFailed:    a.jobsFailed.Load(),
		LeasesLost:    a.leasesLost.Load(),
	}
}

// Advertise records a workflow affinity. Jobs for a workflow pinned to
// another robot are released back to the queue instead of executed here.
func (a *Agent) Advertise(aff Affinity) bool {
	return a.affinity.put(aff)
}

// CancelJob requests cooperative cancellation of a locally running job.
// Unknown ids are ignored: the cancel flag still reaches the job through
// the store on the next heartbeat if another robot runs it.
func (a *Agent) CancelJob(jobID, reason string) {
	a.mu.Lock()
	exec, ok := a.inflight[jobID]
	a.mu.Unlock()
	if !ok {
		return
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	slog.Info("cancelling job", "job_id", jobID, "reason", reason)
	exec.requestCancel(reason)
}

// begin moves stopped -> starting. Returns false when the agent is already
// past stopped, including after a completed run: agents are single-use.
func (a *Agent) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateStopped {
		return false
	}
	select {
	case <-a.stopCh:
		return false
	default:
	}
	a.state = StateStarting
	return true
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pauseFlag
}

func (a *Agent) setPaused(p bool) {
	a.mu.Lock()
	a.pauseFlag = p
	a.mu.Unlock()
}

// capacity returns how many more jobs the agent may take right now.
func (a *Agent) capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return max(0, a.cfg.MaxConcurrentJobs-len(a.inflight))
}

func (a *Agent) inflightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// snapshot returns the current executions without holding the lock during
// the store calls that usually follow.
func (a *Agent) snapshot() []*execution {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*execution, 0, len(a.inflight))
	for _, exec := range a.inflight {
		out = append(out, exec)
	}
	return out
}

// register upserts the robots row so the orchestrator can route to us.
func (a *Agent) register(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, a.cfg.OperationTimeout)
	defer cancel()

	now := a.clock()
	return a.store.UpsertRobot(opCtx, &domain.Robot{
		ID:                a.cfg.RobotID,
		Name:              a.cfg.RobotName,
		Hostname:          a.cfg.Hostname,
		Environment:       a.cfg.Environment,
		Tags:              a.cfg.Tags,
		Capabilities:      a.cfg.Capabilities,
		Status:            domain.RobotStatusOnline,
		MaxConcurrentJobs: a.cfg.MaxConcurrentJobs,
		LastHeartbeat:     now,
		RegisteredAt:      now,
	})
}

// subscribe returns the topic's message stream or nil when the channel is
// unavailable. A nil stream degrades the agent to poll-only operation.
func (a *Agent) subscribe(ctx context.Context, topic string) <-chan []byte {
	msgs, err := a.channel.Subscribe(ctx, topic)
	if err != nil {
		slog.WarnContext(ctx, "subscribe failed, continuing in poll-only mode",
			"topic", topic, "error", err)
		return nil
	}
	return msgs
}

// === Claim Loop ===

// claimLoop is the hybrid poll+subscribe acquisition loop. Hints from the
// realtime channel wake it early; the store claim is still the only
// assignment authority. Empty claims back the loop off exponentially up to
// MaxIdleInterval.
func (a *Agent) claimLoop(ctx context.Context, hints <-chan []byte) {
	defer a.loopWG.Done()

	idle := a.cfg.PollInterval
	retry := a.cfg.Retry.BaseDelay

	for ctx.Err() == nil {
		if a.paused() || a.capacity() == 0 {
			if !sleepCtx(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}

		hinted := false
		if hints != nil {
			hinted, hints = a.awaitHint(ctx, hints)
			if ctx.Err() != nil {
				return
			}
		}

		batch := a.capacity()
		if batch == 0 {
			continue
		}

		claimed, err := a.store.ClaimJobs(ctx, claim.ClaimParams{
			RobotID:     a.cfg.RobotID,
			Environment: a.cfg.Environment,
			Batch:       batch,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "claim attempt failed",
				"error", err, "retry_in", retry)
			if !sleepCtx(ctx, retry) {
				return
			}
			retry = min(time.Duration(float64(retry)*a.cfg.Retry.Multiplier), a.cfg.Retry.MaxDelay)
			continue
		}
		retry = a.cfg.Retry.BaseDelay

		started := 0
		for _, cj := range claimed {
			if a.releaseForAffinity(ctx, cj) {
				continue
			}
			a.launch(cj)
			started++
		}

		if started > 0 || hinted {
			idle = a.cfg.PollInterval
			continue
		}
		if !sleepCtx(ctx, idle) {
			return
		}
		idle = min(time.Duration(float64(idle)*idleBackoffFactor), a.cfg.MaxIdleInterval)
	}
}

// awaitHint waits up to SubscribeTimeout for a claim hint. The returned
// channel replaces the caller's: a closed subscription comes back nil so
// the loop degrades to pure polling.
func (a *Agent) awaitHint(ctx context.Context, hints <-chan []byte) (bool, <-chan []byte) {
	timer := time.NewTimer(a.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, hints
	case _, open := <-hints:
		if !open {
			slog.WarnContext(ctx, "hint subscription closed, falling back to polling")
			return false, nil
		}
		return true, hints
	case <-timer.C:
		return false, hints
	}
}

// releaseForAffinity hands a claimed job back when its workflow is pinned
// to another robot. Returns true when the job was released.
func (a *Agent) releaseForAffinity(ctx context.Context, cj *domain.ClaimedJob) bool {
	if cj.Job.WorkflowID == "" {
		return false
	}
	holder, ok := a.affinity.holder(cj.Job.WorkflowID)
	if !ok || holder == a.cfg.RobotID {
		return false
	}

	slog.InfoContext(ctx, "releasing job pinned to another robot",
		"job_id", cj.Job.ID, "workflow_id", cj.Job.WorkflowID, "holder", holder)

	opCtx, cancel := context.WithTimeout(ctx, a.cfg.OperationTimeout)
	defer cancel()
	if err := a.store.Release(opCtx, cj.Job.ID); err != nil {
		// Keep the claim and run the job rather than leave it leased to
		// nobody until the visibility timeout.
		slog.WarnContext(ctx, "affinity release failed, running job here",
			"job_id", cj.Job.ID, "error", err)
		return false
	}
	return true
}

// launch registers an execution and starts its goroutine. Duplicate ids are
// dropped: a pushed assignment can race the poll claim for the same job.
func (a *Agent) launch(cj *domain.ClaimedJob) {
	timeout := cj.Job.ExecutionTimeout
	if timeout <= 0 {
		timeout = a.cfg.JobTimeout
	}
	if timeout <= 0 {
		timeout = domain.DefaultExecutionTimeout
	}
	jobCtx, cancel := context.WithTimeout(a.execCtx, timeout)
	exec := &execution{claimed: cj, cancel: cancel, budget: timeout}

	a.mu.Lock()
	if _, dup := a.inflight[cj.Job.ID]; dup {
		a.mu.Unlock()
		cancel()
		return
	}
	a.inflight[cj.Job.ID] = exec
	inflight := len(a.inflight)
	a.mu.Unlock()

	slog.Info("job claimed",
		"job_id", cj.Job.ID,
		"workflow", cj.Job.WorkflowName,
		"generation", cj.LeaseGeneration,
		"inflight", inflight)

	a.execWG.Add(1)
	go a.runJob(jobCtx, exec)
}

// === Execution ===

func (a *Agent) runJob(ctx context.Context, exec *execution) {
	defer a.execWG.Done()
	defer exec.cancel()

	job := exec.claimed.Job
	startedAt := a.clock()
	result, err := a.execute(ctx, exec)

	a.mu.Lock()
	delete(a.inflight, job.ID)
	a.mu.Unlock()

	if exec.abandoned.Load() {
		slog.Warn("abandoning job without settling",
			"job_id", job.ID, "generation", exec.claimed.LeaseGeneration)
		return
	}

	res := domain.SettleResult{Result: result}
	switch {
	case err == nil:
		res.Outcome = domain.OutcomeCompleted
		res.Progress = domain.MaxProgress
	case exec.cancelRequested.Load():
		res.Outcome = domain.OutcomeCancelled
		res.ErrorMessage = exec.reason()
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = domain.OutcomeTimeout
		res.ErrorMessage = fmt.Sprintf("execution exceeded %s", exec.budget)
	default:
		res.Outcome = domain.OutcomeFailed
		res.ErrorMessage = err.Error()
	}

	a.settle(exec, res)
	slog.Info("job finished",
		"job_id", job.ID,
		"outcome", string(res.Outcome),
		"duration", a.clock().Sub(startedAt))
}

// execute runs the executor with panic containment. A panicking workflow
// fails its own job, never the agent.
func (a *Agent) execute(ctx context.Context, exec *execution) (result []byte, err error) {
	job := exec.claimed.Job
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "executor panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	progress := func(pct int, node string) {
		a.reportProgress(ctx, exec, pct, node)
	}
	return a.executor.Execute(ctx, job.Clone(), progress)
}

func (a *Agent) reportProgress(ctx context.Context, exec *execution, pct int, node string) {
	pct = max(0, min(pct, domain.MaxProgress))
	job := exec.claimed.Job

	if err := a.store.UpdateJobProgress(ctx, job.ID, pct, node); err != nil && ctx.Err() == nil {
		slog.DebugContext(ctx, "progress update failed", "job_id", job.ID, "error", err)
	}

	msg := &protocol.JobProgress{
		Envelope: protocol.NewEnvelope(protocol.TypeJobProgress),
		JobID:    job.ID,
		RobotID:  a.cfg.RobotID,
		Progress: pct,
		Message:  node,
	}
	a.publish(ctx, realtime.TopicEvents, msg)
}

// settle reports the outcome under the execution's lease generation. A
// stale generation means another robot owns the job now; the result is
// discarded. Settle uses a fresh context: the job context is usually
// already cancelled or expired when we get here.
func (a *Agent) settle(exec *execution, res domain.SettleResult) {
	cj := exec.claimed
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
	defer cancel()

	err := a.store.Settle(ctx, cj.Job.ID, a.cfg.RobotID, cj.LeaseGeneration, res)
	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		a.leasesLost.Add(1)
		slog.Warn("settle rejected, lease lost",
			"job_id", cj.Job.ID, "generation", cj.LeaseGeneration)
		return
	case err != nil:
		// The lease lapses and the job is reclaimed, so an unsettled
		// result is lost work but never a stuck job.
		slog.Error("settle failed", "job_id", cj.Job.ID, "error", err)
		return
	}

	switch res.Outcome {
	case domain.OutcomeCompleted:
		a.jobsCompleted.Add(1)
	case domain.OutcomeFailed, domain.OutcomeTimeout:
		a.jobsFailed.Add(1)
	}
	a.publishOutcome(ctx, cj, res)
}

func (a *Agent) publishOutcome(ctx context.Context, cj *domain.ClaimedJob, res domain.SettleResult) {
	var msg any
	switch res.Outcome {
	case domain.OutcomeCompleted:
		msg = &protocol.JobComplete{
			Envelope: protocol.NewEnvelope(protocol.TypeJobComplete),
			JobID:    cj.Job.ID,
			RobotID:  a.cfg.RobotID,
			Result:   json.RawMessage(res.Result),
		}
	case domain.OutcomeCancelled:
		msg = &protocol.JobCancelled{
			Envelope: protocol.NewEnvelope(protocol.TypeJobCancelled),
			JobID:    cj.Job.ID,
			RobotID:  a.cfg.RobotID,
		}
	default:
		msg = &protocol.JobFailed{
			Envelope: protocol.NewEnvelope(protocol.TypeJobFailed),
			JobID:    cj.Job.ID,
			RobotID:  a.cfg.RobotID,
			Error:    res.ErrorMessage,
		}
	}
	a.publish(ctx, realtime.TopicEvents, msg)
}

// publish sends one payload on the realtime channel. Best effort: every
// payload here is advisory, so failures are logged and forgotten.
func (a *Agent) publish(ctx context.Context, topic string, msg any) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		slog.WarnContext(ctx, "message encode failed", "topic", topic, "error", err)
		return
	}
	if err := a.channel.Publish(ctx, topic, payload); err != nil && ctx.Err() == nil {
		slog.DebugContext(ctx, "publish failed", "topic", topic, "error", err)
	}
}

// === Heartbeat Loop ===

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.bgWG.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.extendLeases(ctx)
		}
	}
}

// extendLeases pushes every in-flight lease forward. A lost lease abandons
// the local execution; cancel flags returned by the store are applied here,
// which makes the heartbeat the cancellation path for poll-only agents.
func (a *Agent) extendLeases(ctx context.Context) {
	for _, exec := range a.snapshot() {
		cj := exec.claimed

		// The execution may have settled since the snapshot; extending a
		// deleted claim would read as a lost lease.
		a.mu.Lock()
		_, live := a.inflight[cj.Job.ID]
		a.mu.Unlock()
		if !live {
			continue
		}

		extension := cj.Job.VisibilityTimeout
		if extension <= 0 {
			extension = domain.DefaultVisibilityTimeout
		}

		lease, err := a.store.ExtendLease(ctx, cj.Job.ID, a.cfg.RobotID, cj.LeaseGeneration, extension)
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			a.leasesLost.Add(1)
			slog.WarnContext(ctx, "lease lost, abandoning execution",
				"job_id", cj.Job.ID, "generation", cj.LeaseGeneration)
			exec.abandoned.Store(true)
			exec.cancel()
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			// Transient failure: the lease holds until expiry, so one
			// missed beat is survivable. Retry next tick.
			slog.WarnContext(ctx, "lease extension failed",
				"job_id", cj.Job.ID, "error", err)
		case lease.CancelRequested && !exec.cancelRequested.Load():
			slog.InfoContext(ctx, "cancel requested via heartbeat",
				"job_id", cj.Job.ID, "reason", lease.CancelReason)
			exec.requestCancel(lease.CancelReason)
		}
	}
}

// === Presence Loop ===

func (a *Agent) presenceLoop(ctx context.Context) {
	defer a.bgWG.Done()

	ticker := time.NewTicker(a.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportPresence(ctx)
		}
	}
}

func (a *Agent) reportPresence(ctx context.Context) {
	status := domain.RobotStatusOnline
	inflight := a.inflightCount()
	if inflight > 0 {
		status = domain.RobotStatusBusy
	}
	metrics := a.sampler.Sample()
	now := a.clock()

	opCtx, cancel := context.WithTimeout(ctx, a.cfg.OperationTimeout)
	err := a.store.UpdateRobotPresence(opCtx, claim.RobotPresence{
		RobotID:     a.cfg.RobotID,
		Status:      status,
		CurrentJobs: inflight,
		CPUPercent:  metrics.CPUPercent,
		MemPercent:  metrics.MemoryPercent,
		SeenAt:      now,
	})
	cancel()
	if err != nil && ctx.Err() == nil {
		slog.WarnContext(ctx, "presence update failed", "error", err)
	}

	a.publish(ctx, realtime.TopicPresence, &protocol.PresenceUpdate{
		RobotID:     a.cfg.RobotID,
		Status:      string(status),
		CurrentJobs: inflight,
		Metrics:     metrics,
		SentAt:      now,
	})
}

// === Control Loop ===

func (a *Agent) controlLoop(ctx context.Context, msgs <-chan []byte) {
	defer a.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data, open := <-msgs:
			if !open {
				slog.WarnContext(ctx, "control subscription closed")
				return
			}
			a.handleControl(ctx, data)
		}
	}
}

func (a *Agent) handleControl(ctx context.Context, data []byte) {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.WarnContext(ctx, "discarding malformed control message", "error", err)
		return
	}
	if msg.RobotID != "" && msg.RobotID != a.cfg.RobotID {
		return
	}

	switch msg.Command {
	case protocol.ControlAssignJob:
		a.acceptAssignment(ctx, msg.Assign)
	case protocol.ControlCancelJob:
		a.CancelJob(msg.JobID, msg.Reason)
	case protocol.ControlPause:
		slog.InfoContext(ctx, "pausing claims", "robot_id", a.cfg.RobotID)
		a.setPaused(true)
	case protocol.ControlResume:
		slog.InfoContext(ctx, "resuming claims", "robot_id", a.cfg.RobotID)
		a.setPaused(false)
	case protocol.ControlShutdown:
		slog.InfoContext(ctx, "shutdown requested via control channel",
			"robot_id", a.cfg.RobotID, "reason", msg.Reason)
		a.Stop()
	default:
		slog.DebugContext(ctx, "ignoring unknown control command", "command", msg.Command)
	}
}

// acceptAssignment starts a job the orchestrator already claimed on our
// behalf. Over capacity or paused, the claim is released so the dispatcher
// can reroute instead of waiting out the lease.
func (a *Agent) acceptAssignment(ctx context.Context, assign *protocol.JobAssign) {
	if assign == nil || assign.JobID == "" {
		slog.WarnContext(ctx, "discarding assignment without payload")
		return
	}
	if a.paused() || a.capacity() == 0 {
		a.rejectAssignment(ctx, assign.JobID, "at capacity")
		return
	}

	a.launch(a.assignedClaim(assign))
	a.publish(ctx, realtime.TopicEvents, &protocol.JobAccept{
		Envelope: protocol.NewEnvelope(protocol.TypeJobAccept),
		JobID:    assign.JobID,
		RobotID:  a.cfg.RobotID,
	})
}

func (a *Agent) rejectAssignment(ctx context.Context, jobID, reason string) {
	opCtx, cancel := context.WithTimeout(ctx, a.cfg.OperationTimeout)
	defer cancel()
	if err := a.store.Release(opCtx, jobID); err != nil {
		slog.WarnContext(ctx, "release of rejected assignment failed",
			"job_id", jobID, "error", err)
	}
	a.publish(ctx, realtime.TopicEvents, &protocol.JobReject{
		Envelope: protocol.NewEnvelope(protocol.TypeJobReject),
		JobID:    jobID,
		RobotID:  a.cfg.RobotID,
		Reason:   reason,
	})
	slog.InfoContext(ctx, "rejected assignment", "job_id", jobID, "reason", reason)
}

// assignedClaim reconstructs the claimed job from an assignment message.
// The lease fields let us heartbeat and settle without re-reading the row.
func (a *Agent) assignedClaim(assign *protocol.JobAssign) *domain.ClaimedJob {
	now := a.clock()

	priority, err := domain.NewJobPriority(assign.Priority)
	if err != nil {
		priority = domain.JobPriorityNormal
	}
	visibility := time.Duration(assign.VisibilityTimeout) * time.Millisecond
	if visibility <= 0 {
		visibility = domain.DefaultVisibilityTimeout
	}
	execTimeout := time.Duration(assign.ExecutionTimeout) * time.Millisecond
	if execTimeout <= 0 {
		execTimeout = domain.DefaultExecutionTimeout
	}
	params := []byte(assign.WorkflowJSON)
	if len(params) == 0 {
		params = []byte(assign.Payload)
	}

	return &domain.ClaimedJob{
		Job: &domain.Job{
			ID:                assign.JobID,
			WorkflowName:      assign.WorkflowName,
			Params:            params,
			Priority:          priority,
			Status:            domain.JobStatusRunning,
			ClaimedBy:         a.cfg.RobotID,
			CreatedAt:         now,
			StartedAt:         now,
			VisibilityTimeout: visibility,
			ExecutionTimeout:  execTimeout,
		},
		RobotID:         a.cfg.RobotID,
		ClaimedAt:       now,
		LeaseExpiresAt:  assign.LeaseExpiresAt,
		LeaseGeneration: assign.LeaseGeneration,
	}
}

// === Shutdown ===

// drain waits for in-flight executions up to ShutdownGrace, then abandons
// the rest. Abandoned jobs are not settled: their leases expire and another
// robot reclaims them.
func (a *Agent) drain() {
	inflight := a.inflightCount()
	slog.Info("agent draining",
		"robot_id", a.cfg.RobotID,
		"inflight", inflight,
		"grace", a.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		a.execWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(a.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		stragglers := a.snapshot()
		slog.Warn("drain deadline passed, abandoning jobs", "count", len(stragglers))
		for _, exec := range stragglers {
			exec.abandoned.Store(true)
			exec.cancel()
		}
		a.execCancel()
		<-done
	}
}

// farewell marks the robots row offline. Best effort: a missed update only
// delays the orchestrator noticing via heartbeat staleness.
func (a *Agent) farewell() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
	defer cancel()

	err := a.store.UpdateRobotPresence(ctx, claim.RobotPresence{
		RobotID: a.cfg.RobotID,
		Status:  domain.RobotStatusOffline,
		SeenAt:  a.clock(),
	})
	if err != nil {
		slog.Warn("offline presence update failed", "error", err)
	}
}

// sleepCtx sleeps for d unless ctx ends first. Returns false when it did.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
