// Package dispatch tracks the robot fleet and picks a robot for each ready
// job. Selection is advisory: the claim store still arbitrates ownership,
// so a stale pick costs one failed claim, never a double execution.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cloudrpa/fleet/internal/domain"
)

// DefaultStaleAfter is how long a robot may go without a heartbeat before
// it stops receiving work and is flipped OFFLINE by the health check.
const DefaultStaleAfter = 60 * time.Second

// StatusChangeFunc is invoked whenever a robot's status flips. The robot is
// a snapshot; implementations may keep it.
type StatusChangeFunc func(robot *domain.Robot, from, to domain.RobotStatus)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStrategy sets the selection strategy. Default is ROUND_ROBIN.
func WithStrategy(s Strategy) Option {
	return func(d *Dispatcher) { d.strategy = s }
}

// WithStaleAfter overrides the heartbeat staleness threshold.
func WithStaleAfter(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.staleAfter = ttl }
}

// WithStatusChangeCallback registers the robot status hook.
func WithStatusChangeCallback(fn StatusChangeFunc) Option {
	return func(d *Dispatcher) { d.onStatusChange = fn }
}

// WithClock overrides the dispatcher's clock. Tests use this to control time.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the in-memory robot registry plus the selection strategies
// that route jobs onto it. A single coarse mutex guards all state.
type Dispatcher struct {
	mu sync.Mutex

	robots map[string]*domain.Robot
	pools  map[string]*domain.RobotPool

	// affinity remembers the robot that last completed each workflow.
	affinity map[string]string

	// rr is the round-robin cursor across candidate lists.
	rr int

	strategy       Strategy
	staleAfter     time.Duration
	onStatusChange StatusChangeFunc
	now            func() time.Time
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		robots:     make(map[string]*domain.Robot),
		pools:      make(map[string]*domain.RobotPool),
		affinity:   make(map[string]string),
		strategy:   StrategyRoundRobin,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a robot or refreshes an existing registration. The robot
// name must be unique across the fleet; re-registering the same id updates
// it in place.
func (d *Dispatcher) Register(robot *domain.Robot) (*domain.Robot, error) {
	if robot.ID == "" || robot.Name == "" {
		return nil, fmt.Errorf("%w: robot id and name are required", domain.ErrInvalidRobotStatus)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.robots {
		if existing.Name == robot.Name && existing.ID != robot.ID {
			return nil, fmt.Errorf("%w: %q is robot %s", domain.ErrDuplicateRobot, robot.Name, existing.ID)
		}
	}

	now := d.now()
	stored := robot.Clone()
	if stored.MaxConcurrentJobs <= 0 {
		stored.MaxConcurrentJobs = 1
	}
	if stored.Status == "" {
		stored.Status = domain.RobotStatusOnline
	}
	stored.LastHeartbeat = now
	if prev, ok := d.robots[stored.ID]; ok {
		stored.RegisteredAt = prev.RegisteredAt
	} else if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	d.robots[stored.ID] = stored
	return stored.Clone(), nil
}

// Deregister removes a robot from the registry.
func (d *Dispatcher) Deregister(robotID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.robots[robotID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	delete(d.robots, robotID)
	return nil
}

// Heartbeat refreshes a robot's liveness. An OFFLINE robot that reappears
// flips back to ONLINE.
func (d *Dispatcher) Heartbeat(robotID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	robot, ok := d.robots[robotID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}

	robot.LastHeartbeat = d.now()
	if robot.Status == domain.RobotStatusOffline {
		d.setStatusLocked(robot, workingStatus(robot))
	}
	return nil
}

// SetStatus applies a reported status change.
func (d *Dispatcher) SetStatus(robotID string, status domain.RobotStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	robot, ok := d.robots[robotID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	robot.LastHeartbeat = d.now()
	d.setStatusLocked(robot, status)
	return nil
}

// Get returns a snapshot of one robot.
func (d *Dispatcher) Get(robotID string) (*domain.Robot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	robot, ok := d.robots[robotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	return robot.Clone(), nil
}

// List returns snapshots of every robot sorted by name.
func (d *Dispatcher) List() []*domain.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*domain.Robot, 0, len(d.robots))
	for _, robot := range d.robots {
		out = append(out, robot.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Robot) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		return compareID(a.ID, b.ID)
	})
	return out
}

// IncrementJobs reserves one capacity slot on the robot, flipping it BUSY
// when it fills up.
func (d *Dispatcher) IncrementJobs(robotID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	robot, ok := d.robots[robotID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	if !robot.HasCapacity() {
		return fmt.Errorf("%w: robot %s is at %d/%d jobs",
			domain.ErrCapacityExceeded, robotID, robot.CurrentJobs, robot.MaxConcurrentJobs)
	}

	robot.CurrentJobs++
	if robot.Status == domain.RobotStatusOnline && robot.CurrentJobs > 0 {
		d.setStatusLocked(robot, domain.RobotStatusBusy)
	}
	return nil
}

// DecrementJobs frees one capacity slot. Counts never go below zero.
func (d *Dispatcher) DecrementJobs(robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	robot, ok := d.robots[robotID]
	if !ok {
		return
	}
	if robot.CurrentJobs > 0 {
		robot.CurrentJobs--
	}
	if robot.Status == domain.RobotStatusBusy && robot.CurrentJobs == 0 {
		d.setStatusLocked(robot, domain.RobotStatusOnline)
	}
}

// AddPool installs or replaces a robot pool.
func (d *Dispatcher) AddPool(pool *domain.RobotPool) error {
	if pool.Name == "" {
		return fmt.Errorf("%w: pool name is required", domain.ErrPoolNotFound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pools[pool.Name] = pool.Clone()
	return nil
}

// RemovePool deletes a pool.
func (d *Dispatcher) RemovePool(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pools[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, name)
	}
	delete(d.pools, name)
	return nil
}

// Pools returns snapshots of every pool sorted by name.
func (d *Dispatcher) Pools() []*domain.RobotPool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*domain.RobotPool, 0, len(d.pools))
	for _, pool := range d.pools {
		out = append(out, pool.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.RobotPool) int {
		return compareID(a.Name, b.Name)
	})
	return out
}

// Select picks a robot for the job using the configured strategy, or nil
// when no robot is eligible. The caller confirms the pick by claiming the
// job and then reserving capacity with IncrementJobs.
func (d *Dispatcher) Select(job *domain.Job) *domain.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.candidatesLocked(job)
	if len(candidates) == 0 {
		return nil
	}

	picked := d.pickLocked(job, candidates)
	if picked == nil {
		return nil
	}
	return picked.Clone()
}

// candidatesLocked returns eligible robots sorted by id. Caller holds the
// lock.
func (d *Dispatcher) candidatesLocked(job *domain.Job) []*domain.Robot {
	now := d.now()
	var out []*domain.Robot
	for _, robot := range d.robots {
		if !robot.Available(now, d.staleAfter) {
			continue
		}
		if job.RobotID != "" && job.RobotID != robot.ID {
			continue
		}
		if job.Environment != "" && robot.Environment != job.Environment {
			continue
		}
		if !d.poolsAdmitLocked(robot, job) {
			continue
		}
		out = append(out, robot)
	}
	slices.SortFunc(out, func(a, b *domain.Robot) int { return compareID(a.ID, b.ID) })
	return out
}

// poolsAdmitLocked checks every pool the robot belongs to: each one must
// allow the job's workflow and have spare pool-wide capacity. Caller holds
// the lock.
func (d *Dispatcher) poolsAdmitLocked(robot *domain.Robot, job *domain.Job) bool {
	for _, pool := range d.pools {
		if !pool.Admits(robot) {
			continue
		}
		if !pool.AllowsWorkflow(job.WorkflowID) {
			return false
		}
		if pool.MaxConcurrentJobs > 0 && d.poolLoadLocked(pool) >= pool.MaxConcurrentJobs {
			return false
		}
	}
	return true
}

// poolLoadLocked sums running jobs across a pool's members. Caller holds
// the lock.
func (d *Dispatcher) poolLoadLocked(pool *domain.RobotPool) int {
	load := 0
	for _, robot := range d.robots {
		if pool.Admits(robot) {
			load += robot.CurrentJobs
		}
	}
	return load
}

// RecordJobResult feeds the affinity table. Only successes move affinity;
// failures leave the previous preference in place.
func (d *Dispatcher) RecordJobResult(workflowID, robotID string, success bool) {
	if workflowID == "" || robotID == "" || !success {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.affinity[workflowID] = robotID
}

// MarkStale flips robots whose heartbeat aged out to OFFLINE and returns
// their snapshots.
func (d *Dispatcher) MarkStale() []*domain.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.staleAfter <= 0 {
		return nil
	}

	now := d.now()
	var flipped []*domain.Robot
	for _, robot := range d.robots {
		if robot.Status != domain.RobotStatusOnline && robot.Status != domain.RobotStatusBusy {
			continue
		}
		if now.Sub(robot.LastHeartbeat) <= d.staleAfter {
			continue
		}
		d.setStatusLocked(robot, domain.RobotStatusOffline)
		flipped = append(flipped, robot.Clone())
	}
	return flipped
}

// RunHealthLoop marks stale robots on a ticker until the context ends.
func (d *Dispatcher) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, robot := range d.MarkStale() {
				slog.WarnContext(ctx, "robot went offline, heartbeat stale",
					"robot_id", robot.ID,
					"robot_name", robot.Name,
					"last_heartbeat", robot.LastHeartbeat)
			}
		}
	}
}

// Stats summarizes fleet state.
type Stats struct {
	ByStatus      map[domain.RobotStatus]int `json:"by_status"`
	Total         int                        `json:"total"`
	TotalCapacity int                        `json:"total_capacity"`
	RunningJobs   int                        `json:"running_jobs"`
}

// Stats returns counts by status plus fleet-wide capacity usage.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{ByStatus: make(map[domain.RobotStatus]int), Total: len(d.robots)}
	for _, robot := range d.robots {
		s.ByStatus[robot.Status]++
		s.TotalCapacity += robot.MaxConcurrentJobs
		s.RunningJobs += robot.CurrentJobs
	}
	return s
}

// setStatusLocked applies a status change and fires the callback. The hook
// runs under the lock, so it must be fast and must not call back into the
// dispatcher. Caller holds the lock.
func (d *Dispatcher) setStatusLocked(robot *domain.Robot, to domain.RobotStatus) {
	from := robot.Status
	if from == to {
		return
	}
	robot.Status = to
	if d.onStatusChange != nil {
		d.onStatusChange(robot.Clone(), from, to)
	}
}

// workingStatus is the status a live robot should carry for its load.
func workingStatus(robot *domain.Robot) domain.RobotStatus {
	if robot.CurrentJobs > 0 {
		return domain.RobotStatusBusy
	}
	return domain.RobotStatusOnline
}

func compareID(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
