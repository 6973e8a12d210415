package engine

import (
	"time"

	"github.com/cloudrpa/fleet/internal/application/dispatch"
	"github.com/cloudrpa/fleet/internal/application/schedule"
	"github.com/cloudrpa/fleet/internal/domain"
)

// Loop defaults. Every interval is overridable through Config; zero values
// fall back to these.
const (
	// DefaultDispatchInterval is how often ready jobs are matched against
	// the fleet. Job hints wake robots independently of this tick, so a
	// longer interval costs latency only when the realtime channel is down.
	DefaultDispatchInterval = 5 * time.Second

	// DefaultTimeoutCheckInterval is how often execution budgets and
	// expired leases are enforced.
	DefaultTimeoutCheckInterval = 10 * time.Second

	// DefaultHealthCheckInterval is how often robot liveness is audited
	// and store presence is folded back into the in-memory fleet view.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultLeaderLease is how long dispatch leadership survives without
	// renewal. A crashed leader blocks failover for at most this long.
	DefaultLeaderLease = 30 * time.Second

	// DefaultLeaderRenewInterval is how often the leader re-asserts its
	// lease. Keep it well under DefaultLeaderLease so one missed renewal
	// does not forfeit leadership.
	DefaultLeaderRenewInterval = 10 * time.Second
)

// Config tunes the engine's loops and the components it assembles. The
// zero value is usable: NewConfig fills every field with its default.
type Config struct {
	// EngineID identifies this orchestrator instance in the leader lease
	// table. Empty gets a generated id.
	EngineID string

	DispatchInterval      time.Duration
	TimeoutCheckInterval  time.Duration
	SchedulerTickInterval time.Duration
	HealthCheckInterval   time.Duration

	// LeaderLease and LeaderRenewInterval govern the exclusive-run lease
	// that gates the dispatch, timeout and scheduler loops.
	LeaderLease         time.Duration
	LeaderRenewInterval time.Duration

	// StaleAfter is forwarded to the dispatcher: robots silent for longer
	// stop receiving work.
	StaleAfter time.Duration

	// MisfireGrace is forwarded to the scheduler: occurrences later than
	// this are skipped instead of fired.
	MisfireGrace time.Duration

	// DedupWindow is forwarded to the queue's fingerprint dedup.
	DedupWindow time.Duration

	// MaxQueueSize caps accepted jobs at submit time. Zero means unbounded.
	MaxQueueSize int

	// Strategy picks robots for ready jobs. Default is round robin.
	Strategy dispatch.Strategy
}

// NewConfig returns a Config with every knob at its default.
func NewConfig() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.SchedulerTickInterval <= 0 {
		c.SchedulerTickInterval = schedule.DefaultTickInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.LeaderLease <= 0 {
		c.LeaderLease = DefaultLeaderLease
	}
	if c.LeaderRenewInterval <= 0 {
		c.LeaderRenewInterval = DefaultLeaderRenewInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = dispatch.DefaultStaleAfter
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = schedule.DefaultMisfireGrace
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = domain.DedupWindow
	}
	if c.Strategy == "" {
		c.Strategy = dispatch.StrategyRoundRobin
	}
}
