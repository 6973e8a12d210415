package agent

import (
	"errors"
	"time"

	"github.com/cloudrpa/fleet/internal/domain"
)

// Defaults for the agent loops. Values are overridable per field in Config;
// zero fields fall back to these.
const (
	// DefaultPollInterval is the base claim-poll cadence and the floor of
	// the idle backoff.
	DefaultPollInterval = 1 * time.Second

	// DefaultSubscribeTimeout bounds how long the claim loop waits for a
	// realtime hint before polling anyway.
	DefaultSubscribeTimeout = 5 * time.Second

	// DefaultMaxIdleInterval caps the idle backoff between empty claims.
	DefaultMaxIdleInterval = 10 * time.Second

	// DefaultHeartbeatInterval is the lease-extension cadence. It must stay
	// well under the visibility timeout or leases lapse between beats.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultPresenceInterval is the presence-broadcast cadence.
	DefaultPresenceInterval = 5 * time.Second

	// DefaultShutdownGrace is how long a draining agent waits for in-flight
	// jobs before abandoning them to lease expiry.
	DefaultShutdownGrace = 60 * time.Second

	// DefaultOperationTimeout bounds individual store writes issued outside
	// an execution context (settle, presence, release).
	DefaultOperationTimeout = 15 * time.Second

	// idleBackoffFactor grows the idle sleep after each empty claim.
	idleBackoffFactor = 1.5
)

var (
	// ErrAlreadyRunning is returned by Run when the agent is not stopped.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrMissingRobotID is returned when Config.RobotID is empty.
	ErrMissingRobotID = errors.New("robot id is required")

	// ErrMissingExecutor is returned by New when no executor is supplied.
	ErrMissingExecutor = errors.New("executor is required")
)

// Config carries the agent's identity and loop tuning. Zero durations and
// counts fall back to the package defaults.
type Config struct {
	// RobotID uniquely identifies this agent in the fleet. Every lease the
	// agent takes is held under this id.
	RobotID   string
	RobotName string
	Hostname  string

	// Environment scopes which jobs the agent claims. Empty claims only
	// untargeted jobs.
	Environment string

	// Tags drive pool membership and affinity routing on the orchestrator.
	Tags []string

	Capabilities domain.Capabilities

	// MaxConcurrentJobs caps in-flight executions. Minimum 1.
	MaxConcurrentJobs int

	// JobTimeout is the execution budget applied to jobs that do not carry
	// their own. Zero falls back to the fleet-wide default.
	JobTimeout time.Duration

	PollInterval      time.Duration
	SubscribeTimeout  time.Duration
	MaxIdleInterval   time.Duration
	HeartbeatInterval time.Duration
	PresenceInterval  time.Duration
	ShutdownGrace     time.Duration
	OperationTimeout  time.Duration

	Retry RetryConfig
}

// RetryConfig shapes the backoff applied when claim attempts fail, e.g.
// while the store is unreachable.
type RetryConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig returns the standard claim-failure backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
	}
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig(robotID, robotName string) Config {
	return Config{
		RobotID:           robotID,
		RobotName:         robotName,
		MaxConcurrentJobs: 1,
		PollInterval:      DefaultPollInterval,
		SubscribeTimeout:  DefaultSubscribeTimeout,
		MaxIdleInterval:   DefaultMaxIdleInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PresenceInterval:  DefaultPresenceInterval,
		ShutdownGrace:     DefaultShutdownGrace,
		OperationTimeout:  DefaultOperationTimeout,
		Retry:             DefaultRetryConfig(),
	}
}

// Validate checks the identity fields a config must carry.
func (c *Config) Validate() error {
	if c.RobotID == "" {
		return ErrMissingRobotID
	}
	return nil
}

// normalize fills zero fields with defaults. Called once by New.
func (c *Config) normalize() {
	if c.RobotName == "" {
		c.RobotName = c.RobotID
	}
	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.MaxIdleInterval < c.PollInterval {
		c.MaxIdleInterval = max(DefaultMaxIdleInterval, c.PollInterval)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = max(DefaultRetryConfig().MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = DefaultRetryConfig().Multiplier
	}
}
