package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cloudrpa/fleet/internal/env"
)

// ErrRobotNameRequired is returned when ROBOT_NAME is not configured.
var ErrRobotNameRequired = errors.New("ROBOT_NAME is required")

// RobotConfig holds all configuration for the robot agent binary.
type RobotConfig struct {
	// RobotID uniquely identifies this agent. Empty means the agent
	// generates one at startup and persists it in the robots table.
	RobotID   string `env:"ROBOT_ID"`
	RobotName string `env:"ROBOT_NAME"`

	// ControlPlaneURL points at the orchestrator (ws:// or wss://) and
	// opts the agent into its realtime bus. Optional: without it the agent
	// runs in poll-only mode against the durable store.
	ControlPlaneURL string `env:"CONTROL_PLANE_URL"`

	// APIKey is the pre-shared key presented to the control plane.
	APIKey string `env:"API_KEY"`

	Environment string `env:"ENVIRONMENT"`

	// Capabilities lists workflow kinds this robot executes, e.g.
	// "browser,desktop". Tags drive pool membership and affinity.
	Capabilities []string `env:"CAPABILITIES"`
	Tags         []string `env:"TAGS"`

	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS"`

	// HeartbeatInterval is the lease-extension cadence for in-flight jobs.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`

	// JobTimeout is the default execution budget forwarded to the executor.
	JobTimeout time.Duration `env:"JOB_TIMEOUT"`

	// ContinueOnError is forwarded verbatim to the workflow executor.
	ContinueOnError bool `env:"CONTINUE_ON_ERROR"`

	// ExecutorCommand is the shell command that executes claimed jobs.
	// It receives job params on stdin and reports its result on stdout.
	// Empty runs the built-in simulation executor, which is only useful
	// for trying the fleet out.
	ExecutorCommand string `env:"EXECUTOR_CMD"`

	// Agent loop tuning (zero = use agent defaults)
	PollInterval     time.Duration `env:"FLEET_POLL_INTERVAL"`
	SubscribeTimeout time.Duration `env:"FLEET_SUBSCRIBE_TIMEOUT"`
	PresenceInterval time.Duration `env:"FLEET_PRESENCE_INTERVAL"`
	GracefulShutdown time.Duration `env:"FLEET_GRACEFUL_SHUTDOWN"`

	Database DatabaseConfig
	TLS      TLSClientConfig
}

// LoadRobotConfig loads and validates robot agent configuration from
// environment variables.
func LoadRobotConfig() (*RobotConfig, error) {
	// VERIFY_SSL defaults to true; env.Load only overwrites fields whose
	// variable is actually set.
	cfg := &RobotConfig{}
	cfg.TLS.VerifySSL = true

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load robot config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates robot agent configuration.
func (c *RobotConfig) Validate() error {
	if c.RobotName == "" {
		return ErrRobotNameRequired
	}
	if c.APIKey != "" {
		if err := ValidateAPIKey(c.APIKey); err != nil {
			return err
		}
	}
	if c.ControlPlaneURL != "" {
		u, err := url.Parse(c.ControlPlaneURL)
		if err != nil {
			return fmt.Errorf("CONTROL_PLANE_URL is not a valid URL: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("CONTROL_PLANE_URL must use ws:// or wss://, got %q", u.Scheme)
		}
	}
	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be >= 0, got %d", c.MaxConcurrentJobs)
	}
	return nil
}
