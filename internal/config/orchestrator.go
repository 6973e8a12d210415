package config

import (
	"fmt"
	"time"

	"github.com/cloudrpa/fleet/internal/env"
)

// OrchestratorConfig holds all configuration for the orchestrator binary.
type OrchestratorConfig struct {
	Database      DatabaseConfig
	HTTP          HTTPConfig
	Observability ObservabilityConfig
	Engine        EngineConfig

	// APIKey authenticates robots and API clients. Empty disables auth,
	// which is only acceptable for local development.
	APIKey string `env:"API_KEY"`

	ShutdownTimeout time.Duration `env:"FLEET_SHUTDOWN_TIMEOUT"`
}

// EngineConfig holds tuning knobs for the orchestrator engine loops.
// Zero values mean "use the engine defaults".
type EngineConfig struct {
	DispatchInterval     time.Duration `env:"FLEET_DISPATCH_INTERVAL"`
	TimeoutCheckInterval time.Duration `env:"FLEET_TIMEOUT_CHECK_INTERVAL"`
	HealthCheckInterval  time.Duration `env:"FLEET_HEALTH_CHECK_INTERVAL"`
	StaleTimeout         time.Duration `env:"FLEET_STALE_TIMEOUT"`
	MisfireGrace         time.Duration `env:"FLEET_MISFIRE_GRACE"`
	DedupWindow          time.Duration `env:"FLEET_DEDUP_WINDOW"`

	// MaxQueueSize caps accepted jobs at submit time. Zero means unbounded.
	MaxQueueSize int `env:"FLEET_MAX_QUEUE_SIZE"`

	// DispatchStrategy selects robots for jobs: ROUND_ROBIN, LEAST_LOADED,
	// RANDOM or AFFINITY.
	DispatchStrategy string `env:"FLEET_DISPATCH_STRATEGY"`
}

// LoadOrchestratorConfig loads and validates orchestrator configuration
// from environment variables.
func LoadOrchestratorConfig() (*OrchestratorConfig, error) {
	cfg := &OrchestratorConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load orchestrator config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates orchestrator configuration.
func (c *OrchestratorConfig) Validate() error {
	if c.APIKey != "" {
		if err := ValidateAPIKey(c.APIKey); err != nil {
			return err
		}
	}
	return nil
}
