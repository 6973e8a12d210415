package config

import "time"

// HTTPConfig holds the orchestrator API server configuration.
type HTTPConfig struct {
	Host              string        `env:"FLEET_HTTP_HOST"`
	Port              string        `env:"FLEET_HTTP_PORT"`
	ReadTimeout       time.Duration `env:"FLEET_HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `env:"FLEET_HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `env:"FLEET_HTTP_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `env:"FLEET_HTTP_READ_HEADER_TIMEOUT"`
	MaxBodyBytes      int64         `env:"FLEET_HTTP_MAX_BODY_BYTES"`

	// TLS configuration for serving HTTPS
	TLSEnabled  bool   `env:"FLEET_TLS_ENABLED"`
	TLSCertFile string `env:"FLEET_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"FLEET_TLS_KEY_FILE"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"FLEET_OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME"`
}
