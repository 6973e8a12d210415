package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// API keys are pre-shared secrets carried in a connection header.
const (
	// APIKeyPrefix is the mandatory prefix of every fleet API key.
	APIKeyPrefix = "crpa_"

	// MinAPIKeyLength is the minimum total key length, prefix included.
	MinAPIKeyLength = 40
)

// ErrAPIKeyRequired is returned when authentication is enabled without a key.
var ErrAPIKeyRequired = errors.New("API_KEY is required")

// ValidateAPIKey checks the format of a fleet API key.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrAPIKeyRequired
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API_KEY must start with %q", APIKeyPrefix)
	}
	if len(key) < MinAPIKeyLength {
		return fmt.Errorf("API_KEY must be at least %d characters, got %d", MinAPIKeyLength, len(key))
	}
	return nil
}

// TLSClientConfig holds the client certificate settings a robot uses to
// reach the control plane over mTLS.
type TLSClientConfig struct {
	CACertPath     string `env:"CA_CERT_PATH"`
	ClientCertPath string `env:"CLIENT_CERT_PATH"`
	ClientKeyPath  string `env:"CLIENT_KEY_PATH"`

	// VerifySSL toggles server certificate verification. Defaults to true;
	// set VERIFY_SSL=false only against self-signed development endpoints.
	VerifySSL bool `env:"VERIFY_SSL"`
}

// MutualTLS reports whether client certificates are configured.
func (c *TLSClientConfig) MutualTLS() bool {
	return c.CACertPath != "" || c.ClientCertPath != "" || c.ClientKeyPath != ""
}

// Validate enforces that mTLS settings come as a complete triple.
func (c *TLSClientConfig) Validate() error {
	if !c.MutualTLS() {
		return nil
	}
	if c.CACertPath == "" || c.ClientCertPath == "" || c.ClientKeyPath == "" {
		return errors.New("CA_CERT_PATH, CLIENT_CERT_PATH and CLIENT_KEY_PATH must all be set for mTLS")
	}
	return nil
}

// TLSConfig builds the tls.Config these settings describe. It returns nil
// when nothing deviates from the transport's own defaults, so callers can
// pass the result through unconditionally.
func (c *TLSClientConfig) TLSConfig() (*tls.Config, error) {
	if !c.MutualTLS() && c.VerifySSL {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.VerifySSL,
	}

	if c.MutualTLS() {
		caPEM, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %s", c.CACertPath)
		}
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.RootCAs = pool
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
