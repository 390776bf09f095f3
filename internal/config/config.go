package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tokenissuer/tokenissuer/internal/logging"
)

// Config represents the complete application configuration.
type Config struct {
	Version string        `yaml:"version"`
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// APIConfig contains the issue endpoint configuration.
type APIConfig struct {
	IssuePath    string          `yaml:"issue_path"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains API key authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains per-client rate limiting configuration.
// A zero RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// AuditConfig controls the issuance audit trail.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a valid configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Version: "1",
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 8080,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
	// Validate only fills defaults here.
	_ = cfg.Validate()
	return cfg
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	c.Metrics.Validate()

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.IssuePath == "" {
		a.IssuePath = "/"
	}
	if !strings.HasPrefix(a.IssuePath, "/") {
		return fmt.Errorf("issue_path must start with /")
	}
	if a.MaxBodyBytes <= 0 {
		a.MaxBodyBytes = 1 << 20
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit: requests_per_minute cannot be negative")
	}
	// Cap rate limit to prevent abuse
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.RequestsPerMinute > 0 && a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 10
	}
	if a.RateLimit.Burst > 10000 {
		a.RateLimit.Burst = 10000
	}
	return nil
}

// ActiveAPIKeys returns the keys to enforce, or nil when auth is disabled.
func (a *APIConfig) ActiveAPIKeys() []string {
	if !a.Auth.Enabled {
		return nil
	}
	return a.Auth.APIKeys
}

// Validate validates audit configuration.
func (a *AuditConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Path == "" {
		a.Path = "./data/audit.db"
	}
	if a.Retention < 0 {
		return fmt.Errorf("retention cannot be negative")
	}
	if a.Retention == 0 {
		a.Retention = 30 * 24 * time.Hour
	}
	if a.CleanupInterval <= 0 {
		a.CleanupInterval = time.Hour
	}
	return nil
}

// Validate applies metrics defaults.
func (m *MetricsConfig) Validate() {
	if m.Namespace == "" {
		m.Namespace = "tokenissuer"
	}
}
