package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				Version: "1",
				Server: ServerConfig{
					Host:            "127.0.0.1",
					HTTPPort:        8080,
					ShutdownTimeout: 30 * time.Second,
					LogLevel:        "info",
				},
				API: APIConfig{
					IssuePath: "/jwt",
					Auth: AuthConfig{
						Enabled: true,
						APIKeys: []string{"k1"},
					},
					RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 5},
				},
				Audit: AuditConfig{Enabled: true, Path: "/tmp/audit.db"},
			},
			wantErr: false,
		},
		{
			name: "missing version",
			config: Config{
				Server: ServerConfig{Host: "127.0.0.1", HTTPPort: 8080},
			},
			wantErr: true,
			errMsg:  "version is required",
		},
		{
			name: "invalid server host",
			config: Config{
				Version: "1",
				Server:  ServerConfig{HTTPPort: 8080},
			},
			wantErr: true,
			errMsg:  "server: host is required",
		},
		{
			name: "invalid server port",
			config: Config{
				Version: "1",
				Server:  ServerConfig{Host: "127.0.0.1"},
			},
			wantErr: true,
			errMsg:  "server: http_port must be between 1 and 65535",
		},
		{
			name: "unknown log level",
			config: Config{
				Version: "1",
				Server:  ServerConfig{Host: "127.0.0.1", HTTPPort: 8080, LogLevel: "loud"},
			},
			wantErr: true,
			errMsg:  "server: log_level: unknown log level \"loud\"",
		},
		{
			name: "auth enabled without api keys",
			config: Config{
				Version: "1",
				Server:  ServerConfig{Host: "127.0.0.1", HTTPPort: 8080},
				API:     APIConfig{Auth: AuthConfig{Enabled: true}},
			},
			wantErr: true,
			errMsg:  "api: auth: api_keys is required when auth is enabled",
		},
		{
			name: "relative issue path",
			config: Config{
				Version: "1",
				Server:  ServerConfig{Host: "127.0.0.1", HTTPPort: 8080},
				API:     APIConfig{IssuePath: "jwt"},
			},
			wantErr: true,
			errMsg:  "api: issue_path must start with /",
		},
		{
			name: "negative audit retention",
			config: Config{
				Version: "1",
				Server:  ServerConfig{Host: "127.0.0.1", HTTPPort: 8080},
				Audit:   AuditConfig{Enabled: true, Retention: -time.Hour},
			},
			wantErr: true,
			errMsg:  "audit: retention cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.errMsg, err.Error())
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	s := ServerConfig{Host: "localhost", HTTPPort: 9000}
	require.NoError(t, s.Validate())
	assert.Equal(t, 30*time.Second, s.ShutdownTimeout)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "localhost:9000", s.Addr())

	tls := ServerConfig{Host: "localhost", HTTPPort: 9000, TLS: TLSConfig{Enabled: true}}
	assert.EqualError(t, tls.Validate(), "tls cert_file is required when TLS is enabled")

	tls.TLS.CertFile = "cert.pem"
	assert.EqualError(t, tls.Validate(), "tls key_file is required when TLS is enabled")

	tls.TLS.KeyFile = "key.pem"
	tls.TLS.MinVersion = "1.1"
	assert.Error(t, tls.Validate())

	tls.TLS.MinVersion = ""
	require.NoError(t, tls.Validate())
	assert.Equal(t, "1.3", tls.TLS.MinVersion)
}

func TestAPIConfig_Validate(t *testing.T) {
	a := APIConfig{}
	require.NoError(t, a.Validate())
	assert.Equal(t, "/", a.IssuePath)
	assert.Equal(t, int64(1<<20), a.MaxBodyBytes)
	assert.Equal(t, "X-API-Key", a.Auth.HeaderName)
	assert.Equal(t, 0, a.RateLimit.RequestsPerMinute)
	assert.Equal(t, 0, a.RateLimit.Burst)
	assert.Nil(t, a.ActiveAPIKeys())

	capped := APIConfig{RateLimit: RateLimitConfig{RequestsPerMinute: 500000, Burst: 50000}}
	require.NoError(t, capped.Validate())
	assert.Equal(t, 100000, capped.RateLimit.RequestsPerMinute)
	assert.Equal(t, 10000, capped.RateLimit.Burst)

	limited := APIConfig{RateLimit: RateLimitConfig{RequestsPerMinute: 30}}
	require.NoError(t, limited.Validate())
	assert.Equal(t, 10, limited.RateLimit.Burst)

	negative := APIConfig{RateLimit: RateLimitConfig{RequestsPerMinute: -1}}
	assert.Error(t, negative.Validate())

	keyed := APIConfig{Auth: AuthConfig{Enabled: true, APIKeys: []string{"a", "b"}}}
	require.NoError(t, keyed.Validate())
	assert.Equal(t, []string{"a", "b"}, keyed.ActiveAPIKeys())

	keyed.Auth.Enabled = false
	assert.Nil(t, keyed.ActiveAPIKeys())
}

func TestAuditConfig_Validate(t *testing.T) {
	disabled := AuditConfig{}
	require.NoError(t, disabled.Validate())
	assert.Empty(t, disabled.Path)

	enabled := AuditConfig{Enabled: true}
	require.NoError(t, enabled.Validate())
	assert.Equal(t, "./data/audit.db", enabled.Path)
	assert.Equal(t, 30*24*time.Hour, enabled.Retention)
	assert.Equal(t, time.Hour, enabled.CleanupInterval)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "/", cfg.API.IssuePath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "tokenissuer", cfg.Metrics.Namespace)
	assert.False(t, cfg.Audit.Enabled)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("ANOTHER_VAR", "another_value")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no substitution", input: "hello world", expected: "hello world"},
		{name: "single substitution", input: "value is ${TEST_VAR}", expected: "value is test_value"},
		{name: "multiple substitutions", input: "${TEST_VAR} and ${ANOTHER_VAR}", expected: "test_value and another_value"},
		{name: "missing env var returns empty", input: "value is ${MISSING_VAR}", expected: "value is "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := substituteEnvVars([]byte(tt.input))
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

const testConfigYAML = `
version: "1"
server:
  host: "127.0.0.1"
  http_port: 9090
  shutdown_timeout: "10s"
  log_level: "debug"
api:
  issue_path: "/jwt"
  max_body_bytes: 4096
  auth:
    enabled: true
    api_keys:
      - "${TEST_API_KEY}"
  rate_limit:
    requests_per_minute: 120
    burst: 20
audit:
  enabled: true
  path: "/tmp/tokenissuer-audit.db"
  retention: "72h"
metrics:
  enabled: false
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret-key")
	path := writeConfig(t, t.TempDir(), testConfigYAML)

	loader := NewLoader(path)
	config, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "1", config.Version)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 9090, config.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, config.Server.ShutdownTimeout)
	assert.Equal(t, "debug", config.Server.LogLevel)
	assert.Equal(t, "/jwt", config.API.IssuePath)
	assert.Equal(t, int64(4096), config.API.MaxBodyBytes)
	assert.Equal(t, []string{"secret-key"}, config.API.ActiveAPIKeys())
	assert.Equal(t, 120, config.API.RateLimit.RequestsPerMinute)
	assert.True(t, config.Audit.Enabled)
	assert.Equal(t, 72*time.Hour, config.Audit.Retention)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, config, loader.Get())
}

func TestLoad_FileNotFound(t *testing.T) {
	loader := NewLoader("/nonexistent/path/config.yaml")
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadOrDefault(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := loader.LoadOrDefault()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, cfg, loader.Get())

	bad := writeConfig(t, t.TempDir(), "version: \"\"\n")
	_, err = NewLoader(bad).LoadOrDefault()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestParse_Defaults(t *testing.T) {
	config, err := Parse([]byte("version: \"1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 8080, config.Server.HTTPPort)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "/", config.API.IssuePath)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\nserver:\n  http_port: not_a_number\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_InvalidConfig(t *testing.T) {
	_, err := Parse([]byte("version: \"\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoader_OnChange(t *testing.T) {
	t.Setenv("TEST_API_KEY", "k")
	path := writeConfig(t, t.TempDir(), testConfigYAML)

	loader := NewLoader(path)
	changeCalled := false
	loader.SetOnChange(func(c *Config) {
		changeCalled = true
	})

	_, err := loader.Load()
	require.NoError(t, err)
	assert.False(t, changeCalled)

	_, err = loader.Reload()
	require.NoError(t, err)
	assert.True(t, changeCalled)
}

func TestLoader_Watcher(t *testing.T) {
	t.Setenv("TEST_API_KEY", "first")
	dir := t.TempDir()
	path := writeConfig(t, dir, testConfigYAML)

	loader := NewLoader(path)
	loader.SetLogger(logging.NewLogger(logging.WithOutput(&bytes.Buffer{})))
	_, err := loader.Load()
	require.NoError(t, err)

	var reloads atomic.Int32
	var lastKey atomic.Value
	loader.SetOnChange(func(c *Config) {
		reloads.Add(1)
		lastKey.Store(c.API.Auth.APIKeys[0])
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.StartWatcher(ctx, 20*time.Millisecond))
	defer loader.StopWatcher()

	t.Setenv("TEST_API_KEY", "second")
	writeConfig(t, dir, testConfigYAML)

	assert.Eventually(t, func() bool {
		key, _ := lastKey.Load().(string)
		return reloads.Load() > 0 && key == "second"
	}, 2*time.Second, 20*time.Millisecond)

	// Unrelated files in the same directory do not trigger a reload.
	before := reloads.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, reloads.Load())
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "config.yaml", PathFromEnv())

	t.Setenv(EnvConfigPath, "/etc/tokenissuer.yaml")
	assert.Equal(t, "/etc/tokenissuer.yaml", PathFromEnv())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "k")
	path := writeConfig(t, t.TempDir(), testConfigYAML)
	t.Setenv(EnvConfigPath, path)

	config, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9090, config.Server.HTTPPort)

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	config, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.HTTPPort)
}
