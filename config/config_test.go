package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			Backend:            "docker",
			TimeoutSec:         30,
			CloseTimeoutSec:    10,
			MemoryMB:           512,
			MaxFileSizeMB:      10,
			NetworkEnabled:     false,
			EnableLocalBackend: false,
		},
		Backends: BackendsConfig{
			Docker: ContainerConfig{Image: "python:3.11-slim"},
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidSandboxTimeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "sandbox.timeout_sec must be positive"},
		{"InvalidCloseTimeout", func(c *Config) { c.Sandbox.CloseTimeoutSec = -1 }, "sandbox.close_timeout_sec must be positive"},
		{"NegativeIdleTimeout", func(c *Config) { c.Sandbox.IdleTimeoutSec = -5 }, "sandbox.idle_timeout_sec must not be negative"},
		{"InvalidSandboxMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"InvalidMaxFileSize", func(c *Config) { c.Sandbox.MaxFileSizeMB = 0 }, "sandbox.max_file_size_mb must be positive"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "invalid_mode" }, "invalid logging.mode"},
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "invalid_level" }, "invalid logging.level"},
		{"UnknownBackend", func(c *Config) { c.Sandbox.Backend = "kubernetes" }, "unsupported sandbox.backend"},
		{"InvalidBackendWhenLocalNotEnabled", func(c *Config) { c.Sandbox.Backend = "local" }, "unsupported sandbox.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("ValidBackendWhenLocalEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "local"
		cfg.Sandbox.EnableLocalBackend = true
		require.NoError(t, cfg.validate())
	})

	t.Run("StdioIgnoresPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "stdio"
		cfg.Server.HTTPPort = 0
		require.NoError(t, cfg.validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "stdio", cfg.Server.Transport)
		assert.Equal(t, "docker", cfg.Sandbox.Backend)
		assert.Equal(t, 30*time.Second, cfg.GetTimeout())
		assert.Equal(t, 10*time.Second, cfg.GetCloseTimeout())
		assert.Equal(t, time.Duration(0), cfg.GetIdleTimeout())
		assert.Equal(t, int64(10*1024*1024), cfg.MaxFileSize())
		assert.Equal(t, "python:3.11-slim", cfg.Backends.Docker.Image)
		assert.Equal(t, "https://api.e2b.dev", cfg.Backends.E2B.APIURL)
		assert.Equal(t, ":memory:", cfg.Journal.DBPath)
	})

	t.Run("ExplicitFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "codebox.yaml")
		content := `
server:
  transport: http
  http_port: 9090
sandbox:
  backend: firecracker
  timeout_sec: 5
backends:
  firecracker:
    backend_url: http://fc.internal:8080
logging:
  mode: development
  level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http", cfg.Server.Transport)
		assert.Equal(t, 9090, cfg.Server.HTTPPort)
		assert.Equal(t, "firecracker", cfg.Sandbox.Backend)
		assert.Equal(t, 5*time.Second, cfg.GetTimeout())
		assert.Equal(t, "http://fc.internal:8080", cfg.Backends.Firecracker.BackendURL)
		assert.Equal(t, "development", cfg.Logging.Mode)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("INTERPRETER_TYPE", "e2b")
		t.Setenv("E2B_API_KEY", "e2b-secret")
		t.Setenv("CODEBOX_SANDBOX_TIMEOUT_SEC", "12")

		cfg, err := New()
		require.NoError(t, err)
		assert.Equal(t, "e2b", cfg.Sandbox.Backend)
		assert.Equal(t, "e2b-secret", cfg.Backends.E2B.APIKey)
		assert.Equal(t, 12, cfg.Sandbox.TimeoutSec)
	})

	t.Run("InvalidFileFailsValidation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  backend: local\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}

func TestDump(t *testing.T) {
	cfg := validConfig()
	cfg.Backends.E2B.APIKey = "e2b-secret"
	cfg.Backends.Firecracker.APIKey = "fc-secret"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "e2b-secret")
	assert.NotContains(t, string(out), "fc-secret")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, redacted, decoded.Backends.E2B.APIKey)
	assert.Equal(t, "http", decoded.Server.Transport)

	// Dump must not modify the receiver
	assert.Equal(t, "e2b-secret", cfg.Backends.E2B.APIKey)
}

func TestOverride(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Override("", ""))
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, "docker", cfg.Sandbox.Backend)

	require.NoError(t, cfg.Override("stdio", "e2b"))
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "e2b", cfg.Sandbox.Backend)

	err := cfg.Override("", "local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sandbox.backend: local")

	cfg = validConfig()
	assert.Error(t, cfg.Override("grpc", ""))
}
