package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Journal  JournalConfig  `mapstructure:"journal" yaml:"journal"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// SandboxConfig holds settings shared by every sandbox backend
type SandboxConfig struct {
	Backend            string `mapstructure:"backend" yaml:"backend"`
	TimeoutSec         int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	CloseTimeoutSec    int    `mapstructure:"close_timeout_sec" yaml:"close_timeout_sec"`
	IdleTimeoutSec     int    `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	MemoryMB           int    `mapstructure:"memory_mb" yaml:"memory_mb"`
	MaxFileSizeMB      int    `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	NetworkEnabled     bool   `mapstructure:"network_enabled" yaml:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend" yaml:"enable_local_backend"`
	UploadRoot         string `mapstructure:"upload_root" yaml:"upload_root"`
}

// BackendsConfig holds backend-specific settings keyed by backend type
type BackendsConfig struct {
	Docker      ContainerConfig   `mapstructure:"docker" yaml:"docker"`
	Podman      ContainerConfig   `mapstructure:"podman" yaml:"podman"`
	E2B         E2BConfig         `mapstructure:"e2b" yaml:"e2b"`
	Firecracker FirecrackerConfig `mapstructure:"firecracker" yaml:"firecracker"`
	Local       LocalConfig       `mapstructure:"local" yaml:"local"`
}

// ContainerConfig configures a container-engine backend (docker or podman)
type ContainerConfig struct {
	Image          string `mapstructure:"image" yaml:"image"`
	WorkspaceMount string `mapstructure:"workspace_mount" yaml:"workspace_mount"`
}

// E2BConfig configures the hosted E2B backend
type E2BConfig struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	APIURL   string `mapstructure:"api_url" yaml:"api_url"`
	Domain   string `mapstructure:"domain" yaml:"domain"`
	Template string `mapstructure:"template" yaml:"template"`
}

// FirecrackerConfig configures the remote Firecracker microVM backend
type FirecrackerConfig struct {
	BackendURL string `mapstructure:"backend_url" yaml:"backend_url"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
}

// LocalConfig configures the local development backend
type LocalConfig struct {
	WorkspaceRoot string `mapstructure:"workspace_root" yaml:"workspace_root"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// JournalConfig holds lifecycle journal settings
type JournalConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// New loads and validates the application configuration from the default locations
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in . and ./config
// when path is empty. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("CODEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variable names understood by earlier releases
	_ = v.BindEnv("sandbox.backend", "CODEBOX_SANDBOX_BACKEND", "INTERPRETER_TYPE")
	_ = v.BindEnv("backends.e2b.api_key", "CODEBOX_BACKENDS_E2B_API_KEY", "E2B_API_KEY")
	_ = v.BindEnv("backends.firecracker.backend_url", "CODEBOX_BACKENDS_FIRECRACKER_BACKEND_URL", "FIRECRACKER_BACKEND_URL")
	_ = v.BindEnv("backends.firecracker.api_key", "CODEBOX_BACKENDS_FIRECRACKER_API_KEY", "FIRECRACKER_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.close_timeout_sec", 10)
	v.SetDefault("sandbox.idle_timeout_sec", 0)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_file_size_mb", 10)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.upload_root", "")

	v.SetDefault("backends.docker.image", "python:3.11-slim")
	v.SetDefault("backends.docker.workspace_mount", "")
	v.SetDefault("backends.podman.image", "python:3.11-slim")
	v.SetDefault("backends.podman.workspace_mount", "")
	v.SetDefault("backends.e2b.api_key", "")
	v.SetDefault("backends.e2b.api_url", "https://api.e2b.dev")
	v.SetDefault("backends.e2b.domain", "e2b.app")
	v.SetDefault("backends.e2b.template", "code-interpreter-v1")
	v.SetDefault("backends.firecracker.backend_url", "")
	v.SetDefault("backends.firecracker.api_key", "")
	v.SetDefault("backends.local.workspace_root", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("journal.db_path", ":memory:")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CloseTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.close_timeout_sec must be positive, got: %d", c.Sandbox.CloseTimeoutSec)
	}

	if c.Sandbox.IdleTimeoutSec < 0 {
		return fmt.Errorf("sandbox.idle_timeout_sec must not be negative, got: %d", c.Sandbox.IdleTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxFileSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_file_size_mb must be positive, got: %d", c.Sandbox.MaxFileSizeMB)
	}

	switch c.Logging.Mode {
	case "production", "development":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if !c.BackendEnabled(c.Sandbox.Backend) {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	return nil
}

// Override applies command-line overrides and re-validates. Empty values
// leave the loaded setting untouched.
func (c *Config) Override(transport, backend string) error {
	if transport != "" {
		c.Server.Transport = transport
	}
	if backend != "" {
		c.Sandbox.Backend = backend
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}
	return nil
}

// BackendEnabled reports whether name is a backend this configuration allows
func (c *Config) BackendEnabled(name string) bool {
	supportedBackends := map[string]bool{
		"docker":      true,
		"podman":      true,
		"e2b":         true,
		"firecracker": true,
		"local":       c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	return supportedBackends[name]
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetCloseTimeout returns the per-sandbox close timeout as a duration
func (c *Config) GetCloseTimeout() time.Duration {
	return time.Duration(c.Sandbox.CloseTimeoutSec) * time.Second
}

// GetIdleTimeout returns the idle reaping threshold; zero disables reaping
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.IdleTimeoutSec) * time.Second
}

// MaxFileSize returns the file read/write ceiling in bytes
func (c *Config) MaxFileSize() int64 {
	return int64(c.Sandbox.MaxFileSizeMB) * 1024 * 1024
}

const redacted = "<redacted>"

// Dump renders the effective configuration as YAML with credentials redacted
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	if masked.Backends.E2B.APIKey != "" {
		masked.Backends.E2B.APIKey = redacted
	}
	if masked.Backends.Firecracker.APIKey != "" {
		masked.Backends.Firecracker.APIKey = redacted
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return out, nil
}
