// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Sandbox SandboxConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SandboxConfig holds execution unit and volume configuration.
type SandboxConfig struct {
	// DataRoot holds the registry database and durable volumes.
	DataRoot string `envconfig:"DATA_ROOT" default:"/var/lib/vibe"`

	// Runtime selects the execution unit backend: "docker" or "local".
	Runtime string `envconfig:"RUNTIME" default:"docker"`

	// Image is the container image used for execution units.
	Image string `envconfig:"SANDBOX_IMAGE" default:"vibe-sandbox:latest"`

	// WorkspaceMount is the fixed workspace root inside a unit.
	WorkspaceMount string `envconfig:"WORKSPACE_MOUNT" default:"/workspace"`

	// Shell is the interactive shell spawned on first terminal attach.
	Shell string `envconfig:"SANDBOX_SHELL" default:"/bin/bash"`

	// Resource ceilings applied to every unit.
	MemoryLimitMB int64   `envconfig:"SANDBOX_MEMORY_MB" default:"2048"`
	CPULimit      float64 `envconfig:"SANDBOX_CPUS" default:"1.0"`
	PidsLimit     int64   `envconfig:"SANDBOX_PIDS" default:"256"`

	// ProbeTimeout bounds the readiness probe after a unit starts.
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"30s"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"500ms"`

	// StartRetries bounds retries of transient start/probe failures.
	StartRetries int `envconfig:"START_RETRIES" default:"3"`

	// GracePeriod bounds graceful stop before forced termination.
	GracePeriod time.Duration `envconfig:"GRACE_PERIOD" default:"10s"`

	// ExecTimeout is the default one-shot execution deadline.
	ExecTimeout time.Duration `envconfig:"EXEC_TIMEOUT" default:"60s"`

	// ExecTimeoutMax caps client-supplied execution deadlines.
	ExecTimeoutMax time.Duration `envconfig:"EXEC_TIMEOUT_MAX" default:"10m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			DataRoot:       "/var/lib/vibe",
			Runtime:        "docker",
			Image:          "vibe-sandbox:latest",
			WorkspaceMount: "/workspace",
			Shell:          "/bin/bash",
			MemoryLimitMB:  2048,
			CPULimit:       1.0,
			PidsLimit:      256,
			ProbeTimeout:   30 * time.Second,
			ProbeInterval:  500 * time.Millisecond,
			StartRetries:   3,
			GracePeriod:    10 * time.Second,
			ExecTimeout:    60 * time.Second,
			ExecTimeoutMax: 10 * time.Minute,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
