// Package config loads the orchestrator configuration and the worker manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/orchestra).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "orchestra")
}

// Config holds orchestrator configuration.
type Config struct {
	// HTTPPort is the Streamable HTTP listen port for the router. 0 auto-assigns.
	HTTPPort int `yaml:"http_port"`
	// ManifestPath is the worker manifest location. A missing file means zero workers.
	ManifestPath string `yaml:"manifest_path"`
	LogFile      string `yaml:"log_file"`

	// CallTimeoutSeconds bounds every proxied use_tool call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	// ShutdownGraceSeconds is how long a worker gets after SIGTERM before SIGKILL.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// AuditDB is the SQLite invocation log path. Empty disables the audit log.
	AuditDB string `yaml:"audit_db"`

	// WatchManifest reloads the worker set when the manifest file changes.
	WatchManifest bool `yaml:"watch_manifest"`
}

// DefaultConfig returns sensible defaults matching the documented deployment.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:             8000,
		ManifestPath:         "manifest.json",
		CallTimeoutSeconds:   60,
		ShutdownGraceSeconds: 2,
	}
}

// LoadConfig loads configuration from a YAML file, filling unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.CallTimeoutSeconds <= 0 {
		cfg.CallTimeoutSeconds = 60
	}
	if cfg.ShutdownGraceSeconds <= 0 {
		cfg.ShutdownGraceSeconds = 2
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "manifest.json"
	}
	return cfg, nil
}
