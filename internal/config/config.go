// Copyright 2025 The svidwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the svidwatch configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/svidwatch/svidwatch/internal/lifecycle"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// DefaultConfigPath is where `svidwatch run` looks for configuration when
// no --config flag is given.
const DefaultConfigPath = "svidwatch.yaml"

// Config represents the complete svidwatch configuration.
type Config struct {
	// AgentAddress is the SPIFFE Workload API endpoint. Bare filesystem
	// paths are treated as unix domain sockets.
	// Environment: SPIFFE_ENDPOINT_SOCKET (used when agent_address is unset)
	AgentAddress string `yaml:"agent_address,omitempty"`

	// Cmd is the path to a binary to run and supervise as a managed child.
	// Empty means no child process is started.
	Cmd string `yaml:"cmd,omitempty"`

	// CmdArgs is the argument string for Cmd, tokenized with POSIX
	// shell-word rules (quoting and backslash escapes; never run through
	// a shell).
	CmdArgs string `yaml:"cmd_args,omitempty"`

	// PIDFileName is the path to a PID file identifying an externally
	// managed process to signal on credential rotation. Empty means no
	// PID-file signaling.
	PIDFileName string `yaml:"pid_file_name,omitempty"`

	// RenewSignal is the OS signal sent to the managed child and/or the
	// PID-file process after each successful credential write. Accepted:
	// HUP, INT, QUIT, TERM, USR1, USR2, WINCH (case-insensitive, optional
	// SIG prefix). Empty disables rotation signaling.
	RenewSignal string `yaml:"renew_signal,omitempty"`

	// CertDir is the directory the credential files are written into.
	// Created with mode 0755 if it does not exist. Required.
	CertDir string `yaml:"cert_dir"`

	// SVIDFileName is the certificate chain file inside CertDir.
	// Default: svid.pem
	SVIDFileName string `yaml:"svid_file_name,omitempty"`

	// SVIDKeyFileName is the private key file inside CertDir.
	// Default: svid_key.pem
	SVIDKeyFileName string `yaml:"svid_key_file_name,omitempty"`

	// SVIDBundleFileName is the trust bundle file inside CertDir. An
	// explicit empty string skips bundle writes entirely.
	// Default: svid_bundle.pem
	SVIDBundleFileName *string `yaml:"svid_bundle_file_name,omitempty"`

	// JWTBundleFileName is an optional JWKS file inside CertDir holding
	// the trust domain's JWT authorities. Empty means JWT bundles are not
	// fetched.
	JWTBundleFileName string `yaml:"jwt_bundle_file_name,omitempty"`

	// CertFileMode is the octal permission string for the certificate
	// chain and bundle files.
	// Default: "0644"
	CertFileMode string `yaml:"cert_file_mode,omitempty"`

	// KeyFileMode is the octal permission string for the private key file.
	// Default: "0600"
	KeyFileMode string `yaml:"key_file_mode,omitempty"`

	// JWTBundleFileMode is the octal permission string for the JWKS file.
	// Default: "0600"
	JWTBundleFileMode string `yaml:"jwt_bundle_file_mode,omitempty"`

	// DaemonMode controls whether svidwatch keeps running and watching for
	// rotation (true) or fetches once, writes and exits (false).
	// Default: true
	DaemonMode *bool `yaml:"daemon_mode,omitempty"`

	// HealthChecks configures the embedded liveness/readiness listener.
	HealthChecks HealthChecksConfig `yaml:"health_checks,omitempty"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log,omitempty"`
}

// HealthChecksConfig configures the embedded health-check HTTP server.
type HealthChecksConfig struct {
	// ListenerEnabled starts the health listener when true.
	// Default: false
	ListenerEnabled bool `yaml:"listener_enabled"`

	// BindPort is the TCP port the listener binds on all interfaces.
	// Default: 8080
	BindPort int `yaml:"bind_port,omitempty"`

	// LivenessPath is the liveness endpoint route.
	// Default: /health/live
	LivenessPath string `yaml:"liveness_path,omitempty"`

	// ReadinessPath is the readiness endpoint route.
	// Default: /health/ready
	ReadinessPath string `yaml:"readiness_path,omitempty"`
}

// BindAddress returns the listen address for the health server.
func (h *HealthChecksConfig) BindAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", h.BindPort)
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	// Default: text
	Format string `yaml:"format,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	bundle := "svid_bundle.pem"
	return &Config{
		SVIDFileName:       "svid.pem",
		SVIDKeyFileName:    "svid_key.pem",
		SVIDBundleFileName: &bundle,
		CertFileMode:       "0644",
		KeyFileMode:        "0600",
		JWTBundleFileMode:  "0600",
		HealthChecks: HealthChecksConfig{
			ListenerEnabled: false,
			BindPort:        8080,
			LivenessPath:    "/health/live",
			ReadinessPath:   "/health/ready",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, fills in defaults, applies
// environment fallbacks and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Environment fallbacks
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs to work without specifying all fields.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.SVIDFileName == "" {
		c.SVIDFileName = defaults.SVIDFileName
	}
	if c.SVIDKeyFileName == "" {
		c.SVIDKeyFileName = defaults.SVIDKeyFileName
	}
	if c.SVIDBundleFileName == nil {
		c.SVIDBundleFileName = defaults.SVIDBundleFileName
	}
	if c.CertFileMode == "" {
		c.CertFileMode = defaults.CertFileMode
	}
	if c.KeyFileMode == "" {
		c.KeyFileMode = defaults.KeyFileMode
	}
	if c.JWTBundleFileMode == "" {
		c.JWTBundleFileMode = defaults.JWTBundleFileMode
	}

	if c.HealthChecks.BindPort == 0 {
		c.HealthChecks.BindPort = defaults.HealthChecks.BindPort
	}
	if c.HealthChecks.LivenessPath == "" {
		c.HealthChecks.LivenessPath = defaults.HealthChecks.LivenessPath
	}
	if c.HealthChecks.ReadinessPath == "" {
		c.HealthChecks.ReadinessPath = defaults.HealthChecks.ReadinessPath
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromEnv applies environment fallbacks. Unlike overrides, these only
// take effect when the corresponding field is unset: an explicit
// agent_address in the file wins over SPIFFE_ENDPOINT_SOCKET.
func (c *Config) loadFromEnv() {
	if c.AgentAddress == "" {
		c.AgentAddress = os.Getenv("SPIFFE_ENDPOINT_SOCKET")
	}
}

// DaemonModeEnabled reports whether the daemon keeps watching for rotation.
func (c *Config) DaemonModeEnabled() bool {
	if c.DaemonMode == nil {
		return true
	}
	return *c.DaemonMode
}

// BundleFileName returns the configured trust bundle file name; empty means
// bundle writes are disabled.
func (c *Config) BundleFileName() string {
	if c.SVIDBundleFileName == nil {
		return ""
	}
	return *c.SVIDBundleFileName
}

// Validate checks that the configuration is valid. All problems are
// collected so the operator sees every one of them at once.
func (c *Config) Validate() error {
	var errs []string

	if c.AgentAddress == "" {
		errs = append(errs, "agent_address is required (set it in the config file or via SPIFFE_ENDPOINT_SOCKET)")
	}
	if c.CertDir == "" {
		errs = append(errs, "cert_dir is required")
	}

	if c.RenewSignal != "" {
		if _, err := lifecycle.ParseSignal(c.RenewSignal); err != nil {
			errs = append(errs, fmt.Sprintf("renew_signal: %v", err))
		}
	}

	if c.CmdArgs != "" {
		if c.Cmd == "" {
			errs = append(errs, "cmd_args is set but cmd is empty")
		}
		if _, err := lifecycle.SplitCommandLine(c.CmdArgs); err != nil {
			errs = append(errs, fmt.Sprintf("cmd_args: %v", err))
		}
	}

	for field, mode := range map[string]string{
		"cert_file_mode":       c.CertFileMode,
		"key_file_mode":        c.KeyFileMode,
		"jwt_bundle_file_mode": c.JWTBundleFileMode,
	} {
		if _, err := ParseFileMode(mode); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
	}

	if c.HealthChecks.ListenerEnabled {
		if c.HealthChecks.BindPort < 1 || c.HealthChecks.BindPort > 65535 {
			errs = append(errs, fmt.Sprintf("health_checks.bind_port must be between 1 and 65535, got %d", c.HealthChecks.BindPort))
		}
		if !strings.HasPrefix(c.HealthChecks.LivenessPath, "/") {
			errs = append(errs, fmt.Sprintf("health_checks.liveness_path must begin with '/', got %q", c.HealthChecks.LivenessPath))
		}
		if !strings.HasPrefix(c.HealthChecks.ReadinessPath, "/") {
			errs = append(errs, fmt.Sprintf("health_checks.readiness_path must begin with '/', got %q", c.HealthChecks.ReadinessPath))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseFileMode parses an octal permission string such as "0644".
func ParseFileMode(mode string) (fs.FileMode, error) {
	parsed, err := strconv.ParseUint(strings.TrimPrefix(mode, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal file mode %q", mode)
	}
	if parsed > 0o777 {
		return 0, fmt.Errorf("file mode %q has bits outside 0777", mode)
	}
	return fs.FileMode(parsed), nil
}
