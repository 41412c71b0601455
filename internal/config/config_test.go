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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	cfg := Default()
	cfg.AgentAddress = "/tmp/spire-agent/public/api.sock"
	cfg.CertDir = "/tmp/svids"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SVIDFileName != "svid.pem" {
		t.Errorf("expected svid_file_name 'svid.pem', got %q", cfg.SVIDFileName)
	}
	if cfg.SVIDKeyFileName != "svid_key.pem" {
		t.Errorf("expected svid_key_file_name 'svid_key.pem', got %q", cfg.SVIDKeyFileName)
	}
	if cfg.BundleFileName() != "svid_bundle.pem" {
		t.Errorf("expected svid_bundle_file_name 'svid_bundle.pem', got %q", cfg.BundleFileName())
	}
	if cfg.CertFileMode != "0644" {
		t.Errorf("expected cert_file_mode '0644', got %q", cfg.CertFileMode)
	}
	if cfg.KeyFileMode != "0600" {
		t.Errorf("expected key_file_mode '0600', got %q", cfg.KeyFileMode)
	}
	if !cfg.DaemonModeEnabled() {
		t.Error("expected daemon mode enabled by default")
	}

	// Health defaults
	if cfg.HealthChecks.ListenerEnabled {
		t.Error("expected health listener disabled by default")
	}
	if cfg.HealthChecks.BindPort != 8080 {
		t.Errorf("expected bind_port 8080, got %d", cfg.HealthChecks.BindPort)
	}
	if cfg.HealthChecks.LivenessPath != "/health/live" {
		t.Errorf("expected liveness_path '/health/live', got %q", cfg.HealthChecks.LivenessPath)
	}
	if cfg.HealthChecks.ReadinessPath != "/health/ready" {
		t.Errorf("expected readiness_path '/health/ready', got %q", cfg.HealthChecks.ReadinessPath)
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %q", cfg.Log.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errText string
	}{
		{
			name:    "valid minimal config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "missing agent address",
			modify: func(c *Config) {
				c.AgentAddress = ""
			},
			wantErr: true,
			errText: "agent_address is required",
		},
		{
			name: "missing cert dir",
			modify: func(c *Config) {
				c.CertDir = ""
			},
			wantErr: true,
			errText: "cert_dir is required",
		},
		{
			name: "unknown renew signal",
			modify: func(c *Config) {
				c.RenewSignal = "SIGFOO"
			},
			wantErr: true,
			errText: "renew_signal",
		},
		{
			name: "valid renew signal",
			modify: func(c *Config) {
				c.RenewSignal = "sighup"
			},
			wantErr: false,
		},
		{
			name: "cmd_args without cmd",
			modify: func(c *Config) {
				c.CmdArgs = "-g 'daemon off;'"
			},
			wantErr: true,
			errText: "cmd_args is set but cmd is empty",
		},
		{
			name: "unterminated quote in cmd_args",
			modify: func(c *Config) {
				c.Cmd = "nginx"
				c.CmdArgs = `-g "daemon off;`
			},
			wantErr: true,
			errText: "cmd_args",
		},
		{
			name: "invalid cert file mode",
			modify: func(c *Config) {
				c.CertFileMode = "abc"
			},
			wantErr: true,
			errText: "cert_file_mode",
		},
		{
			name: "key file mode with extra bits",
			modify: func(c *Config) {
				c.KeyFileMode = "01777"
			},
			wantErr: true,
			errText: "key_file_mode",
		},
		{
			name: "health port out of range",
			modify: func(c *Config) {
				c.HealthChecks.ListenerEnabled = true
				c.HealthChecks.BindPort = 70000
			},
			wantErr: true,
			errText: "health_checks.bind_port must be between 1 and 65535",
		},
		{
			name: "health path without leading slash",
			modify: func(c *Config) {
				c.HealthChecks.ListenerEnabled = true
				c.HealthChecks.LivenessPath = "live"
			},
			wantErr: true,
			errText: "health_checks.liveness_path must begin with '/'",
		},
		{
			name: "bad port ignored while listener disabled",
			modify: func(c *Config) {
				c.HealthChecks.ListenerEnabled = false
				c.HealthChecks.BindPort = 70000
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "loud"
			},
			wantErr: true,
			errText: "log.level must be one of [debug, info, warn, warning, error]",
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
			errText: "log.format must be one of [json, text]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr && err != nil {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errText) {
					t.Errorf("expected error to contain %q, got %q", tt.errText, err.Error())
				}
			}
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.RenewSignal = "SIGFOO"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	for _, want := range []string{"agent_address", "cert_dir", "renew_signal", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected aggregated error to mention %q, got %q", want, err.Error())
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "svidwatch.yaml")

	yamlContent := `
agent_address: /run/spire/agent.sock
cmd: nginx
cmd_args: -g "daemon off;"
pid_file_name: /run/nginx.pid
renew_signal: SIGHUP
cert_dir: /etc/svids
svid_file_name: tls.crt
svid_key_file_name: tls.key
key_file_mode: "0400"
health_checks:
  listener_enabled: true
  bind_port: 9090
log:
  level: debug
  format: json
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("SPIFFE_ENDPOINT_SOCKET", "")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AgentAddress != "/run/spire/agent.sock" {
		t.Errorf("expected agent_address '/run/spire/agent.sock', got %q", cfg.AgentAddress)
	}
	if cfg.Cmd != "nginx" {
		t.Errorf("expected cmd 'nginx', got %q", cfg.Cmd)
	}
	if cfg.RenewSignal != "SIGHUP" {
		t.Errorf("expected renew_signal 'SIGHUP', got %q", cfg.RenewSignal)
	}
	if cfg.SVIDFileName != "tls.crt" {
		t.Errorf("expected svid_file_name 'tls.crt', got %q", cfg.SVIDFileName)
	}
	if cfg.KeyFileMode != "0400" {
		t.Errorf("expected key_file_mode '0400', got %q", cfg.KeyFileMode)
	}

	// Unset fields pick up defaults
	if cfg.BundleFileName() != "svid_bundle.pem" {
		t.Errorf("expected default bundle file name, got %q", cfg.BundleFileName())
	}
	if cfg.CertFileMode != "0644" {
		t.Errorf("expected default cert_file_mode, got %q", cfg.CertFileMode)
	}
	if cfg.HealthChecks.LivenessPath != "/health/live" {
		t.Errorf("expected default liveness_path, got %q", cfg.HealthChecks.LivenessPath)
	}

	if !cfg.HealthChecks.ListenerEnabled {
		t.Error("expected health listener enabled")
	}
	if got := cfg.HealthChecks.BindAddress(); got != "0.0.0.0:9090" {
		t.Errorf("expected bind address '0.0.0.0:9090', got %q", got)
	}
}

func TestLoadEnvFallback(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "svidwatch.yaml")

	yamlContent := `
cert_dir: /etc/svids
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Run("env fills unset agent_address", func(t *testing.T) {
		t.Setenv("SPIFFE_ENDPOINT_SOCKET", "unix:///run/spire/agent.sock")

		cfg, err := Load(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.AgentAddress != "unix:///run/spire/agent.sock" {
			t.Errorf("expected agent_address from environment, got %q", cfg.AgentAddress)
		}
	})

	t.Run("file value wins over env", func(t *testing.T) {
		withAddr := filepath.Join(tmpDir, "with-addr.yaml")
		if err := os.WriteFile(withAddr, []byte("agent_address: /from/file.sock\ncert_dir: /etc/svids\n"), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}
		t.Setenv("SPIFFE_ENDPOINT_SOCKET", "/from/env.sock")

		cfg, err := Load(withAddr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.AgentAddress != "/from/file.sock" {
			t.Errorf("expected agent_address from file, got %q", cfg.AgentAddress)
		}
	})

	t.Run("missing everywhere fails validation", func(t *testing.T) {
		t.Setenv("SPIFFE_ENDPOINT_SOCKET", "")

		_, err := Load(configPath)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestLoadExplicitEmptyBundle(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "svidwatch.yaml")

	yamlContent := `
agent_address: /run/spire/agent.sock
cert_dir: /etc/svids
svid_bundle_file_name: ""
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An explicit empty string disables bundle writes, it must not be
	// replaced by the default.
	if got := cfg.BundleFileName(); got != "" {
		t.Errorf("expected empty bundle file name, got %q", got)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/svidwatch.yaml")
	if err == nil {
		t.Errorf("expected error for nonexistent file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte("cert_dir: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Errorf("expected error for invalid YAML, got nil")
	}
}

func TestDaemonModeEnabled(t *testing.T) {
	tests := []struct {
		name string
		mode *bool
		want bool
	}{
		{"unset defaults to true", nil, true},
		{"explicit true", boolPtr(true), true},
		{"explicit false", boolPtr(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.DaemonMode = tt.mode
			if got := cfg.DaemonModeEnabled(); got != tt.want {
				t.Errorf("DaemonModeEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func TestParseFileMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    os.FileMode
		wantErr bool
	}{
		{"leading zero", "0644", 0644, false},
		{"go octal prefix", "0o600", 0600, false},
		{"no prefix", "755", 0755, false},
		{"restrictive", "0400", 0400, false},
		{"non-numeric", "rw-r--r--", 0, true},
		{"invalid octal digit", "0999", 0, true},
		{"bits outside 0777", "01777", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFileMode(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseFileMode(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFileMode(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseFileMode(%q) = %04o, want %04o", tt.input, got, tt.want)
			}
		})
	}
}
