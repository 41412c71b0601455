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

// Package healthcheck implements the healthcheck command, a liveness
// probe against a running svidwatch daemon. Container orchestrators run
// it as their health-check entry point.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/lifecycle"
)

// Healthcheck command flags
var (
	configPath string
	timeout    time.Duration
)

// NewHealthCheckCommand creates the healthcheck command
func NewHealthCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the liveness endpoint of a running daemon",
		Long: `Probe the liveness endpoint of a svidwatch daemon running with the
same configuration file. Exits zero when the daemon answers healthy.

The daemon's health listener must be enabled in the configuration.`,
		Example: `  # Probe using the default configuration file
  svidwatch healthcheck

  # Probe with a longer timeout
  svidwatch healthcheck --config /etc/svidwatch/svidwatch.yaml --timeout 5s`,
		RunE: runHealthCheck,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Probe timeout")

	return cmd
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if !cfg.HealthChecks.ListenerEnabled {
		return errors.New("health checks are not enabled in the configuration")
	}

	// The daemon binds all interfaces; the probe stays on loopback.
	endpoint := fmt.Sprintf("http://127.0.0.1:%d%s",
		cfg.HealthChecks.BindPort, cfg.HealthChecks.LivenessPath)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	checker := lifecycle.NewHealthChecker(endpoint).
		WithHTTPClient(&http.Client{Timeout: timeout})

	result := checker.Check(ctx)
	if !result.Success {
		return fmt.Errorf("daemon is unhealthy: %w", result.Error)
	}

	cmd.Printf("healthy: %s (status %d)\n", endpoint, result.StatusCode)
	return nil
}
