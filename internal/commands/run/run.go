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

// Package run implements the run command, the main entry point of
// svidwatch: fetch credentials from the Workload API, keep them fresh on
// disk, and supervise the configured child process.
package run

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/daemon"
	"github.com/svidwatch/svidwatch/internal/log"
	"github.com/svidwatch/svidwatch/internal/workload"
)

// Run command flags
var (
	configPath string
	daemonMode bool
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch workload credentials and keep them fresh on disk",
		Long: `Connect to the SPIFFE Workload API, write the X509 SVID, private key
and trust bundle to disk, and keep them current as the agent rotates
them. Optionally supervises a child process and signals it after each
rotation.

With --daemon-mode=false the credential is written once and svidwatch
exits.`,
		Example: `  # Run with the default configuration file
  svidwatch run

  # Run with a specific configuration file
  svidwatch run --config /etc/svidwatch/svidwatch.yaml

  # Write credentials once and exit
  svidwatch run --daemon-mode=false`,
		RunE: runRun,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the configuration file")
	cmd.Flags().BoolVar(&daemonMode, "daemon-mode", true, "Keep running and rotating credentials; =false writes once and exits")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// The flag overrides the file only when given on the command line.
	if cmd.Flags().Changed("daemon-mode") {
		cfg.DaemonMode = &daemonMode
	}

	logger := newLogger(cfg).With(log.String("instance_id", uuid.NewString()))

	logger.Info("svidwatch starting",
		log.String("agent_address", cfg.AgentAddress),
		log.Bool("daemon_mode", cfg.DaemonModeEnabled()),
	)

	ctx := cmd.Context()

	source, err := workload.NewSource(ctx, cfg.AgentAddress, workload.DefaultRetryConfig(),
		log.WithComponent(logger, "workload"))
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("failed to close workload API source", log.Error(err))
		}
	}()

	writer, err := workload.NewDiskWriter(cfg, log.WithComponent(logger, "writer"))
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, source, writer, logger)
	if err != nil {
		return err
	}

	return d.Run(ctx)
}

// newLogger builds the daemon logger from file configuration. Debug
// settings from the environment escalate the level but never lower it.
func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := &log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	}

	if env := log.FromEnv(); env.Level == "debug" {
		logCfg.Level = env.Level
		logCfg.AddSource = env.AddSource
	}

	return log.New(logCfg)
}
