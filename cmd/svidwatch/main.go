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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/svidwatch/svidwatch/internal/commands/healthcheck"
	"github.com/svidwatch/svidwatch/internal/commands/run"
	versioncmd "github.com/svidwatch/svidwatch/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	versioncmd.Set(version, commit, buildDate)

	rootCmd := &cobra.Command{
		Use:   "svidwatch",
		Short: "Sidecar that keeps SPIFFE workload credentials fresh on disk",
		Long: `svidwatch fetches X509 SVIDs from the SPIFFE Workload API, writes the
certificate, key and trust bundle to disk, and keeps them current as the
agent rotates them. It can supervise a child process and signal it after
each rotation so it picks up the new credentials.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We print errors ourselves
	}

	rootCmd.AddCommand(run.NewRunCommand())
	rootCmd.AddCommand(healthcheck.NewHealthCheckCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
