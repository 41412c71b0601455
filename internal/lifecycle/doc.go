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

/*
Package lifecycle manages the supervised child process and the signal
plumbing of the svidwatch daemon.

# Child Process

The daemon can launch one workload process and keep it supervised for its
whole run. The child inherits the daemon's stdio and runs in its own
process group so that shutdown can reap shell wrappers and grandchildren
with a single group-wide kill:

	child := lifecycle.NewChild("nginx", []string{"-g", "daemon off;"}, logger)
	if err := child.Start(); err != nil {
	    // Handle error
	}
	go child.Watch(ctx)

# Renewal Notification

After credentials are rewritten on disk, consumers that only read their
certificates at startup need a nudge. The Notifier sends a configured
POSIX signal to the supervised child and to the process named by an
external PID file:

	notifier, err := lifecycle.NewNotifier("SIGHUP", child, "/var/run/nginx.pid", logger)
	if err != nil {
	    // Handle error
	}
	notifier.Dispatch()

Signal names are parsed case-insensitively with an optional SIG prefix:

	sig, err := lifecycle.ParseSignal("hup")

# Health Probing

Health polling uses exponential backoff to wait for the daemon's health
listener during startup and in tests:

	checker := lifecycle.NewHealthChecker("http://localhost:8080/health/live")
	if err := checker.WaitUntilHealthy(30 * time.Second); err != nil {
	    // Daemon failed to start
	}
*/
package lifecycle
