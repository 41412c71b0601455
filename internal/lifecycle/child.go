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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"github.com/svidwatch/svidwatch/internal/log"
)

// reapTimeout bounds how long shutdown waits for the killed child to be reaped.
const reapTimeout = 5 * time.Second

// Child supervises the workload process launched alongside the daemon.
//
// The child inherits the daemon's stdio and runs in its own process group
// so that shutdown can take out shell wrappers and grandchildren with a
// single group-wide SIGKILL. The current PID lives in an atomic cell: the
// supervisor is its only writer, signal dispatch reads it concurrently
// and sees zero once the child is gone.
type Child struct {
	cmd    *exec.Cmd
	pid    atomic.Int64
	waitCh chan error
	logger *slog.Logger
}

// NewChild prepares a child process from the given binary and arguments.
// The process is not started until Start is called.
func NewChild(name string, args []string, logger *slog.Logger) *Child {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Lead a new process group so KillProcessGroup reaches descendants.
		Setpgid: true,
	}

	return &Child{
		cmd:    cmd,
		waitCh: make(chan error, 1),
		logger: logger,
	}
}

// Start launches the child process and records its PID.
func (c *Child) Start() error {
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start child process: %w", err)
	}

	pid := c.cmd.Process.Pid
	c.pid.Store(int64(pid))
	c.logger.Info("child process started",
		log.String("cmd", c.cmd.Path),
		log.Int(log.PIDKey, pid),
	)

	// Reap asynchronously. The buffer lets the wait goroutine finish even
	// if the child outlives every reader.
	go func() {
		c.waitCh <- c.cmd.Wait()
	}()

	return nil
}

// PID returns the child's process ID, or 0 once it has exited.
func (c *Child) PID() int {
	return int(c.pid.Load())
}

// Watch blocks until the child exits on its own or ctx is cancelled.
//
// A natural exit is logged and leaves the daemon running: the credentials
// on disk may still be consumed by the process named in the PID file. On
// cancellation the whole process group receives SIGKILL and Watch waits a
// bounded time for the child to be reaped.
func (c *Child) Watch(ctx context.Context) error {
	select {
	case err := <-c.waitCh:
		c.pid.Store(0)
		c.logExit(err)
		return nil
	case <-ctx.Done():
		return c.stop()
	}
}

// stop kills the child's process group and waits for the reap.
// Returns ErrShutdownTimeout if the child is not reaped within reapTimeout.
func (c *Child) stop() error {
	pid := c.PID()
	if pid == 0 {
		return nil
	}

	c.logger.Debug("stopping child process", log.Int(log.PIDKey, pid))
	if err := KillProcessGroup(pid); err != nil {
		// The child may have exited between the PID load and the kill.
		c.logger.Warn("failed to kill child process group",
			log.Int(log.PIDKey, pid),
			log.Error(err),
		)
	}

	select {
	case <-c.waitCh:
		c.pid.Store(0)
		c.logger.Info("child process stopped", log.Int(log.PIDKey, pid))
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("child process %d not reaped: %w", pid, ErrShutdownTimeout)
	}
}

// logExit logs the child's exit status.
func (c *Child) logExit(err error) {
	if err == nil {
		c.logger.Info("child process exited", log.Int("exit_code", 0))
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		c.logger.Warn("child process exited", log.Int("exit_code", exitErr.ExitCode()))
		return
	}

	c.logger.Warn("child process wait failed", log.Error(err))
}
