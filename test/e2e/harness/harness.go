// Package harness provides testing utilities for E2E daemon tests.
// It runs a fake Workload API agent and the svidwatch daemon in-process
// and exposes helpers for driving and observing a full rotation cycle.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/daemon"
	"github.com/svidwatch/svidwatch/internal/fakeagent"
	"github.com/svidwatch/svidwatch/internal/lifecycle"
	"github.com/svidwatch/svidwatch/internal/log"
	"github.com/svidwatch/svidwatch/internal/workload"
)

// Harness wires a fake agent and a daemon configuration for one test.
// The daemon itself starts on demand via Start or RunOneShot so tests can
// also hand the configuration to the real CLI commands.
type Harness struct {
	t *testing.T

	// Agent is the in-process Workload API the daemon talks to.
	Agent *fakeagent.Server

	// Config is the daemon configuration under test.
	Config *config.Config

	// CertDir is the directory credential files are written into.
	CertDir string

	ttl time.Duration

	source *workload.Source
	daemon *daemon.Daemon
	cancel context.CancelFunc
	errCh  chan error

	done   bool
	runErr error
}

// New starts a fake agent and builds a daemon configuration pointing at
// it. Cleanup is registered via t.Cleanup.
//
// Example:
//
//	h := harness.New(t, harness.WithTTL(600*time.Millisecond))
//	h.Start()
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	cfg := config.Default()
	cfg.CertDir = t.TempDir()

	h := &Harness{
		t:       t,
		Config:  cfg,
		CertDir: cfg.CertDir,
		ttl:     time.Hour,
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			t.Fatalf("apply harness option: %v", err)
		}
	}

	agent, err := fakeagent.New(fakeagent.Config{
		TrustDomain:  "example.org",
		WorkloadPath: "/test/workload",
		TTL:          h.ttl,
		SocketPath:   filepath.Join(t.TempDir(), "agent.sock"),
	})
	if err != nil {
		t.Fatalf("create fake agent: %v", err)
	}
	if err := agent.Start(); err != nil {
		t.Fatalf("start fake agent: %v", err)
	}
	t.Cleanup(agent.Stop)

	h.Agent = agent
	cfg.AgentAddress = agent.Addr()

	return h
}

// Start runs the daemon in the background and returns once the initial
// credential files are on disk. Shutdown is registered via t.Cleanup;
// tests that care about the run result call Stop or Terminate themselves.
func (h *Harness) Start() {
	h.t.Helper()

	logger := testLogger()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	source, err := workload.NewSource(ctx, h.Config.AgentAddress, workload.DefaultRetryConfig(), logger)
	if err != nil {
		cancel()
		h.t.Fatalf("connect to fake agent: %v", err)
	}
	h.source = source

	writer, err := workload.NewDiskWriter(h.Config, logger)
	if err != nil {
		cancel()
		h.t.Fatalf("create disk writer: %v", err)
	}

	d, err := daemon.New(h.Config, source, writer, logger)
	if err != nil {
		cancel()
		h.t.Fatalf("create daemon: %v", err)
	}
	h.daemon = d

	h.errCh = make(chan error, 1)
	go func() { h.errCh <- d.Run(ctx) }()

	h.t.Cleanup(func() {
		cancel()
		if _, ok := h.wait(10 * time.Second); !ok {
			h.t.Log("daemon still running after cleanup cancellation")
		}
		if err := source.Close(); err != nil {
			h.t.Logf("close workload source: %v", err)
		}
	})

	h.WaitForFiles()
}

// RunOneShot runs the daemon to completion and returns its result. The
// configuration must have daemon mode disabled.
func (h *Harness) RunOneShot() error {
	h.t.Helper()

	logger := testLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source, err := workload.NewSource(ctx, h.Config.AgentAddress, workload.DefaultRetryConfig(), logger)
	if err != nil {
		h.t.Fatalf("connect to fake agent: %v", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			h.t.Logf("close workload source: %v", err)
		}
	}()

	writer, err := workload.NewDiskWriter(h.Config, logger)
	if err != nil {
		h.t.Fatalf("create disk writer: %v", err)
	}

	d, err := daemon.New(h.Config, source, writer, logger)
	if err != nil {
		h.t.Fatalf("create daemon: %v", err)
	}

	return d.Run(ctx)
}

// Stop cancels the daemon context and returns the run result.
func (h *Harness) Stop() error {
	h.t.Helper()

	h.cancel()
	err, ok := h.wait(10 * time.Second)
	if !ok {
		h.t.Fatal("daemon did not stop within 10s of cancellation")
	}
	return err
}

// Terminate delivers SIGTERM to the test process until the daemon exits
// and returns the run result. A guard subscription keeps a signal that
// lands before the daemon has wired its handler from killing the test
// binary; delivery is simply retried.
func (h *Harness) Terminate() error {
	h.t.Helper()

	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
			h.t.Fatalf("send SIGTERM: %v", err)
		}
		if err, ok := h.wait(500 * time.Millisecond); ok {
			return err
		}
		if time.Now().After(deadline) {
			h.t.Fatal("daemon did not stop within 5s of SIGTERM")
		}
	}
}

// Running reports whether the daemon has not yet returned.
func (h *Harness) Running() bool {
	if h.done {
		return false
	}
	select {
	case err := <-h.errCh:
		h.done = true
		h.runErr = err
		return false
	default:
		return true
	}
}

// wait consumes the daemon result once and caches it for later callers.
func (h *Harness) wait(timeout time.Duration) (error, bool) {
	if h.done {
		return h.runErr, true
	}
	select {
	case err := <-h.errCh:
		h.done = true
		h.runErr = err
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// WriteConfigFile marshals the harness configuration to a YAML file and
// returns its path, for scenarios that drive the real CLI commands.
func (h *Harness) WriteConfigFile() string {
	h.t.Helper()

	data, err := yaml.Marshal(h.Config)
	if err != nil {
		h.t.Fatalf("marshal config: %v", err)
	}

	path := filepath.Join(h.t.TempDir(), "svidwatch.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		h.t.Fatalf("write config file: %v", err)
	}
	return path
}

// HealthURL builds a URL on the daemon's health listener.
func (h *Harness) HealthURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", h.Config.HealthChecks.BindPort, path)
}

// WaitForHealthy polls the liveness endpoint until it answers healthy.
func (h *Harness) WaitForHealthy(timeout time.Duration) {
	h.t.Helper()

	checker := lifecycle.NewHealthChecker(h.HealthURL(h.Config.HealthChecks.LivenessPath))
	if err := checker.WaitUntilHealthy(timeout); err != nil {
		h.t.Fatalf("daemon never became healthy: %v", err)
	}
}

// testLogger returns a logger that swallows daemon output. Test failures
// report through the harness assertions instead.
func testLogger() *slog.Logger {
	return log.New(&log.Config{Level: "debug", Output: io.Discard})
}

// freePort reserves and immediately releases a loopback port.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
