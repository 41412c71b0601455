package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/svidwatch/svidwatch/internal/commands/healthcheck"
	"github.com/svidwatch/svidwatch/test/e2e/harness"
)

func TestHealthEndpointsWhileRunning(t *testing.T) {
	h := harness.New(t, harness.WithHealthServer())
	h.Start()
	h.WaitForHealthy(5 * time.Second)

	for _, path := range []string{
		h.Config.HealthChecks.LivenessPath,
		h.Config.HealthChecks.ReadinessPath,
	} {
		status, _, err := h.HealthGet(path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if status != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, status, http.StatusOK)
		}
	}

	status, body, err := h.HealthGet("/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("GET /metrics = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, "svidwatch_") {
		t.Error("metrics output holds no svidwatch series")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("daemon exited with error: %v", err)
	}

	if _, _, err := h.HealthGet(h.Config.HealthChecks.LivenessPath); err == nil {
		t.Error("health listener still answering after shutdown")
	}
}

// TestHealthcheckCommandAgainstDaemon drives the real healthcheck CLI
// command against a running daemon sharing the same configuration file.
func TestHealthcheckCommandAgainstDaemon(t *testing.T) {
	h := harness.New(t, harness.WithHealthServer())
	cfgPath := h.WriteConfigFile()

	h.Start()
	h.WaitForHealthy(5 * time.Second)

	if err := runHealthcheck(cfgPath); err != nil {
		t.Fatalf("healthcheck command failed against a healthy daemon: %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("daemon exited with error: %v", err)
	}

	if err := runHealthcheck(cfgPath); err == nil {
		t.Error("healthcheck command succeeded against a stopped daemon")
	}
}

func runHealthcheck(cfgPath string) error {
	cmd := healthcheck.NewHealthCheckCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{"--config", cfgPath})
	return cmd.Execute()
}
