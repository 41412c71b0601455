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

package daemon

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/log"
)

// HealthServer exposes liveness and readiness probes plus the Prometheus
// metrics endpoint. A server built from a config with the listener
// disabled is inert: Start is a no-op and Errs never fires.
type HealthServer struct {
	cfg    config.HealthChecksConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	errCh  chan error

	stopOnce sync.Once
}

// NewHealthServer creates a health server from configuration.
func NewHealthServer(cfg config.HealthChecksConfig, logger *slog.Logger) *HealthServer {
	return &HealthServer{
		cfg:    cfg,
		logger: logger,
	}
}

// Enabled reports whether the listener is configured to run.
func (h *HealthServer) Enabled() bool {
	return h.cfg.ListenerEnabled
}

// Start binds the listener and begins serving probes. A bind failure is
// returned synchronously so the caller can abort startup.
func (h *HealthServer) Start() error {
	if !h.Enabled() {
		return nil
	}

	ln, err := net.Listen("tcp", h.cfg.BindAddress())
	if err != nil {
		return fmt.Errorf("failed to bind health listener on %s: %w", h.cfg.BindAddress(), err)
	}

	router := chi.NewRouter()
	router.Use(log.HTTPMiddleware(h.logger))
	router.Get(h.cfg.LivenessPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get(h.cfg.ReadinessPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)

	h.mu.Lock()
	h.ln = ln
	h.server = server
	h.errCh = errCh
	h.mu.Unlock()

	h.logger.Info("health check server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("liveness_path", h.cfg.LivenessPath),
		slog.String("readiness_path", h.cfg.ReadinessPath),
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	return nil
}

// Errs returns the one-shot failure channel for the serve loop. Receiving
// a nil value means the loop ended without an error. For a disabled or
// not-yet-started server the channel is nil and never fires.
func (h *HealthServer) Errs() <-chan error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errCh
}

// Addr returns the bound listener address, or nil before Start. Useful
// when the configured port is 0.
func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Stop aborts the listener. Probes are not drained, in-flight requests
// are dropped. Safe to call more than once and on a disabled server.
func (h *HealthServer) Stop() {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return
	}

	h.stopOnce.Do(func() {
		if err := server.Close(); err != nil {
			h.logger.Warn("failed to close health check server", log.Error(err))
		}
		h.logger.Info("health check server stopped")
	})
}
