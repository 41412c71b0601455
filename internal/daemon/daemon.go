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

// Package daemon orchestrates the svidwatch run: initial credential
// persistence, then concurrent supervision of the update watcher, the
// managed child process, the liveness heartbeat, and the health server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/jwtbundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/lifecycle"
	"github.com/svidwatch/svidwatch/internal/log"
	"github.com/svidwatch/svidwatch/internal/workload"
)

// heartbeatInterval is how often the liveness heartbeat logs. Tests
// shorten it.
var heartbeatInterval = 30 * time.Second

// CredentialSource provides the current credential and rotation notices.
// *workload.Source satisfies this interface.
type CredentialSource interface {
	Current() *workload.Credential
	Updates() <-chan struct{}
	FetchJWTBundles(ctx context.Context) (*jwtbundle.Set, error)
}

// CredentialWriter persists credential material to disk.
// *workload.DiskWriter satisfies this interface.
type CredentialWriter interface {
	WriteSVID(cred *workload.Credential) error
	WriteBundle(cred *workload.Credential) error
	JWTBundlesEnabled() bool
	WriteJWTBundles(bundles *jwtbundle.Set, td spiffeid.TrustDomain) error
}

// Daemon sequences startup and supervises the concurrent activities until
// a terminal condition ends the run.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	source   CredentialSource
	writer   CredentialWriter
	child    *lifecycle.Child
	notifier *lifecycle.Notifier
	health   *HealthServer
}

// New wires a daemon from configuration and an established credential
// source.
func New(cfg *config.Config, source CredentialSource, writer CredentialWriter, logger *slog.Logger) (*Daemon, error) {
	var child *lifecycle.Child
	if cfg.Cmd != "" {
		args, err := lifecycle.SplitCommandLine(cfg.CmdArgs)
		if err != nil {
			return nil, err
		}
		child = lifecycle.NewChild(cfg.Cmd, args, logger)
	}

	notifier, err := lifecycle.NewNotifier(cfg.RenewSignal, child, cfg.PIDFileName, logger)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		writer:   writer,
		child:    child,
		notifier: notifier,
		health:   NewHealthServer(cfg.HealthChecks, logger),
	}, nil
}

// HealthAddr returns the bound health listener address, or nil when the
// listener is disabled or not yet started.
func (d *Daemon) HealthAddr() net.Addr {
	return d.health.Addr()
}

// Run writes the initial credential and then, in daemon mode, supervises
// the concurrent activities until shutdown. The initial write completes
// before any concurrent activity starts.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writeCredential(ctx); err != nil {
		return fmt.Errorf("failed to write initial credential: %w", err)
	}

	cred := d.source.Current()
	d.logger.Info("wrote credential files",
		log.String(log.SPIFFEIDKey, cred.ID.String()),
		log.String(log.PathKey, d.cfg.CertDir),
		log.Time(log.ExpiryKey, cred.ExpiresAt),
	)

	if !d.cfg.DaemonModeEnabled() {
		d.logger.Info("one-shot mode complete")
		return nil
	}

	return d.supervise(ctx)
}

// supervise spawns the managed child, starts the health server, and runs
// the main wait. Exactly one terminal condition ends the run: an OS
// termination request (graceful), loss of the update channel (fatal), or
// a health server exit. A pending termination request wins over a fatal
// condition that became ready at the same time.
func (d *Daemon) supervise(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	childDone := make(chan error, 1)
	if d.child != nil {
		if err := d.child.Start(); err != nil {
			return fmt.Errorf("failed to start managed process: %w", err)
		}
		go func() { childDone <- d.child.Watch(runCtx) }()
	} else {
		close(childDone)
	}

	if err := d.health.Start(); err != nil {
		cancel()
		if cErr := <-childDone; cErr != nil {
			d.logger.Error("managed process shutdown failed", log.Error(cErr))
		}
		return err
	}

	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		d.heartbeat(runCtx)
	}()

	fatalCh := make(chan error, 1)
	var watcherWG sync.WaitGroup
	watcherWG.Add(1)
	go func() {
		defer watcherWG.Done()
		d.watchUpdates(runCtx, fatalCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	d.logger.Info("daemon running")

	var result error
	select {
	case sig := <-sigCh:
		d.logger.Info("received termination signal, shutting down",
			log.String(log.SignalKey, sig.String()))
	case <-runCtx.Done():
		d.logger.Info("shutdown requested")
	case err := <-fatalCh:
		if result = d.orTermination(sigCh, err); result != nil {
			d.logger.Error("shutting down on fatal error", log.Error(result))
		}
	case err := <-d.health.Errs():
		if err != nil {
			err = fmt.Errorf("health check server failed: %w", err)
		} else {
			d.logger.Warn("health check server exited unexpectedly")
		}
		if result = d.orTermination(sigCh, err); result != nil {
			d.logger.Error("shutting down on fatal error", log.Error(result))
		}
	}

	cancel()

	heartbeatWG.Wait()

	if cErr := <-childDone; cErr != nil {
		d.logger.Error("managed process shutdown failed", log.Error(cErr))
		if result == nil {
			result = cErr
		}
	}

	// Joined last: it is the activity most likely to be mid-write.
	watcherWG.Wait()

	d.health.Stop()

	d.logger.Info("daemon shutdown complete")
	return result
}

// orTermination resolves a terminal condition against a concurrently
// delivered termination request: when both are ready, termination wins
// and the run counts as graceful.
func (d *Daemon) orTermination(sigCh <-chan os.Signal, err error) error {
	select {
	case sig := <-sigCh:
		d.logger.Info("received termination signal, shutting down",
			log.String(log.SignalKey, sig.String()))
		return nil
	default:
		return err
	}
}

// watchUpdates is the update-watcher activity: on each rotation notice it
// re-reads the current credential, persists it, and dispatches the renew
// signal only when the write succeeded. A failed write is logged and the
// loop keeps waiting; the same update is not retried.
func (d *Daemon) watchUpdates(ctx context.Context, fatalCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-d.source.Updates():
			if !ok {
				// The source does not rebuild its session; a closed
				// channel means rotation notices are gone for good.
				select {
				case <-ctx.Done():
				default:
					fatalCh <- errors.New("update channel closed")
				}
				return
			}
			d.handleUpdate(ctx)
		}
	}
}

func (d *Daemon) handleUpdate(ctx context.Context) {
	recordUpdateProcessed()

	if err := d.writeCredential(ctx); err != nil {
		d.logger.Error("failed to write updated credential", log.Error(err))
		return
	}

	cred := d.source.Current()
	d.logger.Info("wrote credential files",
		log.String(log.SPIFFEIDKey, cred.ID.String()),
		log.Time(log.ExpiryKey, cred.ExpiresAt),
	)

	d.notifier.Dispatch()
}

// writeCredential persists the source's current credential, trust bundle,
// and, when configured, JWT bundles.
func (d *Daemon) writeCredential(ctx context.Context) error {
	cred := d.source.Current()

	if err := d.writer.WriteSVID(cred); err != nil {
		return err
	}
	if err := d.writer.WriteBundle(cred); err != nil {
		return err
	}

	if d.writer.JWTBundlesEnabled() {
		bundles, err := d.source.FetchJWTBundles(ctx)
		if err != nil {
			return err
		}
		if err := d.writer.WriteJWTBundles(bundles, cred.ID.TrustDomain()); err != nil {
			return err
		}
	}

	recordCredentialExpiry(cred.ExpiresAt)
	return nil
}

func (d *Daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logger.Info("daemon is alive")
		}
	}
}
