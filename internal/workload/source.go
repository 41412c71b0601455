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

// Package workload fetches X.509 credentials from the SPIFFE Workload API
// and persists them to disk.
package workload

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/jwtbundle"
	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/svidwatch/svidwatch/internal/log"
)

// Credential is a point-in-time X.509 identity snapshot. A credential is
// immutable once built: rotation replaces the whole value, it never
// mutates one in place.
type Credential struct {
	// Certificates is the leaf-first certificate chain.
	Certificates []*x509.Certificate

	// PrivateKey is the leaf certificate's signing key.
	PrivateKey crypto.Signer

	// ID is the SPIFFE ID of the leaf.
	ID spiffeid.ID

	// ExpiresAt is the leaf certificate's notAfter.
	ExpiresAt time.Time

	// Bundle holds the trust bundles delivered with the identity, the own
	// trust domain's plus any federated ones.
	Bundle *x509bundle.Set
}

// Authorities returns the CA certificates of the credential's own trust
// domain followed by any federated domains' authorities.
func (c *Credential) Authorities() []*x509.Certificate {
	var authorities []*x509.Certificate

	td := c.ID.TrustDomain()
	if own, err := c.Bundle.GetX509BundleForTrustDomain(td); err == nil {
		authorities = append(authorities, own.X509Authorities()...)
	}

	for _, bundle := range c.Bundle.Bundles() {
		if bundle.TrustDomain() == td {
			continue
		}
		authorities = append(authorities, bundle.X509Authorities()...)
	}

	return authorities
}

// equal reports whether two credentials carry the same leaf certificate
// and the same authorities.
func (c *Credential) equal(o *Credential) bool {
	if o == nil {
		return false
	}
	if !bytes.Equal(c.Certificates[0].Raw, o.Certificates[0].Raw) {
		return false
	}

	a, b := c.Authorities(), o.Authorities()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Raw, b[i].Raw) {
			return false
		}
	}
	return true
}

// NormalizeAddr maps a bare socket path to the unix:// URI the Workload
// API client expects. Addresses that already carry a scheme pass through.
func NormalizeAddr(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "unix://" + addr
}

// Source maintains the current X.509 credential fetched from the SPIFFE
// Workload API and streams rotation notices.
//
// Construction blocks until an initial credential is obtained under the
// retry policy. After that a background watch keeps Current fresh and
// pulses Updates on every genuine rotation. Transient stream errors are
// retried inside the Workload API client with its own backoff; Updates
// closes only when the watch has ended for good.
type Source struct {
	client *workloadapi.Client
	logger *slog.Logger

	updates chan struct{}

	mu      sync.RWMutex
	current *Credential

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSource connects to the Workload API at agentAddr and blocks until an
// initial credential is available or the retry budget is exhausted.
func NewSource(ctx context.Context, agentAddr string, retryCfg *RetryConfig, logger *slog.Logger) (*Source, error) {
	addr := NormalizeAddr(agentAddr)

	client, err := workloadapi.New(ctx, workloadapi.WithAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to create workload API client for %s: %w", addr, err)
	}

	s := &Source{
		client:  client,
		logger:  logger,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	attempt := 0
	err = Execute(ctx, retryCfg, func(ctx context.Context) error {
		attempt++
		recordConnectAttempt()

		x509Ctx, err := client.FetchX509Context(ctx)
		if err != nil {
			logger.Warn("failed to fetch X509 context",
				log.Int(log.AttemptKey, attempt),
				log.Error(err),
			)
			return err
		}

		cred, err := credentialFromContext(x509Ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.current = cred
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to obtain initial credential from %s: %w", addr, err)
	}

	cred := s.Current()
	logger.Info("obtained initial X509 SVID",
		log.String(log.SPIFFEIDKey, cred.ID.String()),
		log.Time(log.ExpiryKey, cred.ExpiresAt),
	)

	// The watch outlives the startup context; Close tears it down.
	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watch(watchCtx)

	return s, nil
}

// Current returns the latest credential. The returned value is immutable,
// a rotation replaces the pointer rather than mutating the snapshot.
func (s *Source) Current() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Updates returns the rotation notification channel. At most one
// notification is pending at a time, a slow consumer coalesces bursts.
// The channel is closed exactly once, when the watch has ended.
func (s *Source) Updates() <-chan struct{} {
	return s.updates
}

// FetchJWTBundles fetches the current JWT bundles from the Workload API.
func (s *Source) FetchJWTBundles(ctx context.Context) (*jwtbundle.Set, error) {
	bundles, err := s.client.FetchJWTBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWT bundles: %w", err)
	}
	return bundles, nil
}

// Close stops the rotation watch and releases the client connection.
// Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// watch runs the Workload API stream until cancellation or an
// unrecoverable client error, then closes the updates channel.
func (s *Source) watch(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)

	err := s.client.WatchX509Context(ctx, s)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("workload API watch terminated", log.Error(err))
	}
}

// OnX509ContextUpdate stores the delivered credential and pulses the
// updates channel. Re-deliveries of the current credential, which the
// stream produces whenever it (re)connects, don't notify.
func (s *Source) OnX509ContextUpdate(x509Ctx *workloadapi.X509Context) {
	cred, err := credentialFromContext(x509Ctx)
	if err != nil {
		s.logger.Warn("dropping workload API update", log.Error(err))
		return
	}

	s.mu.Lock()
	unchanged := cred.equal(s.current)
	s.current = cred
	s.mu.Unlock()

	if unchanged {
		s.logger.Debug("workload API re-delivered current SVID",
			log.String(log.SPIFFEIDKey, cred.ID.String()),
		)
		return
	}

	recordSVIDUpdate()
	s.logger.Info("received X509 SVID update",
		log.String(log.SPIFFEIDKey, cred.ID.String()),
		log.Time(log.ExpiryKey, cred.ExpiresAt),
	)

	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// OnX509ContextWatchError logs transient stream errors. The client retries
// the stream itself, nothing to do here beyond surfacing the failure.
func (s *Source) OnX509ContextWatchError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Warn("workload API watch error", log.Error(err))
}

// credentialFromContext builds an immutable snapshot from a Workload API
// response.
func credentialFromContext(x509Ctx *workloadapi.X509Context) (*Credential, error) {
	if len(x509Ctx.SVIDs) == 0 {
		return nil, errors.New("workload API returned no X509 SVID")
	}

	svid := x509Ctx.DefaultSVID()
	if len(svid.Certificates) == 0 {
		return nil, errors.New("workload API returned an SVID without certificates")
	}

	leaf := svid.Certificates[0]
	return &Credential{
		Certificates: svid.Certificates,
		PrivateKey:   svid.PrivateKey,
		ID:           svid.ID,
		ExpiresAt:    leaf.NotAfter,
		Bundle:       x509Ctx.Bundles,
	}, nil
}
