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

// Package fakeagent is an in-process SPIFFE Workload API server for
// tests. It mints its own certificate authority, answers FetchX509SVID
// with freshly issued SVIDs, and reissues them at half their lifetime so
// rotation can be observed without a real agent. Only tests import it;
// release binaries never link it.
package fakeagent

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/svidwatch/svidwatch/internal/log"
)

// Config describes the identity the fake agent hands out.
type Config struct {
	// TrustDomain is the SPIFFE trust domain name.
	// Default: example.org
	TrustDomain string

	// WorkloadPath is the path component of the workload's SPIFFE ID.
	// Default: /workload
	WorkloadPath string

	// TTL is the lifetime of issued SVIDs. SVIDs are reissued at half
	// their lifetime, the way a real agent keeps identities fresh.
	// Zero disables rotation and issues SVIDs valid for one hour.
	TTL time.Duration

	// SocketPath is the unix socket the gRPC server listens on.
	SocketPath string

	// Logger receives server diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Server is a minimal SPIFFE Workload API implementation. FetchX509SVID
// and FetchJWTBundles stream real, freshly minted material; every other
// method answers codes.Unimplemented via the embedded stub.
type Server struct {
	workload.UnimplementedSpiffeWorkloadAPIServer

	cfg    Config
	td     spiffeid.TrustDomain
	id     spiffeid.ID
	ca     *authority
	jwks   []byte
	logger *slog.Logger

	mu   sync.Mutex
	grpc *grpc.Server
}

// New mints a certificate authority and a JWT authority for the
// configured trust domain. The server does not listen until Start.
func New(cfg Config) (*Server, error) {
	if cfg.TrustDomain == "" {
		cfg.TrustDomain = "example.org"
	}
	if cfg.WorkloadPath == "" {
		cfg.WorkloadPath = "/workload"
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("fakeagent: socket path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	td, err := spiffeid.TrustDomainFromString(cfg.TrustDomain)
	if err != nil {
		return nil, fmt.Errorf("fakeagent: invalid trust domain: %w", err)
	}
	id, err := spiffeid.FromPath(td, cfg.WorkloadPath)
	if err != nil {
		return nil, fmt.Errorf("fakeagent: invalid workload path: %w", err)
	}

	ca, err := newAuthority(td)
	if err != nil {
		return nil, fmt.Errorf("fakeagent: failed to mint CA: %w", err)
	}
	jwks, err := newJWKS(td)
	if err != nil {
		return nil, fmt.Errorf("fakeagent: failed to mint JWT authority: %w", err)
	}

	return &Server{
		cfg:    cfg,
		td:     td,
		id:     id,
		ca:     ca,
		jwks:   jwks,
		logger: cfg.Logger,
	}, nil
}

// Addr returns the agent address in the unix:// form the Workload API
// client expects.
func (s *Server) Addr() string {
	return "unix://" + s.cfg.SocketPath
}

// ID returns the SPIFFE ID of the identity the server issues.
func (s *Server) ID() spiffeid.ID {
	return s.id
}

// Start binds the unix socket and serves in the background. A stale
// socket file from an earlier run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("fakeagent: failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fakeagent: failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("fakeagent: failed to listen on %s: %w", s.cfg.SocketPath, err)
	}

	server := grpc.NewServer()
	workload.RegisterSpiffeWorkloadAPIServer(server, s)

	s.mu.Lock()
	s.grpc = server
	s.mu.Unlock()

	s.logger.Info("fake agent listening",
		log.String(log.PathKey, s.cfg.SocketPath),
		log.String(log.SPIFFEIDKey, s.id.String()),
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			s.logger.Warn("fake agent serve ended", log.Error(err))
		}
	}()

	return nil
}

// Stop aborts the server and all open streams. Safe to call more than
// once and before Start.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.grpc
	s.grpc = nil
	s.mu.Unlock()
	if server != nil {
		server.Stop()
	}
}

// svidLifetime returns how long issued SVIDs are valid.
func (s *Server) svidLifetime() time.Duration {
	if s.cfg.TTL <= 0 {
		return time.Hour
	}
	return s.cfg.TTL
}

// rotationInterval returns how often new SVIDs are streamed, or zero
// when rotation is disabled.
func (s *Server) rotationInterval() time.Duration {
	if s.cfg.TTL <= 0 {
		return 0
	}
	interval := s.cfg.TTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// FetchX509SVID streams an initial X509-SVID response and then a freshly
// minted one every rotation interval until the stream is torn down.
func (s *Server) FetchX509SVID(_ *workload.X509SVIDRequest, stream workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error {
	ctx := stream.Context()
	s.logger.Debug("X509 SVID stream opened")

	send := func() error {
		resp, err := s.mintX509Response()
		if err != nil {
			return status.Errorf(codes.Internal, "failed to mint SVID: %v", err)
		}
		return stream.Send(resp)
	}

	if err := send(); err != nil {
		return err
	}

	interval := s.rotationInterval()
	if interval == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("X509 SVID stream closed")
			return ctx.Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
			s.logger.Debug("rotated X509 SVID", log.String(log.SPIFFEIDKey, s.id.String()))
		}
	}
}

// FetchJWTBundles streams the trust domain's JWKS document once and
// again on every rotation interval.
func (s *Server) FetchJWTBundles(_ *workload.JWTBundlesRequest, stream workload.SpiffeWorkloadAPI_FetchJWTBundlesServer) error {
	ctx := stream.Context()

	resp := &workload.JWTBundlesResponse{
		Bundles: map[string][]byte{s.td.IDString(): s.jwks},
	}
	if err := stream.Send(resp); err != nil {
		return err
	}

	interval := s.rotationInterval()
	if interval == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
	}
}

// mintX509Response issues a fresh SVID for the workload identity.
func (s *Server) mintX509Response() (*workload.X509SVIDResponse, error) {
	certDER, keyDER, err := s.ca.mintSVID(s.id, s.svidLifetime())
	if err != nil {
		return nil, err
	}

	return &workload.X509SVIDResponse{
		Svids: []*workload.X509SVID{{
			SpiffeId:    s.id.String(),
			X509Svid:    certDER,
			X509SvidKey: keyDER,
			Bundle:      s.ca.cert.Raw,
		}},
	}, nil
}
