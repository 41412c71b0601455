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

package workload

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mintSVID issues a self-signed leaf certificate carrying the SPIFFE ID
// as a URI SAN, the shape the Workload API hands out.
func mintSVID(t *testing.T, id spiffeid.ID, notAfter time.Time) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		URIs:                  []*url.URL{id.URL()},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert, key
}

func mintCA(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}
	return cert
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"/run/spire/agent.sock", "unix:///run/spire/agent.sock"},
		{"unix:///run/spire/agent.sock", "unix:///run/spire/agent.sock"},
		{"tcp://127.0.0.1:8081", "tcp://127.0.0.1:8081"},
	}

	for _, tt := range tests {
		if got := NormalizeAddr(tt.addr); got != tt.want {
			t.Errorf("NormalizeAddr(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestCredentialFromContext(t *testing.T) {
	td := spiffeid.RequireTrustDomainFromString("example.org")
	id := spiffeid.RequireFromString("spiffe://example.org/workload")

	t.Run("valid context", func(t *testing.T) {
		notAfter := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
		leaf, key := mintSVID(t, id, notAfter)
		ca := mintCA(t, "test-ca")

		cred, err := credentialFromContext(&workloadapi.X509Context{
			SVIDs: []*x509svid.SVID{{
				ID:           id,
				Certificates: []*x509.Certificate{leaf},
				PrivateKey:   key,
			}},
			Bundles: x509bundle.NewSet(x509bundle.FromX509Authorities(td, []*x509.Certificate{ca})),
		})
		if err != nil {
			t.Fatalf("credentialFromContext() error = %v", err)
		}

		if cred.ID != id {
			t.Errorf("ID = %v, want %v", cred.ID, id)
		}
		if len(cred.Certificates) != 1 || !bytes.Equal(cred.Certificates[0].Raw, leaf.Raw) {
			t.Error("Certificates do not match the delivered leaf")
		}
		if cred.PrivateKey != key {
			t.Error("PrivateKey does not match the delivered key")
		}
		if !cred.ExpiresAt.Equal(leaf.NotAfter) {
			t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, leaf.NotAfter)
		}
	})

	t.Run("no SVIDs", func(t *testing.T) {
		_, err := credentialFromContext(&workloadapi.X509Context{
			Bundles: x509bundle.NewSet(),
		})
		if err == nil || !strings.Contains(err.Error(), "no X509 SVID") {
			t.Errorf("credentialFromContext() error = %v, want no-SVID error", err)
		}
	})

	t.Run("SVID without certificates", func(t *testing.T) {
		_, err := credentialFromContext(&workloadapi.X509Context{
			SVIDs:   []*x509svid.SVID{{ID: id}},
			Bundles: x509bundle.NewSet(),
		})
		if err == nil || !strings.Contains(err.Error(), "without certificates") {
			t.Errorf("credentialFromContext() error = %v, want missing-certificates error", err)
		}
	})
}

func TestCredential_Authorities(t *testing.T) {
	// The federated domain sorts before the own domain; Authorities must
	// still put the own domain's CAs first.
	ownTD := spiffeid.RequireTrustDomainFromString("example.org")
	fedTD := spiffeid.RequireTrustDomainFromString("another.domain")
	id := spiffeid.RequireFromString("spiffe://example.org/workload")

	leaf, _ := mintSVID(t, id, time.Now().Add(time.Hour))
	ownCA := mintCA(t, "own-ca")
	fedCA := mintCA(t, "federated-ca")

	cred := &Credential{
		Certificates: []*x509.Certificate{leaf},
		ID:           id,
		Bundle: x509bundle.NewSet(
			x509bundle.FromX509Authorities(fedTD, []*x509.Certificate{fedCA}),
			x509bundle.FromX509Authorities(ownTD, []*x509.Certificate{ownCA}),
		),
	}

	authorities := cred.Authorities()
	if len(authorities) != 2 {
		t.Fatalf("Authorities() returned %d certificates, want 2", len(authorities))
	}
	if !bytes.Equal(authorities[0].Raw, ownCA.Raw) {
		t.Error("Authorities()[0] is not the own trust domain's CA")
	}
	if !bytes.Equal(authorities[1].Raw, fedCA.Raw) {
		t.Error("Authorities()[1] is not the federated CA")
	}
}

func TestCredential_Equal(t *testing.T) {
	td := spiffeid.RequireTrustDomainFromString("example.org")
	id := spiffeid.RequireFromString("spiffe://example.org/workload")

	leaf, _ := mintSVID(t, id, time.Now().Add(time.Hour))
	rotated, _ := mintSVID(t, id, time.Now().Add(2*time.Hour))
	ca := mintCA(t, "ca-1")
	otherCA := mintCA(t, "ca-2")

	build := func(l *x509.Certificate, authorities ...*x509.Certificate) *Credential {
		return &Credential{
			Certificates: []*x509.Certificate{l},
			ID:           id,
			Bundle:       x509bundle.NewSet(x509bundle.FromX509Authorities(td, authorities)),
		}
	}

	tests := []struct {
		name string
		a, b *Credential
		want bool
	}{
		{"same leaf and authorities", build(leaf, ca), build(leaf, ca), true},
		{"different leaf", build(leaf, ca), build(rotated, ca), false},
		{"same leaf, different authorities", build(leaf, ca), build(leaf, otherCA), false},
		{"same leaf, added authority", build(leaf, ca), build(leaf, ca, otherCA), false},
		{"nil other", build(leaf, ca), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.equal(tt.b); got != tt.want {
				t.Errorf("equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnX509ContextUpdate(t *testing.T) {
	td := spiffeid.RequireTrustDomainFromString("example.org")
	id := spiffeid.RequireFromString("spiffe://example.org/workload")
	ca := mintCA(t, "test-ca")
	bundles := x509bundle.NewSet(x509bundle.FromX509Authorities(td, []*x509.Certificate{ca}))

	contextWithLeaf := func(leaf *x509.Certificate, key crypto.Signer) *workloadapi.X509Context {
		return &workloadapi.X509Context{
			SVIDs: []*x509svid.SVID{{
				ID:           id,
				Certificates: []*x509.Certificate{leaf},
				PrivateKey:   key,
			}},
			Bundles: bundles,
		}
	}

	newTestSource := func() *Source {
		return &Source{
			logger:  testLogger(),
			updates: make(chan struct{}, 1),
		}
	}

	drain := func(t *testing.T, s *Source, want bool) {
		t.Helper()
		select {
		case <-s.updates:
			if !want {
				t.Error("unexpected update notification")
			}
		default:
			if want {
				t.Error("expected an update notification, got none")
			}
		}
	}

	t.Run("first delivery notifies", func(t *testing.T) {
		s := newTestSource()
		leaf, key := mintSVID(t, id, time.Now().Add(time.Hour))

		s.OnX509ContextUpdate(contextWithLeaf(leaf, key))

		if s.Current() == nil {
			t.Fatal("Current() = nil after update")
		}
		drain(t, s, true)
	})

	t.Run("re-delivery of the current credential does not notify", func(t *testing.T) {
		s := newTestSource()
		leaf, key := mintSVID(t, id, time.Now().Add(time.Hour))

		s.OnX509ContextUpdate(contextWithLeaf(leaf, key))
		drain(t, s, true)

		// The stream re-delivers the current context whenever it
		// (re)connects; that must not trigger another notification.
		s.OnX509ContextUpdate(contextWithLeaf(leaf, key))
		drain(t, s, false)
	})

	t.Run("rotation notifies exactly once", func(t *testing.T) {
		s := newTestSource()
		leaf, key := mintSVID(t, id, time.Now().Add(time.Hour))
		s.OnX509ContextUpdate(contextWithLeaf(leaf, key))
		drain(t, s, true)

		rotated, rotatedKey := mintSVID(t, id, time.Now().Add(2*time.Hour))
		s.OnX509ContextUpdate(contextWithLeaf(rotated, rotatedKey))

		if !bytes.Equal(s.Current().Certificates[0].Raw, rotated.Raw) {
			t.Error("Current() does not hold the rotated leaf")
		}
		drain(t, s, true)
		drain(t, s, false)
	})

	t.Run("bursts coalesce into one pending notification", func(t *testing.T) {
		s := newTestSource()
		for i := 0; i < 3; i++ {
			leaf, key := mintSVID(t, id, time.Now().Add(time.Duration(i+1)*time.Hour))
			s.OnX509ContextUpdate(contextWithLeaf(leaf, key))
		}

		drain(t, s, true)
		drain(t, s, false)
	})

	t.Run("malformed update is dropped", func(t *testing.T) {
		s := newTestSource()
		leaf, key := mintSVID(t, id, time.Now().Add(time.Hour))
		s.OnX509ContextUpdate(contextWithLeaf(leaf, key))
		drain(t, s, true)
		before := s.Current()

		s.OnX509ContextUpdate(&workloadapi.X509Context{Bundles: bundles})

		if s.Current() != before {
			t.Error("Current() changed after a malformed update")
		}
		drain(t, s, false)
	})
}
