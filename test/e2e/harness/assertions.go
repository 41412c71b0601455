package harness

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/svidwatch/svidwatch/internal/lifecycle"
)

const pollInterval = 20 * time.Millisecond

// SVIDPath returns the certificate chain file path.
func (h *Harness) SVIDPath() string {
	return filepath.Join(h.CertDir, h.Config.SVIDFileName)
}

// KeyPath returns the private key file path.
func (h *Harness) KeyPath() string {
	return filepath.Join(h.CertDir, h.Config.SVIDKeyFileName)
}

// BundlePath returns the trust bundle file path.
func (h *Harness) BundlePath() string {
	return filepath.Join(h.CertDir, h.Config.BundleFileName())
}

// JWTBundlePath returns the JWKS file path.
func (h *Harness) JWTBundlePath() string {
	return filepath.Join(h.CertDir, h.Config.JWTBundleFileName)
}

// WaitForFiles blocks until every configured credential file exists.
func (h *Harness) WaitForFiles() {
	h.t.Helper()

	files := []string{h.SVIDPath(), h.KeyPath()}
	if h.Config.BundleFileName() != "" {
		files = append(files, h.BundlePath())
	}
	if h.Config.JWTBundleFileName != "" {
		files = append(files, h.JWTBundlePath())
	}

	for _, f := range files {
		h.WaitForFile(f, 10*time.Second)
	}
}

// WaitForFile blocks until path exists.
func (h *Harness) WaitForFile(path string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("file %s did not appear within %s", path, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// LeafCertificate parses the first certificate in the SVID file. Use it
// only while the daemon is quiescent; during rotation prefer
// WaitForSerialChange, which tolerates in-flight writes.
func (h *Harness) LeafCertificate() *x509.Certificate {
	h.t.Helper()

	cert, err := h.tryLeaf()
	if err != nil {
		h.t.Fatalf("read SVID leaf from %s: %v", h.SVIDPath(), err)
	}
	return cert
}

// LeafSerial returns the serial number of the current leaf certificate.
func (h *Harness) LeafSerial() string {
	h.t.Helper()
	return h.LeafCertificate().SerialNumber.String()
}

// WaitForSerialChange polls the SVID file until its leaf serial differs
// from previous and returns the new serial. Passing "" waits for the
// first parseable leaf. Partially written files are tolerated while a
// rotation write is in flight.
func (h *Harness) WaitForSerialChange(previous string, timeout time.Duration) string {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cert, err := h.tryLeaf(); err == nil {
			if serial := cert.SerialNumber.String(); serial != previous {
				return serial
			}
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("SVID serial did not change within %s", timeout)
		}
		time.Sleep(pollInterval)
	}
}

func (h *Harness) tryLeaf() (*x509.Certificate, error) {
	data, err := os.ReadFile(h.SVIDPath())
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// AssertKeyMatchesSVID fails the test when the private key on disk does
// not belong to the leaf certificate. Certificate and key are written
// sequentially, so call this only while the daemon is quiescent or
// stopped.
func (h *Harness) AssertKeyMatchesSVID() {
	h.t.Helper()

	leaf := h.LeafCertificate()

	data, err := os.ReadFile(h.KeyPath())
	if err != nil {
		h.t.Fatalf("read key file: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		h.t.Fatalf("key file %s does not hold a PRIVATE KEY block", h.KeyPath())
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		h.t.Fatalf("parse private key: %v", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		h.t.Fatalf("private key type %T is not a signer", key)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		h.t.Fatal("private key does not match the SVID leaf certificate")
	}
}

// AssertSVIDSignedByBundle verifies the leaf certificate chains to an
// authority in the bundle file.
func (h *Harness) AssertSVIDSignedByBundle() {
	h.t.Helper()

	leaf := h.LeafCertificate()

	data, err := os.ReadFile(h.BundlePath())
	if err != nil {
		h.t.Fatalf("read bundle file: %v", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(data) {
		h.t.Fatalf("bundle file %s holds no certificates", h.BundlePath())
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		// Rotation-test leaves live well under a second; verify inside
		// their validity window rather than at wall-clock now.
		CurrentTime: leaf.NotBefore.Add(time.Second),
	}); err != nil {
		h.t.Fatalf("SVID does not verify against the bundle: %v", err)
	}
}

// WaitForPIDFile polls until the PID file parses and returns the PID.
func (h *Harness) WaitForPIDFile(path string, timeout time.Duration) int {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if pid, err := lifecycle.ReadPIDFile(path); err == nil {
			return pid
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("PID file %s did not appear within %s", path, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// WaitForProcessExit polls until pid no longer maps to a live process.
func (h *Harness) WaitForProcessExit(pid int, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if !lifecycle.IsProcessRunning(pid) {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("process %d still running after %s", pid, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// HealthGet performs a GET against the health listener and returns the
// status code and body.
func (h *Harness) HealthGet(path string) (int, string, error) {
	resp, err := http.Get(h.HealthURL(path))
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}
