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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/svidwatch/svidwatch/internal/config"
	"github.com/svidwatch/svidwatch/internal/log"
)

// DiskWriter persists credential material as PEM files in the configured
// certificate directory. Writes are not transactional: when the chain
// lands and the key write fails, the chain stays on disk and the failure
// is reported to the caller.
type DiskWriter struct {
	dir           string
	svidFile      string
	keyFile       string
	bundleFile    string
	jwtBundleFile string
	certMode      fs.FileMode
	keyMode       fs.FileMode
	jwtMode       fs.FileMode
	logger        *slog.Logger
}

// NewDiskWriter builds a writer from configuration and creates the
// certificate directory if it does not exist.
func NewDiskWriter(cfg *config.Config, logger *slog.Logger) (*DiskWriter, error) {
	certMode, err := config.ParseFileMode(cfg.CertFileMode)
	if err != nil {
		return nil, fmt.Errorf("cert_file_mode: %w", err)
	}
	keyMode, err := config.ParseFileMode(cfg.KeyFileMode)
	if err != nil {
		return nil, fmt.Errorf("key_file_mode: %w", err)
	}
	jwtMode, err := config.ParseFileMode(cfg.JWTBundleFileMode)
	if err != nil {
		return nil, fmt.Errorf("jwt_bundle_file_mode: %w", err)
	}

	if err := os.MkdirAll(cfg.CertDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory %s: %w", cfg.CertDir, err)
	}

	return &DiskWriter{
		dir:           cfg.CertDir,
		svidFile:      cfg.SVIDFileName,
		keyFile:       cfg.SVIDKeyFileName,
		bundleFile:    cfg.BundleFileName(),
		jwtBundleFile: cfg.JWTBundleFileName,
		certMode:      certMode,
		keyMode:       keyMode,
		jwtMode:       jwtMode,
		logger:        logger,
	}, nil
}

// WriteSVID writes the certificate chain and the private key.
func (w *DiskWriter) WriteSVID(cred *Credential) error {
	keyPEM, err := encodePrivateKey(cred.PrivateKey)
	if err != nil {
		recordWriteFailure(fileKey)
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := w.writeFile(w.svidFile, encodeCertificates(cred.Certificates), w.certMode); err != nil {
		recordWriteFailure(fileSVID)
		return err
	}

	if err := w.writeFile(w.keyFile, keyPEM, w.keyMode); err != nil {
		recordWriteFailure(fileKey)
		return err
	}

	return nil
}

// WriteBundle writes the trust bundle authorities. A writer configured
// without a bundle file name skips silently: deployments that distribute
// the bundle by other means opt out this way.
func (w *DiskWriter) WriteBundle(cred *Credential) error {
	if w.bundleFile == "" {
		return nil
	}

	if err := w.writeFile(w.bundleFile, encodeCertificates(cred.Authorities()), w.certMode); err != nil {
		recordWriteFailure(fileBundle)
		return err
	}

	return nil
}

// writeFile writes data under the certificate directory and enforces the
// mode even when the file already existed with different permissions.
func (w *DiskWriter) writeFile(name string, data []byte, mode fs.FileMode) error {
	path := filepath.Join(w.dir, name)

	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}

	w.logger.Debug("wrote credential file",
		log.String(log.PathKey, path),
		log.Int("bytes", len(data)),
	)
	return nil
}

// encodeCertificates renders certificates as concatenated PEM blocks.
func encodeCertificates(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// encodePrivateKey renders a private key as a PKCS#8 PEM block.
func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return buf.Bytes(), nil
}
