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
	"fmt"

	"github.com/spiffe/go-spiffe/v2/bundle/jwtbundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// JWTBundlesEnabled reports whether a JWT bundle file is configured.
func (w *DiskWriter) JWTBundlesEnabled() bool {
	return w.jwtBundleFile != ""
}

// WriteJWTBundles writes the JWKS document for the given trust domain.
// A writer configured without a JWT bundle file name skips silently.
func (w *DiskWriter) WriteJWTBundles(bundles *jwtbundle.Set, td spiffeid.TrustDomain) error {
	if w.jwtBundleFile == "" {
		return nil
	}

	bundle, ok := bundles.Get(td)
	if !ok {
		recordWriteFailure(fileJWTBundle)
		return fmt.Errorf("no JWT bundle for trust domain %q", td)
	}

	jwks, err := bundle.Marshal()
	if err != nil {
		recordWriteFailure(fileJWTBundle)
		return fmt.Errorf("failed to marshal JWT bundle for %q: %w", td, err)
	}

	if err := w.writeFile(w.jwtBundleFile, jwks, w.jwtMode); err != nil {
		recordWriteFailure(fileJWTBundle)
		return err
	}

	return nil
}
