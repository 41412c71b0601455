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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Credential file kinds used as metric label values.
const (
	fileSVID      = "svid"
	fileKey       = "key"
	fileBundle    = "bundle"
	fileJWTBundle = "jwt_bundle"
)

var (
	// svidUpdates tracks X509 SVID rotations received from the agent
	svidUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svidwatch_svid_updates_total",
			Help: "Total X509 SVID rotations received from the Workload API",
		},
	)

	// connectAttempts tracks initial fetch attempts against the agent
	connectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svidwatch_connect_attempts_total",
			Help: "Total initial fetch attempts against the Workload API",
		},
	)

	// writeFailures tracks credential writes that failed per file kind
	writeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svidwatch_svid_write_failures_total",
			Help: "Total credential file writes that failed by file kind",
		},
		[]string{"file"},
	)
)

// recordSVIDUpdate increments the rotation counter
func recordSVIDUpdate() {
	svidUpdates.Inc()
}

// recordConnectAttempt increments the initial fetch attempt counter
func recordConnectAttempt() {
	connectAttempts.Inc()
}

// recordWriteFailure increments the write failure counter
func recordWriteFailure(file string) {
	writeFailures.WithLabelValues(file).Inc()
}
