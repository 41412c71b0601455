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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svidwatch_updates_processed_total",
		Help: "Number of credential update notifications processed.",
	})

	credentialExpiry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svidwatch_credential_expiry_seconds",
		Help: "Unix timestamp at which the current credential expires.",
	})
)

// recordUpdateProcessed counts a processed rotation notice.
func recordUpdateProcessed() {
	updatesProcessed.Inc()
}

// recordCredentialExpiry publishes the expiry of the credential most
// recently written to disk.
func recordCredentialExpiry(t time.Time) {
	credentialExpiry.Set(float64(t.Unix()))
}
