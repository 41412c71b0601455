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

package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signal dispatch targets used as metric label values.
const (
	targetChild   = "child"
	targetPIDFile = "pid_file"
)

var (
	// signalsDispatched tracks renewal signals delivered per target
	signalsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svidwatch_signals_dispatched_total",
			Help: "Total renewal signals delivered by target",
		},
		[]string{"target"},
	)

	// signalFailures tracks renewal signal deliveries that failed per target
	signalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svidwatch_signal_failures_total",
			Help: "Total renewal signal deliveries that failed by target",
		},
		[]string{"target"},
	)
)

// recordSignalDispatched increments the dispatched counter
func recordSignalDispatched(target string) {
	signalsDispatched.WithLabelValues(target).Inc()
}

// recordSignalFailure increments the failure counter
func recordSignalFailure(target string) {
	signalFailures.WithLabelValues(target).Inc()
}
