// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for fabric verification.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/topology"
)

const namespace = "nvfabric"

// Outcome labels.
const (
	OutcomePassed           = "passed"
	OutcomeFailed           = "failed"
	OutcomeParseError       = "parse_error"
	OutcomeMismatch         = "mismatch"
	OutcomeUnknownSwitch    = "unknown_switch"
	OutcomeGpuCountMismatch = "gpu_count_mismatch"
	OutcomeNonceMismatch    = "nonce_mismatch"
	OutcomeTimeout          = "timeout"
	OutcomeRejected         = "rejected"
	OutcomeMalformed        = "malformed"
	OutcomeError            = "error"
)

// Metrics records the outcome of topology checks and remote verifications.
// A nil *Metrics records nothing.
type Metrics struct {
	topologyChecks      *prometheus.CounterVec
	remoteVerifications *prometheus.CounterVec
	remoteDuration      *prometheus.HistogramVec
	sessions            *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		topologyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_checks_total",
			Help:      "Topology consistency checks by device class and outcome.",
		}, []string{"class", "outcome"}),
		remoteVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_verifications_total",
			Help:      "Remote verification calls by device class and outcome.",
		}, []string{"class", "outcome"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_verification_duration_seconds",
			Help:      "Latency of remote verification calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"class"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Fabric verification sessions by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.topologyChecks, m.remoteVerifications, m.remoteDuration, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveTopology(class evidence.Class, err error) {
	if m == nil {
		return
	}
	outcome := OutcomePassed
	if err != nil {
		outcome = Outcome(err)
	}
	m.topologyChecks.WithLabelValues(class.String(), outcome).Inc()
}

func (m *Metrics) ObserveRemote(class evidence.Class, elapsed time.Duration, resp *nras.VerificationResponse, err error) {
	if m == nil {
		return
	}
	var outcome string
	switch {
	case err != nil:
		outcome = Outcome(err)
	case resp != nil && resp.Passed:
		outcome = OutcomePassed
	default:
		outcome = OutcomeFailed
	}
	m.remoteVerifications.WithLabelValues(class.String(), outcome).Inc()
	m.remoteDuration.WithLabelValues(class.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSession(passed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeFailed
	if passed {
		outcome = OutcomePassed
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// Outcome maps an error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomePassed
	case errors.Is(err, topology.ErrTopologyParse):
		return OutcomeParseError
	case errors.Is(err, topology.ErrUnknownSwitch):
		return OutcomeUnknownSwitch
	case errors.Is(err, topology.ErrGpuCountMismatch):
		return OutcomeGpuCountMismatch
	case errors.Is(err, topology.ErrTopologyMismatch):
		return OutcomeMismatch
	case errors.Is(err, topology.ErrNonceMismatch):
		return OutcomeNonceMismatch
	case errors.Is(err, nras.ErrVerificationTimeout):
		return OutcomeTimeout
	case errors.Is(err, nras.ErrServiceRejected):
		return OutcomeRejected
	case errors.Is(err, nras.ErrMalformedResponse):
		return OutcomeMalformed
	}
	return OutcomeError
}
