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

package metrics_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/metrics"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/topology"
)

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  error
		want string
	}{
		"Nil":           {err: nil, want: metrics.OutcomePassed},
		"Parse":         {err: fmt.Errorf("gpu 1: %w", topology.ErrTopologyParse), want: metrics.OutcomeParseError},
		"Mismatch":      {err: &topology.MismatchError{Reason: topology.ReasonDisagreement}, want: metrics.OutcomeMismatch},
		"UnknownSwitch": {err: &topology.UnknownSwitchError{}, want: metrics.OutcomeUnknownSwitch},
		"GpuCount":      {err: &topology.GpuCountMismatchError{}, want: metrics.OutcomeGpuCountMismatch},
		"Nonce":         {err: topology.ErrNonceMismatch, want: metrics.OutcomeNonceMismatch},
		"Timeout":       {err: nras.ErrVerificationTimeout, want: metrics.OutcomeTimeout},
		"Rejected":      {err: &nras.ServiceRejectedError{StatusCode: 500}, want: metrics.OutcomeRejected},
		"Malformed":     {err: nras.ErrMalformedResponse, want: metrics.OutcomeMalformed},
		"Other":         {err: errors.New("boom"), want: metrics.OutcomeError},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, metrics.Outcome(tc.err))
		})
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("Records", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		m, err := metrics.New(reg)
		require.NoError(t, err)

		m.ObserveTopology(evidence.ClassGPU, nil)
		m.ObserveTopology(evidence.ClassNvSwitch, &topology.UnknownSwitchError{})
		m.ObserveRemote(evidence.ClassGPU, time.Second, &nras.VerificationResponse{Passed: true}, nil)
		m.ObserveRemote(evidence.ClassNvSwitch, time.Second, &nras.VerificationResponse{Passed: false}, nil)
		m.ObserveRemote(evidence.ClassNvSwitch, time.Second, nil, nras.ErrVerificationTimeout)
		m.ObserveSession(false)

		requireSeries(t, reg, "nvfabric_topology_checks_total", 2)
		requireSeries(t, reg, "nvfabric_remote_verifications_total", 3)
		requireSeries(t, reg, "nvfabric_remote_verification_duration_seconds", 2)
		requireSeries(t, reg, "nvfabric_sessions_total", 1)
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := metrics.New(reg)
		require.NoError(t, err)

		_, err = metrics.New(reg)

		require.Error(t, err)
	})

	t.Run("NilIsNoop", func(t *testing.T) {
		var m *metrics.Metrics

		require.NotPanics(t, func() {
			m.ObserveTopology(evidence.ClassGPU, nil)
			m.ObserveRemote(evidence.ClassGPU, time.Second, nil, nil)
			m.ObserveSession(true)
		})
	})
}

func requireSeries(t *testing.T, reg prometheus.Gatherer, name string, want int) {
	t.Helper()
	got, err := testutil.GatherAndCount(reg, name)
	require.NoError(t, err)
	require.Equal(t, want, got, name)
}
