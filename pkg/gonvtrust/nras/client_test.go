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

package nras_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
)

type capturedRequest struct {
	method    string
	path      string
	header    http.Header
	connClose bool
	payload   nras.AttestationRequest
}

func recordingServer(t *testing.T, status int, body []byte) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), connClose: r.Close}
		if err := json.NewDecoder(r.Body).Decode(&req.payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		captured <- req

		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func testConfig(class evidence.Class, serviceURL string) nras.Config {
	cfg := nras.DefaultConfig(class)
	cfg.ServiceURL = serviceURL
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestClientAttestGPU(t *testing.T) {
	t.Parallel()

	okBody := nrasBody("overall-token", map[string]string{"GPU-0": "device-token"})

	t.Run("Success", func(t *testing.T) {
		server, captured := recordingServer(t, http.StatusOK, okBody)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		cfg := testConfig(evidence.ClassGPU, server.URL+"/v3/attest/gpu")
		cfg.AllowHold = true
		cfg.AuthToken = "nvapi-secret"
		cohort := gpuCohort(t, 2)

		resp, err := client.AttestGPU(context.Background(), cohort, testNonce, cfg)

		require.NoError(t, err)
		require.True(t, resp.Passed)
		require.Equal(t, map[string]string{"GPU-0": "device-token"}, resp.DeviceTokens)

		req := <-captured
		require.Equal(t, http.MethodPost, req.method)
		require.Equal(t, "/v3/attest/gpu", req.path)
		require.Equal(t, "application/json", req.header.Get("Content-Type"))
		require.Equal(t, "application/json", req.header.Get("Accept"))
		require.Equal(t, "true", req.header.Get("X-NVIDIA-OCSP-ALLOW-CERT-HOLD"))
		require.Equal(t, "nvapi-secret", req.header.Get("Authorization"))
		require.True(t, req.connClose)
		require.Equal(t, testNonce, req.payload.Nonce)
		require.Equal(t, "HOPPER", req.payload.Arch)
		require.Equal(t, "3.0", req.payload.ClaimsVersion)
		require.Equal(t, []evidence.Encoded{evidence.Encode(cohort[0]), evidence.Encode(cohort[1])}, req.payload.EvidenceList)
	})

	t.Run("OptionalHeadersOmitted", func(t *testing.T) {
		server, captured := recordingServer(t, http.StatusOK, okBody)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))

		_, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL))

		require.NoError(t, err)
		req := <-captured
		require.Empty(t, req.header.Values("X-NVIDIA-OCSP-ALLOW-CERT-HOLD"))
		require.Empty(t, req.header.Values("Authorization"))
	})

	t.Run("ArchOverride", func(t *testing.T) {
		server, captured := recordingServer(t, http.StatusOK, okBody)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		cfg := testConfig(evidence.ClassGPU, server.URL)
		cfg.Arch = "BLACKWELL"

		_, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, cfg)

		require.NoError(t, err)
		require.Equal(t, "BLACKWELL", (<-captured).payload.Arch)
	})

	t.Run("FailedVerdict", func(t *testing.T) {
		server, _ := recordingServer(t, http.StatusOK, okBody)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(verdictVerifier(jwt.MapClaims{"x-nvidia-overall-att-result": false})))

		resp, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL))

		require.NoError(t, err)
		require.False(t, resp.Passed)
		require.JSONEq(t, string(okBody), string(resp.Raw))
	})

	t.Run("ServiceRejected", func(t *testing.T) {
		server, _ := recordingServer(t, http.StatusForbidden, []byte(`{"error":"invalid service key"}`))
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))

		resp, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL))

		var rejected *nras.ServiceRejectedError
		require.ErrorAs(t, err, &rejected)
		require.ErrorIs(t, err, nras.ErrServiceRejected)
		require.Equal(t, http.StatusForbidden, rejected.StatusCode)
		require.Equal(t, `{"error":"invalid service key"}`, string(rejected.Body))
		require.Nil(t, resp)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		server, _ := recordingServer(t, http.StatusOK, []byte(`{"status":"ok"}`))
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))

		resp, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL))

		require.ErrorIs(t, err, nras.ErrMalformedResponse)
		require.NotNil(t, resp)
		require.False(t, resp.Passed)
	})

	t.Run("Timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			_, _ = w.Write(okBody)
		}))
		t.Cleanup(server.Close)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		cfg := testConfig(evidence.ClassGPU, server.URL)
		cfg.Timeout = 50 * time.Millisecond

		start := time.Now()
		_, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, cfg)

		require.ErrorIs(t, err, nras.ErrVerificationTimeout)
		require.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		server, _ := recordingServer(t, http.StatusOK, okBody)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.AttestGPU(ctx, gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL))

		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, nras.ErrVerificationTimeout)
	})

	t.Run("ArgumentErrorsSkipNetwork", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			hits.Add(1)
		}))
		t.Cleanup(server.Close)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		cfg := testConfig(evidence.ClassGPU, server.URL)

		_, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), "abcd", cfg)
		require.ErrorIs(t, err, nras.ErrInvalidNonce)

		_, err = client.AttestGPU(context.Background(), gpuCohort(t, 1), strings.Repeat("zz", 32), cfg)
		require.ErrorIs(t, err, nras.ErrInvalidNonce)

		_, err = client.AttestGPU(context.Background(), nil, testNonce, cfg)
		require.ErrorIs(t, err, nras.ErrNoEvidence)

		bad := cfg
		bad.ClaimsVersion = "1.0"
		_, err = client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, bad)
		require.ErrorIs(t, err, nras.ErrInvalidConfig)

		require.Zero(t, hits.Load())
	})

	t.Run("NeverLogsAuthToken", func(t *testing.T) {
		server, _ := recordingServer(t, http.StatusOK, okBody)
		core, logs := observer.New(zap.DebugLevel)
		client := nras.NewClient(server.Client(),
			nras.WithTokenVerifier(&MockTokenVerifier{}),
			nras.WithLogger(zap.New(core)))
		cfg := testConfig(evidence.ClassGPU, server.URL)
		cfg.AuthToken = "nvapi-very-secret"

		_, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, cfg)
		require.NoError(t, err)

		require.NotZero(t, logs.Len())
		require.Equal(t, 1, logs.FilterMessage("attestation response received").Len())
		for _, entry := range logs.All() {
			require.NotContains(t, entry.Message, "nvapi-very-secret")
			for key, value := range entry.ContextMap() {
				require.NotContains(t, fmt.Sprint(value), "nvapi-very-secret", key)
			}
		}
	})
}

func TestClientAttestSwitch(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		body := nrasBody("overall-token", map[string]string{"SWITCH-0": "device-token"})
		server, captured := recordingServer(t, http.StatusOK, body)
		client := nras.NewClient(server.Client(), nras.WithTokenVerifier(&MockTokenVerifier{}))
		cohort := switchCohort(t, 4)

		resp, err := client.AttestSwitch(context.Background(), cohort, testNonce, testConfig(evidence.ClassNvSwitch, server.URL+"/v3/attest/switch"))

		require.NoError(t, err)
		require.True(t, resp.Passed)
		req := <-captured
		require.Equal(t, "/v3/attest/switch", req.path)
		require.Equal(t, "LS10", req.payload.Arch)
		require.Len(t, req.payload.EvidenceList, 4)
		require.Equal(t, cohort[3].EncodedReport(), req.payload.EvidenceList[3].Evidence)
	})
}

func TestClientVerifiesTokenWithServiceKeySet(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "nras-key-1")
	overall := s.sign(t, jwt.MapClaims{
		"x-nvidia-overall-att-result": true,
		"exp":                         time.Now().Add(time.Hour).Unix(),
	})
	server := newJWKSServer(t, s, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(nrasBody(overall, map[string]string{"GPU-0": "device-token"}))
	})
	client := nras.NewClient(server.Client())

	resp, err := client.AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, server.URL+"/v3/attest/gpu"))

	require.NoError(t, err)
	require.True(t, resp.Passed)
	require.True(t, resp.OverallToken.Valid)

	t.Run("ForgedToken", func(t *testing.T) {
		forged := newSigner(t, "nras-key-1").sign(t, jwt.MapClaims{"x-nvidia-overall-att-result": true})
		forgingServer := newJWKSServer(t, s, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(nrasBody(forged, map[string]string{}))
		})

		resp, err := nras.NewClient(forgingServer.Client()).AttestGPU(context.Background(), gpuCohort(t, 1), testNonce, testConfig(evidence.ClassGPU, forgingServer.URL+"/v3/attest/gpu"))

		require.ErrorIs(t, err, nras.ErrInvalidToken)
		require.ErrorIs(t, err, nras.ErrMalformedResponse)
		require.NotNil(t, resp)
		require.False(t, resp.Passed)
	})
}
