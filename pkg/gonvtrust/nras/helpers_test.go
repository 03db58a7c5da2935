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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

const testNonce = "931d8dd0add203ac3d8b4fbde75e115278eefcdceac5b87671a748f32364dfcb"

type MockTokenVerifier struct {
	verifyTokenFunc func(ctx context.Context, signedToken string) (*jwt.Token, error)
}

func (m *MockTokenVerifier) VerifyToken(ctx context.Context, signedToken string) (*jwt.Token, error) {
	if m.verifyTokenFunc != nil {
		return m.verifyTokenFunc(ctx, signedToken)
	}
	return &jwt.Token{Valid: true, Claims: jwt.MapClaims{"x-nvidia-overall-att-result": true}}, nil
}

func verdictVerifier(claims jwt.MapClaims) *MockTokenVerifier {
	return &MockTokenVerifier{
		verifyTokenFunc: func(context.Context, string) (*jwt.Token, error) {
			return &jwt.Token{Valid: true, Claims: claims}, nil
		},
	}
}

func nrasBody(overall string, devices map[string]string) []byte {
	deviceJSON, err := json.Marshal(devices)
	if err != nil {
		panic(err)
	}
	return []byte(fmt.Sprintf(`[["JWT",%q],%s]`, overall, deviceJSON))
}

type signer struct {
	kid string
	key *ecdsa.PrivateKey
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	return &signer{kid: kid, key: key}
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func (s *signer) jwks(t *testing.T) []byte {
	t.Helper()
	pub, err := s.key.PublicKey.ECDH()
	require.NoError(t, err)
	raw := pub.Bytes()
	size := (len(raw) - 1) / 2

	set, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "EC",
			"crv": "P-384",
			"alg": "ES384",
			"use": "sig",
			"kid": s.kid,
			"x":   base64.RawURLEncoding.EncodeToString(raw[1 : 1+size]),
			"y":   base64.RawURLEncoding.EncodeToString(raw[1+size:]),
		}},
	})
	require.NoError(t, err)
	return set
}

// newJWKSServer publishes s's key set and serves attest for any other path.
func newJWKSServer(t *testing.T, s *signer, attest http.HandlerFunc) *httptest.Server {
	t.Helper()
	keySet := s.jwks(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keySet)
	})
	if attest != nil {
		mux.HandleFunc("/", attest)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func gpuCohort(t *testing.T, n int) []*evidence.DeviceEvidence {
	t.Helper()
	cohort := make([]*evidence.DeviceEvidence, n)
	for i := range cohort {
		ev, err := evidence.NewDeviceEvidence([]byte(fmt.Sprintf("gpu-report-%d", i)), []byte("gpu-cert"))
		require.NoError(t, err)
		cohort[i] = ev
	}
	return cohort
}

func switchCohort(t *testing.T, n int) []*evidence.NvSwitchEvidence {
	t.Helper()
	cohort := make([]*evidence.NvSwitchEvidence, n)
	for i := range cohort {
		ev, err := evidence.NewNvSwitchEvidence(fmt.Sprintf("switch-%d", i), []byte(fmt.Sprintf("switch-report-%d", i)), []byte("switch-cert"))
		require.NoError(t, err)
		cohort[i] = ev
	}
	return cohort
}
