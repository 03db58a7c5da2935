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

package nras

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

// NonceHexLength is the length of a hex-encoded 32-byte nonce.
const NonceHexLength = 64

var ErrNoEvidence = errors.New("evidence list is empty")

// Client talks to the remote verification service. Every call builds its own
// request and closes its connection; no state is shared between calls.
type Client struct {
	httpClient    *http.Client
	logger        *zap.Logger
	tokenVerifier TokenVerifier
}

type ClientOption func(*Client)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTokenVerifier replaces the per-call JWKS verification of the overall
// token.
func WithTokenVerifier(v TokenVerifier) ClientOption {
	return func(c *Client) {
		c.tokenVerifier = v
	}
}

func NewClient(httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{httpClient: httpClient}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) AttestGPU(ctx context.Context, cohort []*evidence.DeviceEvidence, nonceHex string, cfg Config) (*VerificationResponse, error) {
	entries := make([]evidence.Encoded, len(cohort))
	for i, ev := range cohort {
		entries[i] = evidence.Encode(ev)
	}
	return c.attest(ctx, evidence.ClassGPU, entries, nonceHex, cfg)
}

func (c *Client) AttestSwitch(ctx context.Context, cohort []*evidence.NvSwitchEvidence, nonceHex string, cfg Config) (*VerificationResponse, error) {
	entries := make([]evidence.Encoded, len(cohort))
	for i, ev := range cohort {
		entries[i] = evidence.Encode(ev)
	}
	return c.attest(ctx, evidence.ClassNvSwitch, entries, nonceHex, cfg)
}

func (c *Client) attest(ctx context.Context, class evidence.Class, entries []evidence.Encoded, nonceHex string, cfg Config) (*VerificationResponse, error) {
	if err := ValidateNonce(nonceHex); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEvidence
	}

	verifier := c.tokenVerifier
	if verifier == nil {
		keySetURL, err := cfg.KeySetURL()
		if err != nil {
			return nil, err
		}
		verifier = NewJWKSVerifier(keySetURL)
	}

	payload, err := json.Marshal(AttestationRequest{
		Nonce:         nonceHex,
		Arch:          cfg.Arch,
		EvidenceList:  entries,
		ClaimsVersion: cfg.ClaimsVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logger := c.logger.With(
		zap.Stringer("class", class),
		zap.String("url", cfg.ServiceURL),
		zap.String("arch", cfg.Arch),
		zap.String("claims_version", cfg.ClaimsVersion),
		zap.String("nonce", nonceHex),
		zap.Int("devices", len(entries)),
		zap.Bool("allow_hold", cfg.AllowHold),
		zap.Duration("timeout", cfg.Timeout),
	)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServiceURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cfg.AllowHold {
		req.Header.Set(AllowHoldCertHeader, "true")
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", cfg.AuthToken)
	}

	logger.Info("sending attestation request")
	start := time.Now()

	response, err := c.httpClient.Do(req)
	if err != nil {
		err = callError(ctx, "failed to send request", err)
		logger.Error("attestation request failed", zap.Error(err))
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		err = callError(ctx, "failed to read response body", err)
		logger.Error("attestation response unreadable", zap.Error(err))
		return nil, err
	}

	logger = logger.With(
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		logger.Error("attestation request rejected")
		return nil, &ServiceRejectedError{
			StatusCode: response.StatusCode,
			Status:     response.Status,
			Body:       body,
		}
	}

	result, err := Interpret(ctx, body, verifier)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrVerificationTimeout, err)
		}
		logger.Error("failed to interpret attestation response", zap.Error(err))
		return result, err
	}

	logger.Info("attestation response received", zap.Bool("passed", result.Passed))
	return result, nil
}

// callError maps an expired deadline to ErrVerificationTimeout and keeps
// caller cancellation visible as context.Canceled.
func callError(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrVerificationTimeout, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// ValidateNonce checks that nonceHex encodes exactly 32 bytes.
func ValidateNonce(nonceHex string) error {
	if len(nonceHex) != NonceHexLength {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidNonce, NonceHexLength, len(nonceHex))
	}
	if _, err := hex.DecodeString(nonceHex); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNonce, err)
	}
	return nil
}

type AttestationRequest struct {
	Nonce         string             `json:"nonce"`
	Arch          string             `json:"arch"`
	EvidenceList  []evidence.Encoded `json:"evidence_list"`
	ClaimsVersion string             `json:"claims_version"`
}
