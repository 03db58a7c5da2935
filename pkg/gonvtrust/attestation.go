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

// Package gonvtrust verifies a GPU/NVSwitch fabric: local topology
// consistency and remote attestation of both device classes, all bound to
// one nonce.
package gonvtrust

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/metrics"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/topology"
)

// ErrAttestationFailed is returned when the verification service answered
// with a negative overall verdict.
var ErrAttestationFailed = errors.New("remote attestation failed")

type RemoteVerifier interface {
	AttestGPU(ctx context.Context, cohort []*evidence.DeviceEvidence, nonceHex string, cfg nras.Config) (*nras.VerificationResponse, error)
	AttestSwitch(ctx context.Context, cohort []*evidence.NvSwitchEvidence, nonceHex string, cfg nras.Config) (*nras.VerificationResponse, error)
}

// EvidenceCollector gathers evidence bound to nonce from local devices.
type EvidenceCollector[T evidence.Evidence] interface {
	CollectEvidence(nonce []byte) ([]T, error)
}

// ArchitectureReporter is implemented by GPU collectors that know the
// architecture of their devices. Attest sends that architecture to the
// verification service in place of the configured one.
type ArchitectureReporter interface {
	Architecture() (string, error)
}

// FabricEvidence is everything collected for one verification session.
type FabricEvidence struct {
	GPUs     []*evidence.DeviceEvidence
	Switches []*evidence.NvSwitchEvidence
}

type FabricVerifier struct {
	remote           RemoteVerifier
	gpuConfig        nras.Config
	switchConfig     nras.Config
	expectedGPUs     int
	expectedSwitches int
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

type FabricOption func(*FabricVerifier)

func WithGPUConfig(cfg nras.Config) FabricOption {
	return func(f *FabricVerifier) {
		f.gpuConfig = cfg
	}
}

func WithSwitchConfig(cfg nras.Config) FabricOption {
	return func(f *FabricVerifier) {
		f.switchConfig = cfg
	}
}

// WithExpectedGPUs sets the required GPU count. Zero accepts any count.
func WithExpectedGPUs(n int) FabricOption {
	return func(f *FabricVerifier) {
		f.expectedGPUs = n
	}
}

// WithExpectedSwitches sets the number of switches every GPU must report.
// Zero skips the topology checks, for systems without NVSwitches.
func WithExpectedSwitches(n int) FabricOption {
	return func(f *FabricVerifier) {
		f.expectedSwitches = n
	}
}

func WithLogger(logger *zap.Logger) FabricOption {
	return func(f *FabricVerifier) {
		f.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) FabricOption {
	return func(f *FabricVerifier) {
		f.metrics = m
	}
}

func NewFabricVerifier(remote RemoteVerifier, opts ...FabricOption) (*FabricVerifier, error) {
	if remote == nil {
		return nil, errors.New("remote verifier is required")
	}

	f := &FabricVerifier{
		remote:           remote,
		gpuConfig:        nras.DefaultGPUConfig(),
		switchConfig:     nras.DefaultSwitchConfig(),
		expectedGPUs:     topology.DefaultExpectedGPUs,
		expectedSwitches: topology.DefaultExpectedSwitches,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.expectedGPUs < 0 || f.expectedSwitches < 0 {
		return nil, fmt.Errorf("expected device counts must not be negative: gpus=%d switches=%d", f.expectedGPUs, f.expectedSwitches)
	}
	if err := f.gpuConfig.Validate(); err != nil {
		return nil, fmt.Errorf("gpu config: %w", err)
	}
	if err := f.switchConfig.Validate(); err != nil {
		return nil, fmt.Errorf("switch config: %w", err)
	}
	return f, nil
}

// NewNonce returns a fresh random session nonce.
func NewNonce() ([topology.NonceSize]byte, error) {
	var nonce [topology.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// SessionResult holds the outcome of every item of a session. An item that
// did not run has neither a value nor an error.
type SessionResult struct {
	SessionID string
	Nonce     [topology.NonceSize]byte

	TopologySkipped bool
	// SwitchTopologySkipped is set when only the GPU-side check ran because
	// no switch evidence was collected.
	SwitchTopologySkipped bool
	GPUTopology           *topology.Result
	GPUTopologyErr        error
	SwitchTopologyErr     error

	GPUAttestation       *nras.VerificationResponse
	GPUAttestationErr    error
	SwitchAttestation    *nras.VerificationResponse
	SwitchAttestationErr error
}

// Passed reports whether every item that had to run ran and passed.
func (r *SessionResult) Passed() bool {
	if r.Err() != nil {
		return false
	}
	if !r.TopologySkipped && r.GPUTopology == nil {
		return false
	}
	if r.GPUAttestation == nil || !r.GPUAttestation.Passed {
		return false
	}
	return r.SwitchAttestation == nil || r.SwitchAttestation.Passed
}

// Err joins the errors of all items.
func (r *SessionResult) Err() error {
	return errors.Join(r.GPUTopologyErr, r.SwitchTopologyErr, r.GPUAttestationErr, r.SwitchAttestationErr)
}

// session holds the settings of one verification session.
type session struct {
	gpuConfig     nras.Config
	checkSwitches bool
}

// Verify runs the topology checks and the remote attestation of both device
// classes concurrently. Every branch runs to completion so each item reports
// its own outcome. The returned error is the result's Err.
func (f *FabricVerifier) Verify(ctx context.Context, nonce [topology.NonceSize]byte, fabric FabricEvidence) (*SessionResult, error) {
	return f.verify(ctx, nonce, fabric, session{gpuConfig: f.gpuConfig, checkSwitches: true})
}

func (f *FabricVerifier) verify(ctx context.Context, nonce [topology.NonceSize]byte, fabric FabricEvidence, s session) (*SessionResult, error) {
	result := &SessionResult{
		SessionID:       uuid.NewString(),
		Nonce:           nonce,
		TopologySkipped: f.expectedSwitches == 0,
	}
	result.SwitchTopologySkipped = !result.TopologySkipped && !s.checkSwitches
	logger := f.logger.With(zap.String("session_id", result.SessionID))
	nonceHex := hex.EncodeToString(nonce[:])

	logger.Info("fabric verification started",
		zap.String("nonce", nonceHex),
		zap.String("gpu_arch", s.gpuConfig.Arch),
		zap.Int("gpus", len(fabric.GPUs)),
		zap.Int("switches", len(fabric.Switches)))

	var g errgroup.Group

	if !result.TopologySkipped {
		g.Go(func() error {
			verifier := topology.NewVerifier(
				topology.WithExpectedGPUs(f.expectedGPUs),
				topology.WithExpectedSwitches(f.expectedSwitches),
				topology.WithNonce(nonce),
				topology.WithLogger(logger),
			)

			result.GPUTopology, result.GPUTopologyErr = verifier.VerifyGPUTopology(fabric.GPUs)
			f.metrics.ObserveTopology(evidence.ClassGPU, result.GPUTopologyErr)
			if result.GPUTopologyErr != nil || result.SwitchTopologySkipped {
				return nil
			}

			result.SwitchTopologyErr = verifier.VerifySwitchTopology(fabric.Switches, result.GPUTopology, result.GPUTopology.NumGPUs)
			f.metrics.ObserveTopology(evidence.ClassNvSwitch, result.SwitchTopologyErr)
			return nil
		})
	}

	g.Go(func() error {
		start := time.Now()
		resp, err := f.remote.AttestGPU(ctx, fabric.GPUs, nonceHex, s.gpuConfig)
		f.metrics.ObserveRemote(evidence.ClassGPU, time.Since(start), resp, err)
		result.GPUAttestation, result.GPUAttestationErr = resp, verdictError(evidence.ClassGPU, resp, err)
		return nil
	})

	if len(fabric.Switches) > 0 {
		g.Go(func() error {
			start := time.Now()
			resp, err := f.remote.AttestSwitch(ctx, fabric.Switches, nonceHex, f.switchConfig)
			f.metrics.ObserveRemote(evidence.ClassNvSwitch, time.Since(start), resp, err)
			result.SwitchAttestation, result.SwitchAttestationErr = resp, verdictError(evidence.ClassNvSwitch, resp, err)
			return nil
		})
	}

	// Branches record their outcome in result and never fail the group.
	_ = g.Wait()

	passed := result.Passed()
	f.metrics.ObserveSession(passed)
	if passed {
		logger.Info("fabric verification passed")
	} else {
		logger.Warn("fabric verification failed", zap.Error(result.Err()))
	}
	return result, result.Err()
}

func verdictError(class evidence.Class, resp *nras.VerificationResponse, err error) error {
	if err != nil {
		return fmt.Errorf("%s attestation: %w", class, err)
	}
	if resp == nil {
		return fmt.Errorf("%s attestation: %w", class, nras.ErrMalformedResponse)
	}
	if !resp.Passed {
		return fmt.Errorf("%s attestation: %w", class, ErrAttestationFailed)
	}
	return nil
}

// Attest collects evidence under a fresh nonce and verifies it. A nil
// switchCollector attests the GPUs alone; the GPU-side topology check still
// runs and the switch-side check is skipped.
func (f *FabricVerifier) Attest(
	ctx context.Context,
	gpus EvidenceCollector[*evidence.DeviceEvidence],
	switches EvidenceCollector[*evidence.NvSwitchEvidence],
) (*SessionResult, error) {
	if gpus == nil {
		return nil, errors.New("gpu collector is required")
	}

	s := session{gpuConfig: f.gpuConfig, checkSwitches: switches != nil}
	if reporter, ok := gpus.(ArchitectureReporter); ok {
		arch, err := reporter.Architecture()
		if err != nil {
			return nil, fmt.Errorf("failed to get gpu architecture: %w", err)
		}
		s.gpuConfig.Arch = arch
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	var fabric FabricEvidence
	fabric.GPUs, err = gpus.CollectEvidence(nonce[:])
	if err != nil {
		return nil, fmt.Errorf("failed to collect gpu evidence: %w", err)
	}
	if switches != nil {
		fabric.Switches, err = switches.CollectEvidence(nonce[:])
		if err != nil {
			return nil, fmt.Errorf("failed to collect nvswitch evidence: %w", err)
		}
	}

	return f.verify(ctx, nonce, fabric, s)
}
