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

// Package gpu collects attestation evidence from local GPUs through NVML.
package gpu

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/zap"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/certs"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
)

const NonceSize = nvml.CC_GPU_CEC_NONCE_SIZE

var ErrConfidentialComputingDisabled = errors.New("confidential computing is not enabled")

type NvmlGPUAdmin struct {
	nvmlHandler NvmlHandler
	logger      *zap.Logger
}

func NewNvmlGPUAdmin(h NvmlHandler, logger *zap.Logger) (*NvmlGPUAdmin, error) {
	if h == nil {
		h = &DefaultNVMLHandler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ret := h.Init()

	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}

	return &NvmlGPUAdmin{
		nvmlHandler: h,
		logger:      logger,
	}, nil
}

func archName(arch nvml.DeviceArchitecture) (string, bool) {
	switch arch {
	case nvml.DEVICE_ARCH_HOPPER:
		return nras.ArchHopper, true
	case nvml.DEVICE_ARCH_BLACKWELL:
		return nras.ArchBlackwell, true
	}
	return "UNSUPPORTED", false
}

// Architecture returns the verification service architecture name of the
// first GPU. Mixed-architecture systems are rejected.
func (g *NvmlGPUAdmin) Architecture() (string, error) {
	count, ret := g.nvmlHandler.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}
	if count == 0 {
		return "", errors.New("no GPUs found")
	}

	var first string
	for i := 0; i < count; i++ {
		device, ret := g.nvmlHandler.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return "", fmt.Errorf("unable to get device at index %d: %v", i, nvml.ErrorString(ret))
		}
		arch, ret := device.GetArchitecture()
		if ret != nvml.SUCCESS {
			return "", fmt.Errorf("unable to get architecture of device at index %d: %v", i, nvml.ErrorString(ret))
		}
		name, ok := archName(arch)
		if !ok {
			return "", fmt.Errorf("device at index %d is not supported", i)
		}
		if i == 0 {
			first = name
		} else if name != first {
			return "", fmt.Errorf("device at index %d is %s, expected %s", i, name, first)
		}
	}
	return first, nil
}

// CollectEvidence requests an attestation report bound to nonce from every
// GPU. Each device's certificate chain must be internally consistent before
// its evidence is returned.
func (g *NvmlGPUAdmin) CollectEvidence(nonce []byte) ([]*evidence.DeviceEvidence, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	ccSettings, ret := g.nvmlHandler.SystemGetConfComputeSettings()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to get compute state: %v", nvml.ErrorString(ret))
	}

	if ccSettings.CcFeature != nvml.CC_SYSTEM_FEATURE_ENABLED && ccSettings.MultiGpuMode != nvml.CC_SYSTEM_MULTIGPU_PROTECTED_PCIE {
		return nil, ErrConfidentialComputingDisabled
	}

	count, ret := g.nvmlHandler.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	cohort := make([]*evidence.DeviceEvidence, 0, count)

	for i := 0; i < count; i++ {
		device, ret := g.nvmlHandler.DeviceGetHandleByIndex(i)

		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("unable to get device at index %d: %v", i, nvml.ErrorString(ret))
		}

		deviceArchitecture, ret := device.GetArchitecture()

		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("unable to get architecture of device at index %d: %v", i, nvml.ErrorString(ret))
		}

		if _, ok := archName(deviceArchitecture); !ok {
			return nil, fmt.Errorf("device at index %d is not supported", i)
		}

		report, ret := device.GetConfComputeGpuAttestationReport(nonce)

		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("unable to get attestation report of device at index %d: %v", i, nvml.ErrorString(ret))
		}

		certificate, ret := device.GetConfComputeGpuCertificate()

		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("unable to get certificate of device at index %d: %v", i, nvml.ErrorString(ret))
		}

		certChain, err := certs.NewCertChainFromData(certificate.AttestationCertChain[:certificate.AttestationCertChainSize])
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate chain of device at index %d: %w", i, err)
		}
		if err := certChain.Verify(); err != nil {
			return nil, fmt.Errorf("failed to verify certificate chain of device at index %d: %w", i, err)
		}

		chainPEM, err := certChain.PEM()
		if err != nil {
			return nil, fmt.Errorf("device at index %d: %w", i, err)
		}

		ev, err := evidence.NewDeviceEvidence(report.AttestationReport[:report.AttestationReportSize], chainPEM)
		if err != nil {
			return nil, fmt.Errorf("device at index %d: %w", i, err)
		}
		cohort = append(cohort, ev)
	}

	g.logger.Debug("collected gpu evidence", zap.Int("gpus", len(cohort)))
	return cohort, nil
}

func (g *NvmlGPUAdmin) AllGPUInPersistenceMode() (bool, error) {
	count, ret := g.nvmlHandler.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	for i := 0; i < count; i++ {
		device, ret := g.nvmlHandler.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return false, fmt.Errorf("unable to get device at index %d: %v", i, nvml.ErrorString(ret))
		}

		mode, ret := device.GetPersistenceMode()
		if ret != nvml.SUCCESS {
			return false, fmt.Errorf("unable to get persistence mode for device at index %d: %v", i, nvml.ErrorString(ret))
		}

		if mode != nvml.FEATURE_ENABLED {
			return false, nil
		}
	}

	return true, nil
}

func (g *NvmlGPUAdmin) IsConfidentialComputeEnabled() (bool, error) {
	computeState, ret := g.nvmlHandler.SystemGetConfComputeState()
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("unable to get compute state: %v", nvml.ErrorString(ret))
	}

	return computeState.CcFeature == nvml.CC_SYSTEM_FEATURE_ENABLED, nil
}

func (g *NvmlGPUAdmin) IsGPUReadyStateEnabled() (bool, error) {
	readyState, ret := g.nvmlHandler.SystemGetConfComputeGpusReadyState()
	if ret != nvml.SUCCESS {
		return false, fmt.Errorf("unable to get GPU ready state: %v", nvml.ErrorString(ret))
	}

	return readyState == 1, nil
}

// EnableGPUReadyState lets workloads use the GPUs. Call it only after the
// fabric has been verified.
func (g *NvmlGPUAdmin) EnableGPUReadyState() error {
	ret := g.nvmlHandler.SystemSetConfComputeGpusReadyState(1)
	if ret != nvml.SUCCESS {
		return fmt.Errorf("unable to enable GPU ready state: %v", nvml.ErrorString(ret))
	}

	g.logger.Info("gpu ready state enabled")
	return nil
}

func (g *NvmlGPUAdmin) Shutdown() error {
	ret := g.nvmlHandler.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("unable to shutdown NVML: %v", nvml.ErrorString(ret))
	}

	return nil
}
