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

// Package nvswitch collects attestation evidence from local NVSwitches
// through an NSCQ session.
package nvswitch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/certs"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/nras"
)

const (
	NonceSize = 32

	// uuidPrefix is prepended by NSCQ to the switch UUIDs it reports.
	uuidPrefix = "SWX-"
)

var ErrNoSwitches = errors.New("no NVSwitch devices found")

type NscqSwitchAdmin struct {
	handler NvSwitchHandler
	logger  *zap.Logger
}

// NvSwitchHandler is the NSCQ surface used by NscqSwitchAdmin. Architecture
// names follow the verification service, e.g. "LS10".
type NvSwitchHandler interface {
	Open() error
	GetAllSwitchUUIDs() ([]string, error)
	IsSwitchTnvlMode(device string) (bool, error)
	IsSwitchLockMode(device string) (bool, error)
	GetSwitchArchitecture() (string, error)
	GetSwitchAttestationReport(device string, nonce []byte) ([]byte, error)
	GetSwitchAttestationCertificateChain(device string) ([]byte, error)
	Close()
}

func NewNscqSwitchAdmin(h NvSwitchHandler, logger *zap.Logger) (*NscqSwitchAdmin, error) {
	if h == nil {
		return nil, errors.New("failed to create NSCQ admin: missing nvswitch handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := h.Open(); err != nil {
		return nil, fmt.Errorf("failed to open NSCQ handler: %w", err)
	}

	return &NscqSwitchAdmin{
		handler: h,
		logger:  logger,
	}, nil
}

// ValidateSwitchUUID accepts an RFC 4122 UUID with or without the NSCQ
// "SWX-" prefix.
func ValidateSwitchUUID(id string) error {
	if _, err := uuid.Parse(strings.TrimPrefix(id, uuidPrefix)); err != nil {
		return fmt.Errorf("invalid switch UUID %q: %w", id, err)
	}
	return nil
}

// Architecture returns the switch architecture, which must be one the
// verification service accepts.
func (s *NscqSwitchAdmin) Architecture() (string, error) {
	arch, err := s.handler.GetSwitchArchitecture()
	if err != nil {
		return "", fmt.Errorf("failed to get switch architecture: %w", err)
	}
	if arch != nras.ArchLS10 {
		return "", fmt.Errorf("switch architecture %s is not supported", arch)
	}
	return arch, nil
}

// CollectEvidence requests an attestation report bound to nonce from every
// switch. All switches must be in TNVL and lock mode before any report is
// requested.
func (s *NscqSwitchAdmin) CollectEvidence(nonce []byte) ([]*evidence.NvSwitchEvidence, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	uuids, err := s.handler.GetAllSwitchUUIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to get switch UUIDs: %w", err)
	}

	if len(uuids) == 0 {
		return nil, ErrNoSwitches
	}

	for _, id := range uuids {
		if err := ValidateSwitchUUID(id); err != nil {
			return nil, err
		}

		isTnvl, err := s.handler.IsSwitchTnvlMode(id)
		if err != nil {
			return nil, fmt.Errorf("failed to check TNVL mode for switch %s: %w", id, err)
		}
		if !isTnvl {
			return nil, fmt.Errorf("switch %s is not in TNVL mode", id)
		}

		isLocked, err := s.handler.IsSwitchLockMode(id)
		if err != nil {
			return nil, fmt.Errorf("failed to check lock mode for switch %s: %w", id, err)
		}
		if !isLocked {
			return nil, fmt.Errorf("switch %s is not in lock mode", id)
		}
	}

	if _, err := s.Architecture(); err != nil {
		return nil, err
	}

	cohort := make([]*evidence.NvSwitchEvidence, 0, len(uuids))

	for _, id := range uuids {
		report, err := s.handler.GetSwitchAttestationReport(id, nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to get attestation report for switch %s: %w", id, err)
		}

		certChainData, err := s.handler.GetSwitchAttestationCertificateChain(id)
		if err != nil {
			return nil, fmt.Errorf("failed to get certificate chain for switch %s: %w", id, err)
		}

		certChain, err := certs.NewCertChainFromData(certChainData)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate chain for switch %s: %w", id, err)
		}
		if err := certChain.Verify(); err != nil {
			return nil, fmt.Errorf("failed to verify certificate chain for switch %s: %w", id, err)
		}

		chainPEM, err := certChain.PEM()
		if err != nil {
			return nil, fmt.Errorf("switch %s: %w", id, err)
		}

		ev, err := evidence.NewNvSwitchEvidence(id, report, chainPEM)
		if err != nil {
			return nil, fmt.Errorf("switch %s: %w", id, err)
		}
		cohort = append(cohort, ev)
	}

	s.logger.Debug("collected nvswitch evidence", zap.Int("switches", len(cohort)))
	return cohort, nil
}

func (s *NscqSwitchAdmin) Shutdown() error {
	s.handler.Close()
	return nil
}
