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

package topology

import (
	"fmt"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

func opaqueFields(report []byte) (*AttestationReport, OpaqueFields, error) {
	parsed, err := ParseAttestationReport(report)
	if err != nil {
		return nil, OpaqueFields{}, err
	}
	fields, err := ParseOpaqueFields(parsed.ResponseMessage.OpaqueData)
	if err != nil {
		return nil, OpaqueFields{}, err
	}
	return parsed, fields, nil
}

// ExtractSwitchPDIs returns the switch PDI records embedded in a GPU
// attestation report, in report order. A report without the switch field has
// no peers and yields an empty slice.
func ExtractSwitchPDIs(report []byte) ([]PDIRecord, error) {
	_, fields, err := opaqueFields(report)
	if err != nil {
		return nil, err
	}

	value, ok, err := fields.Lookup(OpaqueFieldIDSwitchPDI)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []PDIRecord{}, nil
	}
	return parsePDIRecords(value)
}

// SwitchIdentity is the topology view of an NVSwitch report.
type SwitchIdentity struct {
	PDI  PDI
	GPUs []PDIRecord
}

// ExtractSwitchIdentity returns the switch's own PDI and the GPU PDI records
// embedded in an NVSwitch attestation report.
func ExtractSwitchIdentity(report []byte) (*SwitchIdentity, error) {
	_, fields, err := opaqueFields(report)
	if err != nil {
		return nil, err
	}

	own, ok, err := fields.Lookup(OpaqueFieldIDSwitchPDI)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, parseErrorf("switch PDI field %d not found", OpaqueFieldIDSwitchPDI)
	}
	if len(own) != PDISize {
		return nil, parseErrorf("switch PDI field is %d bytes, expected %d", len(own), PDISize)
	}

	identity := &SwitchIdentity{GPUs: []PDIRecord{}}
	copy(identity.PDI[:], own)

	gpus, ok, err := fields.Lookup(OpaqueFieldIDSwitchGPUPDIs)
	if err != nil {
		return nil, err
	}
	if ok {
		identity.GPUs, err = parsePDIRecords(gpus)
		if err != nil {
			return nil, err
		}
	}
	return identity, nil
}

// PeerPDIs returns the PDI records of the devices directly connected to the
// one that produced ev: switches for a GPU, GPUs for an NVSwitch.
func PeerPDIs(ev evidence.Evidence) ([]PDIRecord, error) {
	switch ev.Class() {
	case evidence.ClassGPU:
		return ExtractSwitchPDIs(ev.Report())
	case evidence.ClassNvSwitch:
		identity, err := ExtractSwitchIdentity(ev.Report())
		if err != nil {
			return nil, err
		}
		return identity.GPUs, nil
	}
	return nil, fmt.Errorf("unsupported device class: %s", ev.Class())
}

// ReportNonce returns the nonce the report was requested with.
func ReportNonce(report []byte) ([NonceSize]byte, error) {
	req, err := ParseSpdmMeasurementRequestMessage(report)
	if err != nil {
		return [NonceSize]byte{}, err
	}
	return req.Nonce, nil
}
