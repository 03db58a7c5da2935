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

// Package evidence holds the per-device attestation evidence consumed by the
// topology verifier and the remote verification client.
package evidence

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedEvidence is returned when report or certificate bytes are empty
// or cannot be decoded.
var ErrMalformedEvidence = errors.New("malformed evidence")

// Class identifies the device class the evidence was collected from.
type Class int

const (
	ClassGPU Class = iota
	ClassNvSwitch
)

func (c Class) String() string {
	switch c {
	case ClassGPU:
		return "gpu"
	case ClassNvSwitch:
		return "nvswitch"
	}
	return "unknown"
}

// Evidence is the capability shared by GPU and NVSwitch evidence.
type Evidence interface {
	Class() Class
	Report() []byte
	EncodedReport() string
	EncodedCertificate() string
}

type material struct {
	report      []byte
	certificate []byte
}

func newMaterial(report, certificate []byte) (material, error) {
	if len(report) == 0 {
		return material{}, fmt.Errorf("%w: empty attestation report", ErrMalformedEvidence)
	}
	if len(certificate) == 0 {
		return material{}, fmt.Errorf("%w: empty certificate chain", ErrMalformedEvidence)
	}

	return material{
		report:      bytes.Clone(report),
		certificate: bytes.Clone(certificate),
	}, nil
}

func decodeMaterial(encodedReport, encodedCertificate string) (material, error) {
	report, err := base64.StdEncoding.DecodeString(encodedReport)
	if err != nil {
		return material{}, fmt.Errorf("%w: failed to decode attestation report: %v", ErrMalformedEvidence, err)
	}
	certificate, err := base64.StdEncoding.DecodeString(encodedCertificate)
	if err != nil {
		return material{}, fmt.Errorf("%w: failed to decode certificate chain: %v", ErrMalformedEvidence, err)
	}
	return newMaterial(report, certificate)
}

// Report returns a copy of the raw attestation report.
func (m material) Report() []byte {
	return bytes.Clone(m.report)
}

// Certificate returns a copy of the raw certificate chain.
func (m material) Certificate() []byte {
	return bytes.Clone(m.certificate)
}

func (m material) EncodedReport() string {
	return base64.StdEncoding.EncodeToString(m.report)
}

func (m material) EncodedCertificate() string {
	return base64.StdEncoding.EncodeToString(m.certificate)
}

// DeviceEvidence is the evidence of a single GPU.
type DeviceEvidence struct {
	material
}

func NewDeviceEvidence(report, certificate []byte) (*DeviceEvidence, error) {
	m, err := newMaterial(report, certificate)
	if err != nil {
		return nil, err
	}
	return &DeviceEvidence{material: m}, nil
}

// DeviceEvidenceFromEncoded builds GPU evidence from its base64 wire form.
func DeviceEvidenceFromEncoded(encodedReport, encodedCertificate string) (*DeviceEvidence, error) {
	m, err := decodeMaterial(encodedReport, encodedCertificate)
	if err != nil {
		return nil, err
	}
	return &DeviceEvidence{material: m}, nil
}

func (*DeviceEvidence) Class() Class {
	return ClassGPU
}

// NvSwitchEvidence is the evidence of a single NVSwitch. The UUID is a
// diagnostic label only and is never sent to the verification service.
type NvSwitchEvidence struct {
	material
	uuid string
}

func NewNvSwitchEvidence(uuid string, report, certificate []byte) (*NvSwitchEvidence, error) {
	m, err := newMaterial(report, certificate)
	if err != nil {
		return nil, err
	}
	return &NvSwitchEvidence{material: m, uuid: uuid}, nil
}

func NvSwitchEvidenceFromEncoded(uuid, encodedReport, encodedCertificate string) (*NvSwitchEvidence, error) {
	m, err := decodeMaterial(encodedReport, encodedCertificate)
	if err != nil {
		return nil, err
	}
	return &NvSwitchEvidence{material: m, uuid: uuid}, nil
}

func (*NvSwitchEvidence) Class() Class {
	return ClassNvSwitch
}

func (e *NvSwitchEvidence) UUID() string {
	return e.uuid
}

// Encoded is one entry of the evidence list exchanged with the verification
// service.
type Encoded struct {
	Certificate string `json:"certificate"`
	Evidence    string `json:"evidence"`
}

// Encode returns the wire form of e.
func Encode(e Evidence) Encoded {
	return Encoded{
		Certificate: e.EncodedCertificate(),
		Evidence:    e.EncodedReport(),
	}
}

// DecodeGPUList reads a JSON evidence list of GPU evidence.
func DecodeGPUList(r io.Reader) ([]*DeviceEvidence, error) {
	entries, err := decodeList(r)
	if err != nil {
		return nil, err
	}

	cohort := make([]*DeviceEvidence, 0, len(entries))
	for i, entry := range entries {
		ev, err := DeviceEvidenceFromEncoded(entry.Evidence, entry.Certificate)
		if err != nil {
			return nil, fmt.Errorf("evidence entry %d: %w", i, err)
		}
		cohort = append(cohort, ev)
	}
	return cohort, nil
}

// DecodeNvSwitchList reads a JSON evidence list of NVSwitch evidence. Entries
// are labeled by their position since the wire form carries no UUID.
func DecodeNvSwitchList(r io.Reader) ([]*NvSwitchEvidence, error) {
	entries, err := decodeList(r)
	if err != nil {
		return nil, err
	}

	cohort := make([]*NvSwitchEvidence, 0, len(entries))
	for i, entry := range entries {
		ev, err := NvSwitchEvidenceFromEncoded(fmt.Sprintf("switch-%d", i), entry.Evidence, entry.Certificate)
		if err != nil {
			return nil, fmt.Errorf("evidence entry %d: %w", i, err)
		}
		cohort = append(cohort, ev)
	}
	return cohort, nil
}

func decodeList(r io.Reader) ([]Encoded, error) {
	var entries []Encoded
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: failed to decode evidence list: %v", ErrMalformedEvidence, err)
	}
	return entries, nil
}
