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

// Package mocks builds synthetic attestation material for tests.
package mocks

import (
	"encoding/binary"
)

const (
	SpdmVersion = 0x11

	fieldSwitchPDI  uint16 = 22
	fieldSwitchGPUs uint16 = 26
)

// Nonce returns a deterministic nonce whose bytes are all seed.
func Nonce(seed byte) [32]byte {
	var n [32]byte
	for i := range n {
		n[i] = seed
	}
	return n
}

// PDI returns the big-endian encoding of id. PDI(0) is the disabled marker.
func PDI(id uint64) [8]byte {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], id)
	return p
}

// PDIs returns PDI(id) for each id.
func PDIs(ids ...uint64) [][8]byte {
	out := make([][8]byte, len(ids))
	for i, id := range ids {
		out[i] = PDI(id)
	}
	return out
}

// TLV encodes one opaque data field.
func TLV(fieldType uint16, value []byte) []byte {
	out := make([]byte, 4, 4+len(value))
	binary.LittleEndian.PutUint16(out[0:], fieldType)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(value)))
	return append(out, value...)
}

// ConcatPDIs lays out pdis back to back as they appear in a report field.
func ConcatPDIs(pdis ...[8]byte) []byte {
	out := make([]byte, 0, 8*len(pdis))
	for _, p := range pdis {
		out = append(out, p[:]...)
	}
	return out
}

// SpdmReport builds a GET_MEASUREMENTS request followed by a MEASUREMENTS
// response carrying opaque as its opaque data region.
func SpdmReport(nonce [32]byte, opaque []byte) []byte {
	record := []byte{0x01, 0x01, 0x04, 0x00, 0xde, 0xad, 0xbe, 0xef}
	signature := make([]byte, 96)
	for i := range signature {
		signature[i] = 0x5a
	}

	report := []byte{SpdmVersion, 0xE0, 0x01, 0xff}
	report = append(report, nonce[:]...)
	report = append(report, 0x00)

	report = append(report, SpdmVersion, 0x60, 0x00, 0x00, 0x01)
	report = append(report, byte(len(record)), byte(len(record)>>8), byte(len(record)>>16))
	report = append(report, record...)
	responderNonce := Nonce(0xee)
	report = append(report, responderNonce[:]...)
	report = binary.LittleEndian.AppendUint16(report, uint16(len(opaque)))
	report = append(report, opaque...)
	return append(report, signature...)
}

// unrelatedFields precede the topology fields so extraction has to walk past
// them.
func unrelatedFields() []byte {
	out := TLV(1, []byte("535.104.05"))
	return append(out, TLV(7, []byte{0x01, 0x02, 0x03})...)
}

// GPUReport builds a GPU report whose switch field lists switches in order.
func GPUReport(nonce [32]byte, switches ...[8]byte) []byte {
	opaque := unrelatedFields()
	opaque = append(opaque, TLV(fieldSwitchPDI, ConcatPDIs(switches...))...)
	return SpdmReport(nonce, opaque)
}

// SwitchReport builds an NVSwitch report identifying itself as self and
// listing the connected gpus.
func SwitchReport(nonce [32]byte, self [8]byte, gpus ...[8]byte) []byte {
	opaque := unrelatedFields()
	opaque = append(opaque, TLV(fieldSwitchPDI, self[:])...)
	opaque = append(opaque, TLV(fieldSwitchGPUs, ConcatPDIs(gpus...))...)
	return SpdmReport(nonce, opaque)
}

// BoardSwitches returns the switch PDIs of a healthy four-switch baseboard.
func BoardSwitches() [][8]byte {
	return PDIs(0x5a00000000000001, 0x5a00000000000002, 0x5a00000000000003, 0x5a00000000000004)
}

// BoardGPUs returns the GPU PDIs of a healthy eight-GPU baseboard.
func BoardGPUs() [][8]byte {
	ids := make([]uint64, 8)
	for i := range ids {
		ids[i] = 0x6b00000000000001 + uint64(i)
	}
	return PDIs(ids...)
}
