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

import "encoding/binary"

// Opaque field identifiers used for topology.
const (
	// OpaqueFieldIDSwitchPDI carries the connected switch PDIs in a GPU
	// report and the switch's own PDI in an NVSwitch report.
	OpaqueFieldIDSwitchPDI uint16 = 22
	// OpaqueFieldIDSwitchGPUPDIs carries the connected GPU PDIs in an
	// NVSwitch report.
	OpaqueFieldIDSwitchGPUPDIs uint16 = 26
)

const (
	opaqueFieldTypeSize   = 2
	opaqueFieldLengthSize = 2
	opaqueFieldHeaderSize = opaqueFieldTypeSize + opaqueFieldLengthSize
)

// OpaqueFields is the TLV view of a report's opaque data region.
type OpaqueFields struct {
	values     map[uint16][]byte
	duplicates map[uint16]bool
}

// Lookup returns the value of the field with the given type. A type that
// appears more than once in the region is ambiguous and reported as an error.
func (f OpaqueFields) Lookup(fieldType uint16) ([]byte, bool, error) {
	if f.duplicates[fieldType] {
		return nil, false, parseErrorf("opaque field %d appears more than once", fieldType)
	}
	value, ok := f.values[fieldType]
	return value, ok, nil
}

// ParseOpaqueFields walks the little-endian TLV records of an opaque data
// region. Every record must fit inside the region.
func ParseOpaqueFields(data []byte) (OpaqueFields, error) {
	if len(data) == 0 {
		return OpaqueFields{}, parseErrorf("opaque data region is missing")
	}

	fields := OpaqueFields{
		values:     make(map[uint16][]byte),
		duplicates: make(map[uint16]bool),
	}
	pos := 0
	for pos < len(data) {
		if len(data)-pos < opaqueFieldHeaderSize {
			return OpaqueFields{}, parseErrorf("truncated opaque field header at offset %d", pos)
		}
		fieldType := binary.LittleEndian.Uint16(data[pos:])
		fieldLength := int(binary.LittleEndian.Uint16(data[pos+opaqueFieldTypeSize:]))
		pos += opaqueFieldHeaderSize

		if len(data)-pos < fieldLength {
			return OpaqueFields{}, parseErrorf("opaque field %d declares %d bytes, only %d remain", fieldType, fieldLength, len(data)-pos)
		}
		if _, seen := fields.values[fieldType]; seen {
			fields.duplicates[fieldType] = true
		} else {
			fields.values[fieldType] = data[pos : pos+fieldLength]
		}
		pos += fieldLength
	}

	return fields, nil
}
