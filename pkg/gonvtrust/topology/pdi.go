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
	"bytes"
	"encoding/hex"
	"slices"
	"strings"
)

// PDISize is the size in bytes of a Platform Data Identifier.
const PDISize = 8

// PDI is the Platform Data Identifier of a physical device.
type PDI [PDISize]byte

var disabledPDI PDI

func (p PDI) String() string {
	return hex.EncodeToString(p[:])
}

// Disabled reports whether p is the all-zero marker used for unpopulated links.
func (p PDI) Disabled() bool {
	return p == disabledPDI
}

// PDIRecord is a peer identifier as found in a report.
type PDIRecord struct {
	PDI     PDI
	Enabled bool
}

func parsePDIRecords(data []byte) ([]PDIRecord, error) {
	if len(data)%PDISize != 0 {
		return nil, parseErrorf("PDI list length %d is not a multiple of %d", len(data), PDISize)
	}

	records := make([]PDIRecord, 0, len(data)/PDISize)
	for pos := 0; pos < len(data); pos += PDISize {
		var pdi PDI
		copy(pdi[:], data[pos:pos+PDISize])
		records = append(records, PDIRecord{PDI: pdi, Enabled: !pdi.Disabled()})
	}
	return records, nil
}

// PDISet is an immutable set of PDIs.
type PDISet struct {
	members map[PDI]struct{}
}

// NewPDISet builds a set from the given identifiers, collapsing duplicates.
func NewPDISet(pdis ...PDI) PDISet {
	members := make(map[PDI]struct{}, len(pdis))
	for _, p := range pdis {
		members[p] = struct{}{}
	}
	return PDISet{members: members}
}

// enabledSet keeps only the enabled records.
func enabledSet(records []PDIRecord) PDISet {
	members := make(map[PDI]struct{}, len(records))
	for _, r := range records {
		if r.Enabled {
			members[r.PDI] = struct{}{}
		}
	}
	return PDISet{members: members}
}

func (s PDISet) Len() int {
	return len(s.members)
}

func (s PDISet) Contains(p PDI) bool {
	_, ok := s.members[p]
	return ok
}

func (s PDISet) Equal(other PDISet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for p := range s.members {
		if !other.Contains(p) {
			return false
		}
	}
	return true
}

// Sorted returns the members in ascending byte order.
func (s PDISet) Sorted() []PDI {
	out := make([]PDI, 0, len(s.members))
	for p := range s.members {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PDI) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

func (s PDISet) String() string {
	sorted := s.Sorted()
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = p.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
