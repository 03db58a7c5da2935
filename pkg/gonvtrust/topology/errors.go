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
	"errors"
	"fmt"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

var (
	ErrTopologyParse    = errors.New("topology parse error")
	ErrTopologyMismatch = errors.New("topology mismatch")
	ErrUnknownSwitch    = errors.New("unknown switch")
	ErrGpuCountMismatch = errors.New("gpu count mismatch")
	ErrNonceMismatch    = errors.New("nonce mismatch")
)

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTopologyParse, fmt.Sprintf(format, args...))
}

// MismatchReason tells which consistency rule a cohort broke.
type MismatchReason string

const (
	ReasonMissing      MismatchReason = "missing peer set"
	ReasonCardinality  MismatchReason = "cardinality"
	ReasonDisagreement MismatchReason = "disagreement"
	ReasonDuplicate    MismatchReason = "duplicate identity"
	ReasonCohortSize   MismatchReason = "cohort size"
)

// MismatchError reports a cohort-level inconsistency. Index is the offending
// device's position in its cohort, or -1 when the cohort as a whole is at fault.
type MismatchError struct {
	Class    evidence.Class
	Index    int
	Reason   MismatchReason
	Expected int
	Actual   int
	// ExpectedSet and ActualSet are populated for disagreements.
	ExpectedSet PDISet
	ActualSet   PDISet
}

func (e *MismatchError) Error() string {
	switch e.Reason {
	case ReasonDisagreement:
		return fmt.Sprintf("%s: %s %d: %s: expected %s, got %s",
			ErrTopologyMismatch, e.Class, e.Index, e.Reason, e.ExpectedSet, e.ActualSet)
	case ReasonCardinality, ReasonCohortSize:
		return fmt.Sprintf("%s: %s %d: %s: expected %d, got %d",
			ErrTopologyMismatch, e.Class, e.Index, e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: %s %d: %s", ErrTopologyMismatch, e.Class, e.Index, e.Reason)
}

func (*MismatchError) Unwrap() error {
	return ErrTopologyMismatch
}

// UnknownSwitchError reports a switch whose identity no GPU vouched for.
type UnknownSwitchError struct {
	Index int
	PDI   PDI
}

func (e *UnknownSwitchError) Error() string {
	return fmt.Sprintf("%s: nvswitch %d reports identity %s which no GPU is connected to", ErrUnknownSwitch, e.Index, e.PDI)
}

func (*UnknownSwitchError) Unwrap() error {
	return ErrUnknownSwitch
}

// GpuCountMismatchError reports a GPU count that disagrees with the expected
// one. Index is -1 for the GPU cohort itself.
type GpuCountMismatchError struct {
	Index    int
	Expected int
	Actual   int
}

func (e *GpuCountMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: gpu cohort has %d devices, expected %d", ErrGpuCountMismatch, e.Actual, e.Expected)
	}
	return fmt.Sprintf("%s: nvswitches report %d connected GPUs, expected %d", ErrGpuCountMismatch, e.Actual, e.Expected)
}

func (*GpuCountMismatchError) Unwrap() error {
	return ErrGpuCountMismatch
}
