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
	"slices"

	"go.uber.org/zap"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
)

const (
	DefaultExpectedSwitches = 4
	DefaultExpectedGPUs     = 8
)

// Result is the outcome of a successful GPU-side check.
type Result struct {
	SwitchPDIs PDISet
	NumGPUs    int
}

// Verifier cross-checks the interconnect reported by a GPU cohort and an
// NVSwitch cohort. It holds no mutable state and may be shared.
type Verifier struct {
	expectedSwitches int
	expectedGPUs     int
	nonce            *[NonceSize]byte
	logger           *zap.Logger
}

type Option func(*Verifier)

// WithExpectedSwitches sets the number of unique enabled switches every GPU
// must report.
func WithExpectedSwitches(n int) Option {
	return func(v *Verifier) {
		v.expectedSwitches = n
	}
}

// WithExpectedGPUs sets the required GPU cohort size. Zero disables the check.
func WithExpectedGPUs(n int) Option {
	return func(v *Verifier) {
		v.expectedGPUs = n
	}
}

// WithNonce makes the verifier require every report to have been requested
// with nonce.
func WithNonce(nonce [NonceSize]byte) Option {
	return func(v *Verifier) {
		v.nonce = &nonce
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		expectedSwitches: DefaultExpectedSwitches,
		expectedGPUs:     DefaultExpectedGPUs,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v
}

// VerifyGPUTopology checks that every GPU reports the same set of enabled
// switches with the expected cardinality and returns that set.
func (v *Verifier) VerifyGPUTopology(cohort []*evidence.DeviceEvidence) (*Result, error) {
	result, err := v.verifyGPUTopology(cohort)
	if err != nil {
		v.logger.Warn("gpu topology check failed", zap.Int("gpus", len(cohort)), zap.Error(err))
		return nil, err
	}
	v.logger.Info("gpu topology verified",
		zap.Int("gpus", result.NumGPUs),
		zap.Stringer("switches", result.SwitchPDIs))
	return result, nil
}

func (v *Verifier) verifyGPUTopology(cohort []*evidence.DeviceEvidence) (*Result, error) {
	if len(cohort) == 0 {
		return nil, &MismatchError{
			Class:    evidence.ClassGPU,
			Index:    -1,
			Reason:   ReasonCohortSize,
			Expected: v.expectedGPUs,
			Actual:   0,
		}
	}
	if v.expectedGPUs > 0 && len(cohort) != v.expectedGPUs {
		return nil, &GpuCountMismatchError{Index: -1, Expected: v.expectedGPUs, Actual: len(cohort)}
	}

	sets := make([]PDISet, len(cohort))
	reports := make([][]byte, len(cohort))
	for i, ev := range cohort {
		reports[i] = ev.Report()
		records, err := ExtractSwitchPDIs(reports[i])
		if err != nil {
			return nil, fmt.Errorf("gpu %d: %w", i, err)
		}
		sets[i] = enabledSet(records)
	}
	if err := v.checkNonces(evidence.ClassGPU, reports); err != nil {
		return nil, err
	}

	for i, set := range sets {
		if set.Len() == 0 {
			return nil, &MismatchError{Class: evidence.ClassGPU, Index: i, Reason: ReasonMissing}
		}
	}
	for i, set := range sets {
		if set.Len() != v.expectedSwitches {
			return nil, &MismatchError{
				Class:    evidence.ClassGPU,
				Index:    i,
				Reason:   ReasonCardinality,
				Expected: v.expectedSwitches,
				Actual:   set.Len(),
			}
		}
	}

	agreed, err := agreement(evidence.ClassGPU, sets)
	if err != nil {
		return nil, err
	}
	return &Result{SwitchPDIs: agreed, NumGPUs: len(cohort)}, nil
}

// VerifySwitchTopology checks the NVSwitch cohort against the switch set the
// GPUs agreed on: every switch must be one of those switches, and all of them
// must report the same numGPUs connected GPUs.
func (v *Verifier) VerifySwitchTopology(cohort []*evidence.NvSwitchEvidence, canonical *Result, numGPUs int) error {
	err := v.verifySwitchTopology(cohort, canonical, numGPUs)
	if err != nil {
		v.logger.Warn("nvswitch topology check failed", zap.Int("switches", len(cohort)), zap.Error(err))
		return err
	}
	v.logger.Info("nvswitch topology verified",
		zap.Int("switches", len(cohort)),
		zap.Int("gpus", numGPUs))
	return nil
}

func (v *Verifier) verifySwitchTopology(cohort []*evidence.NvSwitchEvidence, canonical *Result, numGPUs int) error {
	if canonical == nil {
		return errors.New("canonical switch set is required")
	}

	identities := make([]*SwitchIdentity, len(cohort))
	reports := make([][]byte, len(cohort))
	for i, ev := range cohort {
		reports[i] = ev.Report()
		identity, err := ExtractSwitchIdentity(reports[i])
		if err != nil {
			return fmt.Errorf("nvswitch %d: %w", i, err)
		}
		identities[i] = identity
	}
	if err := v.checkNonces(evidence.ClassNvSwitch, reports); err != nil {
		return err
	}

	for i, identity := range identities {
		if !canonical.SwitchPDIs.Contains(identity.PDI) {
			return &UnknownSwitchError{Index: i, PDI: identity.PDI}
		}
	}

	seen := make(map[PDI]bool, len(identities))
	for i, identity := range identities {
		if seen[identity.PDI] {
			return &MismatchError{Class: evidence.ClassNvSwitch, Index: i, Reason: ReasonDuplicate}
		}
		seen[identity.PDI] = true
	}

	if len(identities) == 0 || len(identities) != canonical.SwitchPDIs.Len() {
		return &MismatchError{
			Class:    evidence.ClassNvSwitch,
			Index:    -1,
			Reason:   ReasonCohortSize,
			Expected: canonical.SwitchPDIs.Len(),
			Actual:   len(identities),
		}
	}

	sets := make([]PDISet, len(identities))
	for i, identity := range identities {
		sets[i] = enabledSet(identity.GPUs)
		if sets[i].Len() == 0 {
			return &MismatchError{Class: evidence.ClassNvSwitch, Index: i, Reason: ReasonMissing}
		}
	}

	agreed, err := agreement(evidence.ClassNvSwitch, sets)
	if err != nil {
		return err
	}
	if agreed.Len() != numGPUs {
		return &GpuCountMismatchError{Index: 0, Expected: numGPUs, Actual: agreed.Len()}
	}
	return nil
}

// checkNonces runs only on reports that already parsed, so a cohort holding
// both a stale and a corrupt report always fails on the corrupt one.
func (v *Verifier) checkNonces(class evidence.Class, reports [][]byte) error {
	if v.nonce == nil {
		return nil
	}
	for i, report := range reports {
		nonce, err := ReportNonce(report)
		if err != nil {
			return fmt.Errorf("%s %d: %w", class, i, err)
		}
		if nonce != *v.nonce {
			return fmt.Errorf("%w: %s %d was requested with nonce %x", ErrNonceMismatch, class, i, nonce)
		}
	}
	return nil
}

// agreement returns the set held by the most devices, breaking ties on the
// smallest rendering, and reports the first device that does not hold it.
func agreement(class evidence.Class, sets []PDISet) (PDISet, error) {
	if len(sets) == 0 {
		return PDISet{}, &MismatchError{Class: class, Index: -1, Reason: ReasonCohortSize}
	}

	counts := make(map[string]int, len(sets))
	byKey := make(map[string]PDISet, len(sets))
	for _, set := range sets {
		key := set.String()
		counts[key]++
		byKey[key] = set
	}

	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	winner := keys[0]
	for _, key := range keys[1:] {
		if counts[key] > counts[winner] {
			winner = key
		}
	}

	majority := byKey[winner]
	for i, set := range sets {
		if !set.Equal(majority) {
			return PDISet{}, &MismatchError{
				Class:       class,
				Index:       i,
				Reason:      ReasonDisagreement,
				ExpectedSet: majority,
				ActualSet:   set,
			}
		}
	}
	return majority, nil
}
