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

package evidence_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/evidence"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceEvidence(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		ev, err := evidence.NewDeviceEvidence([]byte("report"), []byte("cert"))

		require.NoError(t, err)
		require.Equal(t, []byte("report"), ev.Report())
		require.Equal(t, []byte("cert"), ev.Certificate())
		require.Equal(t, evidence.ClassGPU, ev.Class())
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("report")), ev.EncodedReport())
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("cert")), ev.EncodedCertificate())
	})

	t.Run("EmptyReport", func(t *testing.T) {
		ev, err := evidence.NewDeviceEvidence(nil, []byte("cert"))

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
		require.Nil(t, ev)
	})

	t.Run("EmptyCertificate", func(t *testing.T) {
		ev, err := evidence.NewDeviceEvidence([]byte("report"), []byte{})

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
		require.Nil(t, ev)
	})

	t.Run("CopiesInput", func(t *testing.T) {
		report := []byte("report")
		ev, err := evidence.NewDeviceEvidence(report, []byte("cert"))
		require.NoError(t, err)

		report[0] = 'X'
		require.Equal(t, []byte("report"), ev.Report())

		out := ev.Report()
		out[0] = 'Y'
		require.Equal(t, []byte("report"), ev.Report())
	})
}

func TestNewNvSwitchEvidence(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		ev, err := evidence.NewNvSwitchEvidence("sw-0", []byte("report"), []byte("cert"))

		require.NoError(t, err)
		require.Equal(t, "sw-0", ev.UUID())
		require.Equal(t, evidence.ClassNvSwitch, ev.Class())
	})

	t.Run("EmptyBoth", func(t *testing.T) {
		_, err := evidence.NewNvSwitchEvidence("sw-0", nil, nil)

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
	})
}

func TestFromEncoded(t *testing.T) {
	t.Parallel()

	t.Run("RoundTrip", func(t *testing.T) {
		ev, err := evidence.DeviceEvidenceFromEncoded(
			base64.StdEncoding.EncodeToString([]byte("report")),
			base64.StdEncoding.EncodeToString([]byte("cert")),
		)

		require.NoError(t, err)
		require.Equal(t, []byte("report"), ev.Report())
	})

	t.Run("InvalidBase64", func(t *testing.T) {
		_, err := evidence.DeviceEvidenceFromEncoded("!!!", "Y2VydA==")

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
	})

	t.Run("DecodesToEmpty", func(t *testing.T) {
		_, err := evidence.NvSwitchEvidenceFromEncoded("sw", "", "Y2VydA==")

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
	})
}

func TestEncode(t *testing.T) {
	t.Parallel()

	ev, err := evidence.NewNvSwitchEvidence("sw-0", []byte("report"), []byte("cert"))
	require.NoError(t, err)

	encoded := evidence.Encode(ev)

	require.Equal(t, ev.EncodedReport(), encoded.Evidence)
	require.Equal(t, ev.EncodedCertificate(), encoded.Certificate)
}

func TestDecodeLists(t *testing.T) {
	t.Parallel()

	t.Run("GPU", func(t *testing.T) {
		input := `[{"certificate":"Y2VydA==","evidence":"cmVwb3J0"},{"certificate":"Y2VydA==","evidence":"cmVwb3J0"}]`

		cohort, err := evidence.DecodeGPUList(strings.NewReader(input))

		require.NoError(t, err)
		require.Len(t, cohort, 2)
		require.Equal(t, []byte("report"), cohort[1].Report())
	})

	t.Run("NvSwitchLabels", func(t *testing.T) {
		input := `[{"certificate":"Y2VydA==","evidence":"cmVwb3J0"}]`

		cohort, err := evidence.DecodeNvSwitchList(strings.NewReader(input))

		require.NoError(t, err)
		require.Len(t, cohort, 1)
		require.Equal(t, "switch-0", cohort[0].UUID())
	})

	t.Run("BadEntry", func(t *testing.T) {
		input := `[{"certificate":"Y2VydA==","evidence":"cmVwb3J0"},{"certificate":"","evidence":"cmVwb3J0"}]`

		_, err := evidence.DecodeGPUList(strings.NewReader(input))

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
		require.Contains(t, err.Error(), "evidence entry 1")
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := evidence.DecodeGPUList(strings.NewReader("nope"))

		require.ErrorIs(t, err, evidence.ErrMalformedEvidence)
	})
}
