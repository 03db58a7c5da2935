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

package topology_test

import (
	"testing"

	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/mocks"
	"github.com/confidentsecurity/go-nvfabric/pkg/gonvtrust/topology"
	"github.com/stretchr/testify/require"
)

func TestParseOpaqueFields(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		data := append(mocks.TLV(3, []byte("abc")), mocks.TLV(22, []byte{})...)

		fields, err := topology.ParseOpaqueFields(data)
		require.NoError(t, err)

		value, ok, err := fields.Lookup(3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("abc"), value)

		value, ok, err = fields.Lookup(22)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, value)

		_, ok, err = fields.Lookup(26)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("EmptyRegion", func(t *testing.T) {
		_, err := topology.ParseOpaqueFields(nil)

		require.ErrorIs(t, err, topology.ErrTopologyParse)
	})

	t.Run("TruncatedHeader", func(t *testing.T) {
		data := append(mocks.TLV(3, []byte("abc")), 0x16, 0x00)

		_, err := topology.ParseOpaqueFields(data)

		require.ErrorIs(t, err, topology.ErrTopologyParse)
	})

	t.Run("ValueOverrun", func(t *testing.T) {
		data := mocks.TLV(22, make([]byte, 16))

		_, err := topology.ParseOpaqueFields(data[:len(data)-1])

		require.ErrorIs(t, err, topology.ErrTopologyParse)
	})

	t.Run("DuplicateFieldOnlyFailsOnLookup", func(t *testing.T) {
		data := append(mocks.TLV(3, []byte("a")), mocks.TLV(3, []byte("b"))...)
		data = append(data, mocks.TLV(22, []byte("c"))...)

		fields, err := topology.ParseOpaqueFields(data)
		require.NoError(t, err)

		_, _, err = fields.Lookup(3)
		require.ErrorIs(t, err, topology.ErrTopologyParse)

		value, ok, err := fields.Lookup(22)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("c"), value)
	})
}
