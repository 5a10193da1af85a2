// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fixedhash

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCalculateDirectoryBufferSize(t *testing.T) {
	kv := BudgetConfig{KeySize: 8, ValueSize: 8, PointerSize: 8, EntrySize: 24}
	with := func(additional uint64, kind BudgetKind, entrySize uint64) BudgetConfig {
		c := kv
		c.AdditionalBudget = additional
		c.Kind = kind
		c.EntrySize = entrySize
		return c
	}
	testCases := []struct {
		maxElements uint64
		lf          uint64
		config      BudgetConfig
		directory   uint64
		buffer      uint64
	}{
		// budget 18023: 1024 pointers leave too little room, 512 do not.
		{1024, 50, with(10, BudgetKeyValue, 24), 512, 580},
		// The starting directory fits, so it grows while it still fits.
		{1024, 50, with(400, BudgetKeyValue, 24), 8192, 682},
		{1024, 50, with(10, BudgetKeyValueFP8, 25), 512, 602},
		{1000, 50, with(10, BudgetKeyValue, 24), 512, 562},
		{16, 50, with(10, BudgetKeyValue, 24), 8, 9},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("%d/%d/%d/%s", c.maxElements, c.lf, c.config.AdditionalBudget, c.config.Kind), func(t *testing.T) {
			directory, buffer, err := CalculateDirectoryBufferSize(c.maxElements, c.lf, c.config)
			require.NoError(t, err)
			require.Equal(t, c.directory, directory)
			require.Equal(t, c.buffer, buffer)
			require.LessOrEqual(t, directory*c.config.PointerSize+buffer*c.config.EntrySize,
				((100+c.config.AdditionalBudget)*(16+c.config.Kind.fingerprintBytes())*c.maxElements+99)/100)
		})
	}

	directory, buffer, err := CalculateDirectoryBufferSize(1024, 100, with(0, BudgetKeyValue, 24))
	require.True(t, errors.Is(err, ErrInfeasibleBudget), "%v", err)
	require.Zero(t, directory)
	require.Zero(t, buffer)

	_, _, err = CalculateDirectoryBufferSize(1024, 50, BudgetConfig{})
	require.Error(t, err)
}

func TestChainedBudgetConfig(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("entry sizes assume 64-bit pointers")
	}
	require.Equal(t, BudgetConfig{
		AdditionalBudget: 10,
		Kind:             BudgetKeyValue,
		KeySize:          8,
		ValueSize:        8,
		PointerSize:      8,
		EntrySize:        24,
	}, ChainedBudgetConfig[uint64, uint64](10, BudgetKeyValue))
	require.EqualValues(t, 26, ChainedBudgetConfig[uint64, uint64](10, BudgetKeyValueFP16).EntrySize)

	m := NewChained[uint64, uint64](1024, 50, WithBudget(10, BudgetKeyValue))
	defer m.Close()
	require.Equal(t, 512, m.DirectorySize())
	require.Equal(t, 580, m.Capacity())
	require.True(t, m.CanBeUsed())

	for _, kind := range []BudgetKind{BudgetKeyValue, BudgetKeyValueFP8, BudgetKeyValueFP16} {
		got, err := ParseBudgetKind(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, got)
	}
	_, err := ParseBudgetKind("kv-fp32")
	require.Error(t, err)
}

func TestChainedSoftBudgetFailure(t *testing.T) {
	require.Panics(t, func() {
		NewChained[uint64, uint64](1024, 100, WithBudget(0, BudgetKeyValue))
	})

	m := NewChained[uint64, uint64](1024, 100, WithBudget(0, BudgetKeyValue), WithSoftBudgetFailure())
	defer m.Close()
	require.False(t, m.CanBeUsed())
	require.Equal(t, 0, m.Capacity())
	require.Equal(t, 0, m.Size())
	require.EqualValues(t, 0, m.Load())
	require.False(t, m.Contains(1))
	require.EqualValues(t, 0, m.Lookup(1))
	require.False(t, m.Find(1).Valid)
	require.Contains(t, m.Identifier(), "hasher=none")
	m.Prefault()
	m.PrefaultPregenerated([]KV[uint64, uint64]{{Key: 1, Value: 1}})
	m.Reset()
	require.Equal(t, 0, m.Size())
	require.Panics(t, func() { m.Insert(1, 1) })
}

func TestChainedChains(t *testing.T) {
	for _, kind := range []BudgetKind{BudgetKeyValue, BudgetKeyValueFP8, BudgetKeyValueFP16} {
		t.Run(kind.String(), func(t *testing.T) {
			m := NewChained[uint64, uint64](64, 50,
				WithBudget(10, kind),
				WithHashFunc(func(k uint64) uint64 { return k % 2 }))
			defer m.Close()
			for k := uint64(0); k < 20; k++ {
				m.Insert(k, k*10)
			}
			for k := uint64(0); k < 20; k++ {
				r := m.Find(k)
				require.True(t, r.Valid)
				require.EqualValues(t, k%2, r.Bucket)
				require.EqualValues(t, k, r.Entry)
				require.Equal(t, int(k/2)+1, r.Depth)
				require.EqualValues(t, k*10, m.Lookup(k))
			}
			r := m.Find(20)
			require.False(t, r.Valid)
			require.Equal(t, 10, r.Depth)

			// Updates reuse the entry.
			m.Insert(7, 1)
			require.EqualValues(t, 7, m.Find(7).Entry)
			require.Equal(t, 20, m.Size())

			m.Reset()
			require.False(t, m.Contains(7))
			m.Insert(7, 2)
			require.EqualValues(t, 0, m.Find(7).Entry)
		})
	}
}

func TestChainedBufferExhausted(t *testing.T) {
	m := NewChained[uint64, uint64](16, 50, WithBudget(10, BudgetKeyValue))
	defer m.Close()
	for k := 0; k < m.Capacity(); k++ {
		m.Insert(uint64(k), 0)
	}
	require.Panics(t, func() { m.Insert(1000, 0) })
}
