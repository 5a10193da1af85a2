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
	"math/rand"
	"strings"
	"testing"

	"github.com/cockroachdb/fixedhash/internal/simd"
	"github.com/stretchr/testify/require"
)

type tableFactory[K Key, V Value] struct {
	name string
	new  func(maxElements, targetLoadFactor uint64, options ...Option) Table[K, V]
}

func allTables[K Key, V Value]() []tableFactory[K, V] {
	var r []tableFactory[K, V]
	add := func(name string, fn func(maxElements, targetLoadFactor uint64, options ...Option) Table[K, V]) {
		r = append(r, tableFactory[K, V]{name: name, new: fn})
	}
	for _, l := range []Layout{LayoutNatural, LayoutPadded, LayoutPacked} {
		l := l
		add("linear/"+l.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewLinear[K, V](n, lf, append(options, WithLayout(l))...)
		})
		add("quadratic/"+l.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewQuadratic[K, V](n, lf, append(options, WithLayout(l))...)
		})
	}
	add("linear/unrolled", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewLinear[K, V](n, lf, append(options, WithUnroll(4), WithPrefetch(2))...)
	})
	add("linear/modulo", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewLinear[K, V](n, lf, append(options, WithFinalizer(FinalizeModulo))...)
	})
	add("robinhood", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewRobinHood[K, V](n, lf, options...)
	})
	add("robinhood/modulo", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewRobinHood[K, V](n, lf, append(options, WithFinalizer(FinalizeModulo))...)
	})
	add("robinhood-storing", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewRobinHoodStoring[K, V](n, lf, options...)
	})
	for _, r := range []simd.Reduction{simd.ReductionTestZ, simd.ReductionNoTestZ, simd.ReductionManual} {
		r := r
		add("simd-keys/"+r.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewSIMDKeys[K, V](n, lf, append(options, WithReduction(r))...)
		})
	}
	for _, l := range []simd.Lowering{simd.LoweringMovemask, simd.LoweringShrn, simd.LoweringMaxv, simd.LoweringPortable} {
		l := l
		add("simd-fp8/"+l.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewSIMDFingerprint[K, V, uint8](n, lf, append(options, WithLowering(l))...)
		})
		add("simd-buckets8/"+l.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewSIMDBuckets[K, V, uint8](n, lf, append(options, WithLowering(l))...)
		})
	}
	add("simd-fp16/512", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewSIMDFingerprint[K, V, uint16](n, lf, append(options, WithRegisterBits(512))...)
	})
	add("simd-buckets16/width=3", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewSIMDBuckets[K, V, uint16](n, lf, append(options, WithBucketWidth(3))...)
	})
	add("simd-fp8/lsbmsb", func(n, lf uint64, options ...Option) Table[K, V] {
		return NewSIMDFingerprint[K, V, uint8](n, lf, append(options, WithFingerprintPolicy(LSBMSB))...)
	})
	for _, kind := range []BudgetKind{BudgetKeyValue, BudgetKeyValueFP8, BudgetKeyValueFP16} {
		kind := kind
		add("chained/"+kind.String(), func(n, lf uint64, options ...Option) Table[K, V] {
			return NewChained[K, V](n, lf, append(options, WithBudget(10, kind))...)
		})
	}
	return r
}

func genKVs[K Key, V Value](rng *rand.Rand, n int) []KV[K, V] {
	seen := make(map[K]struct{}, n)
	data := make([]KV[K, V], 0, n)
	for len(data) < n {
		k := K(rng.Uint64())
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		data = append(data, KV[K, V]{Key: k, Value: V(rng.Intn(1 << 20))})
	}
	return data
}

func testTableContract[K Key, V Value](t *testing.T, f tableFactory[K, V], maxElements, lf uint64, options ...Option) {
	rng := rand.New(rand.NewSource(int64(len(f.name))))
	m := f.new(maxElements, lf, options...)
	defer m.Close()
	require.True(t, m.CanBeUsed())
	require.NotEmpty(t, m.Identifier())
	require.NotEmpty(t, m.DataPointerString())
	require.True(t, m.IsDataAlignedTo(1))
	require.Equal(t, 0, m.Size())
	require.EqualValues(t, 0, m.Load())

	n := min(int(maxElements), m.Capacity())
	data := genKVs[K, V](rng, 2*n)
	present, absent := data[:n], data[n:]

	e := make(map[K]V)
	for i, kv := range present {
		m.Insert(kv.Key, kv.Value)
		e[kv.Key] = kv.Value
		require.Equal(t, i+1, m.Size())
		require.True(t, m.Contains(kv.Key))
		require.Equal(t, kv.Value, m.Lookup(kv.Key))
	}
	require.InDelta(t, float64(n)/float64(m.Capacity()), m.Load(), 1e-9)

	for _, kv := range present {
		require.True(t, m.Contains(kv.Key), "%v", kv.Key)
		require.Equal(t, e[kv.Key], m.Lookup(kv.Key))
	}
	var zero V
	for _, kv := range absent {
		require.False(t, m.Contains(kv.Key), "%v", kv.Key)
		require.Equal(t, zero, m.Lookup(kv.Key))
	}

	// Updates overwrite in place and leave the size alone.
	for _, kv := range present {
		m.Insert(kv.Key, kv.Value+1)
		m.Insert(kv.Key, kv.Value+2)
	}
	require.Equal(t, n, m.Size())
	for _, kv := range present {
		require.Equal(t, kv.Value+2, m.Lookup(kv.Key))
	}
}

func TestTables(t *testing.T) {
	for _, f := range allTables[uint64, uint64]() {
		t.Run(f.name, func(t *testing.T) {
			testTableContract(t, f, 1000, 50)
		})
	}
}

func TestTablesNarrowTypes(t *testing.T) {
	t.Run("int32/float32", func(t *testing.T) {
		for _, f := range allTables[int32, float32]() {
			t.Run(f.name, func(t *testing.T) {
				testTableContract(t, f, 500, 50)
			})
		}
	})
	t.Run("uint16/int64", func(t *testing.T) {
		for _, f := range allTables[uint16, int64]() {
			t.Run(f.name, func(t *testing.T) {
				if strings.HasPrefix(f.name, "chained") {
					t.Skip("a flat table of uint16 keys leaves no budget for chain entries")
				}
				testTableContract(t, f, 200, 50)
			})
		}
	})
}

func TestTablesHashFamilies(t *testing.T) {
	for _, family := range allFamilies {
		t.Run(family.Name(), func(t *testing.T) {
			for _, f := range allTables[uint64, uint32]() {
				t.Run(f.name, func(t *testing.T) {
					if family.LowBitsWeak() && f.name == "simd-fp8/lsbmsb" {
						t.Skip("lsbmsb requires well mixed low bits")
					}
					testTableContract(t, f, 300, 50, WithHashFamily(family))
				})
			}
		})
	}
}

func TestTablesDegenerate(t *testing.T) {
	// All keys hash to the same slot, group or chain.
	for _, f := range allTables[uint64, uint64]() {
		t.Run(f.name, func(t *testing.T) {
			testTableContract(t, f, 64, 50, WithHashFunc(func(uint64) uint64 { return 0 }))
		})
	}
}

func TestTablesKeyZero(t *testing.T) {
	for _, f := range allTables[uint64, uint64]() {
		t.Run(f.name, func(t *testing.T) {
			m := f.new(16, 50)
			defer m.Close()
			require.False(t, m.Contains(0))
			m.Insert(0, 7)
			require.True(t, m.Contains(0))
			require.EqualValues(t, 7, m.Lookup(0))
			require.Equal(t, 1, m.Size())
		})
	}
}

func TestPrefaultReset(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, f := range allTables[uint64, uint64]() {
		t.Run(f.name, func(t *testing.T) {
			m := f.new(256, 50)
			defer m.Close()
			m.Prefault()
			require.Equal(t, 0, m.Size())
			require.EqualValues(t, 0, m.Load())

			data := genKVs[uint64, uint64](rng, min(256, m.Capacity()))
			m.PrefaultPregenerated(data)
			require.Equal(t, len(data), m.Size())
			m.Reset()
			require.Equal(t, 0, m.Size())
			require.EqualValues(t, 0, m.Load())
			for _, kv := range data {
				require.False(t, m.Contains(kv.Key))
			}

			// The table is fully usable after a reset.
			for _, kv := range data {
				m.Insert(kv.Key, kv.Value)
			}
			for _, kv := range data {
				require.Equal(t, kv.Value, m.Lookup(kv.Key))
			}
		})
	}
}

func TestCapacity(t *testing.T) {
	testCases := []struct {
		maxElements uint64
		lf          uint64
		pow2        bool
		expected    uint64
	}{
		{100, 100, false, 100},
		{100, 50, false, 200},
		{100, 30, false, 334},
		{100, 30, true, 512},
		{1, 100, true, 1},
		{3, 75, false, 4},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("%d/%d/%t", c.maxElements, c.lf, c.pow2), func(t *testing.T) {
			require.Equal(t, c.expected, slotCapacity(c.maxElements, c.lf, c.pow2))
		})
	}

	require.Equal(t, 128, NewLinear[uint64, uint64](100, 80).Capacity())
	require.Equal(t, 125, NewLinear[uint64, uint64](100, 80, WithFinalizer(FinalizeModulo)).Capacity())
	require.Equal(t, 128, NewQuadratic[uint64, uint64](100, 80, WithFinalizer(FinalizeModulo)).Capacity())

	require.Panics(t, func() { NewLinear[uint64, uint64](0, 50) })
	require.Panics(t, func() { NewLinear[uint64, uint64](10, 0) })
	require.Panics(t, func() { NewLinear[uint64, uint64](10, 101) })
}

func TestIdentifier(t *testing.T) {
	seen := make(map[string]string)
	for _, f := range allTables[uint64, uint64]() {
		id := f.new(64, 50).Identifier()
		require.Contains(t, id, "K=uint64,V=uint64")
		if prev, ok := seen[id]; ok {
			t.Fatalf("%s and %s share identifier %s", prev, f.name, id)
		}
		seen[id] = f.name
	}
}

func TestAlignment(t *testing.T) {
	require.True(t, NewLinear[uint64, uint64](64, 50, WithLayout(LayoutPadded)).IsDataAlignedTo(cacheLineSize))
	require.True(t, NewRobinHood[uint64, uint64](64, 50).IsDataAlignedTo(cacheLineSize))
	require.True(t, NewSIMDKeys[uint64, uint64](64, 50).IsDataAlignedTo(cacheLineSize))
	require.True(t, NewSIMDFingerprint[uint64, uint64, uint8](64, 50).IsDataAlignedTo(cacheLineSize))
	require.True(t, NewSIMDBuckets[uint64, uint64, uint8](64, 50).IsDataAlignedTo(cacheLineSize))
	require.True(t, NewChained[uint64, uint64](64, 50, WithBudget(10, BudgetKeyValue)).IsDataAlignedTo(cacheLineSize))
}
