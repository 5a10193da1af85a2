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

	"github.com/cockroachdb/fixedhash/internal/simd"
	"github.com/stretchr/testify/require"
)

var (
	allReductions = []simd.Reduction{simd.ReductionTestZ, simd.ReductionNoTestZ, simd.ReductionManual}
	allLowerings  = []simd.Lowering{simd.LoweringMovemask, simd.LoweringShrn, simd.LoweringMaxv, simd.LoweringPortable}
)

func TestSIMDBucketOverflow(t *testing.T) {
	for _, l := range allLowerings {
		for _, r := range allReductions {
			t.Run(fmt.Sprintf("%s/%s", l, r), func(t *testing.T) {
				m := NewSIMDBuckets[uint64, uint64, uint8](8, 100,
					WithBucketWidth(1),
					WithHashFunc(func(uint64) uint64 { return 2 }),
					WithLowering(l),
					WithReduction(r))
				defer m.Close()
				require.Equal(t, 8, m.Capacity())

				overflowed := func() []bool {
					var r []bool
					for b := uint64(0); b < 8; b++ {
						r = append(r, m.Overflowed(b))
					}
					return r
				}

				m.Insert(42, 0)
				require.Equal(t, []bool{false, false, false, false, false, false, false, false}, overflowed())
				m.Insert(43, 1)
				require.Equal(t, []bool{false, false, true, false, false, false, false, false}, overflowed())
				m.Insert(44, 2)
				require.Equal(t, []bool{false, false, true, true, false, false, false, false}, overflowed())
				m.Insert(45, 3)
				require.Equal(t, []bool{false, false, true, true, true, false, false, false}, overflowed())

				for i, k := range []uint64{42, 43, 44, 45} {
					res := m.Find(k)
					require.True(t, res.Valid)
					require.EqualValues(t, 2+i, res.Group)
					require.Equal(t, 0, res.Lane)
					require.EqualValues(t, i, m.Lookup(k))
				}
				// The miss walks the overflowed buckets and stops at bucket 5,
				// which is full but never overflowed, so no lane is free.
				res := m.Find(46)
				require.Equal(t, GroupFindResult{Group: 5, Lane: -1}, res)

				for i, k := range []uint64{42, 43, 44, 45} {
					m.Insert(k, uint64(10+i))
				}
				require.Equal(t, 4, m.Size())
				for i, k := range []uint64{42, 43, 44, 45} {
					require.EqualValues(t, 10+i, m.Lookup(k))
				}
				require.False(t, m.Overflowed(5))

				m.Reset()
				require.False(t, m.Overflowed(2))
				require.False(t, m.Contains(42))
				// A miss on an empty home bucket reports its free lane.
				require.Equal(t, GroupFindResult{Group: 2, Lane: 0}, m.Find(46))
			})
		}
	}
}

func TestSIMDBucketNoOverflow(t *testing.T) {
	// A lookup stops at a bucket that never overflowed even when the next
	// bucket holds keys.
	m := NewSIMDBuckets[uint64, uint64, uint16](16, 100,
		WithBucketWidth(2),
		WithHashFunc(func(k uint64) uint64 { return k }))
	m.Insert(3, 30)
	m.Insert(4, 40)
	require.EqualValues(t, 40, m.Lookup(4))
	require.False(t, m.Overflowed(3))
	require.Equal(t, GroupFindResult{Group: 3, Lane: 1}, m.Find(11))
}

func TestSIMDKeysGroups(t *testing.T) {
	for _, r := range allReductions {
		t.Run(r.String(), func(t *testing.T) {
			m := NewSIMDKeys[uint64, uint64](4, 100,
				WithRegisterBits(128),
				WithReduction(r),
				WithHashFunc(func(uint64) uint64 { return 0 }))
			require.Equal(t, 4, m.Capacity())
			for i, k := range []uint64{1, 2, 3, 4} {
				m.Insert(k, uint64(i))
			}
			for i, k := range []uint64{1, 2, 3, 4} {
				res := m.Find(k)
				require.True(t, res.Valid)
				require.EqualValues(t, i/2, res.Group)
				require.Equal(t, i%2, res.Lane)
				require.EqualValues(t, i, m.Lookup(k))
			}
			require.False(t, m.Contains(5))
			require.Equal(t, GroupFindResult{Group: 0, Lane: -1}, m.Find(5))
			require.Panics(t, func() { m.Insert(5, 4) })
		})
	}
}

func TestSIMDLanes(t *testing.T) {
	require.Equal(t, 2, lanesPerRegister(128, 8))
	require.Equal(t, 16, lanesPerRegister(128, 1))
	require.Equal(t, 64, lanesPerRegister(512, 1))
	require.Equal(t, 32, lanesPerRegister(512, 2))
	require.Panics(t, func() { lanesPerRegister(32, 8) })
	require.Panics(t, func() { lanesPerRegister(1024, 1) })

	m := NewSIMDFingerprint[uint64, uint64, uint8](100, 50, WithRegisterBits(256))
	require.Equal(t, 32, m.lanes)
	require.Equal(t, 256, m.Capacity())

	m16 := NewSIMDFingerprint[uint64, uint64, uint16](100, 50, WithRegisterBits(256))
	require.Equal(t, 16, m16.lanes)
	require.Equal(t, 256, m16.Capacity())

	b := NewSIMDBuckets[uint64, uint64, uint8](100, 50, WithBucketWidth(5), WithFinalizer(FinalizeModulo))
	require.Equal(t, 200, b.Capacity())
	require.Panics(t, func() { NewSIMDBuckets[uint64, uint64, uint8](100, 50, WithBucketWidth(65)) })
}

func TestSIMDFingerprintCollisions(t *testing.T) {
	// Every key shares one fingerprint, so every match is a candidate that has
	// to be rejected by the key comparison.
	for _, l := range allLowerings {
		t.Run(l.String(), func(t *testing.T) {
			m := NewSIMDFingerprint[uint32, uint32, uint8](32, 100,
				WithRegisterBits(128),
				WithLowering(l),
				WithHashFunc(func(uint64) uint64 { return 0xab00000000000000 }))
			for k := uint32(0); k < 32; k++ {
				m.Insert(k, k*2)
			}
			for k := uint32(0); k < 32; k++ {
				res := m.Find(k)
				require.True(t, res.Valid)
				require.EqualValues(t, k/16, res.Group)
				require.EqualValues(t, k%16, res.Lane)
				require.Equal(t, k*2, m.Lookup(k))
			}
			require.False(t, m.Contains(32))
		})
	}
}

func TestBucketLayout(t *testing.T) {
	l := makeBucketLayout[uint64, uint32, uint8](3)
	require.EqualValues(t, 8, l.keysOff)
	require.EqualValues(t, 32, l.valuesOff)
	require.EqualValues(t, 44, l.overflowOff)
	require.EqualValues(t, 48, l.stride)

	l = makeBucketLayout[uint16, uint16, uint16](4)
	require.EqualValues(t, 8, l.keysOff)
	require.EqualValues(t, 16, l.valuesOff)
	require.EqualValues(t, 24, l.overflowOff)
	require.EqualValues(t, 26, l.stride)
}
