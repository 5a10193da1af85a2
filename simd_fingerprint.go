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
	"strconv"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fixedhash/internal/simd"
)

// emptyFingerprint marks a free lane. Derived fingerprints never take this
// value.
const emptyFingerprint = 0

// SIMDFingerprint compares short fingerprints a register at a time and
// confirms candidates against a parallel key array. A group is as wide as a
// register holds fingerprints, which is many more lanes than raw keys give.
type SIMDFingerprint[K Key, V Value, FP Fingerprint] struct {
	tableBase
	simdParams
	hasher Hasher
	fpBits uint
	lanes  int
	groups uint64
	fps    []FP
	keys   []K
	values []V

	// Unchecked views of fps, keys and values for the probe loop.
	fpData    unsafeSlice[FP]
	keyData   unsafeSlice[K]
	valueData unsafeSlice[V]
}

var _ Table[uint64, uint64] = (*SIMDFingerprint[uint64, uint64, uint8])(nil)

// NewSIMDFingerprint returns a table probing groups of FP fingerprints.
func NewSIMDFingerprint[K Key, V Value, FP Fingerprint](
	maxElements, targetLoadFactor uint64, options ...Option,
) *SIMDFingerprint[K, V, FP] {
	c := makeConfig(options)
	var fp FP
	t := &SIMDFingerprint[K, V, FP]{
		tableBase:  makeTableBase(maxElements, targetLoadFactor, c.allocator),
		simdParams: makeSIMDParams(&c),
		fpBits:     uint(8 * unsafe.Sizeof(fp)),
		lanes:      lanesPerRegister(c.registerBits, unsafe.Sizeof(fp)),
	}
	t.groups = groupCount(maxElements, targetLoadFactor, t.lanes, c.finalizer == FinalizeBitmask)
	t.hasher = mustHasher(&c, t.groups)
	n := int(t.groups) * t.lanes
	t.fps = makeArray[FP](&t.mem, n, cacheLineSize)
	t.keys = makeArray[K](&t.mem, n, cacheLineSize)
	t.values = makeArray[V](&t.mem, n, cacheLineSize)
	t.fpData = makeUnsafeSlice(t.fps)
	t.keyData = makeUnsafeSlice(t.keys)
	t.valueData = makeUnsafeSlice(t.values)
	return t
}

func (t *SIMDFingerprint[K, V, FP]) Find(key K) GroupFindResult {
	g, h := t.hasher.BucketHash(uint64(key), t.fpBits, emptyFingerprint)
	fp := FP(h)
	all := simd.Full(t.lanes)
	lanes := uintptr(t.lanes)
	for n := uint64(0); n < t.groups; n++ {
		off := uintptr(g) * lanes
		fps := t.fpData.Slice(off, off+lanes)
		for m := simd.Candidates(fps, fp, all, t.reduction, t.lowering); m.Any(); {
			i := m.First()
			if *t.keyData.At(off + uintptr(i)) == key {
				return GroupFindResult{Group: g, Lane: i, Valid: true}
			}
			m = m.Remove(i)
		}
		if empty := simd.Match(fps, emptyFingerprint, t.lowering); empty.Any() {
			return GroupFindResult{Group: g, Lane: empty.First()}
		}
		if debug {
			fmt.Printf("find: %v [fp=%02x] passes full group %d\n", key, h, g)
		}
		g = t.hasher.Finalize(g + 1)
	}
	return GroupFindResult{Group: g, Lane: -1}
}

func (t *SIMDFingerprint[K, V, FP]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *SIMDFingerprint[K, V, FP]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return *t.valueData.At(uintptr(r.Group)*uintptr(t.lanes) + uintptr(r.Lane))
}

func (t *SIMDFingerprint[K, V, FP]) Insert(key K, value V) {
	r := t.Find(key)
	switch {
	case r.Valid:
		*t.valueData.At(uintptr(r.Group)*uintptr(t.lanes) + uintptr(r.Lane)) = value
	case r.Lane >= 0:
		_, h := t.hasher.BucketHash(uint64(key), t.fpBits, emptyFingerprint)
		i := r.Group*uint64(t.lanes) + uint64(r.Lane)
		t.fps[i] = FP(h)
		t.keys[i] = key
		t.values[i] = value
		t.noteInsert()
	default:
		panic(errors.AssertionFailedf("no free lane for %v among %d groups\n%s", key, t.groups, t.debugString()))
	}
	t.checkInvariants()
}

func (t *SIMDFingerprint[K, V, FP]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *SIMDFingerprint[K, V, FP]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *SIMDFingerprint[K, V, FP]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *SIMDFingerprint[K, V, FP]) Identifier() string {
	return identifier[K, V]("SIMDFingerprint", t.simdParams.identifier(
		"fp", strconv.Itoa(int(t.fpBits)),
		"lanes", strconv.Itoa(t.lanes),
		"hasher", t.hasher.String())...)
}

func (t *SIMDFingerprint[K, V, FP]) Capacity() int {
	return int(t.groups) * t.lanes
}

func (t *SIMDFingerprint[K, V, FP]) Load() float64 {
	return loadFactor(t.size, t.Capacity())
}

func (t *SIMDFingerprint[K, V, FP]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(unsafe.Pointer(unsafe.SliceData(t.fps)), alignment)
}

func (t *SIMDFingerprint[K, V, FP]) DataPointerString() string {
	return pointerString(unsafe.Pointer(unsafe.SliceData(t.fps)))
}

func (t *SIMDFingerprint[K, V, FP]) CanBeUsed() bool {
	return true
}

func (t *SIMDFingerprint[K, V, FP]) Close() {
	t.mem.free()
	t.fps, t.keys, t.values = nil, nil, nil
	t.fpData, t.keyData, t.valueData = unsafeSlice[FP]{}, unsafeSlice[K]{}, unsafeSlice[V]{}
	t.groups = 0
	t.size = 0
}

func (t *SIMDFingerprint[K, V, FP]) checkInvariants() {
	if invariants {
		var used int
		for i, fp := range t.fps {
			if fp == emptyFingerprint {
				continue
			}
			used++
			k := t.keys[i]
			if _, h := t.hasher.BucketHash(uint64(k), t.fpBits, emptyFingerprint); FP(h) != fp {
				panic(fmt.Sprintf("invariant failed: lane(%d): %v has fingerprint %02x, expected %02x\n%s",
					i, k, fp, h, t.debugString()))
			}
			if !t.Contains(k) {
				panic(fmt.Sprintf("invariant failed: lane(%d): %v not found\n%s", i, k, t.debugString()))
			}
		}
		if used != t.size {
			panic(fmt.Sprintf("invariant failed: found %d used lanes, but size is %d\n%s", used, t.size, t.debugString()))
		}
	}
}

func (t *SIMDFingerprint[K, V, FP]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "groups=%d  lanes=%d  size=%d\n", t.groups, t.lanes, t.size)
	for g := uint64(0); g < t.groups; g++ {
		fmt.Fprintf(&buf, "  %4d:", g)
		for i := g * uint64(t.lanes); i < (g+1)*uint64(t.lanes); i++ {
			if t.fps[i] == emptyFingerprint {
				buf.WriteString(" -")
				continue
			}
			fmt.Fprintf(&buf, " %v[%02x]", t.keys[i], t.fps[i])
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
