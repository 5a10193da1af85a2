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

// Fingerprint is the set of lane types the fingerprinting tables compare.
type Fingerprint interface {
	~uint8 | ~uint16
}

// GroupFindResult locates a key in a SIMD table. When Valid is false, Lane is
// the free lane of Group the key would be inserted into, or -1.
type GroupFindResult struct {
	Group uint64
	Lane  int
	Valid bool
}

// lanesPerRegister returns how many lanes of laneSize bytes fit into a vector
// register of registerBits bits.
func lanesPerRegister(registerBits int, laneSize uintptr) int {
	n := registerBits / (8 * int(laneSize))
	if n < 1 || n > simd.MaxLanes {
		panic(errors.AssertionFailedf("%d-bit registers hold %d lanes of %d bytes, want [1, %d]",
			registerBits, n, laneSize, simd.MaxLanes))
	}
	return n
}

// groupCount returns the number of groups of lanes slots each needed to hold
// maxElements keys at targetLoadFactor.
func groupCount(maxElements, targetLoadFactor uint64, lanes int, pow2 bool) uint64 {
	slots := slotCapacity(maxElements, targetLoadFactor, false)
	n := (slots + uint64(lanes) - 1) / uint64(lanes)
	if pow2 {
		n = nextPowerOf2(n)
	}
	return n
}

// simdParams is the part of the configuration shared by the SIMD tables.
type simdParams struct {
	lowering     simd.Lowering
	reduction    simd.Reduction
	registerBits int
}

func makeSIMDParams(c *config) simdParams {
	return simdParams{
		lowering:     c.lowering,
		reduction:    c.reduction,
		registerBits: c.registerBits,
	}
}

func (p simdParams) identifier(params ...string) []string {
	return append([]string{
		"lowering", p.lowering.String(),
		"reduction", p.reduction.String(),
		"bits", strconv.Itoa(p.registerBits),
	}, params...)
}

// SIMDKeys compares raw keys a register at a time. Keys, values and the
// per-group fill counts live in separate arrays. Lanes within a group are
// filled in order, so lanes [0, fill) of a group are occupied.
type SIMDKeys[K Key, V Value] struct {
	tableBase
	simdParams
	hasher Hasher
	lanes  int
	groups uint64
	keys   []K
	values []V
	fill   []uint8
}

var _ Table[uint64, uint64] = (*SIMDKeys[uint64, uint64])(nil)

// NewSIMDKeys returns a table probing groups of raw keys. The group fan-out is
// the register width divided by the key width.
func NewSIMDKeys[K Key, V Value](maxElements, targetLoadFactor uint64, options ...Option) *SIMDKeys[K, V] {
	c := makeConfig(options)
	var k K
	t := &SIMDKeys[K, V]{
		tableBase:  makeTableBase(maxElements, targetLoadFactor, c.allocator),
		simdParams: makeSIMDParams(&c),
		lanes:      lanesPerRegister(c.registerBits, unsafe.Sizeof(k)),
	}
	t.groups = groupCount(maxElements, targetLoadFactor, t.lanes, c.finalizer == FinalizeBitmask)
	t.hasher = mustHasher(&c, t.groups)
	n := int(t.groups) * t.lanes
	t.keys = makeArray[K](&t.mem, n, cacheLineSize)
	t.values = makeArray[V](&t.mem, n, cacheLineSize)
	t.fill = makeArray[uint8](&t.mem, int(t.groups), cacheLineSize)
	return t
}

func (t *SIMDKeys[K, V]) group(g uint64) []K {
	off := g * uint64(t.lanes)
	return t.keys[off : off+uint64(t.lanes)]
}

func (t *SIMDKeys[K, V]) Find(key K) GroupFindResult {
	g := t.hasher.Hash(uint64(key))
	for n := uint64(0); n < t.groups; n++ {
		fill := int(t.fill[g])
		if lane := simd.Find(t.group(g), key, simd.Full(fill), t.reduction, t.lowering); lane >= 0 {
			return GroupFindResult{Group: g, Lane: lane, Valid: true}
		}
		if fill < t.lanes {
			return GroupFindResult{Group: g, Lane: fill}
		}
		g = t.hasher.Finalize(g + 1)
	}
	return GroupFindResult{Group: g, Lane: -1}
}

func (t *SIMDKeys[K, V]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *SIMDKeys[K, V]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return t.values[r.Group*uint64(t.lanes)+uint64(r.Lane)]
}

func (t *SIMDKeys[K, V]) Insert(key K, value V) {
	r := t.Find(key)
	i := r.Group*uint64(t.lanes) + uint64(r.Lane)
	switch {
	case r.Valid:
		t.values[i] = value
	case r.Lane >= 0:
		t.keys[i] = key
		t.values[i] = value
		t.fill[r.Group]++
		t.noteInsert()
	default:
		panic(errors.AssertionFailedf("no free lane for %v among %d groups\n%s", key, t.groups, t.debugString()))
	}
	t.checkInvariants()
}

func (t *SIMDKeys[K, V]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *SIMDKeys[K, V]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *SIMDKeys[K, V]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *SIMDKeys[K, V]) Identifier() string {
	return identifier[K, V]("SIMDKeys", t.simdParams.identifier(
		"lanes", strconv.Itoa(t.lanes),
		"hasher", t.hasher.String())...)
}

func (t *SIMDKeys[K, V]) Capacity() int {
	return int(t.groups) * t.lanes
}

func (t *SIMDKeys[K, V]) Load() float64 {
	return loadFactor(t.size, t.Capacity())
}

func (t *SIMDKeys[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(unsafe.Pointer(unsafe.SliceData(t.keys)), alignment)
}

func (t *SIMDKeys[K, V]) DataPointerString() string {
	return pointerString(unsafe.Pointer(unsafe.SliceData(t.keys)))
}

func (t *SIMDKeys[K, V]) CanBeUsed() bool {
	return true
}

func (t *SIMDKeys[K, V]) Close() {
	t.mem.free()
	t.keys, t.values, t.fill = nil, nil, nil
	t.groups = 0
	t.size = 0
}

func (t *SIMDKeys[K, V]) checkInvariants() {
	if invariants {
		var used int
		for g := uint64(0); g < t.groups; g++ {
			fill := int(t.fill[g])
			if fill > t.lanes {
				panic(fmt.Sprintf("invariant failed: group(%d): fill %d exceeds %d lanes\n%s", g, fill, t.lanes, t.debugString()))
			}
			for _, k := range t.group(g)[:fill] {
				if !t.Contains(k) {
					panic(fmt.Sprintf("invariant failed: group(%d): %v not found\n%s", g, k, t.debugString()))
				}
			}
			used += fill
		}
		if used != t.size {
			panic(fmt.Sprintf("invariant failed: found %d used lanes, but size is %d\n%s", used, t.size, t.debugString()))
		}
	}
}

func (t *SIMDKeys[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "groups=%d  lanes=%d  size=%d\n", t.groups, t.lanes, t.size)
	for g := uint64(0); g < t.groups; g++ {
		fmt.Fprintf(&buf, "  %4d: %v\n", g, t.group(g)[:t.fill[g]])
	}
	return buf.String()
}
