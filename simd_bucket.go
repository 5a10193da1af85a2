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

// bucketLayout describes a bucket record: width fingerprints, then width
// keys, then width values and finally the overflow flag.
type bucketLayout struct {
	width       int
	stride      uintptr
	keysOff     uintptr
	valuesOff   uintptr
	overflowOff uintptr
	align       int
}

func makeBucketLayout[K Key, V Value, FP Fingerprint](width int) bucketLayout {
	var (
		k  K
		v  V
		fp FP
	)
	w := uintptr(width)
	l := bucketLayout{width: width}
	l.keysOff = alignUp(w*unsafe.Sizeof(fp), unsafe.Alignof(k))
	l.valuesOff = alignUp(l.keysOff+w*unsafe.Sizeof(k), unsafe.Alignof(v))
	l.overflowOff = l.valuesOff + w*unsafe.Sizeof(v)
	l.align = int(max(unsafe.Alignof(k), unsafe.Alignof(v), unsafe.Alignof(fp)))
	l.stride = alignUp(l.overflowOff+1, uintptr(l.align))
	return l
}

// SIMDBuckets groups slots into explicit buckets of {fingerprint, key,
// value} lanes. An insertion that finds its bucket full moves on to the next
// bucket and marks the full one as overflowed; lookups only move past a
// bucket that has overflowed.
type SIMDBuckets[K Key, V Value, FP Fingerprint] struct {
	tableBase
	simdParams
	hasher  Hasher
	fpBits  uint
	layout  bucketLayout
	buckets uint64
	data    []byte
	base    unsafe.Pointer
}

var _ Table[uint64, uint64] = (*SIMDBuckets[uint64, uint64, uint8])(nil)

// NewSIMDBuckets returns a bucketed fingerprint table. Buckets are as wide as
// a register holds fingerprints unless WithBucketWidth says otherwise.
func NewSIMDBuckets[K Key, V Value, FP Fingerprint](
	maxElements, targetLoadFactor uint64, options ...Option,
) *SIMDBuckets[K, V, FP] {
	c := makeConfig(options)
	var fp FP
	width := c.bucketWidth
	if width == 0 {
		width = lanesPerRegister(c.registerBits, unsafe.Sizeof(fp))
	}
	if width < 1 || width > simd.MaxLanes {
		panic(errors.AssertionFailedf("bucket width %d outside [1, %d]", width, simd.MaxLanes))
	}
	t := &SIMDBuckets[K, V, FP]{
		tableBase:  makeTableBase(maxElements, targetLoadFactor, c.allocator),
		simdParams: makeSIMDParams(&c),
		fpBits:     uint(8 * unsafe.Sizeof(fp)),
		layout:     makeBucketLayout[K, V, FP](width),
	}
	t.buckets = groupCount(maxElements, targetLoadFactor, width, c.finalizer == FinalizeBitmask)
	t.hasher = mustHasher(&c, t.buckets)
	t.data = t.mem.makeBytes(int(t.buckets*uint64(t.layout.stride)), max(t.layout.align, cacheLineSize))
	t.base = unsafe.Pointer(unsafe.SliceData(t.data))
	return t
}

func (t *SIMDBuckets[K, V, FP]) bucket(b uint64) unsafe.Pointer {
	return unsafe.Add(t.base, uintptr(b)*t.layout.stride)
}

func (t *SIMDBuckets[K, V, FP]) fps(p unsafe.Pointer) []FP {
	return unsafe.Slice((*FP)(p), t.layout.width)
}

func (t *SIMDBuckets[K, V, FP]) keys(p unsafe.Pointer) []K {
	return unsafe.Slice((*K)(unsafe.Add(p, t.layout.keysOff)), t.layout.width)
}

func (t *SIMDBuckets[K, V, FP]) values(p unsafe.Pointer) []V {
	return unsafe.Slice((*V)(unsafe.Add(p, t.layout.valuesOff)), t.layout.width)
}

func (t *SIMDBuckets[K, V, FP]) overflowed(p unsafe.Pointer) bool {
	return *(*byte)(unsafe.Add(p, t.layout.overflowOff)) != 0
}

func (t *SIMDBuckets[K, V, FP]) setOverflowed(p unsafe.Pointer) {
	*(*byte)(unsafe.Add(p, t.layout.overflowOff)) = 1
}

// Overflowed reports whether an insertion has ever passed over bucket b.
func (t *SIMDBuckets[K, V, FP]) Overflowed(b uint64) bool {
	return t.overflowed(t.bucket(b))
}

func (t *SIMDBuckets[K, V, FP]) freeLanes(fps []FP) simd.Mask {
	return simd.Match(fps, emptyFingerprint, t.lowering)
}

func (t *SIMDBuckets[K, V, FP]) Find(key K) GroupFindResult {
	b, h := t.hasher.BucketHash(uint64(key), t.fpBits, emptyFingerprint)
	fp := FP(h)
	all := simd.Full(t.layout.width)
	for n := uint64(0); n < t.buckets; n++ {
		p := t.bucket(b)
		fps, keys := t.fps(p), t.keys(p)
		for m := simd.Candidates(fps, fp, all, t.reduction, t.lowering); m.Any(); {
			i := m.First()
			if keys[i] == key {
				return GroupFindResult{Group: b, Lane: i, Valid: true}
			}
			m = m.Remove(i)
		}
		if !t.overflowed(p) {
			if free := t.freeLanes(fps); free.Any() {
				return GroupFindResult{Group: b, Lane: free.First()}
			}
			return GroupFindResult{Group: b, Lane: -1}
		}
		b = t.hasher.Finalize(b + 1)
	}
	return GroupFindResult{Group: b, Lane: -1}
}

func (t *SIMDBuckets[K, V, FP]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *SIMDBuckets[K, V, FP]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return t.values(t.bucket(r.Group))[r.Lane]
}

func (t *SIMDBuckets[K, V, FP]) Insert(key K, value V) {
	r := t.Find(key)
	if r.Valid {
		t.values(t.bucket(r.Group))[r.Lane] = value
		return
	}
	// Find stopped at the first bucket that has not overflowed. Every bucket
	// before it is full.
	b, h := t.hasher.BucketHash(uint64(key), t.fpBits, emptyFingerprint)
	for n := uint64(0); n < t.buckets; n++ {
		p := t.bucket(b)
		fps := t.fps(p)
		if free := t.freeLanes(fps); free.Any() {
			lane := free.First()
			fps[lane] = FP(h)
			t.keys(p)[lane] = key
			t.values(p)[lane] = value
			t.noteInsert()
			t.checkInvariants()
			return
		}
		if debug {
			fmt.Printf("insert: %v spills out of bucket %d\n", key, b)
		}
		t.setOverflowed(p)
		b = t.hasher.Finalize(b + 1)
	}
	panic(errors.AssertionFailedf("no free lane for %v among %d buckets\n%s", key, t.buckets, t.debugString()))
}

func (t *SIMDBuckets[K, V, FP]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *SIMDBuckets[K, V, FP]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *SIMDBuckets[K, V, FP]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *SIMDBuckets[K, V, FP]) Identifier() string {
	return identifier[K, V]("SIMDBuckets", t.simdParams.identifier(
		"fp", strconv.Itoa(int(t.fpBits)),
		"width", strconv.Itoa(t.layout.width),
		"hasher", t.hasher.String())...)
}

func (t *SIMDBuckets[K, V, FP]) Capacity() int {
	return int(t.buckets) * t.layout.width
}

func (t *SIMDBuckets[K, V, FP]) Load() float64 {
	return loadFactor(t.size, t.Capacity())
}

func (t *SIMDBuckets[K, V, FP]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(t.base, alignment)
}

func (t *SIMDBuckets[K, V, FP]) DataPointerString() string {
	return pointerString(t.base)
}

func (t *SIMDBuckets[K, V, FP]) CanBeUsed() bool {
	return true
}

func (t *SIMDBuckets[K, V, FP]) Close() {
	t.mem.free()
	t.data = nil
	t.base = nil
	t.buckets = 0
	t.size = 0
}

func (t *SIMDBuckets[K, V, FP]) checkInvariants() {
	if invariants {
		var used int
		for b := uint64(0); b < t.buckets; b++ {
			p := t.bucket(b)
			fps, keys := t.fps(p), t.keys(p)
			if t.overflowed(p) && t.freeLanes(fps).Any() {
				panic(fmt.Sprintf("invariant failed: bucket(%d): overflowed with free lanes\n%s", b, t.debugString()))
			}
			for i, fp := range fps {
				if fp == emptyFingerprint {
					continue
				}
				used++
				if !t.Contains(keys[i]) {
					panic(fmt.Sprintf("invariant failed: bucket(%d): %v not found\n%s", b, keys[i], t.debugString()))
				}
			}
		}
		if used != t.size {
			panic(fmt.Sprintf("invariant failed: found %d used lanes, but size is %d\n%s", used, t.size, t.debugString()))
		}
	}
}

func (t *SIMDBuckets[K, V, FP]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  width=%d  size=%d\n", t.buckets, t.layout.width, t.size)
	for b := uint64(0); b < t.buckets; b++ {
		p := t.bucket(b)
		fmt.Fprintf(&buf, "  %4d:", b)
		fps, keys := t.fps(p), t.keys(p)
		for i := range fps {
			if fps[i] == emptyFingerprint {
				buf.WriteString(" -")
				continue
			}
			fmt.Fprintf(&buf, " %v[%02x]", keys[i], fps[i])
		}
		if t.overflowed(p) {
			buf.WriteString(" (overflowed)")
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
