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
)

// Layout selects the physical record layout of the probing tables.
type Layout uint8

const (
	// LayoutNatural stores records with Go's natural struct alignment.
	LayoutNatural Layout = iota
	// LayoutPadded rounds the record stride up to a power of two and aligns
	// the array to a cache line, so no record straddles two lines.
	LayoutPadded
	// LayoutPacked stores records back to back without padding and reads
	// them with unaligned loads.
	LayoutPacked
)

func (l Layout) String() string {
	switch l {
	case LayoutNatural:
		return "natural"
	case LayoutPadded:
		return "padded"
	case LayoutPacked:
		return "packed"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// ParseLayout is the inverse of Layout.String.
func ParseLayout(s string) (Layout, error) {
	for _, l := range []Layout{LayoutNatural, LayoutPadded, LayoutPacked} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, errors.Newf("unknown layout %q", s)
}

type record[K Key, V Value] struct {
	key   K
	value V
	valid bool
}

// recordLayout describes where the fields of a record live relative to the
// start of its slot.
type recordLayout struct {
	stride   uintptr
	keyOff   uintptr
	valueOff uintptr
	validOff uintptr
	align    int
	packed   bool
}

func makeRecordLayout[K Key, V Value](l Layout) recordLayout {
	var r record[K, V]
	natural := recordLayout{
		stride:   unsafe.Sizeof(r),
		keyOff:   unsafe.Offsetof(r.key),
		valueOff: unsafe.Offsetof(r.value),
		validOff: unsafe.Offsetof(r.valid),
		align:    int(unsafe.Alignof(r)),
	}
	switch l {
	case LayoutNatural:
		return natural
	case LayoutPadded:
		natural.stride = uintptr(nextPowerOf2(uint64(natural.stride)))
		natural.align = cacheLineSize
		return natural
	case LayoutPacked:
		return recordLayout{
			stride:   unsafe.Sizeof(r.key) + unsafe.Sizeof(r.value) + 1,
			keyOff:   0,
			valueOff: unsafe.Sizeof(r.key),
			validOff: unsafe.Sizeof(r.key) + unsafe.Sizeof(r.value),
			align:    1,
			packed:   true,
		}
	default:
		panic(errors.AssertionFailedf("unknown layout %d", l))
	}
}

// ProbeFindResult locates a key in a probing table. When Valid is false,
// Index is the slot the key would be inserted into, if any.
type ProbeFindResult struct {
	Index  uint64
	Probes int
	Valid  bool
}

// probeSeq maintains the state for a probe sequence. Linear probing visits
//
//	p(i) := hash + i (mod capacity)
//
// and quadratic probing the triangular progression
//
//	p(i) := hash + (i^2 + i)/2 (mod capacity)
//
// which visits every slot exactly once when the capacity is a power of two.
type probeSeq struct {
	offset uint64
	index  uint64
	inc    uint64
}

func makeProbeSeq(offset uint64, quadratic bool) probeSeq {
	if quadratic {
		return probeSeq{offset: offset, index: 0, inc: 1}
	}
	return probeSeq{offset: offset, index: 1, inc: 0}
}

func (s probeSeq) next(h *Hasher) probeSeq {
	s.index += s.inc
	s.offset = h.Finalize(s.offset + s.index)
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("offset=%d index=%d", s.offset, s.index)
}

// Probing is an open addressing table over an array of {key, value, valid}
// records using linear or quadratic probing.
type Probing[K Key, V Value] struct {
	tableBase
	hasher    Hasher
	quadratic bool
	layout    Layout
	rec       recordLayout
	capacity  uint64
	data      []byte
	base      unsafe.Pointer
	unroll    int
	prefetch  int
}

var _ Table[uint64, uint64] = (*Probing[uint64, uint64])(nil)

// NewLinear returns a linear probing table able to hold maxElements keys at
// targetLoadFactor percent occupancy.
func NewLinear[K Key, V Value](maxElements, targetLoadFactor uint64, options ...Option) *Probing[K, V] {
	return newProbing[K, V](maxElements, targetLoadFactor, false, options)
}

// NewQuadratic returns a quadratic probing table. Its capacity is always a
// power of two.
func NewQuadratic[K Key, V Value](maxElements, targetLoadFactor uint64, options ...Option) *Probing[K, V] {
	return newProbing[K, V](maxElements, targetLoadFactor, true, options)
}

func newProbing[K Key, V Value](
	maxElements, targetLoadFactor uint64, quadratic bool, options []Option,
) *Probing[K, V] {
	c := makeConfig(options)
	if c.unroll < 1 {
		panic(errors.AssertionFailedf("unroll factor must be positive, got %d", c.unroll))
	}
	if c.prefetch < 0 {
		panic(errors.AssertionFailedf("prefetch distance must not be negative, got %d", c.prefetch))
	}
	t := &Probing[K, V]{
		tableBase: makeTableBase(maxElements, targetLoadFactor, c.allocator),
		quadratic: quadratic,
		layout:    c.layout,
		rec:       makeRecordLayout[K, V](c.layout),
		unroll:    c.unroll,
		prefetch:  c.prefetch,
	}
	pow2 := quadratic || c.finalizer == FinalizeBitmask
	t.capacity = slotCapacity(maxElements, targetLoadFactor, pow2)
	t.hasher = mustHasher(&c, t.capacity)
	t.data = t.mem.makeBytes(int(t.capacity*uint64(t.rec.stride)), t.rec.align)
	t.base = unsafe.Pointer(unsafe.SliceData(t.data))
	return t
}

func (t *Probing[K, V]) slot(i uint64) unsafe.Pointer {
	return unsafe.Add(t.base, uintptr(i)*t.rec.stride)
}

func (t *Probing[K, V]) key(p unsafe.Pointer) K {
	if t.rec.packed {
		return loadUnaligned[K](unsafe.Add(p, t.rec.keyOff))
	}
	return *(*K)(unsafe.Add(p, t.rec.keyOff))
}

func (t *Probing[K, V]) value(p unsafe.Pointer) V {
	if t.rec.packed {
		return loadUnaligned[V](unsafe.Add(p, t.rec.valueOff))
	}
	return *(*V)(unsafe.Add(p, t.rec.valueOff))
}

func (t *Probing[K, V]) setKey(p unsafe.Pointer, key K) {
	if t.rec.packed {
		storeUnaligned(unsafe.Add(p, t.rec.keyOff), key)
		return
	}
	*(*K)(unsafe.Add(p, t.rec.keyOff)) = key
}

func (t *Probing[K, V]) setValue(p unsafe.Pointer, value V) {
	if t.rec.packed {
		storeUnaligned(unsafe.Add(p, t.rec.valueOff), value)
		return
	}
	*(*V)(unsafe.Add(p, t.rec.valueOff)) = value
}

func (t *Probing[K, V]) valid(p unsafe.Pointer) bool {
	return *(*byte)(unsafe.Add(p, t.rec.validOff)) != 0
}

func (t *Probing[K, V]) setValid(p unsafe.Pointer) {
	*(*byte)(unsafe.Add(p, t.rec.validOff)) = 1
}

// probe walks the probe sequence of key for at most limit slots, stopping at
// the slot holding key or at the first empty slot. The walk runs in batches
// of unroll steps whose length is fixed before the batch starts, so the inner
// loop carries no limit check. With a prefetch distance d, each step touches
// the slot d steps ahead of the one being compared.
func (t *Probing[K, V]) probe(key K, limit uint64) (idx uint64, probes int, found, empty bool) {
	seq := makeProbeSeq(t.hasher.Hash(uint64(key)), t.quadratic)
	ahead := seq
	for i := 0; i < t.prefetch; i++ {
		ahead = ahead.next(&t.hasher)
	}
	var acc uint64
	n := uint64(0)
	for n < limit {
		batch := min(uint64(t.unroll), limit-n)
		for u := uint64(0); u < batch; u++ {
			if t.prefetch > 0 {
				acc = touch(acc, t.slot(ahead.offset))
				ahead = ahead.next(&t.hasher)
			}
			p := t.slot(seq.offset)
			if !t.valid(p) {
				keepAlive(acc)
				return seq.offset, int(n + u + 1), false, true
			}
			if t.key(p) == key {
				keepAlive(acc)
				return seq.offset, int(n + u + 1), true, false
			}
			if debug {
				fmt.Printf("probe: %v collides with %v at %s\n", key, t.key(p), seq)
			}
			seq = seq.next(&t.hasher)
		}
		n += batch
	}
	keepAlive(acc)
	return seq.offset, int(limit), false, false
}

func (t *Probing[K, V]) Contains(key K) bool {
	_, _, found, _ := t.probe(key, t.capacity)
	return found
}

func (t *Probing[K, V]) Lookup(key K) V {
	idx, _, found, _ := t.probe(key, t.capacity)
	if !found {
		var zero V
		return zero
	}
	return t.value(t.slot(idx))
}

// Find locates key, examining at most Size()+1 slots. Without deletions no
// probe chain holds more than Size() keys, so the bound is never hit for a
// resident key.
func (t *Probing[K, V]) Find(key K) ProbeFindResult {
	idx, probes, found, _ := t.probe(key, min(uint64(t.size)+1, t.capacity))
	return ProbeFindResult{Index: idx, Probes: probes, Valid: found}
}

func (t *Probing[K, V]) Insert(key K, value V) {
	idx, _, found, empty := t.probe(key, t.capacity)
	p := t.slot(idx)
	switch {
	case found:
		t.setValue(p, value)
	case empty:
		t.setKey(p, key)
		t.setValue(p, value)
		t.setValid(p)
		t.noteInsert()
	default:
		panic(errors.AssertionFailedf("no free slot for %v among %d slots\n%s", key, t.capacity, t.debugString()))
	}
	t.checkInvariants()
}

func (t *Probing[K, V]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *Probing[K, V]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *Probing[K, V]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *Probing[K, V]) Identifier() string {
	name := "LinearProbing"
	if t.quadratic {
		name = "QuadraticProbing"
	}
	return identifier[K, V](name,
		"layout", t.layout.String(),
		"hasher", t.hasher.String(),
		"unroll", strconv.Itoa(t.unroll),
		"prefetch", strconv.Itoa(t.prefetch))
}

func (t *Probing[K, V]) Capacity() int {
	return int(t.capacity)
}

func (t *Probing[K, V]) Load() float64 {
	return loadFactor(t.size, int(t.capacity))
}

func (t *Probing[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(t.base, alignment)
}

func (t *Probing[K, V]) DataPointerString() string {
	return pointerString(t.base)
}

func (t *Probing[K, V]) CanBeUsed() bool {
	return true
}

func (t *Probing[K, V]) Close() {
	t.mem.free()
	t.data = nil
	t.base = nil
	t.capacity = 0
	t.size = 0
}

func (t *Probing[K, V]) checkInvariants() {
	if invariants {
		var used int
		for i := uint64(0); i < t.capacity; i++ {
			p := t.slot(i)
			if !t.valid(p) {
				continue
			}
			used++
			if k := t.key(p); !t.Find(k).Valid {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s", i, k, t.debugString()))
			}
		}
		if used != t.size {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but size is %d\n%s", used, t.size, t.debugString()))
		}
	}
}

func (t *Probing[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  size=%d  layout=%s\n", t.capacity, t.size, t.layout)
	for i := uint64(0); i < t.capacity; i++ {
		p := t.slot(i)
		if !t.valid(p) {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		k := t.key(p)
		fmt.Fprintf(&buf, "  %4d: %v [hash=%d]\n", i, k, t.hasher.Hash(uint64(k)))
	}
	return buf.String()
}
