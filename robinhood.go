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
	"math"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// RobinHoodFindResult locates a key in a Robin Hood table. When Valid is
// false, Index and Displacement describe where the search stopped.
type RobinHoodFindResult struct {
	Index        uint64
	Displacement uint64
	Valid        bool
}

// Robin Hood hashing keeps every probe chain sorted by displacement: an
// insertion takes over the first slot whose occupant is closer to its ideal
// slot than the incoming key is, and the occupants from there up to the next
// empty slot move one slot forward. A lookup can then give up as soon as it
// meets an occupant that is closer to home than the searched key would be.
//
// RobinHood recomputes displacements by rehashing the resident key, while
// RobinHoodStoring caches them in every slot.

type rhSlot[K Key, V Value] struct {
	key   K
	value V
	valid bool
}

// RobinHood is a Robin Hood table that stores no displacement information.
type RobinHood[K Key, V Value] struct {
	tableBase
	hasher   Hasher
	capacity uint64
	slots    []rhSlot[K, V]
}

var _ Table[uint64, uint64] = (*RobinHood[uint64, uint64])(nil)

// NewRobinHood returns a Robin Hood table that recomputes displacements from
// the resident keys.
func NewRobinHood[K Key, V Value](maxElements, targetLoadFactor uint64, options ...Option) *RobinHood[K, V] {
	c := makeConfig(options)
	t := &RobinHood[K, V]{
		tableBase: makeTableBase(maxElements, targetLoadFactor, c.allocator),
	}
	t.capacity = slotCapacity(maxElements, targetLoadFactor, c.finalizer == FinalizeBitmask)
	t.hasher = mustHasher(&c, t.capacity)
	t.slots = makeArray[rhSlot[K, V]](&t.mem, int(t.capacity), cacheLineSize)
	return t
}

func (t *RobinHood[K, V]) next(i uint64) uint64 {
	return t.hasher.Finalize(i + 1)
}

// Displacement returns the distance of the key in slot i from its ideal
// slot. The slot must be occupied.
func (t *RobinHood[K, V]) Displacement(i uint64) uint64 {
	ideal := t.hasher.Hash(uint64(t.slots[i].key))
	return (i + t.capacity - ideal) % t.capacity
}

func (t *RobinHood[K, V]) Find(key K) RobinHoodFindResult {
	idx := t.hasher.Hash(uint64(key))
	for d := uint64(0); d < t.capacity; d++ {
		s := &t.slots[idx]
		if !s.valid {
			return RobinHoodFindResult{Index: idx, Displacement: d}
		}
		if s.key == key {
			return RobinHoodFindResult{Index: idx, Displacement: d, Valid: true}
		}
		if t.Displacement(idx) < d {
			return RobinHoodFindResult{Index: idx, Displacement: d}
		}
		idx = t.next(idx)
	}
	return RobinHoodFindResult{Index: idx, Displacement: t.capacity}
}

func (t *RobinHood[K, V]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *RobinHood[K, V]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return t.slots[r.Index].value
}

func (t *RobinHood[K, V]) Insert(key K, value V) {
	r := t.Find(key)
	if r.Valid {
		t.slots[r.Index].value = value
		return
	}
	if uint64(t.size) >= t.capacity {
		panic(errors.AssertionFailedf("no free slot for %v among %d slots\n%s", key, t.capacity, t.debugString()))
	}
	if debug {
		fmt.Printf("insert: %v at %d with displacement %d\n", key, r.Index, r.Displacement)
	}
	// Shift the run starting at the insertion point forward by one slot.
	carry := rhSlot[K, V]{key: key, value: value, valid: true}
	for idx := r.Index; ; idx = t.next(idx) {
		s := &t.slots[idx]
		if !s.valid {
			*s = carry
			break
		}
		*s, carry = carry, *s
	}
	t.noteInsert()
	t.checkInvariants()
}

func (t *RobinHood[K, V]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *RobinHood[K, V]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *RobinHood[K, V]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *RobinHood[K, V]) Identifier() string {
	return identifier[K, V]("RobinHood", "displacement", "recalculating", "hasher", t.hasher.String())
}

func (t *RobinHood[K, V]) Capacity() int {
	return int(t.capacity)
}

func (t *RobinHood[K, V]) Load() float64 {
	return loadFactor(t.size, int(t.capacity))
}

func (t *RobinHood[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(unsafe.Pointer(unsafe.SliceData(t.slots)), alignment)
}

func (t *RobinHood[K, V]) DataPointerString() string {
	return pointerString(unsafe.Pointer(unsafe.SliceData(t.slots)))
}

func (t *RobinHood[K, V]) CanBeUsed() bool {
	return true
}

func (t *RobinHood[K, V]) Close() {
	t.mem.free()
	t.slots = nil
	t.capacity = 0
	t.size = 0
}

func (t *RobinHood[K, V]) checkInvariants() {
	if invariants {
		checkRobinHood(t.capacity, t.size, func(i uint64) (K, bool) {
			return t.slots[i].key, t.slots[i].valid
		}, t.Displacement, t.Contains, t.debugString)
	}
}

func (t *RobinHood[K, V]) debugString() string {
	return robinHoodDebugString(t.capacity, t.size, func(i uint64) (K, bool) {
		return t.slots[i].key, t.slots[i].valid
	}, t.Displacement)
}

type rhStoringSlot[K Key, V Value] struct {
	key   K
	value V
	// dist is the displacement plus one. Zero marks an empty slot.
	dist uint32
}

// RobinHoodStoring is a Robin Hood table that caches the displacement of
// every resident key in its slot.
type RobinHoodStoring[K Key, V Value] struct {
	tableBase
	hasher   Hasher
	capacity uint64
	slots    []rhStoringSlot[K, V]
}

var _ Table[uint64, uint64] = (*RobinHoodStoring[uint64, uint64])(nil)

// NewRobinHoodStoring returns a Robin Hood table that stores displacements
// alongside the entries.
func NewRobinHoodStoring[K Key, V Value](
	maxElements, targetLoadFactor uint64, options ...Option,
) *RobinHoodStoring[K, V] {
	c := makeConfig(options)
	t := &RobinHoodStoring[K, V]{
		tableBase: makeTableBase(maxElements, targetLoadFactor, c.allocator),
	}
	t.capacity = slotCapacity(maxElements, targetLoadFactor, c.finalizer == FinalizeBitmask)
	if t.capacity >= math.MaxUint32 {
		panic(errors.AssertionFailedf("capacity %d overflows the stored displacement", t.capacity))
	}
	t.hasher = mustHasher(&c, t.capacity)
	t.slots = makeArray[rhStoringSlot[K, V]](&t.mem, int(t.capacity), cacheLineSize)
	return t
}

func (t *RobinHoodStoring[K, V]) next(i uint64) uint64 {
	return t.hasher.Finalize(i + 1)
}

// Displacement returns the cached displacement of the key in slot i. The slot
// must be occupied.
func (t *RobinHoodStoring[K, V]) Displacement(i uint64) uint64 {
	return uint64(t.slots[i].dist) - 1
}

func (t *RobinHoodStoring[K, V]) Find(key K) RobinHoodFindResult {
	idx := t.hasher.Hash(uint64(key))
	for d := uint64(0); d < t.capacity; d++ {
		s := &t.slots[idx]
		if s.dist == 0 || uint64(s.dist) <= d {
			return RobinHoodFindResult{Index: idx, Displacement: d}
		}
		if s.key == key {
			return RobinHoodFindResult{Index: idx, Displacement: d, Valid: true}
		}
		idx = t.next(idx)
	}
	return RobinHoodFindResult{Index: idx, Displacement: t.capacity}
}

func (t *RobinHoodStoring[K, V]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *RobinHoodStoring[K, V]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return t.slots[r.Index].value
}

func (t *RobinHoodStoring[K, V]) Insert(key K, value V) {
	r := t.Find(key)
	if r.Valid {
		t.slots[r.Index].value = value
		return
	}
	if uint64(t.size) >= t.capacity {
		panic(errors.AssertionFailedf("no free slot for %v among %d slots\n%s", key, t.capacity, t.debugString()))
	}
	if debug {
		fmt.Printf("insert: %v at %d with displacement %d\n", key, r.Index, r.Displacement)
	}
	carry := rhStoringSlot[K, V]{key: key, value: value, dist: uint32(r.Displacement) + 1}
	for idx := r.Index; ; idx = t.next(idx) {
		s := &t.slots[idx]
		if s.dist == 0 {
			*s = carry
			break
		}
		*s, carry = carry, *s
		carry.dist++
	}
	t.noteInsert()
	t.checkInvariants()
}

func (t *RobinHoodStoring[K, V]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *RobinHoodStoring[K, V]) PrefaultPregenerated(data []KV[K, V]) {
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *RobinHoodStoring[K, V]) Reset() {
	t.mem.clear()
	t.size = 0
}

func (t *RobinHoodStoring[K, V]) Identifier() string {
	return identifier[K, V]("RobinHood", "displacement", "storing", "hasher", t.hasher.String())
}

func (t *RobinHoodStoring[K, V]) Capacity() int {
	return int(t.capacity)
}

func (t *RobinHoodStoring[K, V]) Load() float64 {
	return loadFactor(t.size, int(t.capacity))
}

func (t *RobinHoodStoring[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(unsafe.Pointer(unsafe.SliceData(t.slots)), alignment)
}

func (t *RobinHoodStoring[K, V]) DataPointerString() string {
	return pointerString(unsafe.Pointer(unsafe.SliceData(t.slots)))
}

func (t *RobinHoodStoring[K, V]) CanBeUsed() bool {
	return true
}

func (t *RobinHoodStoring[K, V]) Close() {
	t.mem.free()
	t.slots = nil
	t.capacity = 0
	t.size = 0
}

func (t *RobinHoodStoring[K, V]) checkInvariants() {
	if invariants {
		checkRobinHood(t.capacity, t.size, func(i uint64) (K, bool) {
			return t.slots[i].key, t.slots[i].dist != 0
		}, t.Displacement, t.Contains, t.debugString)
		for i := uint64(0); i < t.capacity; i++ {
			s := &t.slots[i]
			if s.dist == 0 {
				continue
			}
			ideal := t.hasher.Hash(uint64(s.key))
			if d := (i + t.capacity - ideal) % t.capacity; d != t.Displacement(i) {
				panic(fmt.Sprintf("invariant failed: slot(%d): stored displacement %d, actual %d\n%s",
					i, t.Displacement(i), d, t.debugString()))
			}
		}
	}
}

func (t *RobinHoodStoring[K, V]) debugString() string {
	return robinHoodDebugString(t.capacity, t.size, func(i uint64) (K, bool) {
		return t.slots[i].key, t.slots[i].dist != 0
	}, t.Displacement)
}

// checkRobinHood verifies that every resident key is reachable, that the
// size is accurate and that displacements never drop by more than one
// between neighbouring occupied slots.
func checkRobinHood[K Key](
	capacity uint64,
	size int,
	slot func(i uint64) (K, bool),
	displacement func(i uint64) uint64,
	contains func(K) bool,
	debugString func() string,
) {
	var used int
	for i := uint64(0); i < capacity; i++ {
		k, ok := slot(i)
		if !ok {
			continue
		}
		used++
		if !contains(k) {
			panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s", i, k, debugString()))
		}
		d := displacement(i)
		prev := (i + capacity - 1) % capacity
		if d == 0 {
			continue
		}
		if _, ok := slot(prev); !ok {
			panic(fmt.Sprintf("invariant failed: slot(%d): displacement %d after an empty slot\n%s", i, d, debugString()))
		}
		if pd := displacement(prev); pd+1 < d {
			panic(fmt.Sprintf("invariant failed: slot(%d): displacement %d follows %d\n%s", i, d, pd, debugString()))
		}
	}
	if used != size {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but size is %d\n%s", used, size, debugString()))
	}
}

func robinHoodDebugString[K Key](
	capacity uint64, size int, slot func(i uint64) (K, bool), displacement func(i uint64) uint64,
) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  size=%d\n", capacity, size)
	for i := uint64(0); i < capacity; i++ {
		k, ok := slot(i)
		if !ok {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: %v [displacement=%d]\n", i, k, displacement(i))
	}
	return buf.String()
}
