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

// Package fixedhash is a research library of static-capacity, single-writer
// hash tables used to study how memory layout and SIMD probing strategies
// affect lookup and insert throughput.
//
// Every table is sized once at construction from a maximum element count and
// a target load factor and never grows. All tables implement the same
// Table contract so a benchmark driver can treat them interchangeably:
//
//	Probing          linear and quadratic open addressing over an array of
//	                 {key, value, valid} records (natural, padded or packed)
//	RobinHood        displacement-minimizing linear probing that recomputes
//	                 displacements by re-hashing
//	RobinHoodStoring Robin Hood hashing that caches displacements per slot
//	SIMDKeys         groups of raw keys compared a register at a time
//	SIMDFingerprint  groups of 1 or 2 byte fingerprints compared a register at
//	                 a time, confirmed against a parallel key array
//	SIMDBuckets      explicit fixed-width buckets with overflow chaining
//	Chained          separate chaining through a budget-sized arena
//
// There is no deletion and no resizing. A table is NOT goroutine-safe; the
// intended concurrency model is one table per goroutine over a sharded key
// space.
//
// Keys and values are restricted to fixed-size scalar types so that backing
// storage can be carved out of allocator-provided byte arenas, including
// memory obtained directly from mmap.
package fixedhash

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const (
	debug = false

	cacheLineSize = 64
)

// Key is the set of types usable as table keys.
type Key interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr
}

// Value is the set of types usable as table values.
type Value interface {
	Key | ~float32 | ~float64
}

// KV is a pregenerated key/value pair.
type KV[K Key, V Value] struct {
	Key   K
	Value V
}

// Table is the operation contract shared by every table family and by the
// baseline wrappers.
type Table[K Key, V Value] interface {
	// Contains reports whether key is present.
	Contains(key K) bool
	// Lookup returns the value stored for key, or the zero value if key is
	// absent.
	Lookup(key K) V
	// Insert stores value under key, overwriting the value of a present key.
	Insert(key K, value V)
	// Prefault touches every byte of backing storage and then restores the
	// empty state.
	Prefault()
	// PrefaultPregenerated inserts data, faulting in exactly the pages a
	// workload over data would touch. Callers Reset afterwards.
	PrefaultPregenerated(data []KV[K, V])
	// Reset restores the empty state without releasing memory.
	Reset()
	// Identifier describes every configuration choice of the table.
	Identifier() string
	// Size returns the number of resident keys.
	Size() int
	// Capacity returns the number of slots.
	Capacity() int
	// Load returns Size()/Capacity().
	Load() float64
	// IsDataAlignedTo reports whether the primary data array starts on an
	// alignment-byte boundary.
	IsDataAlignedTo(alignment uintptr) bool
	// DataPointerString formats the address of the primary data array.
	DataPointerString() string
	// CanBeUsed is false when the table could not be sized for its
	// configuration.
	CanBeUsed() bool
	// Close releases backing storage to the configured Allocator.
	Close()
}

// tableBase holds the sizing parameters and bookkeeping shared by every
// family.
type tableBase struct {
	maxElements      uint64
	targetLoadFactor uint64
	// The number of resident keys.
	size int
	// The storage backing the table.
	mem backing
}

func makeTableBase(maxElements, targetLoadFactor uint64, alloc Allocator) tableBase {
	if maxElements == 0 {
		panic(errors.AssertionFailedf("max elements must be positive"))
	}
	if targetLoadFactor == 0 || targetLoadFactor > 100 {
		panic(errors.AssertionFailedf("target load factor %d outside (0, 100]", targetLoadFactor))
	}
	return tableBase{
		maxElements:      maxElements,
		targetLoadFactor: targetLoadFactor,
		mem:              backing{alloc: alloc},
	}
}

// Size returns the number of resident keys.
func (t *tableBase) Size() int {
	return t.size
}

// checkPregenerated verifies that a pregenerated data set fits the table.
func (t *tableBase) checkPregenerated(n int) {
	if invariants && uint64(n) > t.maxElements {
		panic(errors.AssertionFailedf("pregenerated %d pairs for a table of %d elements", n, t.maxElements))
	}
}

// noteInsert accounts for a newly resident key.
func (t *tableBase) noteInsert() {
	t.size++
	if invariants && uint64(t.size) > t.maxElements {
		panic(errors.AssertionFailedf("inserted %d keys into a table of %d elements", t.size, t.maxElements))
	}
}

// touch issues a load of the byte at p so that its cache line is resident
// when the probe reaches it. Go exposes no prefetch instruction, so callers
// fold the loaded bytes together and hand the result to keepAlive.
func touch(acc uint64, p unsafe.Pointer) uint64 {
	return acc*31 + uint64(*(*byte)(p))
}

// prefetchSink is written only when an accumulated prefetch value equals an
// arbitrary constant, which keeps the loads observable without a store per
// probe. It is shared by every table, hence atomic.
var prefetchSink atomic.Uint64

const prefetchSentinel = 0x9b1f3c57e2d4a861

func keepAlive(acc uint64) {
	if acc == prefetchSentinel {
		prefetchSink.Store(acc)
	}
}

func loadFactor(size, capacity int) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

// slotCapacity returns ceil(maxElements*100/targetLoadFactor), rounded up to
// a power of two if pow2 is set.
func slotCapacity(maxElements, targetLoadFactor uint64, pow2 bool) uint64 {
	n := (maxElements*100 + targetLoadFactor - 1) / targetLoadFactor
	if n < maxElements {
		n = maxElements
	}
	if pow2 {
		n = nextPowerOf2(n)
	}
	return n
}

func alignedTo(p unsafe.Pointer, alignment uintptr) bool {
	if alignment == 0 {
		return true
	}
	return uintptr(p)%alignment == 0
}

func pointerString(p unsafe.Pointer) string {
	return fmt.Sprintf("%p", p)
}

// identifier formats a table identifier of the form
// Name<K=uint64,V=uint64,key=value,...>.
func identifier[K Key, V Value](name string, params ...string) string {
	var k K
	var v V
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s<K=%T,V=%T", name, k, v)
	for i := 0; i+1 < len(params); i += 2 {
		fmt.Fprintf(&buf, ",%s=%s", params[i], params[i+1])
	}
	buf.WriteString(">")
	return buf.String()
}
