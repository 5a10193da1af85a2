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

// ErrInfeasibleBudget is returned when no directory size leaves room for the
// required number of chain entries within the memory budget.
var ErrInfeasibleBudget = errors.New("memory budget cannot hold the target load factor")

// BudgetKind selects the per-element size of the flat table a chained table
// is compared against.
type BudgetKind uint8

const (
	// BudgetKeyValue budgets key and value bytes per element.
	BudgetKeyValue BudgetKind = iota
	// BudgetKeyValueFP8 additionally budgets a one byte fingerprint.
	BudgetKeyValueFP8
	// BudgetKeyValueFP16 additionally budgets a two byte fingerprint.
	BudgetKeyValueFP16
)

func (k BudgetKind) String() string {
	switch k {
	case BudgetKeyValue:
		return "kv"
	case BudgetKeyValueFP8:
		return "kv-fp8"
	case BudgetKeyValueFP16:
		return "kv-fp16"
	default:
		return fmt.Sprintf("budget(%d)", uint8(k))
	}
}

// ParseBudgetKind is the inverse of BudgetKind.String.
func ParseBudgetKind(s string) (BudgetKind, error) {
	for _, k := range []BudgetKind{BudgetKeyValue, BudgetKeyValueFP8, BudgetKeyValueFP16} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown budget kind %q", s)
}

func (k BudgetKind) fingerprintBytes() uint64 {
	switch k {
	case BudgetKeyValueFP8:
		return 1
	case BudgetKeyValueFP16:
		return 2
	default:
		return 0
	}
}

// BudgetConfig describes the sizes that enter the directory/buffer
// computation. All sizes are in bytes.
type BudgetConfig struct {
	// AdditionalBudget is the slack, in percent, granted on top of the flat
	// table's footprint.
	AdditionalBudget uint64
	Kind             BudgetKind
	KeySize          uint64
	ValueSize        uint64
	// PointerSize is the size of a directory entry.
	PointerSize uint64
	// EntrySize is the size of one chain entry in the buffer.
	EntrySize uint64
}

// CalculateDirectoryBufferSize sizes a chained table so that its directory
// and entry buffer fit into the memory a flat table of maxElements entries
// would use, plus AdditionalBudget percent.
//
// The buffer must hold at least ceil(targetLoadFactor% of maxElements)
// entries. The directory starts at maxElements rounded up to a power of two
// and is halved until directory and minimal buffer fit. If the starting size
// already fits, the directory is doubled for as long as it still fits. All
// remaining budget goes to the buffer.
func CalculateDirectoryBufferSize(
	maxElements, targetLoadFactor uint64, c BudgetConfig,
) (directory, buffer uint64, err error) {
	if c.PointerSize == 0 || c.EntrySize == 0 {
		return 0, 0, errors.AssertionFailedf("pointer size %d and entry size %d must be positive", c.PointerSize, c.EntrySize)
	}
	entrySize := c.KeySize + c.ValueSize + c.Kind.fingerprintBytes()
	budget := ((100+c.AdditionalBudget)*entrySize*maxElements + 99) / 100
	required := (targetLoadFactor*maxElements + 99) / 100
	bufferMemory := required * c.EntrySize

	fits := func(dir uint64) bool {
		return dir*c.PointerSize+bufferMemory <= budget
	}
	start := nextPowerOf2(maxElements)
	for dir := start; dir >= 1; dir >>= 1 {
		if !fits(dir) {
			continue
		}
		if dir == start {
			for fits(dir << 1) {
				dir <<= 1
			}
		}
		buffer = (budget - dir*c.PointerSize) / c.EntrySize
		if buffer < required {
			return 0, 0, errors.AssertionFailedf("buffer of %d entries below the required %d", buffer, required)
		}
		return dir, buffer, nil
	}
	return 0, 0, errors.Wrapf(ErrInfeasibleBudget,
		"budget %d bytes, %d entries of %d bytes", budget, required, c.EntrySize)
}

// ref addresses a chain entry by its buffer index plus one. The zero ref is
// the end of a chain.
type ref uintptr

type chainEntry[K Key, V Value] struct {
	key   K
	value V
	next  ref
}

// ChainFindResult locates a key in a chained table. Entry is the buffer index
// of the key and Depth the number of entries examined.
type ChainFindResult struct {
	Bucket uint64
	Entry  uint64
	Depth  int
	Valid  bool
}

// Chained is a separate chaining table whose directory and entry buffer are
// sized by CalculateDirectoryBufferSize and allocated once. Entries are
// handed out from the buffer in insertion order and linked by index.
type Chained[K Key, V Value] struct {
	tableBase
	hasher    Hasher
	budget    BudgetConfig
	fpBits    uint
	directory []ref
	entries   []chainEntry[K, V]
	fp8       []uint8
	fp16      []uint16
	nextFree  int
	// invalidBudget is set when the budget was infeasible and soft budget
	// failures were requested. The table then holds no storage.
	invalidBudget bool
}

var _ Table[uint64, uint64] = (*Chained[uint64, uint64])(nil)

// ChainedBudgetConfig returns the budget configuration of a Chained[K, V].
func ChainedBudgetConfig[K Key, V Value](additional uint64, kind BudgetKind) BudgetConfig {
	var (
		k K
		v V
		e chainEntry[K, V]
	)
	return BudgetConfig{
		AdditionalBudget: additional,
		Kind:             kind,
		KeySize:          uint64(unsafe.Sizeof(k)),
		ValueSize:        uint64(unsafe.Sizeof(v)),
		PointerSize:      uint64(unsafe.Sizeof(ref(0))),
		EntrySize:        uint64(unsafe.Sizeof(e)) + kind.fingerprintBytes(),
	}
}

// NewChained returns a chained table sized by the budget set with WithBudget.
// An infeasible budget panics, or leaves the table unusable when
// WithSoftBudgetFailure is given.
func NewChained[K Key, V Value](maxElements, targetLoadFactor uint64, options ...Option) *Chained[K, V] {
	c := makeConfig(options)
	t := &Chained[K, V]{
		tableBase: makeTableBase(maxElements, targetLoadFactor, c.allocator),
		budget:    ChainedBudgetConfig[K, V](c.additionalBudget, c.budgetKind),
		fpBits:    uint(8 * c.budgetKind.fingerprintBytes()),
	}
	directory, buffer, err := CalculateDirectoryBufferSize(maxElements, targetLoadFactor, t.budget)
	if err != nil {
		if c.softBudgetFailure && errors.Is(err, ErrInfeasibleBudget) {
			t.invalidBudget = true
			return t
		}
		panic(err)
	}
	t.hasher = mustHasher(&c, directory)
	t.directory = makeArray[ref](&t.mem, int(directory), cacheLineSize)
	t.entries = makeArray[chainEntry[K, V]](&t.mem, int(buffer), cacheLineSize)
	switch c.budgetKind {
	case BudgetKeyValueFP8:
		t.fp8 = makeArray[uint8](&t.mem, int(buffer), cacheLineSize)
	case BudgetKeyValueFP16:
		t.fp16 = makeArray[uint16](&t.mem, int(buffer), cacheLineSize)
	}
	return t
}

func (t *Chained[K, V]) hash(key K) (bucket, fp uint64) {
	if t.fpBits == 0 {
		return t.hasher.Hash(uint64(key)), 0
	}
	return t.hasher.BucketHash(uint64(key), t.fpBits, 0)
}

func (t *Chained[K, V]) fingerprint(i int) uint64 {
	switch {
	case t.fp8 != nil:
		return uint64(t.fp8[i])
	case t.fp16 != nil:
		return uint64(t.fp16[i])
	default:
		return 0
	}
}

func (t *Chained[K, V]) setFingerprint(i int, fp uint64) {
	switch {
	case t.fp8 != nil:
		t.fp8[i] = uint8(fp)
	case t.fp16 != nil:
		t.fp16[i] = uint16(fp)
	}
}

// find walks the chain of key. It also returns the last entry of the chain
// so a miss can be linked in without a second walk.
func (t *Chained[K, V]) find(key K) (r ChainFindResult, fp uint64, tail ref) {
	bucket, fp := t.hash(key)
	r.Bucket = bucket
	for e := t.directory[bucket]; e != 0; e = t.entries[e-1].next {
		r.Depth++
		i := int(e - 1)
		if t.fingerprint(i) == fp && t.entries[i].key == key {
			r.Entry = uint64(i)
			r.Valid = true
			return r, fp, e
		}
		tail = e
	}
	return r, fp, tail
}

func (t *Chained[K, V]) Find(key K) ChainFindResult {
	if t.invalidBudget {
		return ChainFindResult{}
	}
	r, _, _ := t.find(key)
	return r
}

func (t *Chained[K, V]) Contains(key K) bool {
	return t.Find(key).Valid
}

func (t *Chained[K, V]) Lookup(key K) V {
	r := t.Find(key)
	if !r.Valid {
		var zero V
		return zero
	}
	return t.entries[r.Entry].value
}

func (t *Chained[K, V]) Insert(key K, value V) {
	if t.invalidBudget {
		panic(errors.AssertionFailedf("insert into a chained table with an infeasible budget"))
	}
	r, fp, tail := t.find(key)
	if r.Valid {
		t.entries[r.Entry].value = value
		return
	}
	if t.nextFree >= len(t.entries) {
		panic(errors.AssertionFailedf("chain buffer of %d entries exhausted inserting %v", len(t.entries), key))
	}
	i := t.nextFree
	t.nextFree++
	t.entries[i] = chainEntry[K, V]{key: key, value: value}
	t.setFingerprint(i, fp)
	if tail == 0 {
		t.directory[r.Bucket] = ref(i + 1)
	} else {
		t.entries[tail-1].next = ref(i + 1)
	}
	t.noteInsert()
	t.checkInvariants()
}

func (t *Chained[K, V]) Prefault() {
	t.mem.prefault()
	t.Reset()
}

func (t *Chained[K, V]) PrefaultPregenerated(data []KV[K, V]) {
	if t.invalidBudget {
		return
	}
	t.checkPregenerated(len(data))
	for i := range data {
		t.Insert(data[i].Key, data[i].Value)
	}
}

func (t *Chained[K, V]) Reset() {
	t.mem.clear()
	t.size = 0
	t.nextFree = 0
}

func (t *Chained[K, V]) Identifier() string {
	hasher := "none"
	if !t.invalidBudget {
		hasher = t.hasher.String()
	}
	return identifier[K, V]("Chained",
		"budget", t.budget.Kind.String(),
		"additional", strconv.FormatUint(t.budget.AdditionalBudget, 10),
		"hasher", hasher)
}

// Capacity returns the number of entries in the buffer.
func (t *Chained[K, V]) Capacity() int {
	return len(t.entries)
}

// DirectorySize returns the number of chains.
func (t *Chained[K, V]) DirectorySize() int {
	return len(t.directory)
}

func (t *Chained[K, V]) Load() float64 {
	return loadFactor(t.size, len(t.entries))
}

func (t *Chained[K, V]) IsDataAlignedTo(alignment uintptr) bool {
	return alignedTo(unsafe.Pointer(unsafe.SliceData(t.entries)), alignment)
}

func (t *Chained[K, V]) DataPointerString() string {
	return pointerString(unsafe.Pointer(unsafe.SliceData(t.entries)))
}

func (t *Chained[K, V]) CanBeUsed() bool {
	return !t.invalidBudget
}

func (t *Chained[K, V]) Close() {
	t.mem.free()
	t.directory, t.entries, t.fp8, t.fp16 = nil, nil, nil, nil
	t.size = 0
	t.nextFree = 0
}

func (t *Chained[K, V]) checkInvariants() {
	if invariants {
		var used int
		for b, head := range t.directory {
			for e := head; e != 0; e = t.entries[e-1].next {
				used++
				if used > t.nextFree {
					panic(fmt.Sprintf("invariant failed: chain(%d) is cyclic\n%s", b, t.debugString()))
				}
				k := t.entries[e-1].key
				if bucket, _ := t.hash(k); bucket != uint64(b) {
					panic(fmt.Sprintf("invariant failed: chain(%d): %v belongs to chain %d\n%s", b, k, bucket, t.debugString()))
				}
			}
		}
		if used != t.size || used != t.nextFree {
			panic(fmt.Sprintf("invariant failed: found %d chained entries, but size is %d and %d entries are allocated\n%s",
				used, t.size, t.nextFree, t.debugString()))
		}
	}
}

func (t *Chained[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "directory=%d  buffer=%d  size=%d\n", len(t.directory), len(t.entries), t.size)
	for b, head := range t.directory {
		if head == 0 {
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", b)
		for e := head; e != 0; e = t.entries[e-1].next {
			fmt.Fprintf(&buf, " %v@%d", t.entries[e-1].key, e-1)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
