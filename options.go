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
	"github.com/cockroachdb/fixedhash/internal/simd"
)

// Option configures a table while it is being created.
type Option interface {
	apply(c *config)
}

// config carries every construction-time choice. Families ignore the fields
// that do not apply to them.
type config struct {
	family    HashFamily
	finalizer FinalizerKind
	fpPolicy  FingerprintPolicy
	allocator Allocator

	// Probing.
	layout   Layout
	unroll   int
	prefetch int

	// SIMD families.
	reduction    simd.Reduction
	lowering     simd.Lowering
	registerBits int
	bucketWidth  int

	// Chained hashing.
	additionalBudget  uint64
	budgetKind        BudgetKind
	softBudgetFailure bool
}

func makeConfig(options []Option) config {
	backend := simd.Detect()
	c := config{
		family:       Murmur{},
		finalizer:    FinalizeBitmask,
		fpPolicy:     MSBLSB,
		allocator:    defaultAllocator{},
		layout:       LayoutNatural,
		unroll:       1,
		reduction:    simd.ReductionTestZ,
		lowering:     backend.Lowering,
		registerBits: backend.RegisterBits,
		budgetKind:   BudgetKeyValue,
	}
	for _, op := range options {
		op.apply(&c)
	}
	return c
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) {
	f(c)
}

// WithHashFamily is an option to specify the hash family used to compute raw
// digests.
func WithHashFamily(f HashFamily) Option {
	return optionFunc(func(c *config) {
		c.family = f
	})
}

// WithHashFunc is an option to hash keys with an arbitrary function. It is
// primarily useful for injecting degenerate hashes in tests.
func WithHashFunc(fn func(key uint64) uint64) Option {
	return WithHashFamily(HashFunc(fn))
}

// WithFinalizer is an option to specify how raw digests are reduced to a
// table index.
func WithFinalizer(kind FinalizerKind) Option {
	return optionFunc(func(c *config) {
		c.finalizer = kind
	})
}

// WithFingerprintPolicy is an option to specify which digest bits the
// fingerprinting families use for the fingerprint and which for the bucket.
func WithFingerprintPolicy(p FingerprintPolicy) Option {
	return optionFunc(func(c *config) {
		c.fpPolicy = p
	})
}

// WithLayout is an option to specify the record layout of a Probing table.
func WithLayout(l Layout) Option {
	return optionFunc(func(c *config) {
		c.layout = l
	})
}

// WithUnroll is an option to batch n probe steps per loop iteration of a
// Probing table. n must be 1, 2, 4 or 8.
func WithUnroll(n int) Option {
	return optionFunc(func(c *config) {
		c.unroll = n
	})
}

// WithPrefetch is an option to touch the slot d probe steps ahead of the
// current one. Zero disables prefetching.
func WithPrefetch(d int) Option {
	return optionFunc(func(c *config) {
		c.prefetch = d
	})
}

// WithReduction is an option to specify how SIMD match masks are reduced.
func WithReduction(r simd.Reduction) Option {
	return optionFunc(func(c *config) {
		c.reduction = r
	})
}

// WithLowering is an option to override the build-time mask lowering.
func WithLowering(l simd.Lowering) Option {
	return optionFunc(func(c *config) {
		c.lowering = l
	})
}

// WithRegisterBits is an option to override the vector register width used
// to derive the group fan-out of the SIMD families. It must be one of 128,
// 256 or 512 (or any multiple of 128 for variable-width SVE).
func WithRegisterBits(n int) Option {
	return optionFunc(func(c *config) {
		c.registerBits = n
	})
}

// WithBucketWidth is an option to specify the number of lanes per bucket of
// a SIMDBuckets table.
func WithBucketWidth(n int) Option {
	return optionFunc(func(c *config) {
		c.bucketWidth = n
	})
}

// WithBudget is an option to specify the memory budget of a Chained table:
// the table may use additional percent more memory than a flat table of
// entries of the given kind.
func WithBudget(additional uint64, kind BudgetKind) Option {
	return optionFunc(func(c *config) {
		c.additionalBudget = additional
		c.budgetKind = kind
	})
}

// WithSoftBudgetFailure is an option to construct an unusable Chained table
// (CanBeUsed returns false) instead of panicking when the memory budget
// cannot hold the target load factor.
func WithSoftBudgetFailure() Option {
	return optionFunc(func(c *config) {
		c.softBudgetFailure = true
	})
}

// WithAllocator is an option for specify the Allocator to use for a table.
func WithAllocator(allocator Allocator) Option {
	return optionFunc(func(c *config) {
		c.allocator = allocator
	})
}

// Allocator specifies an interface for allocating and releasing the memory
// backing a table. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Close must be called on
// the table in order to ensure Free is called.
type Allocator interface {
	// Alloc should return a zeroed slice of n bytes whose first byte is
	// aligned to align, a power of two.
	Alloc(n int, align int) []byte

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(b []byte)
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(n int, align int) []byte {
	if align < 1 {
		align = 1
	}
	b := make([]byte, n+align-1)
	off := alignOffset(b, align)
	return b[off : off+n : off+n]
}

func (defaultAllocator) Free(b []byte) {
}
