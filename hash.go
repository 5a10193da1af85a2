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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"
)

// ErrWeakLowBits is returned when the LSBMSB fingerprint policy is requested
// for a hash family whose low bits are poorly mixed.
var ErrWeakLowBits = errors.New("hash family has weakly mixed low bits")

// HashFamily produces a 64-bit digest for a key. Keys of every width are
// widened to uint64 before hashing.
type HashFamily interface {
	Name() string
	Sum64(key uint64) uint64
	// LowBitsWeak reports whether the low bits of the digest are poorly
	// mixed, which rules out carving fingerprints from them.
	LowBitsWeak() bool
}

// Identity returns the key itself.
type Identity struct{}

func (Identity) Name() string            { return "identity" }
func (Identity) Sum64(key uint64) uint64 { return key }
func (Identity) LowBitsWeak() bool       { return true }

// Multiplicative is Fibonacci hashing. Only the high bits of the product
// depend on every bit of the key.
type Multiplicative struct{}

const fibonacci64 = 0x9e3779b97f4a7c15

func (Multiplicative) Name() string            { return "multiplicative" }
func (Multiplicative) Sum64(key uint64) uint64 { return key * fibonacci64 }
func (Multiplicative) LowBitsWeak() bool       { return true }

// Murmur is the murmur3 64-bit finalizer.
type Murmur struct{}

func (Murmur) Name() string { return "murmur" }

func (Murmur) Sum64(key uint64) uint64 {
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	key *= 0xc4ceb9fe1a85ec53
	key ^= key >> 33
	return key
}

func (Murmur) LowBitsWeak() bool { return false }

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32 combines the Castagnoli checksum of the key (low half) with the IEEE
// checksum (high half).
type CRC32 struct{}

func (CRC32) Name() string { return "crc32" }

func (CRC32) Sum64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	lo := crc32.Checksum(buf[:], castagnoli)
	hi := crc32.ChecksumIEEE(buf[:])
	return uint64(hi)<<32 | uint64(lo)
}

func (CRC32) LowBitsWeak() bool { return false }

// XXH3 hashes the little endian bytes of the key.
type XXH3 struct{}

func (XXH3) Name() string { return "xxh3" }

func (XXH3) Sum64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxh3.Hash(buf[:])
}

func (XXH3) LowBitsWeak() bool { return false }

// WyMix is the folded 128-bit multiply used by wyhash.
type WyMix struct{}

const (
	wyp0 = 0xa0761d6478bd642f
	wyp1 = 0xe7037ed1a0b428db
)

func (WyMix) Name() string { return "wymix" }

func (WyMix) Sum64(key uint64) uint64 {
	hi, lo := bits.Mul64(key^wyp0, wyp1)
	return hi ^ lo
}

func (WyMix) LowBitsWeak() bool { return false }

// HashFunc adapts an arbitrary function. It is mostly useful for injecting
// degenerate hashers in tests; its low bits are assumed to be well mixed.
type HashFunc func(key uint64) uint64

func (f HashFunc) Name() string            { return "custom" }
func (f HashFunc) Sum64(key uint64) uint64 { return f(key) }
func (f HashFunc) LowBitsWeak() bool       { return false }

// HashFamilyByName returns the built-in family with the given name.
func HashFamilyByName(name string) (HashFamily, error) {
	for _, f := range []HashFamily{Identity{}, Multiplicative{}, Murmur{}, CRC32{}, XXH3{}, WyMix{}} {
		if f.Name() == name {
			return f, nil
		}
	}
	return nil, errors.Newf("unknown hash family %q", name)
}

// FinalizerKind selects how a digest is reduced to an index.
type FinalizerKind uint8

const (
	// FinalizeBitmask masks the digest. Requires a power-of-two capacity.
	FinalizeBitmask FinalizerKind = iota
	// FinalizeModulo takes the digest modulo the capacity.
	FinalizeModulo
)

func (k FinalizerKind) String() string {
	switch k {
	case FinalizeBitmask:
		return "bitmask"
	case FinalizeModulo:
		return "modulo"
	default:
		return fmt.Sprintf("finalizer(%d)", uint8(k))
	}
}

// FingerprintPolicy selects which digest bits become the fingerprint and
// which the bucket index.
type FingerprintPolicy uint8

const (
	// MSBLSB takes the fingerprint from the high bits and the bucket from the
	// low bits.
	MSBLSB FingerprintPolicy = iota
	// LSBMSB takes the fingerprint from the low bits and the bucket from the
	// bits above it.
	LSBMSB
)

func (p FingerprintPolicy) String() string {
	switch p {
	case MSBLSB:
		return "msblsb"
	case LSBMSB:
		return "lsbmsb"
	default:
		return fmt.Sprintf("fp-policy(%d)", uint8(p))
	}
}

// familyKind identifies a built-in family inside a Hasher, so the digest is
// computed with a switch and direct calls rather than through HashFamily.
type familyKind uint8

const (
	kindCustom familyKind = iota
	kindIdentity
	kindMultiplicative
	kindMurmur
	kindCRC32
	kindXXH3
	kindWyMix
)

func resolveFamily(f HashFamily) (familyKind, func(uint64) uint64) {
	switch f := f.(type) {
	case Identity:
		return kindIdentity, nil
	case Multiplicative:
		return kindMultiplicative, nil
	case Murmur:
		return kindMurmur, nil
	case CRC32:
		return kindCRC32, nil
	case XXH3:
		return kindXXH3, nil
	case WyMix:
		return kindWyMix, nil
	case HashFunc:
		return kindCustom, f
	default:
		return kindCustom, f.Sum64
	}
}

// Hasher maps keys into [0, capacity) and derives fingerprints. The family
// is resolved once at construction; only families outside the built-in set
// pay an indirect call per key.
type Hasher struct {
	kind      familyKind
	custom    func(uint64) uint64
	name      string
	finalizer FinalizerKind
	policy    FingerprintPolicy
	capacity  uint64
	mask      uint64
}

// NewHasher returns a Hasher over capacity slots (or groups, or buckets).
func NewHasher(
	family HashFamily, finalizer FinalizerKind, policy FingerprintPolicy, capacity uint64,
) (Hasher, error) {
	if capacity == 0 {
		return Hasher{}, errors.AssertionFailedf("hasher capacity must be positive")
	}
	if finalizer == FinalizeBitmask && !isPowerOf2(capacity) {
		return Hasher{}, errors.AssertionFailedf("bitmask finalizer requires a power-of-two capacity, got %d", capacity)
	}
	if policy == LSBMSB && family.LowBitsWeak() {
		return Hasher{}, errors.Wrapf(ErrWeakLowBits, "%s with %s", family.Name(), policy)
	}
	kind, custom := resolveFamily(family)
	return Hasher{
		kind:      kind,
		custom:    custom,
		name:      family.Name(),
		finalizer: finalizer,
		policy:    policy,
		capacity:  capacity,
		mask:      capacity - 1,
	}, nil
}

func mustHasher(c *config, capacity uint64) Hasher {
	h, err := NewHasher(c.family, c.finalizer, c.fpPolicy, capacity)
	if err != nil {
		panic(err)
	}
	return h
}

// Finalize maps a raw digest into [0, capacity).
func (h *Hasher) Finalize(raw uint64) uint64 {
	if h.finalizer == FinalizeBitmask {
		return raw & h.mask
	}
	return raw % h.capacity
}

// Sum64 returns the raw digest of key.
func (h *Hasher) Sum64(key uint64) uint64 {
	switch h.kind {
	case kindIdentity:
		return key
	case kindMultiplicative:
		return Multiplicative{}.Sum64(key)
	case kindMurmur:
		return Murmur{}.Sum64(key)
	case kindCRC32:
		return CRC32{}.Sum64(key)
	case kindXXH3:
		return XXH3{}.Sum64(key)
	case kindWyMix:
		return WyMix{}.Sum64(key)
	default:
		return h.custom(key)
	}
}

// Hash returns the index of key.
func (h *Hasher) Hash(key uint64) uint64 {
	return h.Finalize(h.Sum64(key))
}

// BucketHash returns the bucket index of key together with an fpBits wide
// fingerprint that never equals invalid.
func (h *Hasher) BucketHash(key uint64, fpBits uint, invalid uint64) (bucket, fp uint64) {
	raw := h.Sum64(key)
	fpMask := uint64(1)<<fpBits - 1
	if h.policy == MSBLSB {
		fp = raw >> (64 - fpBits)
		bucket = h.Finalize(raw & (^uint64(0) >> fpBits))
	} else {
		fp = raw & fpMask
		bucket = h.Finalize(raw >> fpBits)
	}
	if fp == invalid {
		fp = (fp + 1) & fpMask
	}
	return bucket, fp
}

// Capacity returns the size of the index space.
func (h Hasher) Capacity() uint64 {
	return h.capacity
}

func (h Hasher) String() string {
	return fmt.Sprintf("%s/%s/%s", h.name, h.finalizer, h.policy)
}
