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

// Package simd provides the group-matching kernels used by the SIMD table
// families. A group of lanes (raw keys or short fingerprints) is compared
// against a broadcast value and the result is returned as a Mask with one bit
// per lane.
//
// The backend is selected at build time per ISA (see detect_*.go). Go has no
// portable vector intrinsics, so every backend is expressed with SWAR (SIMD
// Within A Register) bit tricks over 64-bit words. What differs between the
// backends is how a per-byte comparison result is lowered to a lane mask,
// which mirrors the instruction idioms of the respective ISA:
//
//	Movemask: x86 PMOVMSKB. The 0x80-per-lane word is packed to one bit per
//	          lane with a single multiply.
//	Shrn:     NEON SHRN narrowing. The 0x80-per-lane word is kept and lanes
//	          are extracted with a trailing-zero scan.
//	Maxv:     NEON UMAXV reduction. The word is only reduced to "any match"
//	          and matching lanes are then located with scalar compares.
//	Portable: no SWAR at all; every lane is compared individually.
//
// Building with -tags nosimd forces the portable backend on every ISA.
//
// The SWAR kernels assume a little endian CPU.
package simd

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const (
	lsb8  = 0x0101010101010101
	msb8  = 0x8080808080808080
	low7  = 0x7f7f7f7f7f7f7f7f
	lsb16 = 0x0001000100010001
	msb16 = 0x8000800080008000
	low15 = 0x7fff7fff7fff7fff

	// movemask8Mul gathers bit 8i+7 of a word into bit 64+i of the 128-bit
	// product. The partial products land on distinct bit positions so the
	// multiply never carries into the gathered byte.
	movemask8Mul = (1 << 57) | (1 << 50) | (1 << 43) | (1 << 36) |
		(1 << 29) | (1 << 22) | (1 << 15) | (1 << 8)
	// movemask16Mul does the same for bit 16i+15.
	movemask16Mul = (1 << 49) | (1 << 34) | (1 << 19) | (1 << 4)
)

// MaxLanes is the largest group fan-out a Mask can describe.
const MaxLanes = 64

// Lowering selects how a SWAR comparison result is turned into a lane mask.
type Lowering uint8

const (
	LoweringMovemask Lowering = iota
	LoweringShrn
	LoweringMaxv
	LoweringPortable
)

func (l Lowering) String() string {
	switch l {
	case LoweringMovemask:
		return "movemask"
	case LoweringShrn:
		return "shrn"
	case LoweringMaxv:
		return "maxv"
	case LoweringPortable:
		return "portable"
	default:
		return fmt.Sprintf("lowering(%d)", uint8(l))
	}
}

// Reduction selects how a table reduces a lane mask to "any match" before
// confirming candidates.
type Reduction uint8

const (
	// ReductionTestZ tests the whole mask for zero once (PTEST/VPTEST) and
	// only scans it when something matched.
	ReductionTestZ Reduction = iota
	// ReductionNoTestZ scans the mask bit by bit without a separate zero test.
	ReductionNoTestZ
	// ReductionManual skips the vector compare and checks every lane with a
	// scalar comparison.
	ReductionManual
)

func (r Reduction) String() string {
	switch r {
	case ReductionTestZ:
		return "testz"
	case ReductionNoTestZ:
		return "no-testz"
	case ReductionManual:
		return "manual"
	default:
		return fmt.Sprintf("reduction(%d)", uint8(r))
	}
}

// Backend describes the SIMD capabilities the package was built for.
type Backend struct {
	// Arch names the instruction set family: "x86", "neon", "sve" or
	// "portable".
	Arch     string
	Lowering Lowering
	// RegisterBits is the vector register width. SVE widths are not
	// queryable from Go and are reported as the architectural minimum.
	RegisterBits int
}

func (b Backend) String() string {
	return fmt.Sprintf("%s/%s/%d", b.Arch, b.Lowering, b.RegisterBits)
}

var detected = detect()

// Detect returns the backend selected for the running CPU.
func Detect() Backend {
	return detected
}

// Mask has bit i set when lane i matched.
type Mask uint64

// Any reports whether any lane matched.
func (m Mask) Any() bool {
	return m != 0
}

// First returns the lowest matching lane. The mask must not be empty.
func (m Mask) First() int {
	return bits.TrailingZeros64(uint64(m))
}

// Remove clears lane i.
func (m Mask) Remove(i int) Mask {
	return m &^ (1 << uint(i))
}

// Count returns the number of matching lanes.
func (m Mask) Count() int {
	return bits.OnesCount64(uint64(m))
}

func (m Mask) String() string {
	return fmt.Sprintf("%064b", uint64(m))
}

// Full returns a mask with the first n lanes set.
func Full(n int) Mask {
	if n >= MaxLanes {
		return ^Mask(0)
	}
	return Mask(1)<<uint(n) - 1
}

// Lane is the set of element types a group can hold.
type Lane interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr | ~uint |
		~int8 | ~int16 | ~int32 | ~int64 | ~int
}

// Match returns the lanes of group equal to v. Byte and 16-bit lanes take the
// SWAR path with lowering l; wider lanes are compared one by one without
// branches, which is what the compiler auto-vectorizes best.
func Match[T Lane](group []T, v T, l Lowering) Mask {
	if len(group) == 0 {
		return 0
	}
	switch unsafe.Sizeof(v) {
	case 1:
		return MatchBytes(unsafe.Slice((*uint8)(unsafe.Pointer(&group[0])), len(group)), uint8(v), l)
	case 2:
		return MatchWords(unsafe.Slice((*uint16)(unsafe.Pointer(&group[0])), len(group)), uint16(v), l)
	default:
		return MatchLanes(group, v)
	}
}

// MatchLanes compares every lane of group against v.
func MatchLanes[T comparable](group []T, v T) Mask {
	var m Mask
	for i := range group {
		m |= Mask(b2u(group[i] == v)) << uint(i)
	}
	return m
}

// MatchBytes returns the lanes of group equal to v.
func MatchBytes(group []uint8, v uint8, l Lowering) Mask {
	if l == LoweringPortable {
		return MatchLanes(group, v)
	}
	var m Mask
	bcast := lsb8 * uint64(v)
	i := 0
	for ; i+8 <= len(group); i += 8 {
		z := zeroBytes(binary.LittleEndian.Uint64(group[i:]) ^ bcast)
		m |= lowerBytes(z, group[i:i+8], v, l) << uint(i)
	}
	for ; i < len(group); i++ {
		m |= Mask(b2u(group[i] == v)) << uint(i)
	}
	return m
}

// MatchWords returns the lanes of group equal to v.
func MatchWords(group []uint16, v uint16, l Lowering) Mask {
	if l == LoweringPortable {
		return MatchLanes(group, v)
	}
	var m Mask
	bcast := lsb16 * uint64(v)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(group))), 2*len(group))
	i := 0
	for ; i+4 <= len(group); i += 4 {
		z := zeroWords(binary.LittleEndian.Uint64(raw[2*i:]) ^ bcast)
		m |= lowerWords(z, group[i:i+4], v, l) << uint(i)
	}
	for ; i < len(group); i++ {
		m |= Mask(b2u(group[i] == v)) << uint(i)
	}
	return m
}

func lowerBytes(z uint64, lanes []uint8, v uint8, l Lowering) Mask {
	switch l {
	case LoweringMovemask:
		return Mask(movemask(z, movemask8Mul) & 0xff)
	case LoweringShrn:
		var m Mask
		for z != 0 {
			m |= 1 << uint(bits.TrailingZeros64(z)>>3)
			z &= z - 1
		}
		return m
	default:
		if z == 0 {
			return 0
		}
		return MatchLanes(lanes, v)
	}
}

func lowerWords(z uint64, lanes []uint16, v uint16, l Lowering) Mask {
	switch l {
	case LoweringMovemask:
		return Mask(movemask(z, movemask16Mul) & 0xf)
	case LoweringShrn:
		var m Mask
		for z != 0 {
			m |= 1 << uint(bits.TrailingZeros64(z)>>4)
			z &= z - 1
		}
		return m
	default:
		if z == 0 {
			return 0
		}
		return MatchLanes(lanes, v)
	}
}

// zeroBytes returns 0x80 in every byte of v that is zero. Unlike the
// (v-lsb)&^v formulation it produces no false positives, so callers can use
// it to find empty fingerprint lanes.
func zeroBytes(v uint64) uint64 {
	return ^(((v & low7) + low7) | v) & msb8
}

// zeroWords returns 0x8000 in every 16-bit lane of v that is zero.
func zeroWords(v uint64) uint64 {
	return ^(((v & low15) + low15) | v) & msb16
}

func movemask(z, mul uint64) uint64 {
	hi, _ := bits.Mul64(z, mul)
	return hi
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Find returns the first lane of group among valid that holds v, or -1. The
// reduction selects how the comparison result is consumed:
//
//	TestZ:   one compare, a zero test of the whole mask, then the lowest set
//	         bit.
//	NoTestZ: one compare, then a scan of every lane bit without the zero
//	         test.
//	Manual:  no vector compare; each valid lane is compared on its own.
func Find[T Lane](group []T, v T, valid Mask, r Reduction, l Lowering) int {
	switch r {
	case ReductionManual:
		for i := range group {
			if valid&(1<<uint(i)) != 0 && group[i] == v {
				return i
			}
		}
		return -1
	case ReductionNoTestZ:
		m := Match(group, v, l) & valid
		for i := range group {
			if m&(1<<uint(i)) != 0 {
				return i
			}
		}
		return -1
	default:
		m := Match(group, v, l) & valid
		if !m.Any() {
			return -1
		}
		return m.First()
	}
}

// Candidates returns every lane of group among valid that holds v. Callers
// confirm the lanes themselves, lowest first, with First and Remove. Manual
// builds the mask from per-lane compares; the other reductions use one
// group compare.
func Candidates[T Lane](group []T, v T, valid Mask, r Reduction, l Lowering) Mask {
	if r == ReductionManual {
		var m Mask
		for i := range group {
			m |= Mask(b2u(group[i] == v)) << uint(i)
		}
		return m & valid
	}
	return Match(group, v, l) & valid
}

// ParseLowering is the inverse of Lowering.String.
func ParseLowering(s string) (Lowering, error) {
	for _, l := range []Lowering{LoweringMovemask, LoweringShrn, LoweringMaxv, LoweringPortable} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, errors.Newf("unknown lowering %q", s)
}

// ParseReduction is the inverse of Reduction.String.
func ParseReduction(s string) (Reduction, error) {
	for _, r := range []Reduction{ReductionTestZ, ReductionNoTestZ, ReductionManual} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, errors.Newf("unknown reduction %q", s)
}
