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
	"math/bits"
	"unsafe"
)

// backing tracks every block of memory a table obtained from its Allocator.
// All table state lives in these blocks, so zeroing them restores the empty
// state.
type backing struct {
	alloc  Allocator
	blocks [][]byte
}

// makeArray allocates an array of n T's aligned to at least align bytes. T
// must not contain pointers.
func makeArray[T any](b *backing, n int, align int) []T {
	var t T
	if a := int(unsafe.Alignof(t)); align < a {
		align = a
	}
	buf := b.alloc.Alloc(n*int(unsafe.Sizeof(t)), align)
	b.blocks = append(b.blocks, buf)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(buf))), n)
}

// makeBytes allocates n raw bytes aligned to align.
func (b *backing) makeBytes(n int, align int) []byte {
	buf := b.alloc.Alloc(n, align)
	b.blocks = append(b.blocks, buf)
	return buf
}

// prefault writes every byte of every block so the OS backs it with physical
// pages. The caller is expected to clear afterwards.
func (b *backing) prefault() {
	for _, blk := range b.blocks {
		for i := range blk {
			blk[i] = 0xff
		}
	}
}

func (b *backing) clear() {
	for _, blk := range b.blocks {
		clear(blk)
	}
}

func (b *backing) free() {
	if b.alloc == nil {
		return
	}
	for _, blk := range b.blocks {
		b.alloc.Free(blk)
	}
	b.blocks = nil
	b.alloc = nil
}

// bytes returns the total number of bytes backing the table.
func (b *backing) bytes() int {
	var n int
	for _, blk := range b.blocks {
		n += len(blk)
	}
	return n
}

// alignOffset returns the number of bytes to skip from the start of b to
// reach an address aligned to align.
func alignOffset(b []byte, align int) int {
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return int((uintptr(align) - p%uintptr(align)) % uintptr(align))
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// nextPowerOf2 returns the smallest power of 2 >= n.
func nextPowerOf2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

func isPowerOf2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// loadUnaligned reads a T from p without assuming p is aligned for T.
func loadUnaligned[T any](p unsafe.Pointer) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)), unsafe.Slice((*byte)(p), unsafe.Sizeof(v)))
	return v
}

// storeUnaligned writes v to p without assuming p is aligned for T.
func storeUnaligned[T any](p unsafe.Pointer, v T) {
	copy(unsafe.Slice((*byte)(p), unsafe.Sizeof(v)), unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)))
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}
