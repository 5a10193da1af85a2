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

//go:build unix

package fixedhash

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapAllocator allocates table memory directly from the OS using anonymous
// private mappings. The memory is page aligned, invisible to the GC and
// returned to the OS by Free, so tables using it must be closed.
//
// Allocation failures panic: a table cannot be constructed without its
// backing storage.
type MmapAllocator struct {
	// Populate asks the kernel to fault in the whole mapping up front
	// (MAP_POPULATE). Ignored where unsupported.
	Populate bool
	// HugePages advises the kernel to back the mapping with transparent huge
	// pages (MADV_HUGEPAGE). Ignored where unsupported.
	HugePages bool
}

var _ Allocator = MmapAllocator{}

func (a MmapAllocator) Alloc(n int, align int) []byte {
	if n == 0 {
		return nil
	}
	pageSize := unix.Getpagesize()
	if align > pageSize {
		panic(errors.AssertionFailedf("alignment %d exceeds the page size %d", align, pageSize))
	}
	length := int(alignUp(uintptr(n), uintptr(pageSize)))
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, a.mmapFlags())
	if err != nil {
		panic(errors.Wrapf(err, "mmap %d bytes", length))
	}
	a.advise(b)
	return b[:n]
}

func (a MmapAllocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		panic(errors.Wrap(err, "munmap"))
	}
}
