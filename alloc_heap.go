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

//go:build !unix

package fixedhash

// MmapAllocator falls back to the Go heap on platforms without mmap.
type MmapAllocator struct {
	Populate  bool
	HugePages bool
}

var _ Allocator = MmapAllocator{}

func (a MmapAllocator) Alloc(n int, align int) []byte {
	return defaultAllocator{}.Alloc(n, align)
}

func (a MmapAllocator) Free(b []byte) {
}
