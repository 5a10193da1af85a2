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

import "golang.org/x/sys/unix"

// MAP_POPULATE pre-faults pages on Linux, avoiding page faults on first
// access.
func (a MmapAllocator) mmapFlags() int {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if a.Populate {
		flags |= unix.MAP_POPULATE
	}
	return flags
}

func (a MmapAllocator) advise(b []byte) {
	if a.HugePages {
		// Best effort: kernels built without THP reject the advice.
		_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
	}
}
