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

//go:build amd64 && !nosimd

package simd

import "golang.org/x/sys/cpu"

func detect() Backend {
	b := Backend{Arch: "x86", Lowering: LoweringMovemask, RegisterBits: 128}
	switch {
	case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW:
		b.RegisterBits = 512
	case cpu.X86.HasAVX2:
		b.RegisterBits = 256
	}
	return b
}
