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

package baseline

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fixedhash"
	"github.com/stretchr/testify/require"
)

type finder interface {
	Find(key uint64) (bool, error)
}

type baselineTable interface {
	fixedhash.Table[uint64, uint64]
	finder
}

func baselines(maxElements, targetLoadFactor uint64) map[string]baselineTable {
	return map[string]baselineTable{
		"runtime":   NewRuntimeMap[uint64, uint64](maxElements, targetLoadFactor),
		"cockroach": NewCockroachSwiss[uint64, uint64](maxElements, targetLoadFactor),
		"dolt":      NewDoltSwiss[uint64, uint64](maxElements, targetLoadFactor),
	}
}

func TestBaselines(t *testing.T) {
	for name, m := range baselines(1000, 50) {
		t.Run(name, func(t *testing.T) {
			defer m.Close()
			rng := rand.New(rand.NewSource(1))
			require.True(t, m.CanBeUsed())
			require.Contains(t, m.Identifier(), "K=uint64,V=uint64")
			require.NotEmpty(t, m.DataPointerString())
			require.True(t, m.IsDataAlignedTo(1))
			require.Equal(t, 2000, m.Capacity())

			m.Prefault()
			require.Equal(t, 0, m.Size())

			e := make(map[uint64]uint64)
			for i := 0; i < 1000; i++ {
				k, v := rng.Uint64(), rng.Uint64()
				m.Insert(k, v)
				e[k] = v
			}
			require.Equal(t, len(e), m.Size())
			require.InDelta(t, float64(len(e))/2000, m.Load(), 1e-9)
			for k, v := range e {
				require.True(t, m.Contains(k))
				require.Equal(t, v, m.Lookup(k))
				m.Insert(k, v+1)
				require.Equal(t, v+1, m.Lookup(k))
			}
			require.Equal(t, len(e), m.Size())

			found, err := m.Find(1)
			require.False(t, found)
			require.True(t, errors.Is(err, ErrFindUnsupported))

			m.Reset()
			require.Equal(t, 0, m.Size())
			for k := range e {
				require.False(t, m.Contains(k))
				require.Zero(t, m.Lookup(k))
			}

			data := []fixedhash.KV[uint64, uint64]{{Key: 1, Value: 2}, {Key: 3, Value: 4}}
			m.PrefaultPregenerated(data)
			require.Equal(t, 2, m.Size())
			require.EqualValues(t, 4, m.Lookup(3))
		})
	}
	require.Panics(t, func() { NewRuntimeMap[uint64, uint64](0, 50) })
	require.Panics(t, func() { NewDoltSwiss[uint64, uint64](10, 0) })
}
