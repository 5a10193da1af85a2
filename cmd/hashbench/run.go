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

package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fixedhash"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// phaseTimings records the wall time of each benchmark phase for one shard.
type phaseTimings struct {
	keys     int
	prefault time.Duration
	insert   time.Duration
	lookup   time.Duration
	reset    time.Duration
}

// shardKeys returns n distinct keys for shard. Multiplication by an odd
// constant is a bijection on uint64, so disjoint index ranges never collide.
func shardKeys(seed int64, shard int, offset, n uint64) []uint64 {
	keys := make([]uint64, n)
	base := uint64(seed)<<40 + uint64(shard)<<32 + offset
	for i := range keys {
		keys[i] = (base + uint64(i)) * 0x9e3779b97f4a7c15
	}
	return keys
}

// run benchmarks every configured table in turn. Each table runs on
// cfg.Threads shards, and every shard owns a private table instance.
func run(ctx context.Context, logger *zap.Logger, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, tc := range cfg.Tables {
		if err := runTable(ctx, logger.With(zap.String("table", tc.Label())), cfg, tc); err != nil {
			return errors.Wrapf(err, "table %s", tc.Label())
		}
	}
	return nil
}

func runTable(ctx context.Context, logger *zap.Logger, cfg Config, tc TableConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]phaseTimings, cfg.Threads)
	skipped := make([]bool, cfg.Threads)
	for shard := 0; shard < cfg.Threads; shard++ {
		shard := shard
		g.Go(func() error {
			m, err := tc.Build(cfg.MaxElements, tc.loadFactor(cfg))
			if err != nil {
				return err
			}
			defer m.Close()
			if !m.CanBeUsed() {
				skipped[shard] = true
				return nil
			}
			if shard == 0 {
				logger.Info("table configured",
					zap.String("identifier", m.Identifier()),
					zap.Int("capacity", m.Capacity()),
					zap.Bool("cache-line-aligned", m.IsDataAlignedTo(64)),
					zap.String("data", m.DataPointerString()))
			}
			res, err := runShard(ctx, m, cfg, shard)
			if err != nil {
				return errors.Wrapf(err, "shard %d", shard)
			}
			results[shard] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total phaseTimings
	used := 0
	keys := 0
	for i, r := range results {
		if skipped[i] {
			continue
		}
		used++
		keys += r.keys
		total.prefault += r.prefault
		total.insert += r.insert
		total.lookup += r.lookup
		total.reset += r.reset
	}
	if used == 0 {
		logger.Warn("table cannot be used with this configuration; skipped")
		return nil
	}
	ops := float64(keys)
	lookups := ops * float64(2*cfg.LookupRounds)
	logger.Info("table finished",
		zap.Int("shards", used),
		zap.Int("keys", keys),
		zap.Duration("prefault", total.prefault/time.Duration(used)),
		zap.Duration("insert", total.insert/time.Duration(used)),
		zap.Duration("lookup", total.lookup/time.Duration(used)),
		zap.Duration("reset", total.reset/time.Duration(used)),
		zap.Float64("insert-ns/op", nsPerOp(total.insert, ops)),
		zap.Float64("lookup-ns/op", nsPerOp(total.lookup, lookups)))
	return nil
}

func nsPerOp(d time.Duration, ops float64) float64 {
	if ops == 0 {
		return 0
	}
	return float64(d.Nanoseconds()) / ops
}

// runShard drives one table through prefault, insert, lookup and reset. Every
// lookup result is checked so that a broken table fails the run instead of
// producing a meaningless timing. Chained arenas are sized for the load
// factor share of maxElements, so the key count is capped by Capacity.
func runShard(
	ctx context.Context, m fixedhash.Table[uint64, uint64], cfg Config, shard int,
) (phaseTimings, error) {
	n := min(cfg.MaxElements, uint64(m.Capacity()))
	res := phaseTimings{keys: int(n)}
	present := shardKeys(cfg.Seed, shard, 0, n)
	absent := shardKeys(cfg.Seed, shard, n, n)

	start := time.Now()
	m.Prefault()
	res.prefault = time.Since(start)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	start = time.Now()
	for i, k := range present {
		m.Insert(k, uint64(i))
	}
	res.insert = time.Since(start)
	if m.Size() != len(present) {
		return res, errors.Newf("size %d after inserting %d keys", m.Size(), len(present))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	start = time.Now()
	for r := 0; r < cfg.LookupRounds; r++ {
		for i, k := range present {
			if v := m.Lookup(k); v != uint64(i) {
				return res, errors.Newf("lookup(%d) = %d, expected %d", k, v, i)
			}
		}
		for _, k := range absent {
			if m.Contains(k) {
				return res, errors.Newf("absent key %d reported present", k)
			}
		}
	}
	res.lookup = time.Since(start)

	start = time.Now()
	m.Reset()
	res.reset = time.Since(start)
	if m.Size() != 0 {
		return res, errors.Newf("size %d after reset", m.Size())
	}
	return res, nil
}
