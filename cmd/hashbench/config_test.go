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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleConfig = `
max-elements = 1000
load-factor = 50
threads = 2
lookup-rounds = 1

[[table]]
name = "linear-padded"
family = "linear"
layout = "padded"
hash = "murmur"
finalizer = "modulo"
unroll = 4
prefetch = 8

[[table]]
family = "quadratic"
hash = "xxh3"

[[table]]
family = "robinhood"
load-factor = 80

[[table]]
family = "robinhood-storing"
hash = "wymix"

[[table]]
family = "simd-keys"
reduction = "manual"
lowering = "portable"

[[table]]
family = "simd-fp8"
fingerprint-policy = "lsbmsb"

[[table]]
family = "simd-fp16"
register-bits = 512

[[table]]
family = "simd-buckets8"
bucket-width = 8

[[table]]
family = "simd-buckets16"

[[table]]
family = "chained"
budget = "kv-fp8"
additional-budget = 100

[[table]]
family = "runtime-map"

[[table]]
family = "cockroach-swiss"

[[table]]
family = "dolt-swiss"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)
	require.EqualValues(t, 1000, cfg.MaxElements)
	require.EqualValues(t, 50, cfg.LoadFactor)
	require.Equal(t, 2, cfg.Threads)
	require.Equal(t, 1, cfg.LookupRounds)
	require.EqualValues(t, DefaultConfig().Seed, cfg.Seed)
	require.Len(t, cfg.Tables, 13)
	require.Equal(t, "linear-padded", cfg.Tables[0].Label())
	require.Equal(t, "quadratic", cfg.Tables[1].Label())
	require.EqualValues(t, 50, cfg.Tables[1].loadFactor(cfg))
	require.EqualValues(t, 80, cfg.Tables[2].loadFactor(cfg))
	require.NoError(t, cfg.Validate())
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig("max-elements = 10\nmystery = 1\n")
	require.ErrorContains(t, err, "mystery")

	_, err = ParseConfig("max-elements = [")
	require.Error(t, err)

	testCases := []struct {
		name string
		data string
		err  string
	}{
		{"family", "[[table]]\nfamily = \"cuckoo\"\n", "unknown table family"},
		{"layout", "[[table]]\nfamily = \"linear\"\nlayout = \"zigzag\"\n", "zigzag"},
		{"hash", "[[table]]\nfamily = \"linear\"\nhash = \"md5\"\n", "md5"},
		{"finalizer", "[[table]]\nfamily = \"linear\"\nfinalizer = \"xor\"\n", "unknown finalizer"},
		{"policy", "[[table]]\nfamily = \"simd-fp8\"\nfingerprint-policy = \"mid\"\n", "unknown fingerprint policy"},
		{"budget", "[[table]]\nfamily = \"chained\"\nbudget = \"kv-fp32\"\n", "kv-fp32"},
		{"load-factor", "load-factor = 150\n[[table]]\nfamily = \"linear\"\n", "load-factor"},
		{"table-load-factor", "[[table]]\nfamily = \"linear\"\nload-factor = 101\n", "load-factor 101"},
		{"no-tables", "threads = 1\n", "no [[table]]"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig(tc.data)
			require.NoError(t, err)
			require.ErrorContains(t, cfg.Validate(), tc.err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 13)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)
	for _, tc := range cfg.Tables {
		t.Run(tc.Label(), func(t *testing.T) {
			m, err := tc.Build(cfg.MaxElements, tc.loadFactor(cfg))
			require.NoError(t, err)
			defer m.Close()
			require.NotEmpty(t, m.Identifier())
			if m.CanBeUsed() {
				require.Positive(t, m.Capacity())
			}
		})
	}
}

func TestBuildInvalid(t *testing.T) {
	// Fingerprints taken from the low bits of a weak family are rejected.
	tc := TableConfig{Family: "simd-fp8", Hash: "identity", FingerprintPolicy: "lsbmsb"}
	_, err := tc.Build(100, 50)
	require.Error(t, err)
}

func TestShardKeys(t *testing.T) {
	seen := make(map[uint64]struct{})
	for shard := 0; shard < 4; shard++ {
		for _, k := range shardKeys(7, shard, 0, 256) {
			seen[k] = struct{}{}
		}
		for _, k := range shardKeys(7, shard, 256, 256) {
			seen[k] = struct{}{}
		}
	}
	require.Len(t, seen, 4*2*256)
}

func TestRun(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), zaptest.NewLogger(t), cfg))
}

func TestRunCanceled(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, run(ctx, zaptest.NewLogger(t), cfg), context.Canceled)
}

func TestConfigFromFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	require.NoError(t, rootCmd.Flags().Parse([]string{
		"--config", path, "--threads", "3", "--family", "linear,chained",
	}))
	cfg, err := configFromFlags(rootCmd)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Threads)
	require.EqualValues(t, 1000, cfg.MaxElements)
	require.Len(t, cfg.Tables, 15)
	require.Equal(t, "chained", cfg.Tables[14].Family)
}
