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
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fixedhash"
	"github.com/cockroachdb/fixedhash/baseline"
	"github.com/cockroachdb/fixedhash/internal/simd"
)

// Config is the benchmark configuration. It is read from a TOML file whose
// [[table]] entries each describe one table configuration.
type Config struct {
	MaxElements  uint64        `toml:"max-elements"`
	LoadFactor   uint64        `toml:"load-factor"`
	Threads      int           `toml:"threads"`
	LookupRounds int           `toml:"lookup-rounds"`
	Seed         int64         `toml:"seed"`
	Tables       []TableConfig `toml:"table"`
}

// TableConfig selects a table family and its options. Empty fields keep the
// library defaults.
type TableConfig struct {
	Name              string `toml:"name"`
	Family            string `toml:"family"`
	LoadFactor        uint64 `toml:"load-factor"`
	Layout            string `toml:"layout"`
	Hash              string `toml:"hash"`
	Finalizer         string `toml:"finalizer"`
	FingerprintPolicy string `toml:"fingerprint-policy"`
	Unroll            int    `toml:"unroll"`
	Prefetch          int    `toml:"prefetch"`
	Reduction         string `toml:"reduction"`
	Lowering          string `toml:"lowering"`
	RegisterBits      int    `toml:"register-bits"`
	BucketWidth       int    `toml:"bucket-width"`
	Budget            string `toml:"budget"`
	AdditionalBudget  uint64 `toml:"additional-budget"`
	Mmap              bool   `toml:"mmap"`
	HugePages         bool   `toml:"huge-pages"`
}

// Table families understood by TableConfig.Family.
const (
	familyLinear           = "linear"
	familyQuadratic        = "quadratic"
	familyRobinHood        = "robinhood"
	familyRobinHoodStoring = "robinhood-storing"
	familySIMDKeys         = "simd-keys"
	familySIMDFP8          = "simd-fp8"
	familySIMDFP16         = "simd-fp16"
	familySIMDBuckets8     = "simd-buckets8"
	familySIMDBuckets16    = "simd-buckets16"
	familyChained          = "chained"
	familyRuntimeMap       = "runtime-map"
	familyCockroachSwiss   = "cockroach-swiss"
	familyDoltSwiss        = "dolt-swiss"
)

func DefaultConfig() Config {
	return Config{
		MaxElements:  1 << 20,
		LoadFactor:   50,
		Threads:      runtime.GOMAXPROCS(0),
		LookupRounds: 4,
		Seed:         1,
	}
}

// LoadConfig reads the configuration at path on top of the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}
	cfg, err := ParseConfig(string(data))
	return cfg, errors.Wrapf(err, "parsing %s", path)
}

// ParseConfig decodes a TOML document on top of the defaults. Unknown keys
// are rejected.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Newf("unknown configuration keys %v", undecoded)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxElements == 0 {
		return errors.New("max-elements must be positive")
	}
	if c.LoadFactor == 0 || c.LoadFactor > 100 {
		return errors.Newf("load-factor %d outside (0, 100]", c.LoadFactor)
	}
	if c.Threads < 1 {
		return errors.Newf("threads must be positive, got %d", c.Threads)
	}
	if c.LookupRounds < 0 {
		return errors.Newf("lookup-rounds must not be negative, got %d", c.LookupRounds)
	}
	if len(c.Tables) == 0 {
		return errors.New("no [[table]] configured")
	}
	for i := range c.Tables {
		t := &c.Tables[i]
		if lf := t.loadFactor(*c); lf > 100 {
			return errors.Newf("table %s: load-factor %d outside (0, 100]", t.Label(), lf)
		}
		if _, err := t.options(); err != nil {
			return errors.Wrapf(err, "table %s", t.Label())
		}
	}
	return nil
}

func (t TableConfig) loadFactor(c Config) uint64 {
	if t.LoadFactor != 0 {
		return t.LoadFactor
	}
	return c.LoadFactor
}

// Label names the table in logs.
func (t TableConfig) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Family
}

func (t TableConfig) options() ([]fixedhash.Option, error) {
	var opts []fixedhash.Option
	if t.Layout != "" {
		l, err := fixedhash.ParseLayout(t.Layout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fixedhash.WithLayout(l))
	}
	if t.Hash != "" {
		f, err := fixedhash.HashFamilyByName(t.Hash)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fixedhash.WithHashFamily(f))
	}
	switch t.Finalizer {
	case "":
	case fixedhash.FinalizeBitmask.String():
		opts = append(opts, fixedhash.WithFinalizer(fixedhash.FinalizeBitmask))
	case fixedhash.FinalizeModulo.String():
		opts = append(opts, fixedhash.WithFinalizer(fixedhash.FinalizeModulo))
	default:
		return nil, errors.Newf("unknown finalizer %q", t.Finalizer)
	}
	switch t.FingerprintPolicy {
	case "":
	case fixedhash.MSBLSB.String():
		opts = append(opts, fixedhash.WithFingerprintPolicy(fixedhash.MSBLSB))
	case fixedhash.LSBMSB.String():
		opts = append(opts, fixedhash.WithFingerprintPolicy(fixedhash.LSBMSB))
	default:
		return nil, errors.Newf("unknown fingerprint policy %q", t.FingerprintPolicy)
	}
	if t.Unroll != 0 {
		opts = append(opts, fixedhash.WithUnroll(t.Unroll))
	}
	if t.Prefetch != 0 {
		opts = append(opts, fixedhash.WithPrefetch(t.Prefetch))
	}
	if t.Reduction != "" {
		r, err := simd.ParseReduction(t.Reduction)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fixedhash.WithReduction(r))
	}
	if t.Lowering != "" {
		l, err := simd.ParseLowering(t.Lowering)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fixedhash.WithLowering(l))
	}
	if t.RegisterBits != 0 {
		opts = append(opts, fixedhash.WithRegisterBits(t.RegisterBits))
	}
	if t.BucketWidth != 0 {
		opts = append(opts, fixedhash.WithBucketWidth(t.BucketWidth))
	}
	if t.Budget != "" || t.AdditionalBudget != 0 {
		kind := fixedhash.BudgetKeyValue
		if t.Budget != "" {
			var err error
			if kind, err = fixedhash.ParseBudgetKind(t.Budget); err != nil {
				return nil, err
			}
		}
		opts = append(opts, fixedhash.WithBudget(t.AdditionalBudget, kind))
	}
	// An infeasible budget leaves the table unusable and the runner skips it.
	if t.Family == familyChained {
		opts = append(opts, fixedhash.WithSoftBudgetFailure())
	}
	if t.Mmap {
		opts = append(opts, fixedhash.WithAllocator(fixedhash.MmapAllocator{Populate: true, HugePages: t.HugePages}))
	}
	switch t.Family {
	case familyLinear, familyQuadratic, familyRobinHood, familyRobinHoodStoring,
		familySIMDKeys, familySIMDFP8, familySIMDFP16, familySIMDBuckets8, familySIMDBuckets16,
		familyChained, familyRuntimeMap, familyCockroachSwiss, familyDoltSwiss:
	default:
		return nil, errors.Newf("unknown table family %q", t.Family)
	}
	return opts, nil
}

// Build constructs the configured table. Invalid option combinations are
// reported as errors rather than panics.
func (t TableConfig) Build(maxElements, loadFactor uint64) (_ fixedhash.Table[uint64, uint64], err error) {
	opts, err := t.options()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = errors.Wrapf(e, "building %s", t.Label())
		}
	}()
	switch t.Family {
	case familyLinear:
		return fixedhash.NewLinear[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familyQuadratic:
		return fixedhash.NewQuadratic[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familyRobinHood:
		return fixedhash.NewRobinHood[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familyRobinHoodStoring:
		return fixedhash.NewRobinHoodStoring[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familySIMDKeys:
		return fixedhash.NewSIMDKeys[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familySIMDFP8:
		return fixedhash.NewSIMDFingerprint[uint64, uint64, uint8](maxElements, loadFactor, opts...), nil
	case familySIMDFP16:
		return fixedhash.NewSIMDFingerprint[uint64, uint64, uint16](maxElements, loadFactor, opts...), nil
	case familySIMDBuckets8:
		return fixedhash.NewSIMDBuckets[uint64, uint64, uint8](maxElements, loadFactor, opts...), nil
	case familySIMDBuckets16:
		return fixedhash.NewSIMDBuckets[uint64, uint64, uint16](maxElements, loadFactor, opts...), nil
	case familyChained:
		return fixedhash.NewChained[uint64, uint64](maxElements, loadFactor, opts...), nil
	case familyRuntimeMap:
		return baseline.NewRuntimeMap[uint64, uint64](maxElements, loadFactor), nil
	case familyCockroachSwiss:
		return baseline.NewCockroachSwiss[uint64, uint64](maxElements, loadFactor), nil
	default:
		return baseline.NewDoltSwiss[uint64, uint64](maxElements, loadFactor), nil
	}
}
