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

// Command hashbench measures the fixed-capacity tables of package fixedhash
// against each other and against general-purpose maps.
//
//	hashbench --config tables.toml --threads 8
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:          "hashbench",
	Short:        "Benchmark fixed-capacity hash tables",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		dev, err := cmd.Flags().GetBool("dev")
		if err != nil {
			return err
		}
		var logger *zap.Logger
		if dev {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return errors.Wrap(err, "creating logger")
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx, logger, cfg)
	},
}

func init() {
	rootCmd.Flags().String("config", "", "TOML file with [[table]] entries")
	rootCmd.Flags().Uint64("max-elements", 0, "keys inserted per shard (overrides the config)")
	rootCmd.Flags().Uint64("load-factor", 0, "target load factor in percent (overrides the config)")
	rootCmd.Flags().Int("threads", 0, "number of shards run in parallel (overrides the config)")
	rootCmd.Flags().Int("lookup-rounds", 0, "passes over the hit and miss keys (overrides the config)")
	rootCmd.Flags().Int64("seed", 0, "key generation seed (overrides the config)")
	rootCmd.Flags().StringSlice("family", nil, "table families to run when no config file is given")
	rootCmd.Flags().Bool("dev", false, "human-readable development logging")
}

// configFromFlags loads the config file, if any, and applies the flags that
// were set explicitly on top of it.
func configFromFlags(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	cfg := DefaultConfig()
	path, err := flags.GetString("config")
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("max-elements") {
		cfg.MaxElements, _ = flags.GetUint64("max-elements")
	}
	if flags.Changed("load-factor") {
		cfg.LoadFactor, _ = flags.GetUint64("load-factor")
	}
	if flags.Changed("threads") {
		cfg.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("lookup-rounds") {
		cfg.LookupRounds, _ = flags.GetInt("lookup-rounds")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	families, err := flags.GetStringSlice("family")
	if err != nil {
		return cfg, err
	}
	for _, f := range families {
		cfg.Tables = append(cfg.Tables, TableConfig{Family: f})
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
