// Copyright 2025 The go-aql Authors
// This file is part of go-aql.
//
// go-aql is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-aql is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-aql. If not, see <http://www.gnu.org/licenses/>.

package aql

import (
	"fmt"
	"os"

	"github.com/naoina/toml"

	"github.com/aql-lang/go-aql/lang/jit"
	"github.com/aql-lang/go-aql/lang/perf"
)

// GCConfig tunes the collector: Pause is the percent of the live estimate
// accumulated before the next cycle, StepMul scales incremental step work.
type GCConfig struct {
	Pause   int
	StepMul int
}

// Config is the engine configuration; every section has a working zero
// value filled in by applyDefaults.
type Config struct {
	GC   GCConfig
	JIT  jit.Config
	Perf perf.Config
}

// DefaultConfig returns the baseline engine tuning.
func DefaultConfig() Config {
	return Config{
		GC:   GCConfig{Pause: 200, StepMul: 100},
		JIT:  jit.DefaultConfig(),
		Perf: perf.Production,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.GC.Pause == 0 {
		c.GC.Pause = d.GC.Pause
	}
	if c.GC.StepMul == 0 {
		c.GC.StepMul = d.GC.StepMul
	}
	if c.JIT.CompileTimeout == 0 {
		jd := d.JIT
		jd.Enabled = c.JIT.Enabled
		c.JIT = jd
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("aql: bad config %s: %v", path, err)
	}
	return cfg, nil
}
