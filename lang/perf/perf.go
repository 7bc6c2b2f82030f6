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

// Package perf is the runtime's unified performance monitor: a small block
// of counters, high-resolution time statistics, and optional process-level
// sampling. Everything is owned by one interpreter thread; there is no
// locking by design.
package perf

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Config selects which statistic groups are maintained. The zero value
// disables everything; Development turns it all on.
type Config struct {
	EnableTimeStats   bool
	EnableMemoryStats bool
	EnableJITStats    bool
	EnableTypeStats   bool
	ReportInterval    uint32 // seconds; 0 disables periodic reports
	MaxMemoryKB       uint32
	LogLevel          uint8
}

// Preset configurations.
var (
	Production  = Config{MaxMemoryKB: 1024}
	Development = Config{
		EnableTimeStats:   true,
		EnableMemoryStats: true,
		EnableJITStats:    true,
		EnableTypeStats:   true,
		ReportInterval:    30,
		MaxMemoryKB:       256,
		LogLevel:          2,
	}
)

// Monitor is the counter block. All counters are plain fields bumped by the
// owning thread.
type Monitor struct {
	cfg Config

	TotalRequests   uint64
	CacheHits       uint64
	CacheMisses     uint64
	MemoryAllocs    uint64
	GCCycles        uint64
	GCSteps         uint64
	JITCompilations uint64
	TypeInferenceNs uint64
	JITExecutionNs  uint64
	ErrorCount      uint64
	MemoryKB        uint64

	PoolFragmentation uint8 // 0..100
	TypeStability     uint8 // 0..100

	times map[string]*TimeStats
}

// TimeStats accumulates durations for one named operation.
type TimeStats struct {
	TotalNs uint64
	MinNs   uint64
	MaxNs   uint64
	Count   uint32
	LastNs  uint64
}

// New creates a monitor with the given configuration.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, times: make(map[string]*TimeStats)}
}

// Enabled reports whether any statistic group is active.
func (m *Monitor) Enabled() bool {
	c := &m.cfg
	return c.EnableTimeStats || c.EnableMemoryStats || c.EnableJITStats || c.EnableTypeStats
}

// Observe records one duration under name.
func (m *Monitor) Observe(name string, d time.Duration) {
	if !m.cfg.EnableTimeStats {
		return
	}
	ns := uint64(d.Nanoseconds())
	ts := m.times[name]
	if ts == nil {
		ts = &TimeStats{MinNs: ns, MaxNs: ns}
		m.times[name] = ts
	}
	ts.TotalNs += ns
	ts.LastNs = ns
	ts.Count++
	if ns < ts.MinNs {
		ts.MinNs = ns
	}
	if ns > ts.MaxNs {
		ts.MaxNs = ns
	}
}

// Time runs fn and records its duration under name.
func (m *Monitor) Time(name string, fn func()) {
	if !m.cfg.EnableTimeStats {
		fn()
		return
	}
	start := time.Now()
	fn()
	m.Observe(name, time.Since(start))
}

// Stats returns the time statistics for name, or nil.
func (m *Monitor) Stats(name string) *TimeStats {
	return m.times[name]
}

// Sample refreshes the process-level gauges (resident memory) through the
// host's process table. Best effort; sampling failures are ignored.
func (m *Monitor) Sample() {
	if !m.cfg.EnableMemoryStats {
		return
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		m.MemoryKB = mi.RSS / 1024
	}
}

// Report renders a section-labelled summary, one line per statistic.
func (m *Monitor) Report(section string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[perf:%s] requests=%d allocs=%d gc_cycles=%d gc_steps=%d jit_compiles=%d errors=%d mem_kb=%d cache=%d/%d stability=%d%%\n",
		section, m.TotalRequests, m.MemoryAllocs, m.GCCycles, m.GCSteps,
		m.JITCompilations, m.ErrorCount, m.MemoryKB,
		m.CacheHits, m.CacheHits+m.CacheMisses, m.TypeStability)
	names := make([]string, 0, len(m.times))
	for name := range m.times {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ts := m.times[name]
		avg := uint64(0)
		if ts.Count > 0 {
			avg = ts.TotalNs / uint64(ts.Count)
		}
		fmt.Fprintf(&b, "[perf:%s] %-20s n=%-8d avg=%-10s min=%-10s max=%-10s\n",
			section, name, ts.Count,
			time.Duration(avg), time.Duration(ts.MinNs), time.Duration(ts.MaxNs))
	}
	return b.String()
}

// Reset zeroes every counter and time series.
func (m *Monitor) Reset() {
	cfg := m.cfg
	*m = Monitor{cfg: cfg, times: make(map[string]*TimeStats)}
}
