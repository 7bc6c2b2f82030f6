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

package jit

import (
	"time"

	"github.com/aql-lang/go-aql/lang/vm"
)

// ---- Hotspot profile -------------------------------------------------------

// HotspotInfo is the per-prototype execution profile.
type HotspotInfo struct {
	CallCount      int
	LoopCount      int
	BytecodeSize   int
	ExecutionTime  time.Duration
	AvgTimePerCall time.Duration
	IsHot          bool
	IsCompiled     bool
}

// HotspotConfig weights the hotspot score and sets the admission gates.
// Each factor is normalized to 0..100 against its configured maximum
// before weighting.
type HotspotConfig struct {
	CallWeight float64
	TimeWeight float64
	SizeWeight float64
	LoopWeight float64

	Threshold float64 // score at or above this marks the prototype hot

	MinCalls        int
	MaxAvgTime      time.Duration
	MaxBytecodeSize int

	// Normalization maxima.
	MaxCalls int
	MaxTime  time.Duration
	MaxLoops int
}

// DefaultHotspotConfig is the stock weighting: calls 0.4, time 0.3,
// size 0.2, loops 0.1, threshold 60.
func DefaultHotspotConfig() HotspotConfig {
	return HotspotConfig{
		CallWeight: 0.4,
		TimeWeight: 0.3,
		SizeWeight: 0.2,
		LoopWeight: 0.1,
		Threshold:  60,

		MinCalls:        50,
		MaxAvgTime:      10 * time.Millisecond,
		MaxBytecodeSize: 2000,

		MaxCalls: 500,
		MaxTime:  100 * time.Millisecond,
		MaxLoops: 10000,
	}
}

type hotspotTracker struct {
	cfg  HotspotConfig
	info map[*vm.Proto]*HotspotInfo
}

func newHotspotTracker(cfg HotspotConfig) *hotspotTracker {
	return &hotspotTracker{cfg: cfg, info: make(map[*vm.Proto]*HotspotInfo)}
}

func (t *hotspotTracker) get(p *vm.Proto) *HotspotInfo { return t.info[p] }

func (t *hotspotTracker) ensure(p *vm.Proto, size int) *HotspotInfo {
	info := t.info[p]
	if info == nil {
		info = &HotspotInfo{BytecodeSize: size}
		t.info[p] = info
	}
	return info
}

func (t *hotspotTracker) noteCall(p *vm.Proto, size int, elapsed time.Duration) {
	info := t.ensure(p, size)
	info.CallCount++
	info.ExecutionTime += elapsed
	info.AvgTimePerCall = info.ExecutionTime / time.Duration(info.CallCount)
}

func (t *hotspotTracker) noteLoop(p *vm.Proto, iterations int) {
	info := t.ensure(p, len(p.Code))
	info.LoopCount += iterations
}

// Score computes the weighted hotspot score of a profile, 0..100.
func (t *hotspotTracker) Score(info *HotspotInfo) float64 {
	c := &t.cfg
	callScore := normalize(float64(info.CallCount), float64(c.MaxCalls))
	timeScore := normalize(float64(info.ExecutionTime), float64(c.MaxTime))
	// Smaller functions score higher: they are cheaper to compile and
	// benefit most from call-overhead removal.
	sizeScore := 100 - normalize(float64(info.BytecodeSize), float64(c.MaxBytecodeSize))
	loopScore := normalize(float64(info.LoopCount), float64(c.MaxLoops))
	return callScore*c.CallWeight + timeScore*c.TimeWeight +
		sizeScore*c.SizeWeight + loopScore*c.LoopWeight
}

// isHot applies the score threshold and the hard gates, updating the
// profile's IsHot flag.
func (t *hotspotTracker) isHot(info *HotspotInfo) bool {
	c := &t.cfg
	if info.CallCount < c.MinCalls {
		return false
	}
	if info.BytecodeSize > c.MaxBytecodeSize {
		return false
	}
	if c.MaxAvgTime > 0 && info.AvgTimePerCall > c.MaxAvgTime {
		return false
	}
	info.IsHot = t.Score(info) >= c.Threshold
	return info.IsHot
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	s := v / max * 100
	if s > 100 {
		return 100
	}
	return s
}
