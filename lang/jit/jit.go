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

// Package jit translates hot bytecode into native machine code for x86-64
// and ARM64. The pipeline: hotspot scoring gates compilation, live
// intervals feed a linear-scan register allocator, per-opcode templates
// emit into a growable buffer, jumps are patched in a second pass, and the
// finished code lands in executable memory tracked by an LRU cache.
package jit

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/time/rate"

	"github.com/aql-lang/go-aql/lang/perf"
	"github.com/aql-lang/go-aql/lang/typeinfer"
	"github.com/aql-lang/go-aql/lang/vm"
)

// ---- Errors ----------------------------------------------------------------

// ErrorCode classifies JIT failures. They are diagnostic only; the
// interpreter always remains the fallback.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInvalidInput
	ErrOutOfMemory
	ErrCompileFailed
	ErrOptimizeFailed
	ErrTimeout
	ErrInternal
)

var errorCodeNames = [...]string{
	"none", "invalid input", "out of memory", "compile failed",
	"optimize failed", "timeout", "internal",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return "unknown"
}

// Error is a structured JIT failure.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("jit: %s: %s", e.Code, e.Msg) }

func jitErr(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrUnsupportedArch is returned when the host has no backend.
var ErrUnsupportedArch = errors.New("jit: unsupported architecture")

// ---- Configuration ---------------------------------------------------------

// Config tunes the whole pipeline. DefaultConfig carries the stock
// thresholds.
type Config struct {
	Enabled bool

	Hotspot HotspotConfig

	MinTypeStability float64       // percent; gate below this refuses
	CompileTimeout   time.Duration // per-compile budget
	CompileCooldown  time.Duration // retry backoff after a failure
	CompileRate      float64       // compiles per second admitted
	CompileBurst     int

	MaxCacheEntries int
	CacheIdleLimit  time.Duration // idle entries older than this are swept

	OptConstantFold     bool
	OptDeadCode         bool
	OptRegisterCoalesce bool
	OptPeephole         bool
}

// DefaultConfig returns the baseline tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Hotspot:          DefaultHotspotConfig(),
		MinTypeStability: 85,
		CompileTimeout:   5 * time.Second,
		CompileCooldown:  30 * time.Second,
		CompileRate:      20,
		CompileBurst:     5,
		MaxCacheEntries:  256,
		CacheIdleLimit:   5 * time.Minute,

		OptConstantFold:     true,
		OptDeadCode:         true,
		OptRegisterCoalesce: true,
		OptPeephole:         true,
	}
}

// Stats is the cumulative counter block.
type Stats struct {
	Compilations       uint64
	CompileFailures    uint64
	Executions         uint64
	Deopts             uint64
	CacheHits          uint64
	CacheMisses        uint64
	Evictions          uint64
	OptimizationsApplied uint64

	CompileTimeTotal time.Duration
	ExecTimeTotal    time.Duration
	InterpTimeTotal  time.Duration

	CodeBytes     int64
	PeakCodeBytes int64
}

// AvgCompileTime returns the mean compile duration.
func (s *Stats) AvgCompileTime() time.Duration {
	if s.Compilations == 0 {
		return 0
	}
	return s.CompileTimeTotal / time.Duration(s.Compilations)
}

// AvgExecTime returns the mean compiled-call duration.
func (s *Stats) AvgExecTime() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.ExecTimeTotal / time.Duration(s.Executions)
}

// SpeedupRatio estimates interpreter time per call over compiled time per
// call.
func (s *Stats) SpeedupRatio() float64 {
	if s.Executions == 0 || s.ExecTimeTotal == 0 {
		return 0
	}
	interpPer := float64(s.InterpTimeTotal) / float64(max64(1, int64(s.Deopts)+int64(s.Executions)))
	execPer := float64(s.ExecTimeTotal) / float64(s.Executions)
	return interpPer / execPer
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ---- Engine ----------------------------------------------------------------

// Engine is the per-VM JIT state. It implements vm.JITHook.
type Engine struct {
	cfg     Config
	stats   Stats
	hot     *hotspotTracker
	cache   *CodeCache
	infer   *typeinfer.Context
	limiter *rate.Limiter
	mon     *perf.Monitor
	log     log.Logger

	emitter  archEmitter
	cooldown map[*vm.Proto]time.Time
	lastErr  *Error
	callTick uint64
}

// New creates an engine for the host architecture. The engine is inert
// (Lookup always misses) when the architecture is unsupported or the
// config disables it.
func New(cfg Config, infer *typeinfer.Context, mon *perf.Monitor) *Engine {
	e := &Engine{
		cfg:      cfg,
		hot:      newHotspotTracker(cfg.Hotspot),
		infer:    infer,
		mon:      mon,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CompileRate), cfg.CompileBurst),
		cooldown: make(map[*vm.Proto]time.Time),
		log:      log.New("module", "jit", "arch", runtime.GOARCH),
	}
	e.cache = newCodeCache(cfg.MaxCacheEntries, &e.stats, e.log)
	switch runtime.GOARCH {
	case "amd64":
		e.emitter = newAMD64Emitter()
	case "arm64":
		e.emitter = newARM64Emitter()
	default:
		e.log.Warn("no backend for this architecture; JIT disabled")
		e.cfg.Enabled = false
	}
	return e
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats { return e.stats }

// LastError returns the most recent structured failure, if any.
func (e *Engine) LastError() *Error { return e.lastErr }

// Cache returns the code cache.
func (e *Engine) Cache() *CodeCache { return e.cache }

// Hotspot returns the profile record for a prototype, if one exists.
func (e *Engine) Hotspot(p *vm.Proto) *HotspotInfo { return e.hot.get(p) }

// ---- vm.JITHook ------------------------------------------------------------

// Lookup consults the code cache and, on a miss, decides whether the
// prototype has earned compilation. Compile failures mark the prototype
// non-compilable for a cooldown; the interpreter continues either way.
func (e *Engine) Lookup(p *vm.Proto) vm.CompiledFn {
	if !e.cfg.Enabled {
		return nil
	}
	if entry := e.cache.Get(p.Fingerprint()); entry != nil {
		return entry.fn
	}
	if !e.shouldCompile(p) {
		return nil
	}
	if until, cooling := e.cooldown[p]; cooling {
		if time.Now().Before(until) {
			return nil
		}
		delete(e.cooldown, p)
	}
	if !e.limiter.Allow() {
		return nil
	}
	fn, err := e.compile(p)
	if err != nil {
		e.stats.CompileFailures++
		if je, ok := err.(*Error); ok {
			e.lastErr = je
		} else {
			e.lastErr = jitErr(ErrInternal, "%v", err)
		}
		e.cooldown[p] = time.Now().Add(e.cfg.CompileCooldown)
		e.log.Debug("compile failed", "source", p.Source, "err", err)
		return nil
	}
	return fn
}

// cacheSweepPeriod is how many profiled calls pass between idle sweeps of
// the code cache.
const cacheSweepPeriod = 4096

// NoteCall feeds the per-prototype profile after an interpreted call and
// periodically retires idle cache entries.
func (e *Engine) NoteCall(p *vm.Proto, elapsed time.Duration) {
	e.stats.InterpTimeTotal += elapsed
	e.hot.noteCall(p, len(p.Code), elapsed)
	e.callTick++
	if e.callTick%cacheSweepPeriod == 0 && e.cfg.CacheIdleLimit > 0 {
		if n := e.cache.SweepIdle(e.cfg.CacheIdleLimit); n > 0 {
			e.log.Debug("idle code cache sweep", "retired", n)
		}
	}
}

// NoteLoop records loop iterations for the hotspot score.
func (e *Engine) NoteLoop(p *vm.Proto, iterations int) {
	e.hot.noteLoop(p, iterations)
}

// shouldCompile applies every gate: hotspot score over threshold, call
// floor, size ceiling, and type stability.
func (e *Engine) shouldCompile(p *vm.Proto) bool {
	info := e.hot.get(p)
	if info == nil || info.IsCompiled {
		return false
	}
	if !e.hot.isHot(info) {
		return false
	}
	if stability := e.infer.Stability(p); stability < e.cfg.MinTypeStability {
		return false
	}
	return true
}

// ShouldCompile is the gate decision alone, exported for tests and tools.
func (e *Engine) ShouldCompile(p *vm.Proto) bool { return e.shouldCompile(p) }
