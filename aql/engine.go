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

// Package aql is the embedding facade: it assembles the runtime core, the
// type-inference context and the JIT engine into one Engine and wires the
// dispatcher's compilation hook.
package aql

import (
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/aql-lang/go-aql/lang/asm"
	"github.com/aql-lang/go-aql/lang/jit"
	"github.com/aql-lang/go-aql/lang/perf"
	"github.com/aql-lang/go-aql/lang/typeinfer"
	"github.com/aql-lang/go-aql/lang/vm"
)

// ErrExecutionFailed is returned when a protected run ends in any error
// status; the underlying error value is carried alongside.
var ErrExecutionFailed = errors.New("aql: execution failed")

// Engine owns one VM and its compilation pipeline.
type Engine struct {
	cfg   Config
	state *vm.State
	infer *typeinfer.Context
	jit   *jit.Engine
	mon   *perf.Monitor
	asm   *asm.Assembler
	log   log.Logger
}

// New creates an engine from a config (ZeroConfig fields fall back to
// defaults).
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	mon := perf.New(cfg.Perf)
	l := vm.NewState(nil, nil)
	l.Global().SetPerf(mon)
	l.GCControl(vm.GCSetPause, cfg.GC.Pause)
	l.GCControl(vm.GCSetStepMul, cfg.GC.StepMul)

	infer := typeinfer.NewContext(mon)
	e := &Engine{
		cfg:   cfg,
		state: l,
		infer: infer,
		mon:   mon,
		asm:   asm.New(l),
		log:   log.New("module", "engine"),
	}
	if cfg.JIT.Enabled {
		e.jit = jit.New(cfg.JIT, infer, mon)
		l.Global().SetJITHook(e.jit)
	}
	e.log.Debug("engine ready", "jit", cfg.JIT.Enabled)
	return e
}

// Close tears the VM down.
func (e *Engine) Close() {
	if e.jit != nil {
		e.jit.Cache().Purge()
	}
	e.state.Close()
}

// State exposes the underlying VM thread for embedding API use.
func (e *Engine) State() *vm.State { return e.state }

// Perf returns the monitor.
func (e *Engine) Perf() *perf.Monitor { return e.mon }

// JIT returns the JIT engine, or nil when disabled.
func (e *Engine) JIT() *jit.Engine { return e.jit }

// Inference returns the type-inference context.
func (e *Engine) Inference() *typeinfer.Context { return e.infer }

// Assemble turns mnemonic source into a prototype. Type inference runs
// immediately so the hotspot gate has a stability score from the first
// call.
func (e *Engine) Assemble(name, src string) (*vm.Proto, error) {
	p, err := e.asm.Assemble(name, src)
	if err != nil {
		return nil, err
	}
	e.infer.Infer(p)
	return p, nil
}

// Run executes a prototype under protection with the given integer
// arguments and returns every result.
func (e *Engine) Run(p *vm.Proto, args ...int64) ([]vm.TValue, error) {
	l := e.state
	base := l.GetTop()
	cl := l.NewClosure(p)
	resolveMainUpvals(l, p, cl)
	l.PushClosureValue(cl)
	for _, a := range args {
		l.PushInteger(a)
	}
	status := l.PCall(len(args), -1, 0)
	if status != vm.StatusOK {
		msg, _, _ := l.ToStringX(-1)
		l.Pop(1)
		e.mon.ErrorCount++
		return nil, fmt.Errorf("%w: %s (%s)", ErrExecutionFailed, msg, status)
	}
	n := l.GetTop() - base
	results := make([]vm.TValue, n)
	for i := 0; i < n; i++ {
		results[i] = *l.ValueAt(base + i + 1)
	}
	l.Pop(n)
	return results, nil
}

// RunSource assembles and runs in one step.
func (e *Engine) RunSource(name, src string, args ...int64) ([]vm.TValue, error) {
	p, err := e.Assemble(name, src)
	if err != nil {
		return nil, err
	}
	return e.Run(p, args...)
}

// resolveMainUpvals points every top-level in-stack upvalue descriptor at
// the globals dict, the conventional environment of a main prototype.
func resolveMainUpvals(l *vm.State, p *vm.Proto, cl *vm.Closure) {
	if len(p.Upvals) == 0 {
		return
	}
	g := l.Globals()
	for i := range p.Upvals {
		cl.BindEnv(l, i, g)
	}
}

// StatsReport renders the perf and JIT statistics for tooling.
func (e *Engine) StatsReport() string {
	s := e.mon.Report("engine")
	if e.jit != nil {
		js := e.jit.Stats()
		s += fmt.Sprintf("[jit] compiles=%d failures=%d execs=%d deopts=%d cache=%d/%d evictions=%d code_bytes=%d avg_compile=%s speedup=%.2fx\n",
			js.Compilations, js.CompileFailures, js.Executions, js.Deopts,
			js.CacheHits, js.CacheHits+js.CacheMisses, js.Evictions,
			js.CodeBytes, js.AvgCompileTime(), js.SpeedupRatio())
	}
	return s
}
