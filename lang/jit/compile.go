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
	"encoding/binary"
	"time"

	"github.com/aql-lang/go-aql/lang/vm"
)

// ---- Code buffer -----------------------------------------------------------

// patch is a branch displacement awaiting the second pass.
type patch struct {
	at       int // byte offset of the displacement field (or instruction)
	targetPC int // bytecode pc the branch targets
}

// codeBuf is the growable machine-code buffer shared by the backends, with
// a per-pc label table for jump patching.
type codeBuf struct {
	bytes   []byte
	labels  map[int]int
	patches []patch
}

func (b *codeBuf) put(bs ...byte) { b.bytes = append(b.bytes, bs...) }
func (b *codeBuf) raw(bs []byte)  { b.bytes = append(b.bytes, bs...) }

func (b *codeBuf) put32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.bytes = append(b.bytes, tmp[:]...)
}

func (b *codeBuf) put64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.bytes = append(b.bytes, tmp[:]...)
}

// label records the native offset of a bytecode pc.
func (b *codeBuf) label(pc int) {
	if b.labels == nil {
		b.labels = make(map[int]int)
	}
	b.labels[pc] = len(b.bytes)
}

// patch32 records a 4-byte displacement placeholder targeting a pc.
func (b *codeBuf) patch32(targetPC int) {
	b.patches = append(b.patches, patch{at: len(b.bytes), targetPC: targetPC})
	b.put32(0)
}

// applyPatches resolves every recorded branch through the label table.
func (b *codeBuf) applyPatches(fix func(at, target int)) {
	for _, p := range b.patches {
		fix(p.at, b.labels[p.targetPC])
	}
}

// ---- Compilation unit ------------------------------------------------------

// unit carries one prototype through the backend.
type unit struct {
	proto *vm.Proto
	code  []vm.Instruction
	alloc *allocation
}

// archEmitter is one architecture backend.
type archEmitter interface {
	name() string
	physRegs() []int
	Emit(u *unit) ([]byte, error)
}

// ---- Compilability ---------------------------------------------------------

// nopInstruction is JMP +0, which the optimizer substitutes for removed
// instructions so branch offsets stay valid.
var nopInstruction = vm.MakeAsBx(vm.OpJmp, 0, 0)

// canCompile verifies the prototype stays inside the compiled subset: the
// 64-bit integer ALU, comparisons, jumps and single-value returns, with
// every branch target in range and every register defined before use.
func canCompile(p *vm.Proto) error {
	if len(p.Code) == 0 {
		return jitErr(ErrInvalidInput, "empty prototype")
	}
	defined := make([]bool, int(p.MaxStackSize))
	for i := 0; i < int(p.NumParams); i++ {
		defined[i] = true
	}
	sawReturn := false
	for pc, ins := range p.Code {
		op := ins.Op()
		switch op {
		case vm.OpMove, vm.OpLoadI, vm.OpUnm, vm.OpBNot, vm.OpShrI,
			vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpBAnd, vm.OpBOr, vm.OpBXor,
			vm.OpAddI, vm.OpSubI, vm.OpMulI,
			vm.OpRetVoid:
		case vm.OpLoadK:
			if !intConstant(p, ins.Bx()) {
				return jitErr(ErrInvalidInput, "non-integer constant at pc %d", pc)
			}
		case vm.OpAddK, vm.OpSubK, vm.OpMulK:
			if !intConstant(p, ins.C()) {
				return jitErr(ErrInvalidInput, "non-integer constant at pc %d", pc)
			}
		case vm.OpEq, vm.OpLt, vm.OpLe:
			if ins.K() && !intConstant(p, ins.C()) {
				return jitErr(ErrInvalidInput, "non-integer constant at pc %d", pc)
			}
			if pc+2 >= len(p.Code) {
				return jitErr(ErrInvalidInput, "comparison skip at pc %d runs off the end", pc)
			}
		case vm.OpEqI, vm.OpLtI:
			if pc+2 >= len(p.Code) {
				return jitErr(ErrInvalidInput, "comparison skip at pc %d runs off the end", pc)
			}
		case vm.OpJmp:
			t := pc + 1 + ins.SBx()
			if t < 0 || t >= len(p.Code) {
				return jitErr(ErrInvalidInput, "jump target %d out of range at pc %d", t, pc)
			}
		case vm.OpRetOne:
			sawReturn = true
		default:
			return jitErr(ErrInvalidInput, "opcode %s outside the compiled subset", op)
		}
		mode := vm.OpModes[op]
		if mode.UsesB && !defined[ins.B()] {
			return jitErr(ErrInvalidInput, "register %d used before definition at pc %d", ins.B(), pc)
		}
		if mode.UsesC && !ins.K() && !defined[ins.C()] {
			return jitErr(ErrInvalidInput, "register %d used before definition at pc %d", ins.C(), pc)
		}
		if mode.SetsA {
			if ins.A() >= len(defined) {
				return jitErr(ErrInvalidInput, "register %d beyond frame at pc %d", ins.A(), pc)
			}
			defined[ins.A()] = true
		}
	}
	last := p.Code[len(p.Code)-1].Op()
	if !sawReturn && last != vm.OpRetVoid {
		return jitErr(ErrInvalidInput, "prototype has no return")
	}
	if last != vm.OpRetVoid && last != vm.OpRetOne && last != vm.OpJmp {
		return jitErr(ErrInvalidInput, "control can fall off the end")
	}
	return nil
}

func intConstant(p *vm.Proto, idx int) bool {
	if idx < 0 || idx >= len(p.K) {
		return false
	}
	return p.K[idx].IsIntegerValue()
}

// ---- Optimization passes ---------------------------------------------------

// jumpTargets collects every pc that is entered by a branch; constant
// knowledge dies at those boundaries.
func jumpTargets(code []vm.Instruction) map[int]bool {
	targets := map[int]bool{}
	for pc, ins := range code {
		switch ins.Op() {
		case vm.OpJmp:
			targets[pc+1+ins.SBx()] = true
		case vm.OpEq, vm.OpLt, vm.OpLe, vm.OpEqI, vm.OpLtI:
			targets[pc+1] = true
			targets[pc+2] = true
		}
	}
	return targets
}

// foldConstants rewrites register arithmetic over known constants into
// LOADI, within basic blocks. Length is preserved so jumps stay valid.
func foldConstants(code []vm.Instruction, p *vm.Proto) int {
	applied := 0
	targets := jumpTargets(code)
	known := map[int]int64{}
	for pc := 0; pc < len(code); pc++ {
		if targets[pc] {
			known = map[int]int64{}
		}
		ins := code[pc]
		op := ins.Op()
		switch op {
		case vm.OpLoadI:
			known[ins.A()] = int64(ins.SBx())
		case vm.OpLoadK:
			if v, ok := p.K[ins.Bx()].AsInteger(); ok {
				known[ins.A()] = v
			} else {
				delete(known, ins.A())
			}
		case vm.OpAdd, vm.OpSub, vm.OpMul:
			vb, okB := known[ins.B()]
			vc, okC := known[ins.C()]
			if okB && okC {
				var r int64
				switch op {
				case vm.OpAdd:
					r = vb + vc
				case vm.OpSub:
					r = vb - vc
				default:
					r = vb * vc
				}
				if fitsSBx(r) {
					code[pc] = vm.MakeAsBx(vm.OpLoadI, ins.A(), int(r))
					known[ins.A()] = r
					applied++
					continue
				}
			}
			delete(known, ins.A())
		default:
			if vm.OpModes[op].SetsA {
				delete(known, ins.A())
			}
		}
	}
	return applied
}

// deadCode replaces pure definitions whose register is never read again
// (within the function, conservatively skipping anything live across
// branch targets) with a no-op jump.
func deadCode(code []vm.Instruction) int {
	applied := 0
	targets := jumpTargets(code)
	for pc := 0; pc < len(code); pc++ {
		ins := code[pc]
		op := ins.Op()
		if op != vm.OpLoadI && op != vm.OpMove {
			continue
		}
		a := ins.A()
		dead := true
		for later := pc + 1; later < len(code); later++ {
			if targets[later] {
				dead = false // conservatively live across joins
				break
			}
			m := vm.OpModes[code[later].Op()]
			if m.UsesB && code[later].B() == a || m.UsesC && !code[later].K() && code[later].C() == a {
				dead = false
				break
			}
			if readsA(code[later].Op()) && code[later].A() == a {
				dead = false
				break
			}
			if m.SetsA && code[later].A() == a {
				break // redefined before any use
			}
		}
		if dead && !lastPC(code, pc) {
			code[pc] = nopInstruction
			applied++
		}
	}
	return applied
}

func lastPC(code []vm.Instruction, pc int) bool { return pc == len(code)-1 }

// readsA reports opcodes whose A operand is a source.
func readsA(op vm.OpCode) bool {
	switch op {
	case vm.OpRet, vm.OpRetOne, vm.OpTest, vm.OpSetUpval, vm.OpSetProp,
		vm.OpTbc, vm.OpClose, vm.OpYield, vm.OpCall, vm.OpTailCall:
		return true
	}
	return false
}

// peephole removes self-moves and collapses double negation.
func peephole(code []vm.Instruction) int {
	applied := 0
	for pc := 0; pc < len(code); pc++ {
		ins := code[pc]
		if ins.Op() == vm.OpMove && ins.A() == ins.B() {
			code[pc] = nopInstruction
			applied++
			continue
		}
		if pc+1 < len(code) && ins.Op() == vm.OpUnm && code[pc+1].Op() == vm.OpUnm &&
			code[pc+1].B() == ins.A() && ins.B() == code[pc+1].A() {
			code[pc] = nopInstruction
			code[pc+1] = vm.MakeABC(vm.OpMove, code[pc+1].A(), ins.B(), 0, false)
			applied++
		}
	}
	return applied
}

// coalesceHints counts MOVE pairs whose intervals could share a register.
// The allocator is interval-order greedy, so the measurement feeds the
// stats; rewriting is left to the copy itself, which the templates make a
// single register-to-register move.
func coalesceHints(code []vm.Instruction, intervals []LiveInterval) int {
	ends := map[int]int{}
	for _, iv := range intervals {
		ends[iv.VReg] = iv.EndPC
	}
	applied := 0
	for pc, ins := range code {
		if ins.Op() == vm.OpMove && ends[ins.B()] == pc {
			applied++
		}
	}
	return applied
}

func fitsSBx(v int64) bool { return v >= -(1<<16) && v < 1<<16 }

// ---- Driver ----------------------------------------------------------------

// compile runs the whole pipeline for one prototype and installs the
// result in the code cache.
func (e *Engine) compile(p *vm.Proto) (vm.CompiledFn, error) {
	start := time.Now()
	deadline := start.Add(e.cfg.CompileTimeout)

	if err := canCompile(p); err != nil {
		return nil, err
	}
	code := append([]vm.Instruction(nil), p.Code...)

	applied := 0
	if e.cfg.OptConstantFold {
		applied += foldConstants(code, p)
	}
	if e.cfg.OptDeadCode {
		applied += deadCode(code)
	}
	if e.cfg.OptPeephole {
		applied += peephole(code)
	}
	intervals := buildIntervals(code)
	if e.cfg.OptRegisterCoalesce {
		applied += coalesceHints(code, intervals)
	}
	e.stats.OptimizationsApplied += uint64(applied)

	if time.Now().After(deadline) {
		return nil, jitErr(ErrTimeout, "compile budget exceeded for %s", p.Source)
	}

	alloc := linearScan(intervals, e.emitter.physRegs())
	native, err := e.emitter.Emit(&unit{proto: p, code: code, alloc: alloc})
	if err != nil {
		return nil, err
	}
	if time.Now().After(deadline) {
		return nil, jitErr(ErrTimeout, "compile budget exceeded for %s", p.Source)
	}

	mem, err := allocExec(native)
	if err != nil {
		return nil, err
	}
	fn := e.makeWrapper(p, mem)
	e.cache.Put(p.Fingerprint(), fn, mem)

	elapsed := time.Since(start)
	e.stats.Compilations++
	e.stats.CompileTimeTotal += elapsed
	if e.mon != nil {
		e.mon.JITCompilations++
	}
	e.hot.ensure(p, len(p.Code)).IsCompiled = true
	e.log.Debug("compiled prototype", "source", p.Source, "bytecode", len(p.Code),
		"native_bytes", len(native), "spills", alloc.spillSlots,
		"opts", applied, "elapsed", elapsed)
	return fn, nil
}

// makeWrapper builds the vm.CompiledFn marshalling bridge: frame registers
// are unboxed into a word array, the native entry runs, and the result is
// boxed back. A non-integer argument deopts to the interpreter.
func (e *Engine) makeWrapper(p *vm.Proto, mem *ExecMem) vm.CompiledFn {
	entry := mem.Entry()
	nregs := int(p.MaxStackSize)
	nparams := int(p.NumParams)
	return func(l *vm.State, ci *vm.CallInfo) int {
		window := l.FrameWindow(ci)
		if len(window) < nregs || entry == nil {
			return -1
		}
		words := make([]uint64, nregs)
		for i := 0; i < nparams; i++ {
			n, ok := window[i].AsInteger()
			if !ok {
				e.stats.Deopts++
				return -1
			}
			words[i] = uint64(n)
		}
		t0 := time.Now()
		rc := jitcall(entry, &words[0])
		d := time.Since(t0)
		e.stats.Executions++
		e.stats.ExecTimeTotal += d
		if e.mon != nil {
			e.mon.JITExecutionNs += uint64(d.Nanoseconds())
		}
		if rc < 0 || rc >= int64(nregs) {
			return 0
		}
		l.PushValues([]vm.TValue{vm.MakeInteger(int64(words[rc]))})
		return 1
	}
}
