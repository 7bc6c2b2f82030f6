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

	"github.com/aql-lang/go-aql/lang/vm"
)

// ARM64 backend.
//
// X0 holds the VM register array base and carries the return code; X16 and
// X17 are the scratch pair (the platform's intra-procedure registers);
// X1..X9 are allocatable. SP, X29 (FP) and X30 (LR) are reserved. Compiled
// code is a leaf, so LR is never touched.

const (
	xBase = 0
	xT0   = 16
	xT1   = 17
	xZR   = 31
)

var arm64PhysRegs = []int{1, 2, 3, 4, 5, 6, 7, 8, 9}

// Condition codes for B.cond.
const (
	condEQ = 0x0
	condNE = 0x1
	condGE = 0xA
	condLT = 0xB
	condGT = 0xC
	condLE = 0xD
)

// arm64Template is one 32-bit instruction encoding with flags for the
// fields the emitter patches: destination, operand registers, immediate.
type arm64Template struct {
	enc     uint32
	hasRd   bool
	hasRn   bool
	hasRm   bool
	immBits int
}

var arm64BinOps = map[vm.OpCode]arm64Template{
	vm.OpAdd:  {enc: 0x8B000000, hasRd: true, hasRn: true, hasRm: true},
	vm.OpSub:  {enc: 0xCB000000, hasRd: true, hasRn: true, hasRm: true},
	vm.OpMul:  {enc: 0x9B007C00, hasRd: true, hasRn: true, hasRm: true},
	vm.OpBAnd: {enc: 0x8A000000, hasRd: true, hasRn: true, hasRm: true},
	vm.OpBOr:  {enc: 0xAA000000, hasRd: true, hasRn: true, hasRm: true},
	vm.OpBXor: {enc: 0xCA000000, hasRd: true, hasRn: true, hasRm: true},
}

type arm64Emitter struct{}

func newARM64Emitter() archEmitter { return &arm64Emitter{} }

func (e *arm64Emitter) name() string    { return "ARM64" }
func (e *arm64Emitter) physRegs() []int { return arm64PhysRegs }

type arm64Buf struct {
	codeBuf
	u *unit
}

// ---- Encoding helpers ------------------------------------------------------

func (b *arm64Buf) word(w uint32) { b.put32(w) }

// ldrBase emits ldr xt, [x0, #8*idx].
func (b *arm64Buf) ldrBase(t, idx int) {
	b.word(0xF9400000 | uint32(idx)<<10 | uint32(xBase)<<5 | uint32(t))
}

// strBase emits str xt, [x0, #8*idx].
func (b *arm64Buf) strBase(t, idx int) {
	b.word(0xF9000000 | uint32(idx)<<10 | uint32(xBase)<<5 | uint32(t))
}

// ldrSpill and strSpill address the spill area at [sp, #8*slot].
func (b *arm64Buf) ldrSpill(t, slot int) {
	b.word(0xF9400000 | uint32(slot)<<10 | uint32(xZR)<<5 | uint32(t))
}

func (b *arm64Buf) strSpill(t, slot int) {
	b.word(0xF9000000 | uint32(slot)<<10 | uint32(xZR)<<5 | uint32(t))
}

// movRegReg emits mov xd, xm (orr xd, xzr, xm).
func (b *arm64Buf) movRegReg(d, m int) {
	b.word(0xAA000000 | uint32(m)<<16 | uint32(xZR)<<5 | uint32(d))
}

// movImm64 materializes a 64-bit constant with movz/movn plus movk.
func (b *arm64Buf) movImm64(d int, v uint64) {
	if int64(v) < 0 && ^v>>16 == 0 {
		// Small negative: one movn.
		b.word(0x92800000 | uint32(^v&0xFFFF)<<5 | uint32(d))
		return
	}
	b.word(0xD2800000 | uint32(v&0xFFFF)<<5 | uint32(d)) // movz
	for hw := 1; hw < 4; hw++ {
		part := v >> (16 * hw) & 0xFFFF
		if part != 0 {
			b.word(0xF2800000 | uint32(hw)<<21 | uint32(part)<<5 | uint32(d)) // movk
		}
	}
}

func (b *arm64Buf) loadVReg(dst, vreg int) {
	loc, ok := b.u.alloc.locs[vreg]
	switch {
	case !ok:
		b.movImm64(dst, 0)
	case loc.spilled:
		b.ldrSpill(dst, loc.slot)
	default:
		b.movRegReg(dst, loc.phys)
	}
}

func (b *arm64Buf) storeVReg(vreg, src int) {
	loc, ok := b.u.alloc.locs[vreg]
	switch {
	case !ok:
	case loc.spilled:
		b.strSpill(src, loc.slot)
	default:
		b.movRegReg(loc.phys, src)
	}
}

// ---- Emission --------------------------------------------------------------

// Emit compiles one unit to ARM64 machine code.
func (e *arm64Emitter) Emit(u *unit) ([]byte, error) {
	b := &arm64Buf{u: u}
	nregs := int(u.proto.MaxStackSize)
	frame := (u.alloc.spillSlots*8 + 15) &^ 15

	if frame > 0 {
		// sub sp, sp, #frame
		b.word(0xD1000000 | uint32(frame)<<10 | uint32(xZR)<<5 | uint32(xZR))
	}
	for v := 0; v < nregs; v++ {
		loc, ok := u.alloc.locs[v]
		if !ok {
			continue
		}
		if loc.spilled {
			b.ldrBase(xT0, v)
			b.strSpill(xT0, loc.slot)
		} else {
			b.ldrBase(loc.phys, v)
		}
	}

	for pc := 0; pc < len(u.code); pc++ {
		b.label(pc)
		ins := u.code[pc]
		switch op := ins.Op(); op {
		case vm.OpMove:
			b.loadVReg(xT0, ins.B())
			b.storeVReg(ins.A(), xT0)

		case vm.OpLoadI:
			b.movImm64(xT0, uint64(int64(ins.SBx())))
			b.storeVReg(ins.A(), xT0)

		case vm.OpLoadK:
			n, _ := u.proto.K[ins.Bx()].AsInteger()
			b.movImm64(xT0, uint64(n))
			b.storeVReg(ins.A(), xT0)

		case vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpBAnd, vm.OpBOr, vm.OpBXor:
			t := arm64BinOps[op]
			b.loadVReg(xT0, ins.B())
			b.loadVReg(xT1, ins.C())
			b.word(t.enc | uint32(xT1)<<16 | uint32(xT0)<<5 | uint32(xT0))
			b.storeVReg(ins.A(), xT0)

		case vm.OpAddK, vm.OpSubK, vm.OpMulK:
			t := arm64BinOps[kToReg(op)]
			n, _ := u.proto.K[ins.C()].AsInteger()
			b.loadVReg(xT0, ins.B())
			b.movImm64(xT1, uint64(n))
			b.word(t.enc | uint32(xT1)<<16 | uint32(xT0)<<5 | uint32(xT0))
			b.storeVReg(ins.A(), xT0)

		case vm.OpAddI, vm.OpSubI, vm.OpMulI:
			t := arm64BinOps[kToReg(op)]
			b.loadVReg(xT0, ins.B())
			b.movImm64(xT1, uint64(ins.SC()))
			b.word(t.enc | uint32(xT1)<<16 | uint32(xT0)<<5 | uint32(xT0))
			b.storeVReg(ins.A(), xT0)

		case vm.OpUnm:
			b.loadVReg(xT0, ins.B())
			// neg: sub xt0, xzr, xt0
			b.word(0xCB000000 | uint32(xT0)<<16 | uint32(xZR)<<5 | uint32(xT0))
			b.storeVReg(ins.A(), xT0)

		case vm.OpBNot:
			b.loadVReg(xT0, ins.B())
			// mvn: orn xt0, xzr, xt0
			b.word(0xAA200000 | uint32(xT0)<<16 | uint32(xZR)<<5 | uint32(xT0))
			b.storeVReg(ins.A(), xT0)

		case vm.OpShrI:
			b.loadVReg(xT0, ins.B())
			sc := ins.SC()
			switch {
			case sc >= 64 || sc <= -64:
				b.movImm64(xT0, 0)
			case sc >= 0:
				// lsr xt0, xt0, #sc
				b.word(0xD340FC00 | uint32(sc)<<16 | uint32(xT0)<<5 | uint32(xT0))
			default:
				// lsl via ubfm
				sh := uint32(-sc)
				b.word(0xD3400000 | ((64-sh)&0x3F)<<16 | (63-sh)<<10 | uint32(xT0)<<5 | uint32(xT0))
			}
			b.storeVReg(ins.A(), xT0)

		case vm.OpEq, vm.OpLt, vm.OpLe:
			b.loadVReg(xT0, ins.B())
			if ins.K() {
				n, _ := u.proto.K[ins.C()].AsInteger()
				b.movImm64(xT1, uint64(n))
			} else {
				b.loadVReg(xT1, ins.C())
			}
			b.word(0xEB000000 | uint32(xT1)<<16 | uint32(xT0)<<5 | uint32(xZR)) // cmp
			b.skipJump(op, ins.A() != 0, pc)

		case vm.OpEqI, vm.OpLtI:
			b.loadVReg(xT0, ins.B())
			b.movImm64(xT1, uint64(ins.SC()))
			b.word(0xEB000000 | uint32(xT1)<<16 | uint32(xT0)<<5 | uint32(xZR))
			if op == vm.OpEqI {
				b.skipJump(vm.OpEq, ins.A() != 0, pc)
			} else {
				b.skipJump(vm.OpLt, ins.A() != 0, pc)
			}

		case vm.OpJmp:
			b.patchB(pc + 1 + ins.SBx())

		case vm.OpRetOne:
			b.emitReturnARM64(u, nregs, frame, ins.A())

		case vm.OpRetVoid:
			b.emitReturnARM64(u, nregs, frame, -1)

		default:
			return nil, jitErr(ErrCompileFailed, "no ARM64 template for %s", op)
		}
	}
	b.applyPatches(func(at, target int) {
		w := binary.LittleEndian.Uint32(b.bytes[at:])
		off := int32(target-at) / 4
		if w&0xFF000000 == 0x14000000 {
			w |= uint32(off) & 0x03FFFFFF
		} else {
			w |= (uint32(off) & 0x7FFFF) << 5
		}
		binary.LittleEndian.PutUint32(b.bytes[at:], w)
	})
	return b.bytes, nil
}

// kToReg maps the K/I arithmetic variants onto their register-form
// template key.
func kToReg(op vm.OpCode) vm.OpCode {
	switch op {
	case vm.OpAddK, vm.OpAddI:
		return vm.OpAdd
	case vm.OpSubK, vm.OpSubI:
		return vm.OpSub
	default:
		return vm.OpMul
	}
}

// skipJump emits b.cond over the next instruction when the comparison
// outcome differs from the expected bit.
func (b *arm64Buf) skipJump(op vm.OpCode, expect bool, pc int) {
	var cond uint32
	switch op {
	case vm.OpEq:
		cond = condNE
		if !expect {
			cond = condEQ
		}
	case vm.OpLt:
		cond = condGE
		if !expect {
			cond = condLT
		}
	default: // OpLe
		cond = condGT
		if !expect {
			cond = condLE
		}
	}
	b.patchBCond(cond, pc+2)
}

// patchB emits an unconditional branch placeholder to a VM pc.
func (b *arm64Buf) patchB(targetPC int) {
	b.patches = append(b.patches, patch{at: len(b.bytes), targetPC: targetPC})
	b.word(0x14000000)
}

// patchBCond emits a conditional branch placeholder.
func (b *arm64Buf) patchBCond(cond uint32, targetPC int) {
	b.patches = append(b.patches, patch{at: len(b.bytes), targetPC: targetPC})
	b.word(0x54000000 | cond)
}

// emitReturnARM64 stores the VM registers home, sets the return code in
// x0, unwinds the spill frame and returns.
func (b *arm64Buf) emitReturnARM64(u *unit, nregs, frame, result int) {
	for v := 0; v < nregs; v++ {
		loc, ok := u.alloc.locs[v]
		if !ok {
			continue
		}
		if loc.spilled {
			b.ldrSpill(xT0, loc.slot)
			b.strBase(xT0, v)
		} else {
			b.strBase(loc.phys, v)
		}
	}
	if frame > 0 {
		b.word(0x91000000 | uint32(frame)<<10 | uint32(xZR)<<5 | uint32(xZR)) // add sp
	}
	b.movImm64(xBase, uint64(int64(result)))
	b.word(0xD65F03C0) // ret
}
