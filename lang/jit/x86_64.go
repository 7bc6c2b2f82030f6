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

// x86-64 backend.
//
// Calling convention (internal): RDI holds the VM register array base; the
// return code travels in RAX. RAX and R11 are the scratch pair every
// template routes through; RSP and RBP are reserved for the frame. The
// allocatable set is the remaining caller-saved registers, so compiled
// code never needs to preserve anything for Go.

const (
	rAX = 0
	rCX = 1
	rDX = 2
	rSP = 4
	rBP = 5
	rSI = 6
	rDI = 7
	r8  = 8
	r9  = 9
	r10 = 10
	r11 = 11
)

var amd64PhysRegs = []int{rCX, rDX, rSI, r8, r9, r10}

// x86Template is a byte-sequence instruction template: the opcode bytes
// plus flags describing which fields the emitter patches in.
type x86Template struct {
	op      []byte
	hasModRM bool
	hasImm  bool
	hasDisp bool
}

// Binary integer templates, rm64 <- rm64 op reg64 forms.
var amd64BinOps = map[vm.OpCode]x86Template{
	vm.OpAdd:  {op: []byte{0x01}, hasModRM: true},
	vm.OpSub:  {op: []byte{0x29}, hasModRM: true},
	vm.OpMul:  {op: []byte{0x0F, 0xAF}, hasModRM: true}, // imul reg, rm
	vm.OpBAnd: {op: []byte{0x21}, hasModRM: true},
	vm.OpBOr:  {op: []byte{0x09}, hasModRM: true},
	vm.OpBXor: {op: []byte{0x31}, hasModRM: true},
	vm.OpAddK: {op: []byte{0x01}, hasModRM: true, hasImm: true},
	vm.OpSubK: {op: []byte{0x29}, hasModRM: true, hasImm: true},
	vm.OpMulK: {op: []byte{0x0F, 0xAF}, hasModRM: true, hasImm: true},
	vm.OpAddI: {op: []byte{0x01}, hasModRM: true, hasImm: true},
	vm.OpSubI: {op: []byte{0x29}, hasModRM: true, hasImm: true},
	vm.OpMulI: {op: []byte{0x0F, 0xAF}, hasModRM: true, hasImm: true},
}

type amd64Emitter struct{}

func newAMD64Emitter() archEmitter { return &amd64Emitter{} }

func (e *amd64Emitter) name() string    { return "x86-64" }
func (e *amd64Emitter) physRegs() []int { return amd64PhysRegs }

// ---- Encoding helpers ------------------------------------------------------

type amd64Buf struct {
	codeBuf
	u *unit
}

func rexW(reg, rm int) byte {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x04
	}
	if rm >= 8 {
		rex |= 0x01
	}
	return rex
}

func modRM(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

// movRegReg emits mov dst, src.
func (b *amd64Buf) movRegReg(dst, src int) {
	b.put(rexW(src, dst), 0x89, modRM(3, byte(src), byte(dst)))
}

// movRegBase emits mov dst, [rdi + 8*idx].
func (b *amd64Buf) movRegBase(dst, idx int) {
	b.put(rexW(dst, rDI), 0x8B, modRM(2, byte(dst), rDI))
	b.put32(uint32(8 * idx))
}

// movBaseReg emits mov [rdi + 8*idx], src.
func (b *amd64Buf) movBaseReg(idx, src int) {
	b.put(rexW(src, rDI), 0x89, modRM(2, byte(src), rDI))
	b.put32(uint32(8 * idx))
}

// movRegSpill emits mov dst, [rbp - 8*(slot+1)].
func (b *amd64Buf) movRegSpill(dst, slot int) {
	b.put(rexW(dst, rBP), 0x8B, modRM(2, byte(dst), rBP))
	b.put32(uint32(-8 * (slot + 1)))
}

// movSpillReg emits mov [rbp - 8*(slot+1)], src.
func (b *amd64Buf) movSpillReg(slot, src int) {
	b.put(rexW(src, rBP), 0x89, modRM(2, byte(src), rBP))
	b.put32(uint32(-8 * (slot + 1)))
}

// movRegImm64 emits mov dst, imm64.
func (b *amd64Buf) movRegImm64(dst int, imm uint64) {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x01
	}
	b.put(rex, 0xB8|byte(dst&7))
	b.put64(imm)
}

// loadVReg materializes a VM register into a physical register.
func (b *amd64Buf) loadVReg(dst, vreg int) {
	loc, ok := b.u.alloc.locs[vreg]
	switch {
	case !ok:
		b.movRegImm64(dst, 0)
	case loc.spilled:
		b.movRegSpill(dst, loc.slot)
	default:
		b.movRegReg(dst, loc.phys)
	}
}

// storeVReg writes a physical register back to a VM register's home.
func (b *amd64Buf) storeVReg(vreg, src int) {
	loc, ok := b.u.alloc.locs[vreg]
	switch {
	case !ok:
		// Dead destination; drop the store.
	case loc.spilled:
		b.movSpillReg(loc.slot, src)
	default:
		b.movRegReg(loc.phys, src)
	}
}

// ---- Emission --------------------------------------------------------------

// Emit compiles one unit to x86-64 machine code.
func (e *amd64Emitter) Emit(u *unit) ([]byte, error) {
	b := &amd64Buf{u: u}
	nregs := int(u.proto.MaxStackSize)
	spillBytes := (u.alloc.spillSlots*8 + 15) &^ 15

	// Prologue: frame setup, spill area, VM register load.
	b.put(0x55)             // push rbp
	b.put(0x48, 0x89, 0xE5) // mov rbp, rsp
	if spillBytes > 0 {
		b.put(0x48, 0x81, 0xEC) // sub rsp, imm32
		b.put32(uint32(spillBytes))
	}
	for v := 0; v < nregs; v++ {
		loc, ok := u.alloc.locs[v]
		if !ok {
			continue
		}
		if loc.spilled {
			b.movRegBase(rAX, v)
			b.movSpillReg(loc.slot, rAX)
		} else {
			b.movRegBase(loc.phys, v)
		}
	}

	for pc := 0; pc < len(u.code); pc++ {
		b.label(pc)
		ins := u.code[pc]
		switch op := ins.Op(); op {
		case vm.OpMove:
			b.loadVReg(rAX, ins.B())
			b.storeVReg(ins.A(), rAX)

		case vm.OpLoadI:
			b.movRegImm64(rAX, uint64(int64(ins.SBx())))
			b.storeVReg(ins.A(), rAX)

		case vm.OpLoadK:
			n, _ := u.proto.K[ins.Bx()].AsInteger()
			b.movRegImm64(rAX, uint64(n))
			b.storeVReg(ins.A(), rAX)

		case vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpBAnd, vm.OpBOr, vm.OpBXor:
			t := amd64BinOps[op]
			b.loadVReg(rAX, ins.B())
			b.loadVReg(r11, ins.C())
			b.binOp(t, op)
			b.storeVReg(ins.A(), rAX)

		case vm.OpAddK, vm.OpSubK, vm.OpMulK:
			t := amd64BinOps[op]
			n, _ := u.proto.K[ins.C()].AsInteger()
			b.loadVReg(rAX, ins.B())
			b.movRegImm64(r11, uint64(n))
			b.binOp(t, op)
			b.storeVReg(ins.A(), rAX)

		case vm.OpAddI, vm.OpSubI, vm.OpMulI:
			t := amd64BinOps[op]
			b.loadVReg(rAX, ins.B())
			b.movRegImm64(r11, uint64(ins.SC()))
			b.binOp(t, op)
			b.storeVReg(ins.A(), rAX)

		case vm.OpUnm:
			b.loadVReg(rAX, ins.B())
			b.put(0x48, 0xF7, 0xD8) // neg rax
			b.storeVReg(ins.A(), rAX)

		case vm.OpBNot:
			b.loadVReg(rAX, ins.B())
			b.put(0x48, 0xF7, 0xD0) // not rax
			b.storeVReg(ins.A(), rAX)

		case vm.OpShrI:
			b.loadVReg(rAX, ins.B())
			sc := ins.SC()
			if sc >= 64 || sc <= -64 {
				b.movRegImm64(rAX, 0)
			} else if sc >= 0 {
				b.put(0x48, 0xC1, 0xE8, byte(sc)) // shr rax, imm8
			} else {
				b.put(0x48, 0xC1, 0xE0, byte(-sc)) // shl rax, imm8
			}
			b.storeVReg(ins.A(), rAX)

		case vm.OpEq, vm.OpLt, vm.OpLe:
			b.loadVReg(rAX, ins.B())
			if ins.K() {
				n, _ := u.proto.K[ins.C()].AsInteger()
				b.movRegImm64(r11, uint64(n))
			} else {
				b.loadVReg(r11, ins.C())
			}
			b.put(0x4C, 0x39, 0xD8) // cmp rax, r11
			b.skipJump(op, ins.A() != 0, pc)

		case vm.OpEqI, vm.OpLtI:
			b.loadVReg(rAX, ins.B())
			b.movRegImm64(r11, uint64(ins.SC()))
			b.put(0x4C, 0x39, 0xD8) // cmp rax, r11
			if op == vm.OpEqI {
				b.skipJump(vm.OpEq, ins.A() != 0, pc)
			} else {
				b.skipJump(vm.OpLt, ins.A() != 0, pc)
			}

		case vm.OpJmp:
			b.put(0xE9) // jmp rel32
			b.patch32(pc + 1 + ins.SBx())

		case vm.OpRetOne:
			b.emitReturnAMD64(u, nregs, ins.A())

		case vm.OpRetVoid:
			b.emitReturnAMD64(u, nregs, -1)

		default:
			return nil, jitErr(ErrCompileFailed, "no x86-64 template for %s", op)
		}
	}
	b.applyPatches(func(at, target int) {
		binary.LittleEndian.PutUint32(b.bytes[at:], uint32(target-(at+4)))
	})
	return b.bytes, nil
}

// binOp applies a binary template with RAX as destination and R11 as the
// right operand.
func (b *amd64Buf) binOp(t x86Template, op vm.OpCode) {
	if op == vm.OpMul || op == vm.OpMulK || op == vm.OpMulI {
		// imul is reg <- reg * rm: reg=rax, rm=r11.
		b.put(0x49)
		b.raw(t.op)
		b.put(modRM(3, rAX, r11))
		return
	}
	// add/sub/and/or/xor are rm <- rm op reg: rm=rax, reg=r11.
	b.put(0x4C)
	b.raw(t.op)
	b.put(modRM(3, r11, rAX))
}

// skipJump emits the compare-skip: jump over the next instruction when the
// comparison result differs from the expected bit.
func (b *amd64Buf) skipJump(op vm.OpCode, expect bool, pc int) {
	var cc byte
	switch op {
	case vm.OpEq:
		if expect {
			cc = 0x85 // jne
		} else {
			cc = 0x84 // je
		}
	case vm.OpLt:
		if expect {
			cc = 0x8D // jge
		} else {
			cc = 0x8C // jl
		}
	default: // OpLe
		if expect {
			cc = 0x8F // jg
		} else {
			cc = 0x8E // jle
		}
	}
	b.put(0x0F, cc)
	b.patch32(pc + 2)
}

// emitReturnAMD64 stores every live VM register home, sets the result
// code, and tears the frame down.
func (b *amd64Buf) emitReturnAMD64(u *unit, nregs, result int) {
	for v := 0; v < nregs; v++ {
		loc, ok := u.alloc.locs[v]
		if !ok {
			continue
		}
		if loc.spilled {
			b.movRegSpill(r11, loc.slot)
			b.movBaseReg(v, r11)
		} else {
			b.movBaseReg(v, loc.phys)
		}
	}
	b.movRegImm64(rAX, uint64(int64(result)))
	b.put(0xC9) // leave
	b.put(0xC3) // ret
}
