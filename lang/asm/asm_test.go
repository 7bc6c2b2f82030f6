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

package asm

import (
	"errors"
	"testing"

	"github.com/aql-lang/go-aql/lang/vm"
)

func TestAssembleBasics(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	p, err := a.Assemble("t", `
; a tiny function
.fn main 4 0
.const int 40
LOADK 0 0
ADDI 0 0 2
RETONE 0
.end
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.MaxStackSize != 4 || len(p.Code) != 3 || len(p.K) != 1 {
		t.Fatalf("proto shape: stack=%d code=%d k=%d", p.MaxStackSize, len(p.Code), len(p.K))
	}
	if p.Code[0].Op() != vm.OpLoadK || p.Code[1].Op() != vm.OpAddI {
		t.Fatalf("wrong opcodes: %s %s", p.Code[0].Op(), p.Code[1].Op())
	}
	if p.Code[1].SC() != 2 {
		t.Fatalf("immediate = %d", p.Code[1].SC())
	}
}

func TestAssembleLabelsAndLoops(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	p, err := a.Assemble("t", `
.fn count 4 0
LOADI 0 5
loop:
SUBI 0 0 1
EQI 0 0 0
JMP loop
RETONE 0
.end
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	jmp := p.Code[3]
	if jmp.Op() != vm.OpJmp {
		t.Fatalf("expected JMP, got %s", jmp.Op())
	}
	// Label "loop" is pc 1; JMP at pc 3 needs offset 1 - 4 = -3.
	if jmp.SBx() != -3 {
		t.Fatalf("label offset = %d, want -3", jmp.SBx())
	}
}

func TestAssembleNestedFunctions(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	p, err := a.Assemble("t", `
.fn outer 4 0
LOADI 0 10
.fn inner 4 0
.upval x instack 0
GETUPVAL 0 0
RETONE 0
.end
CLOSURE 1 0
RETONE 1
.end
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(p.Protos) != 1 {
		t.Fatalf("nested protos = %d", len(p.Protos))
	}
	inner := p.Protos[0]
	if len(inner.Upvals) != 1 || !inner.Upvals[0].InStack || inner.Upvals[0].Index != 0 {
		t.Fatal("upvalue descriptor wrong")
	}
}

func TestAssembleKOperandsAndStrings(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	p, err := a.Assemble("t", `
.fn f 4 0
.const str "hi there"
GETTABUP 0 0 k0
RETONE 0
.end
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ins := p.Code[0]
	if !ins.K() || ins.C() != 0 {
		t.Fatal("k-operand not encoded")
	}
	s, ok := p.K[0].AsString()
	if !ok || s != "hi there" {
		t.Fatalf("string constant = %q", s)
	}
}

func TestAssembleErrors(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	cases := []string{
		"LOADI 0 1",                       // instruction outside .fn
		".fn f 4 0\nBOGUS 1 2 3\n.end",    // unknown mnemonic
		".fn f 4 0\nJMP nowhere\n.end",    // undefined label
		".fn f 4 0\nRETVOID",              // missing .end
	}
	for _, src := range cases {
		if _, err := a.Assemble("t", src); !errors.Is(err, ErrSyntax) {
			t.Fatalf("source %q: want syntax error, got %v", src, err)
		}
	}
}

func TestAssembledProgramRuns(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	a := New(l)

	p, err := a.Assemble("t", `
.fn main 8 0
LOADI 0 0
LOADI 1 1
LOADI 2 100
loop:
ADD 0 0 1
ADDI 1 1 1
LE 1 1 2      ; while R1 <= 100 keep looping
JMP loop
RETONE 0
.end
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cl := l.NewClosure(p)
	l.PushClosureValue(cl)
	if status := l.PCall(0, 1, 0); status != vm.StatusOK {
		msg, _, _ := l.ToStringX(-1)
		t.Fatalf("run failed: %s (%s)", msg, status)
	}
	n, _ := l.ToIntegerX(-1)
	// Sums 1..100 with the loop structured around the skip semantics.
	if n != 5050 {
		t.Fatalf("program computed %d, want 5050", n)
	}
	l.Pop(1)
}
