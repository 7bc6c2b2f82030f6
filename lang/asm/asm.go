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

// Package asm assembles a line-oriented mnemonic form into function
// prototypes. The surface language compiler is an external collaborator;
// this assembler is how the CLI, the REPL and the tests construct
// bytecode without it.
//
// Form:
//
//	.fn main 8 0          ; name maxstack nparams [vararg]
//	.const int 42         ; K[0]
//	.const str "hi"       ; K[1]
//	loop:                 ; label
//	LOADI 0 100
//	ADDI 0 0 -1
//	EQI 1 0 0
//	JMP loop
//	RETONE 0
//	.end
//
// Register operands are bare integers; a K-form C operand is written k<n>.
// Jump operands may be labels or literal signed offsets.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aql-lang/go-aql/lang/vm"
)

// ErrSyntax wraps every assembler complaint.
var ErrSyntax = errors.New("asm: syntax error")

type pendingJump struct {
	pc    int
	label string
	line  int
}

type fnState struct {
	proto   *vm.Proto
	labels  map[string]int
	jumps   []pendingJump
	parent  *fnState
}

// Assembler turns source text into prototypes on one VM state (constants
// intern through its string table).
type Assembler struct {
	l    *vm.State
	src  string
	line int
}

// New creates an assembler bound to a state.
func New(l *vm.State) *Assembler { return &Assembler{l: l} }

// Assemble parses one translation unit and returns its top-level
// prototype.
func (a *Assembler) Assemble(name, src string) (*vm.Proto, error) {
	a.src = src
	a.line = 0
	var root *fnState
	var cur *fnState

	for _, raw := range strings.Split(src, "\n") {
		a.line++
		line := stripComment(raw)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch {
		case fields[0] == ".fn":
			fs, err := a.beginFn(fields, name, cur)
			if err != nil {
				return nil, err
			}
			if root == nil {
				root = fs
			}
			cur = fs
		case fields[0] == ".end":
			if cur == nil {
				return nil, a.errf("'.end' outside a function")
			}
			if err := a.endFn(cur); err != nil {
				return nil, err
			}
			cur = cur.parent
		case cur == nil:
			return nil, a.errf("instruction outside a function")
		case fields[0] == ".const":
			if err := a.addConst(cur, fields); err != nil {
				return nil, err
			}
		case fields[0] == ".upval":
			if err := a.addUpval(cur, fields); err != nil {
				return nil, err
			}
		case strings.HasSuffix(fields[0], ":") && len(fields) == 1:
			cur.labels[strings.TrimSuffix(fields[0], ":")] = len(cur.proto.Code)
		default:
			if err := a.addInstruction(cur, fields); err != nil {
				return nil, err
			}
		}
	}
	if cur != nil {
		return nil, a.errf("missing '.end'")
	}
	if root == nil {
		return nil, a.errf("no function in input")
	}
	return root.proto, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func (a *Assembler) errf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, a.line, fmt.Sprintf(format, args...))
}

// ---- Directives ------------------------------------------------------------

func (a *Assembler) beginFn(fields []string, unit string, parent *fnState) (*fnState, error) {
	if len(fields) < 4 {
		return nil, a.errf("'.fn' wants: name maxstack nparams [vararg]")
	}
	maxStack, err1 := strconv.Atoi(fields[2])
	nparams, err2 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || maxStack < 1 || maxStack > vm.MaxRegs {
		return nil, a.errf("bad '.fn' arguments")
	}
	p := a.l.NewProto()
	p.Source = unit + ":" + fields[1]
	p.MaxStackSize = uint8(maxStack)
	p.NumParams = uint8(nparams)
	p.IsVararg = len(fields) > 4 && fields[4] == "vararg"
	fs := &fnState{proto: p, labels: map[string]int{}, parent: parent}
	if parent != nil {
		parent.proto.Protos = append(parent.proto.Protos, p)
	}
	return fs, nil
}

func (a *Assembler) addConst(fs *fnState, fields []string) error {
	if len(fields) < 3 {
		return a.errf("'.const' wants: kind value")
	}
	var v vm.TValue
	switch fields[1] {
	case "int":
		n, err := strconv.ParseInt(fields[2], 0, 64)
		if err != nil {
			return a.errf("bad integer constant %q", fields[2])
		}
		v = vm.MakeInteger(n)
	case "float":
		f, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return a.errf("bad float constant %q", fields[2])
		}
		v = vm.MakeNumber(f)
	case "str":
		s, err := strconv.Unquote(strings.Join(fields[2:], " "))
		if err != nil {
			return a.errf("bad string constant")
		}
		v = a.l.MakeStringValue(s)
	case "bool":
		v = vm.MakeBoolean(fields[2] == "true")
	case "nil":
		v = vm.MakeNil()
	default:
		return a.errf("unknown constant kind %q", fields[1])
	}
	fs.proto.K = append(fs.proto.K, v)
	return nil
}

func (a *Assembler) addUpval(fs *fnState, fields []string) error {
	if len(fields) < 4 {
		return a.errf("'.upval' wants: name instack index")
	}
	idx, err := strconv.Atoi(fields[3])
	if err != nil || idx < 0 || idx >= vm.MaxRegs {
		return a.errf("bad upvalue index %q", fields[3])
	}
	fs.proto.Upvals = append(fs.proto.Upvals, vm.UpvalDesc{
		Name:    fields[1],
		InStack: fields[2] == "instack" || fields[2] == "true" || fields[2] == "1",
		Index:   uint8(idx),
	})
	return nil
}

// ---- Instructions ----------------------------------------------------------

func (a *Assembler) addInstruction(fs *fnState, fields []string) error {
	op, ok := vm.OpCodeByName(strings.ToUpper(fields[0]))
	if !ok {
		return a.errf("unknown mnemonic %q", fields[0])
	}
	args := fields[1:]
	mode := vm.OpModes[op]
	pc := len(fs.proto.Code)

	switch mode.Format {
	case vm.FmtAsBx:
		return a.addAsBx(fs, op, args, pc)
	case vm.FmtABx:
		aOp, err := a.operand(args, 0)
		if err != nil {
			return err
		}
		bx, err := a.operand(args, 1)
		if err != nil {
			return err
		}
		fs.proto.Code = append(fs.proto.Code, vm.MakeABx(op, aOp, bx))
		return nil
	case vm.FmtAx:
		ax, err := a.operand(args, 0)
		if err != nil {
			return err
		}
		fs.proto.Code = append(fs.proto.Code, vm.MakeAx(op, ax))
		return nil
	}

	// iABC, with optional k-form C operand.
	var abc [3]int
	k := false
	for i := 0; i < 3; i++ {
		if i >= len(args) {
			abc[i] = 0
			continue
		}
		arg := args[i]
		if i >= 1 && strings.HasPrefix(arg, "k") {
			n, err := strconv.Atoi(arg[1:])
			if err != nil {
				return a.errf("bad constant operand %q", arg)
			}
			abc[i] = n
			k = true
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			return a.errf("bad operand %q", arg)
		}
		if i == 2 && immediateC[op] {
			// Signed immediate C operands are biased around 128.
			if n < -128 || n > 127 {
				return a.errf("immediate %d out of range", n)
			}
			n += 128
		}
		abc[i] = n
	}
	fs.proto.Code = append(fs.proto.Code, vm.MakeABC(op, abc[0], abc[1], abc[2], k))
	return nil
}

// immediateC marks the opcodes whose C operand is a biased signed
// immediate rather than a register.
var immediateC = map[vm.OpCode]bool{
	vm.OpAddI: true,
	vm.OpSubI: true,
	vm.OpMulI: true,
	vm.OpDivI: true,
	vm.OpShrI: true,
	vm.OpEqI:  true,
	vm.OpLtI:  true,
}

// addAsBx handles the signed-offset formats, accepting labels for jumps.
func (a *Assembler) addAsBx(fs *fnState, op vm.OpCode, args []string, pc int) error {
	aOp := 0
	offArg := 0
	if op != vm.OpJmp {
		var err error
		aOp, err = a.operand(args, 0)
		if err != nil {
			return err
		}
		offArg = 1
	}
	if offArg >= len(args) {
		return a.errf("missing offset operand")
	}
	arg := args[offArg]
	if n, err := strconv.Atoi(arg); err == nil {
		fs.proto.Code = append(fs.proto.Code, vm.MakeAsBx(op, aOp, n))
		return nil
	}
	// Label reference; resolved when the function ends.
	fs.jumps = append(fs.jumps, pendingJump{pc: pc, label: arg, line: a.line})
	fs.proto.Code = append(fs.proto.Code, vm.MakeAsBx(op, aOp, 0))
	return nil
}

func (a *Assembler) operand(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, a.errf("missing operand %d", i+1)
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, a.errf("bad operand %q", args[i])
	}
	return n, nil
}

func (a *Assembler) endFn(fs *fnState) error {
	for _, j := range fs.jumps {
		target, ok := fs.labels[j.label]
		if !ok {
			return fmt.Errorf("%w: line %d: undefined label %q", ErrSyntax, j.line, j.label)
		}
		ins := fs.proto.Code[j.pc]
		fs.proto.Code[j.pc] = vm.MakeAsBx(ins.Op(), ins.A(), target-(j.pc+1))
	}
	if len(fs.proto.Code) == 0 {
		fs.proto.Code = append(fs.proto.Code, vm.MakeABC(vm.OpRetVoid, 0, 0, 0, false))
	}
	return nil
}
