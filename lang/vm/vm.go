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

package vm

// The interpreter: one switch on the opcode, registers resolved as
// frame-relative stack slots. Script-to-script calls do not recurse in Go;
// the loop re-enters the callee's code via startFunc, and returns walk back
// through resumeFrame, so a yield can unwind the whole script portion of a
// coroutine without losing frames.

// regArithOp, kArithOp and iArithOp map arithmetic opcodes onto ArithOp. The three operand
// flavors (register, constant, immediate) share one table each.
var regArithOp = map[OpCode]ArithOp{
	OpAdd: ArithAdd, OpSub: ArithSub, OpMul: ArithMul, OpDiv: ArithDiv,
	OpIDiv: ArithIDiv, OpMod: ArithMod, OpPow: ArithPow,
	OpBAnd: ArithBAnd, OpBOr: ArithBOr, OpBXor: ArithBXor,
	OpShl: ArithShl, OpShr: ArithShr,
}

var kArithOp = map[OpCode]ArithOp{
	OpAddK: ArithAdd, OpSubK: ArithSub, OpMulK: ArithMul, OpDivK: ArithDiv,
	OpIDivK: ArithIDiv, OpModK: ArithMod, OpPowK: ArithPow,
}

var iArithOp = map[OpCode]ArithOp{
	OpAddI: ArithAdd, OpSubI: ArithSub, OpMulI: ArithMul, OpDivI: ArithDiv,
}

// getProp reads obj[key] by tag dispatch: dicts take any key, the indexed
// containers take integers.
func (l *State) getProp(obj, key, out *TValue) {
	if !obj.isContainer() {
		typeError(l, "index", obj)
	}
	c := obj.containerVal()
	if c.kind == KindDict {
		l.dictGet(c, key, out)
		return
	}
	idx, ok := key.toInteger()
	if !ok {
		panicRuntime(l, "%s index must be an integer, got %s", c.kind, TypeName(key.baseType()))
	}
	l.getIndex(c, idx, out)
}

// setProp writes obj[key] = v by tag dispatch.
func (l *State) setProp(obj, key, v *TValue) {
	if !obj.isContainer() {
		typeError(l, "index", obj)
	}
	c := obj.containerVal()
	if c.kind == KindDict {
		l.dictSet(c, key, v)
		return
	}
	idx, ok := key.toInteger()
	if !ok {
		panicRuntime(l, "%s index must be an integer, got %s", c.kind, TypeName(key.baseType()))
	}
	l.setIndex(c, idx, v)
}

// execute interprets from l.ci until the fresh frame at the bottom of this
// invocation returns.
func (l *State) execute() {
	var (
		ci   *CallInfo
		cl   *Closure
		p    *Proto
		k    []TValue
		code []Instruction
		base int
		pc   int
		i    Instruction
	)
	ci = l.ci

startFunc:
	cl = l.stack[ci.fnIdx].closureVal()
	p = cl.Proto
	// A cached compilation takes over the whole frame when present; a
	// negative result is a deopt back into the interpreter.
	if l.g.jit != nil && ci.savedPC == 0 {
		if fn := l.g.jit.Lookup(p); fn != nil {
			if n := fn(l, ci); n >= 0 {
				first := l.top - n
				fresh := ci.status&ciFresh != 0
				l.finishScriptFrame(ci, p, first, n)
				if fresh {
					return
				}
				ci = l.ci
				goto resumeFrame
			}
		}
	}
	k = p.K
	code = p.Code
	base = ci.base
	pc = ci.savedPC
	goto loop

resumeFrame:
	cl = l.stack[ci.fnIdx].closureVal()
	p = cl.Proto
	k = p.K
	code = p.Code
	base = ci.base
	pc = ci.savedPC
	// Multi-result calls leave the top at the results; everything else
	// restores the frame window.
	if prev := code[pc-1]; !(prev.Op() == OpCall && prev.C() == 0) {
		l.top = ci.top
	}

loop:
	for {
		i = code[pc]
		pc++

		switch op := i.Op(); op {

		// ---- Moves and loads ----------------------------------------------

		case OpMove:
			l.stack[base+i.A()] = l.stack[base+i.B()]

		case OpLoadI:
			l.stack[base+i.A()].setInt(int64(i.SBx()))

		case OpLoadF:
			l.stack[base+i.A()].setFloat(float64(i.SBx()))

		case OpLoadK:
			l.stack[base+i.A()] = k[i.Bx()]

		case OpLoadKX:
			l.stack[base+i.A()] = k[code[pc].Ax()]
			pc++ // skip EXTRAARG

		case OpLoadFalse:
			l.stack[base+i.A()].setBool(false)

		case OpLoadTrue:
			l.stack[base+i.A()].setBool(true)

		case OpLoadNil:
			a := base + i.A()
			for n := 0; n <= i.B(); n++ {
				l.stack[a+n].setNil()
			}

		// ---- Upvalues ------------------------------------------------------

		case OpGetUpval:
			l.stack[base+i.A()] = *cl.Upvals[i.B()].get()

		case OpSetUpval:
			uv := cl.Upvals[i.B()]
			*uv.get() = l.stack[base+i.A()]
			l.g.barrierForwardValue(&uv.GCObject, uv.get())

		case OpGetTabUp:
			key := l.rk(k, base, i)
			l.getProp(cl.Upvals[i.B()].get(), key, &l.stack[base+i.A()])

		case OpSetTabUp:
			obj := cl.Upvals[i.A()].get()
			key := &l.stack[base+i.B()]
			l.setProp(obj, key, l.rk(k, base, i))

		// ---- Arithmetic ----------------------------------------------------

		case OpAdd, OpSub, OpMul, OpDiv, OpIDiv, OpMod, OpPow,
			OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			ra := &l.stack[base+i.A()]
			rb := &l.stack[base+i.B()]
			rc := &l.stack[base+i.C()]
			l.vmArith(regArithOp[op], rb, rc, ra)

		case OpAddK, OpSubK, OpMulK, OpDivK, OpIDivK, OpModK, OpPowK:
			ra := &l.stack[base+i.A()]
			rb := &l.stack[base+i.B()]
			l.vmArith(kArithOp[op], rb, &k[i.C()], ra)

		case OpAddI, OpSubI, OpMulI, OpDivI:
			ra := &l.stack[base+i.A()]
			rb := &l.stack[base+i.B()]
			var imm TValue
			imm.setInt(i.SC())
			l.vmArith(iArithOp[op], rb, &imm, ra)

		case OpUnm:
			rb := &l.stack[base+i.B()]
			switch {
			case rb.isInteger():
				l.stack[base+i.A()].setInt(-rb.ival())
			case rb.isFloat():
				l.stack[base+i.A()].setFloat(-rb.fval())
			case rb.isVector():
				var out TValue
				l.vmArith(ArithMul, rb, intValue(-1), &out)
				l.stack[base+i.A()] = out
			default:
				typeError(l, "negate", rb)
			}

		case OpShrI:
			rb := &l.stack[base+i.B()]
			n, ok := rb.toInteger()
			if !ok {
				typeError(l, "perform bitwise operation on", rb)
			}
			l.stack[base+i.A()].setInt(shiftLeft(n, -i.SC()))

		case OpBNot:
			rb := &l.stack[base+i.B()]
			n, ok := rb.toInteger()
			if !ok {
				typeError(l, "perform bitwise operation on", rb)
			}
			l.stack[base+i.A()].setInt(^n)

		// ---- Logic ---------------------------------------------------------

		case OpNot:
			l.stack[base+i.A()].setBool(!l.stack[base+i.B()].truthy())

		case OpTest:
			if l.stack[base+i.A()].truthy() != (i.C() != 0) {
				pc++
			}

		case OpTestSet:
			rb := &l.stack[base+i.B()]
			if rb.truthy() == (i.C() != 0) {
				l.stack[base+i.A()] = *rb
			} else {
				pc++
			}

		// ---- Comparison ----------------------------------------------------

		case OpEq:
			res := l.vmEquals(&l.stack[base+i.B()], l.rk(k, base, i))
			if res != (i.A() != 0) {
				pc++
			}

		case OpLt:
			res := l.vmLess(&l.stack[base+i.B()], l.rk(k, base, i))
			if res != (i.A() != 0) {
				pc++
			}

		case OpLe:
			res := l.vmLessEq(&l.stack[base+i.B()], l.rk(k, base, i))
			if res != (i.A() != 0) {
				pc++
			}

		case OpEqI:
			var imm TValue
			imm.setInt(i.SC())
			res := l.vmEquals(&l.stack[base+i.B()], &imm)
			if res != (i.A() != 0) {
				pc++
			}

		case OpLtI:
			var imm TValue
			imm.setInt(i.SC())
			res := l.vmLess(&l.stack[base+i.B()], &imm)
			if res != (i.A() != 0) {
				pc++
			}

		// ---- Control flow --------------------------------------------------

		case OpJmp:
			pc += i.SBx()

		case OpForPrep:
			a := base + i.A()
			init, limit, step := &l.stack[a], &l.stack[a+1], &l.stack[a+2]
			if init.isInteger() && limit.isInteger() && step.isInteger() {
				if step.ival() == 0 {
					panicRuntime(l, "'for' step is zero")
				}
				init.setInt(init.ival() - step.ival())
			} else {
				fi, ok1 := init.toNumber()
				fl, ok2 := limit.toNumber()
				fs, ok3 := step.toNumber()
				if !ok1 || !ok2 || !ok3 {
					panicRuntime(l, "'for' bounds must be numbers")
				}
				if fs == 0 {
					panicRuntime(l, "'for' step is zero")
				}
				init.setFloat(fi - fs)
				limit.setFloat(fl)
				step.setFloat(fs)
			}
			pc += i.SBx()

		case OpForLoop:
			a := base + i.A()
			init, limit, step := &l.stack[a], &l.stack[a+1], &l.stack[a+2]
			cont := false
			if init.isInteger() {
				v := init.ival() + step.ival()
				init.setInt(v)
				if step.ival() > 0 {
					cont = v <= limit.ival()
				} else {
					cont = v >= limit.ival()
				}
			} else {
				v := init.fval() + step.fval()
				init.setFloat(v)
				if step.fval() > 0 {
					cont = v <= limit.fval()
				} else {
					cont = v >= limit.fval()
				}
			}
			if cont {
				pc += i.SBx()
				l.stack[a+3] = *init
				if l.g.jit != nil {
					l.g.jit.NoteLoop(p, 1)
				}
			}

		// ---- Calls ---------------------------------------------------------

		case OpCall:
			a := base + i.A()
			if b := i.B(); b != 0 {
				l.top = a + b
			}
			ci.savedPC = pc
			nres := i.C() - 1
			if newci := l.precall(a, nres); newci != nil {
				ci = newci
				goto startFunc
			}
			// Native call completed inline; poscall left l.top at the
			// results. Restore the frame window unless all results were
			// requested.
			if nres != -1 {
				l.top = ci.top
			}

		case OpTailCall:
			a := base + i.A()
			nargs := i.B() - 1
			if nargs < 0 {
				nargs = l.top - a - 1
			}
			l.closeUpvalues(base)
			// Slide callee and arguments over the current frame.
			target := ci.retIdx
			for j := 0; j <= nargs; j++ {
				l.stack[target+j] = l.stack[a+j]
			}
			l.top = target + nargs + 1
			nres := ci.nResults
			fresh := ci.status & ciFresh
			l.ci = ci.prev
			if newci := l.precall(target, nres); newci != nil {
				newci.status |= fresh
				ci = newci
				goto startFunc
			}
			// Native tail target finished; unwind as if we returned.
			if fresh != 0 {
				return
			}
			ci = l.ci
			goto resumeFrame

		case OpRet:
			first := base + i.A()
			n := i.B() - 1
			if n < 0 {
				n = l.top - first
			}
			ci.savedPC = pc
			fresh := ci.status&ciFresh != 0
			l.finishScriptFrame(ci, p, first, n)
			if fresh {
				return
			}
			ci = l.ci
			goto resumeFrame

		case OpRetVoid:
			ci.savedPC = pc
			fresh := ci.status&ciFresh != 0
			l.finishScriptFrame(ci, p, l.top, 0)
			if fresh {
				return
			}
			ci = l.ci
			goto resumeFrame

		case OpRetOne:
			ci.savedPC = pc
			fresh := ci.status&ciFresh != 0
			l.finishScriptFrame(ci, p, base+i.A(), 1)
			if fresh {
				return
			}
			ci = l.ci
			goto resumeFrame

		// ---- Containers ----------------------------------------------------

		case OpNewObject:
			kind := ContainerKind(i.B() & 0x7)
			dtype := DataType(i.B() >> 3)
			size := i.C()
			if pc < len(code) && code[pc].Op() == OpExtraArg {
				size = code[pc].Ax()
				pc++
			}
			var c *Container
			if kind == KindRange {
				c = l.NewRange(0, int64(size), 1)
			} else {
				c = l.newContainer(kind, dtype, size)
			}
			l.stack[base+i.A()].setContainer(c)
			l.checkGC()

		case OpGetProp:
			l.getProp(&l.stack[base+i.B()], l.rk(k, base, i), &l.stack[base+i.A()])

		case OpSetProp:
			obj := &l.stack[base+i.A()]
			key := &l.stack[base+i.B()]
			l.setProp(obj, key, l.rk(k, base, i))

		case OpConcat:
			from := base + i.B()
			to := base + i.C()
			ts := l.concatRange(from, to)
			l.stack[base+i.A()].setString(ts)
			l.checkGC()

		case OpLen:
			l.vmLen(&l.stack[base+i.B()], &l.stack[base+i.A()])

		// ---- Closures and upvalue lifetime ---------------------------------

		case OpClosure:
			sub := p.Protos[i.Bx()]
			ncl := l.NewClosure(sub)
			for j, desc := range sub.Upvals {
				if desc.InStack {
					ncl.Upvals[j] = l.findUpvalue(base + int(desc.Index))
				} else {
					ncl.Upvals[j] = cl.Upvals[desc.Index]
				}
			}
			l.stack[base+i.A()].setClosure(ncl)
			l.checkGC()

		case OpClose:
			l.closeUpvalues(base + i.A())

		case OpTbc:
			// To-be-closed variables require the close protocol, which is
			// not part of this runtime; only nil and false may be marked.
			v := &l.stack[base+i.A()]
			if v.truthy() {
				panicRuntime(l, "variable of type %s cannot be marked to-be-closed",
					TypeName(v.baseType()))
			}

		case OpVararg:
			a := base + i.A()
			n := i.C() - 1
			if n < 0 {
				n = ci.nExtra
				l.CheckStack(a + n - l.top + 1)
				l.top = a + n
			}
			src := ci.fnIdx - ci.nExtra
			for j := 0; j < n; j++ {
				if j < ci.nExtra {
					l.stack[a+j] = l.stack[src+j]
				} else {
					l.stack[a+j].setNil()
				}
			}

		// ---- Builtins and coroutines ---------------------------------------

		case OpBuiltin:
			id := i.B()
			if id < 0 || id >= NumBuiltins {
				panicRuntime(l, "unknown builtin id %d", id)
			}
			var out TValue
			builtinTable[id](l, base+i.A()+1, i.C(), &out)
			l.stack[base+i.A()] = out

		case OpInvoke:
			a := base + i.A()
			var out TValue
			l.invokeMethod(&l.stack[a], i.B(), a+1, i.C(), &out)
			l.stack[a] = out

		case OpYield:
			if l.caller == nil {
				panicRuntime(l, "attempt to yield from outside a coroutine")
			}
			if l.nProtected > 0 {
				panicRuntime(l, "attempt to yield across a protected call")
			}
			first := base + i.A()
			n := i.B() - 1
			if n < 0 {
				n = l.top - first
			}
			l.yieldBase = first
			l.yieldN = n
			ci.savedPC = pc
			ci.status |= ciYielded
			l.status = StatusYield
			panic(&vmThrow{status: StatusYield})

		case OpResume:
			a := base + i.A()
			tv := &l.stack[a]
			if !tv.isThread() {
				typeError(l, "resume", tv)
			}
			co := tv.threadVal()
			nargs := i.B() - 1
			if nargs < 0 {
				nargs = 0
			}
			ci.savedPC = pc
			for j := 0; j < nargs; j++ {
				co.push(l.stack[a+1+j])
			}
			results, st := co.Resume(l, nargs)
			if st != StatusOK && st != StatusYield {
				// Propagate the coroutine's error into the resumer.
				var ev TValue
				if len(results) > 0 {
					ev = results[0]
				} else {
					ev.setString(l.NewString(st.String()))
				}
				throwValue(l, st, ev)
			}
			wanted := i.C() - 1
			if wanted < 0 {
				wanted = len(results)
				l.CheckStack(a + wanted - l.top + 1)
				l.top = a + wanted
			}
			for j := 0; j < wanted; j++ {
				if j < len(results) {
					l.stack[a+j] = results[j]
				} else {
					l.stack[a+j].setNil()
				}
			}

		case OpExtraArg:
			// Consumed by the preceding instruction; alone it is inert.

		default:
			panicRuntime(l, "invalid opcode %d at pc %d", op, pc-1)
		}
	}
}

// rk resolves the C operand as register or constant per the k bit.
func (l *State) rk(k []TValue, base int, i Instruction) *TValue {
	if i.K() {
		return &k[i.C()]
	}
	return &l.stack[base+i.C()]
}

func intValue(n int64) *TValue {
	v := &TValue{}
	v.setInt(n)
	return v
}
