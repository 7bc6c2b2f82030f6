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

import (
	"math"
	"time"
)

// ---- Call protocol ---------------------------------------------------------

// minNativeStack is the guaranteed headroom of a native frame.
const minNativeStack = 20

// precall sets up a call to the value at absolute stack index fnIdx, with
// the arguments already pushed above it. Native targets run to completion
// here and return nil; script targets get a fresh frame and return its
// CallInfo for the dispatch loop.
func (l *State) precall(fnIdx, nResults int) *CallInfo {
	l.g.perf.TotalRequests++
	fn := &l.stack[fnIdx]
	switch fn.typeTag() {
	case VNativeFunc:
		return l.callNativeFn(fn.fnval(), fnIdx, nResults)
	case VNativeClosure:
		return l.callNativeFn(fn.nativeClosureVal().Fn, fnIdx, nResults)
	case VScriptClosure:
		return l.prepScriptCall(fn.closureVal(), fnIdx, nResults)
	}
	typeError(l, "call", fn)
	return nil
}

// callNativeFn runs a native function in its own frame.
func (l *State) callNativeFn(fn NativeFn, fnIdx, nResults int) *CallInfo {
	if l.nCcalls >= maxNativeDepth {
		throwError(l, StatusErrRun, "native call depth overflow")
	}
	ci := l.extendCI()
	ci.status = ciNative
	ci.fnIdx = fnIdx
	ci.retIdx = fnIdx
	ci.base = fnIdx + 1
	ci.nResults = nResults
	ci.savedPC = 0
	l.CheckStack(minNativeStack)
	ci.top = l.top + minNativeStack

	l.nCcalls++
	n := fn(l)
	l.nCcalls--

	if n < 0 || n > l.top-ci.base {
		n = 0
	}
	l.poscall(ci, l.top-n, n)
	return nil
}

// prepScriptCall builds the frame for a script closure. Vararg prototypes
// get their function and fixed parameters relocated above the extra
// arguments, which stay parked below the new frame for OpVararg.
func (l *State) prepScriptCall(cl *Closure, fnIdx, nResults int) *CallInfo {
	p := cl.Proto
	nargs := l.top - fnIdx - 1
	nfixed := int(p.NumParams)
	origFn := fnIdx

	if p.IsVararg {
		nextra := nargs - nfixed
		if nextra < 0 {
			for ; nargs < nfixed; nargs++ {
				l.push(TValue{tt: VNil})
			}
			nextra = 0
		}
		// Relocate function and fixed params above the varargs.
		l.CheckStack(nfixed + 1)
		newFn := l.top
		l.push(l.stack[fnIdx])
		for i := 0; i < nfixed; i++ {
			l.push(l.stack[fnIdx+1+i])
			l.stack[fnIdx+1+i].setNil()
		}
		fnIdx = newFn
		ci := l.pushScriptFrame(p, fnIdx, nResults)
		ci.retIdx = origFn
		ci.nExtra = nextra
		return ci
	}

	for ; nargs < nfixed; nargs++ {
		l.push(TValue{tt: VNil})
	}
	return l.pushScriptFrame(p, fnIdx, nResults)
}

func (l *State) pushScriptFrame(p *Proto, fnIdx, nResults int) *CallInfo {
	ci := l.extendCI()
	ci.status = 0
	ci.fnIdx = fnIdx
	ci.retIdx = fnIdx
	ci.base = fnIdx + 1
	ci.nResults = nResults
	ci.nExtra = 0
	ci.savedPC = 0
	need := ci.base + int(p.MaxStackSize)
	if need > len(l.stack)-extraStack {
		l.CheckStack(need - l.top)
	}
	ci.top = need
	// Clear the register window beyond the arguments.
	for i := l.top; i < need; i++ {
		l.stack[i].setNil()
	}
	l.top = need
	if l.g.jit != nil {
		ci.started = time.Now()
	}
	return ci
}

// poscall moves n results from firstResult to the caller-expected slot of
// the finished frame, honors the result expectation, and pops the frame.
// Vararg frames relocated their function upward; retIdx remembers where
// the caller wants the results.
func (l *State) poscall(ci *CallInfo, firstResult, n int) {
	wanted := ci.nResults
	target := ci.retIdx
	if wanted == -1 {
		wanted = n
	}
	for i := 0; i < wanted; i++ {
		if i < n {
			l.stack[target+i] = l.stack[firstResult+i]
		} else {
			l.stack[target+i].setNil()
		}
	}
	l.top = target + wanted
	l.ci = ci.prev
}

// finishScriptFrame is the common RET path: note the call for the hotspot
// profile, close upvalues, and hand results back.
func (l *State) finishScriptFrame(ci *CallInfo, p *Proto, firstResult, n int) {
	if l.g.jit != nil {
		l.g.jit.NoteCall(p, time.Since(ci.started))
	}
	l.closeUpvalues(ci.base)
	l.poscall(ci, firstResult, n)
}

// CallValue calls the value at absolute index fnIdx with the arguments
// above it; nResults < 0 keeps every result.
func (l *State) CallValue(fnIdx, nResults int) {
	if ci := l.precall(fnIdx, nResults); ci != nil {
		ci.status |= ciFresh
		l.execute()
	}
}

// ---- Builtins --------------------------------------------------------------

// builtinTable dispatches OpBuiltin ids. The table is fixed; ids are part
// of the bytecode contract. Populated in init() rather than a var literal
// to avoid a package-level initialization cycle (several builtins reach
// back into the GC/string machinery, which itself is reachable from the
// dispatch loop that calls into this table).
var builtinTable [NumBuiltins]func(l *State, argBase, nargs int, out *TValue)

func init() {
	builtinTable = [NumBuiltins]func(l *State, argBase, nargs int, out *TValue){
		BuiltinPrint:    builtinPrint,
		BuiltinLen:      builtinLen,
		BuiltinType:     builtinType,
		BuiltinAbs:      builtinAbs,
		BuiltinCeil:     builtinCeil,
		BuiltinFloor:    builtinFloor,
		BuiltinSqrt:     builtinSqrt,
		BuiltinTostring: builtinTostring,
	}
}

func builtinPrint(l *State, argBase, nargs int, out *TValue) {
	parts := make([]string, nargs)
	for i := 0; i < nargs; i++ {
		parts[i] = l.ToDisplayString(&l.stack[argBase+i])
	}
	l.g.printLine(parts)
	out.setNil()
}

func builtinLen(l *State, argBase, nargs int, out *TValue) {
	if nargs < 1 {
		panicRuntime(l, "len expects one argument")
	}
	l.vmLen(&l.stack[argBase], out)
}

func builtinType(l *State, argBase, nargs int, out *TValue) {
	if nargs < 1 {
		panicRuntime(l, "type expects one argument")
	}
	out.setString(l.NewString(TypeName(l.stack[argBase].baseType())))
}

func builtinAbs(l *State, argBase, nargs int, out *TValue) {
	v := &l.stack[argBase]
	if v.isInteger() {
		i := v.ival()
		if i < 0 {
			i = -i
		}
		out.setInt(i)
		return
	}
	f, ok := v.toNumber()
	if !ok {
		typeError(l, "take absolute value of", v)
	}
	out.setFloat(math.Abs(f))
}

func builtinCeil(l *State, argBase, nargs int, out *TValue) {
	numericUnary(l, argBase, out, math.Ceil)
}

func builtinFloor(l *State, argBase, nargs int, out *TValue) {
	numericUnary(l, argBase, out, math.Floor)
}

func builtinSqrt(l *State, argBase, nargs int, out *TValue) {
	v := &l.stack[argBase]
	f, ok := v.toNumber()
	if !ok {
		typeError(l, "take square root of", v)
	}
	out.setFloat(math.Sqrt(f))
}

func builtinTostring(l *State, argBase, nargs int, out *TValue) {
	out.setString(l.NewString(l.ToDisplayString(&l.stack[argBase])))
}

func numericUnary(l *State, argBase int, out *TValue, fn func(float64) float64) {
	v := &l.stack[argBase]
	if v.isInteger() {
		*out = *v
		return
	}
	f, ok := v.toNumber()
	if !ok {
		typeError(l, "round", v)
	}
	r := fn(f)
	if i := int64(r); float64(i) == r {
		out.setInt(i)
	} else {
		out.setFloat(r)
	}
}

// printLine hands the parts to the print function installed with
// SetPrintFn, which tests and the REPL replace.
func (g *GlobalState) printLine(parts []string) {
	if g.printFn != nil {
		g.printFn(parts)
		return
	}
	line := ""
	for i, p := range parts {
		if i > 0 {
			line += "\t"
		}
		line += p
	}
	println(line)
}

// SetPrintFn installs the sink used by the print builtin.
func (g *GlobalState) SetPrintFn(fn func(parts []string)) { g.printFn = fn }

// ---- Container method invocation -------------------------------------------

// invokeMethod implements OpInvoke: a method id applied to the receiver
// container with nargs arguments.
func (l *State) invokeMethod(recv *TValue, method, argBase, nargs int, out *TValue) {
	if !recv.isContainer() {
		typeError(l, "invoke a method on", recv)
	}
	c := recv.containerVal()
	switch method {
	case MethodPush:
		if c.kind != KindSlice {
			panicRuntime(l, "push is only defined on slices, not %s", c.kind)
		}
		if nargs < 1 {
			panicRuntime(l, "push expects a value")
		}
		l.slicePush(c, &l.stack[argBase])
		out.setNil()
	case MethodPop:
		if c.kind != KindSlice {
			panicRuntime(l, "pop is only defined on slices, not %s", c.kind)
		}
		l.slicePop(c, out)
	case MethodResize:
		if c.kind != KindSlice {
			panicRuntime(l, "resize is only defined on slices, not %s", c.kind)
		}
		n, ok := l.stack[argBase].toInteger()
		if !ok {
			panicRuntime(l, "resize expects an integer length")
		}
		l.sliceResize(c, int(n))
		out.setNil()
	case MethodShrink:
		if c.kind != KindSlice {
			panicRuntime(l, "shrink is only defined on slices, not %s", c.kind)
		}
		l.sliceShrinkToFit(c)
		out.setNil()
	case MethodSum:
		l.requireVector(c, "sum")
		l.VectorSum(c, out)
	case MethodMin:
		l.requireVector(c, "min")
		l.VectorMin(c, out)
	case MethodMax:
		l.requireVector(c, "max")
		l.VectorMax(c, out)
	case MethodDot:
		l.requireVector(c, "dot")
		other := &l.stack[argBase]
		if !other.isVector() {
			panicRuntime(l, "dot expects a vector argument")
		}
		l.VectorDot(c, other.containerVal(), out)
	default:
		panicRuntime(l, "unknown method id %d", method)
	}
}

func (l *State) requireVector(c *Container, what string) {
	if c.kind != KindVector {
		panicRuntime(l, "%s is only defined on vectors, not %s", what, c.kind)
	}
}
