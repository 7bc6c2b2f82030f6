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
	"fmt"
	"os"
)

// Errors unwind as panics carrying a vmThrow and are caught at the nearest
// protected-call anchor, the Go spelling of a setjmp/longjmp recovery
// chain. Unprotected errors reach the installed panic handler and
// terminate the process.

// vmThrow is the unwind payload.
type vmThrow struct {
	status Status
	value  TValue
}

// RuntimeError is the embedder-visible error produced at the API boundary.
type RuntimeError struct {
	Status Status
	Value  TValue
	Msg    string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

// throwError raises an error with a string message. Inside a protected
// call this unwinds to the anchor; outside, the panic handler runs and the
// process aborts.
func throwError(l *State, status Status, msg string) {
	var v TValue
	if status == StatusErrMem {
		// Do not allocate while reporting an allocation failure.
		v.setString(l.g.memErrString())
	} else {
		v.setString(l.NewString(msg))
	}
	throwValue(l, status, v)
}

// throwValue raises with an arbitrary error value.
func throwValue(l *State, status Status, v TValue) {
	l.g.perf.ErrorCount++
	if l.nProtected > 0 {
		panic(&vmThrow{status: status, value: v})
	}
	if l.caller != nil {
		// An unprotected error inside a coroutine kills the coroutine
		// and surfaces at its resume point.
		l.status = status
		panic(&vmThrow{status: status, value: v})
	}
	// Truly unprotected: run the panic handler, then abort.
	if l.g.panicFn != nil {
		l.push(v)
		l.g.panicFn(l)
	} else {
		fmt.Fprintf(os.Stderr, "aql: unprotected error (%s)\n", describeValue(&v))
	}
	os.Exit(1)
}

// memErrString returns the preallocated memory-error message.
func (g *GlobalState) memErrString() *StringObj {
	if g.memErrMsg == nil {
		g.memErrMsg = &StringObj{shrlen: byte(len("not enough memory")), contents: "not enough memory"}
		g.memErrMsg.tt = VShrStr
		g.memErrMsg.marked = g.currentWhite
	}
	return g.memErrMsg
}

// panicRuntime raises a runtime error with a formatted message, annotated
// with the current source position when available.
func panicRuntime(l *State, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if ci := l.ci; ci != nil && !ci.isNative() && ci != &l.baseCI {
		if p := l.frameProto(ci); p != nil {
			if line := p.line(ci.savedPC - 1); line > 0 {
				msg = fmt.Sprintf("%s:%d: %s", p.Source, line, msg)
			}
		}
	}
	throwError(l, StatusErrRun, msg)
}

// panicRuntimeErr raises a runtime error from a sentinel.
func panicRuntimeErr(l *State, err error) {
	panicRuntime(l, "%s", err.Error())
}

// typeError reports an operation applied to an unsupported operand.
func typeError(l *State, what string, v *TValue) {
	panicRuntime(l, "attempt to %s a %s value", what, TypeName(v.baseType()))
}

// frameProto returns the prototype running in ci, or nil for native frames.
func (l *State) frameProto(ci *CallInfo) *Proto {
	fn := &l.stack[ci.fnIdx]
	if fn.checkTag(ctb(VScriptClosure)) {
		return fn.closureVal().Proto
	}
	return nil
}

// describeValue renders an error value for diagnostics.
func describeValue(v *TValue) string {
	switch {
	case v.isString():
		return v.strVal().contents
	case v.isInteger():
		return fmt.Sprintf("%d", v.ival())
	case v.isFloat():
		return fmt.Sprintf("%g", v.fval())
	default:
		return fmt.Sprintf("<%s>", TypeName(v.baseType()))
	}
}

// ---- Protected execution ---------------------------------------------------

// protect runs fn under an unwind anchor, restoring the frame chain and
// stack shape on error. It is the substrate of PCall, PCallK and Resume.
func (l *State) protect(fn func()) (status Status, errVal TValue) {
	savedCI := l.ci
	savedTop := l.top
	savedNCcalls := l.nCcalls
	l.nProtected++
	defer func() {
		l.nProtected--
		r := recover()
		if r == nil {
			status = StatusOK
			return
		}
		t, ok := r.(*vmThrow)
		if !ok {
			panic(r) // host bug, not a VM error
		}
		// Unwind: close upvalues created above the anchor, restore the
		// call chain and the stack top.
		l.closeUpvalues(savedTop)
		l.ci = savedCI
		l.top = savedTop
		l.nCcalls = savedNCcalls
		status = t.status
		errVal = t.value
	}()
	fn()
	return StatusOK, TValue{tt: VNil}
}
