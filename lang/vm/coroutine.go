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

// Cooperative coroutines. A resume transfers control onto the target
// thread's own stack; a yield unwinds the script frames (which live in the
// CallInfo chain, not on the Go stack) back to the resumer, leaving the
// thread's stack and open upvalues intact for the next resume.

// ContFn is a continuation registered through the *k call variants. It
// receives the completion status and the caller-provided context and
// returns the number of results it leaves on the stack.
type ContFn func(l *State, status Status, ctx interface{}) int

// Resume runs or continues this coroutine with nargs arguments already
// pushed on its stack. It returns the yielded or final results and a
// status: StatusOK when the coroutine finished, StatusYield when it
// suspended, an error status when it died.
func (co *State) Resume(from *State, nargs int) (results []TValue, status Status) {
	g := co.g
	if co == g.mainThread {
		return co.resumeError("cannot resume the main thread")
	}
	if co.finished {
		return co.resumeError("cannot resume dead coroutine")
	}
	suspended := co.status == StatusYield
	if !suspended && !(co.status == StatusOK && co.ci == &co.baseCI) {
		return co.resumeError("cannot resume non-suspended coroutine")
	}
	co.caller = from
	defer func() {
		co.caller = nil
		r := recover()
		if r == nil {
			return
		}
		t, ok := r.(*vmThrow)
		if !ok {
			panic(r)
		}
		if t.status == StatusYield {
			// Suspended: the frame chain stays put; hand the staged
			// values to the resumer.
			results = make([]TValue, co.yieldN)
			copy(results, co.stack[co.yieldBase:co.yieldBase+co.yieldN])
			status = StatusYield
			return
		}
		// The coroutine died with an error.
		co.finished = true
		co.status = t.status
		results = []TValue{t.value}
		status = t.status
	}()

	if suspended {
		co.status = StatusOK
		co.resumeSuspended(nargs)
	} else {
		fnIdx := co.top - nargs - 1
		if fnIdx < 0 || !co.stack[fnIdx].isFunction() {
			throwError(co, StatusErrRun, "cannot resume: no function to start")
		}
		co.CallValue(fnIdx, -1)
	}

	// Ran to completion: the bottom frame's results sit at the stack base.
	co.finished = true
	results = make([]TValue, co.top)
	copy(results, co.stack[:co.top])
	return results, StatusOK
}

// resumeSuspended re-enters a yielded coroutine, delivering the resume
// arguments to the suspension point.
func (co *State) resumeSuspended(nargs int) {
	ci := co.ci
	args := make([]TValue, nargs)
	copy(args, co.stack[co.top-nargs:co.top])
	co.top -= nargs

	if ci.isNative() && ci.status&ciYielded != 0 {
		// A native function yielded: the resume arguments become its
		// results, optionally reshaped by a registered continuation.
		ci.status &^= ciYielded
		for _, a := range args {
			co.push(a)
		}
		n := nargs
		if ci.cont != nil {
			k, ctx := ci.cont, ci.ctx
			ci.cont, ci.ctx = nil, nil
			n = k(co, StatusYield, ctx)
		}
		co.poscall(ci, co.top-n, n)
		if co.ci == &co.baseCI {
			return // the coroutine body was a lone native call
		}
		co.fixResumedTop()
		co.execute()
		return
	}

	// A script frame yielded: resume values land in the yield registers.
	ci.status &^= ciYielded
	dest := co.yieldBase
	limit := ci.top - dest
	for j := 0; j < nargs && j < limit; j++ {
		co.stack[dest+j] = args[j]
	}
	co.top = ci.top
	co.execute()
}

// fixResumedTop restores the frame window of the script frame below a
// finished native call, honoring multi-result call sites.
func (co *State) fixResumedTop() {
	ci := co.ci
	if ci == &co.baseCI || ci.isNative() {
		return
	}
	p := co.frameProto(ci)
	if p == nil || ci.savedPC == 0 {
		return
	}
	prev := p.Code[ci.savedPC-1]
	if !(prev.Op() == OpCall && prev.C() == 0) {
		co.top = ci.top
	}
}

// resumeError reports a resume protocol violation without running the
// coroutine.
func (co *State) resumeError(msg string) ([]TValue, Status) {
	var v TValue
	v.setString(co.NewString(msg))
	return []TValue{v}, StatusErrRun
}

// ---- Yield -----------------------------------------------------------------

// YieldK suspends the running coroutine from native code with nresults
// values on top of the stack. The continuation, if any, runs when the
// coroutine is resumed; its results replace the native call's results.
// Yielding is only legal directly inside a native function called from
// bytecode of a coroutine.
func (l *State) YieldK(nresults int, ctx interface{}, k ContFn) int {
	if l.caller == nil {
		panicRuntime(l, "attempt to yield from outside a coroutine")
	}
	ci := l.ci
	if !ci.isNative() || l.nCcalls > 1 {
		panicRuntime(l, "attempt to yield across a native boundary")
	}
	if l.nProtected > 0 {
		panicRuntime(l, "attempt to yield across a protected call")
	}
	ci.cont = k
	ci.ctx = ctx
	ci.status |= ciYielded
	l.yieldBase = l.top - nresults
	l.yieldN = nresults
	l.status = StatusYield
	panic(&vmThrow{status: StatusYield})
}

// Yield is YieldK without a continuation.
func (l *State) Yield(nresults int) int {
	return l.YieldK(nresults, nil, nil)
}
