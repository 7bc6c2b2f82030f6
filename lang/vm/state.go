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
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/aql-lang/go-aql/lang/perf"
)

// Version markers.
const (
	Version    = "go-aql/0.1.0"
	VersionNum = 100
)

// ---- Status codes ----------------------------------------------------------

// Status is a VM return code.
type Status int

const (
	StatusOK Status = iota
	StatusYield
	StatusErrRun
	StatusErrSyntax
	StatusErrMem
	StatusErrErr
	StatusErrFile
)

var statusNames = [...]string{"ok", "yield", "runtime error", "syntax error",
	"memory error", "error in error handling", "file error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown status"
}

// ---- Call frames -----------------------------------------------------------

// Call-status bits.
const (
	ciFresh  = 1 << 0 // frame entered from outside the dispatch loop
	ciNative = 1 << 1 // native function frame
	ciYielded = 1 << 2 // frame suspended by a yield
)

// CallInfo is one call record. Frames form a doubly linked chain that is
// reused across calls, with the base frame embedded in the thread.
type CallInfo struct {
	fnIdx     int // absolute stack index of the callee
	retIdx    int // where the caller expects results (pre-relocation slot)
	base      int // first register of the frame
	top       int // one past the last usable register
	savedPC   int // next instruction, kept current across calls
	nResults  int // caller expectation; -1 means all
	nExtra    int // vararg count parked below base
	status    byte
	started   time.Time   // set while the JIT hook is live
	cont      ContFn      // continuation for the *k call variants
	ctx       interface{} // continuation context
	prev      *CallInfo
	next      *CallInfo
}

func (ci *CallInfo) isNative() bool { return ci.status&ciNative != 0 }

// ---- Execution state -------------------------------------------------------

// maxNativeDepth bounds native (Go) recursion through the VM.
const maxNativeDepth = 200

// State is one thread of execution: a value stack, a call-info chain, the
// open-upvalue list, and a link to the shared globals. The main thread is
// created by NewState; coroutines share its GlobalState.
type State struct {
	GCObject
	g         *GlobalState
	stack     []TValue
	top       int // first free stack slot
	ci        *CallInfo
	baseCI    CallInfo
	nci       int
	openupval *Upvalue
	status    Status
	caller    *State // resuming thread, while running as a coroutine
	finished  bool   // coroutine ran to completion or died
	yieldBase int    // first staged yield value (absolute index)
	yieldN    int    // staged yield value count
	nCcalls   int
	nProtected int
}

const (
	basicStackSize = 64
	maxStackSize   = 1_000_000
	extraStack     = 5 // headroom for error handling
)

// CompiledFn is the signature of a JIT-cached entry point.
type CompiledFn func(l *State, ci *CallInfo) int

// JITHook is the bridge the engine installs between the dispatcher and the
// JIT pipeline. Lookup is consulted before a script frame starts
// interpreting; the Note methods feed the hotspot profile.
type JITHook interface {
	Lookup(p *Proto) CompiledFn
	NoteCall(p *Proto, elapsed time.Duration)
	NoteLoop(p *Proto, iterations int)
}

// GlobalState is the per-VM shared state: allocator, collector, string
// table, registry, main thread, JIT bridge, perf monitor and panic handler.
type GlobalState struct {
	alloc   Allocator
	allocUD interface{}

	// memory + GC
	totalBytes   int64
	gcDebt       int64
	gcEstimate   int64
	gcPause      int
	gcStepMul    int
	gcState      byte
	gcRunning    bool
	currentWhite byte
	allgc        *GCObject
	sweepgc      **GCObject
	gray         []*GCObject
	grayAgain    []*GCObject
	finobj       *GCObject
	tobefnz      *GCObject
	finalizers   map[*GCObject]NativeFn
	objCount     int

	// strings
	strt        stringTable
	strCache    [strCacheN][strCacheM]strCacheEntry
	emptyString *StringObj
	memErrMsg   *StringObj
	seed        uint64

	registry   TValue
	mainThread *State

	jit  JITHook
	perf *perf.Monitor

	panicFn NativeFn
	warnFn  func(msg string, toCont bool)
	printFn func(parts []string)

	collator *collate.Collator
	log      log.Logger
	id       string
}

// NewState creates a fresh VM: global state plus its main thread. A nil
// allocator installs the default accept-all policy.
func NewState(alloc Allocator, ud interface{}) *State {
	if alloc == nil {
		alloc = defaultAllocator
	}
	g := &GlobalState{
		alloc:        alloc,
		allocUD:      ud,
		gcPause:      defaultGCPause,
		gcStepMul:    defaultGCStepMul,
		currentWhite: white0Bit,
		gcState:      gcsPause,
		gcRunning:    true,
		finalizers:   make(map[*GCObject]NativeFn),
		seed:         uint64(time.Now().UnixNano()),
		perf:         perf.New(perf.Production),
		collator:     collate.New(language.Und),
		id:           uuid.New().String(),
	}
	g.log = log.New("module", "vm", "state", g.id[:8])

	l := &State{g: g}
	l.tt = VThread
	l.marked = g.currentWhite
	l.stack = make([]TValue, basicStackSize)
	l.top = 0
	l.baseCI = CallInfo{top: basicStackSize - extraStack, nResults: -1}
	l.ci = &l.baseCI
	l.nci = 1
	g.mainThread = l

	g.strt.init()
	g.emptyString = l.internString("")
	reg := l.NewDict(16)
	g.registry.setContainer(reg)

	g.log.Debug("state created", "version", Version)
	return l
}

// Close tears the VM down: finalizers run, the JIT hook is dropped, and a
// final report is logged when the perf monitor is active.
func (l *State) Close() {
	g := l.g
	if g == nil {
		return
	}
	g.fullGC(l, false) // run pending finalizers
	g.callAllPendingFinalizers(l)
	g.jit = nil
	if g.perf.Enabled() {
		g.log.Debug("state closed", "report", g.perf.Report("close"))
	} else {
		g.log.Debug("state closed")
	}
	l.g = nil
}

// Global returns the shared global state.
func (l *State) Global() *GlobalState { return l.g }

// Perf returns the perf monitor.
func (g *GlobalState) Perf() *perf.Monitor { return g.perf }

// SetPerf replaces the perf monitor (engine wiring).
func (g *GlobalState) SetPerf(m *perf.Monitor) { g.perf = m }

// SetJITHook installs the JIT bridge; nil disables it.
func (g *GlobalState) SetJITHook(h JITHook) { g.jit = h }

// Logger returns the state logger.
func (g *GlobalState) Logger() log.Logger { return g.log }

// Registry returns the registry dict.
func (g *GlobalState) Registry() *Container { return g.registry.containerVal() }

// AtPanic installs the handler called on unprotected errors; it returns the
// previous handler.
func (g *GlobalState) AtPanic(fn NativeFn) NativeFn {
	old := g.panicFn
	g.panicFn = fn
	return old
}

// SetWarnFn installs the warning sink.
func (g *GlobalState) SetWarnFn(fn func(msg string, toCont bool)) { g.warnFn = fn }

// Warning emits a warning through the installed sink.
func (l *State) Warning(msg string, toCont bool) {
	if l.g.warnFn != nil {
		l.g.warnFn(msg, toCont)
	}
}

// ---- Threads ---------------------------------------------------------------

// NewThread creates a coroutine sharing this VM's globals.
func (l *State) NewThread() *State {
	co := &State{g: l.g}
	co.stack = make([]TValue, basicStackSize)
	co.baseCI = CallInfo{top: basicStackSize - extraStack, nResults: -1}
	co.ci = &co.baseCI
	co.nci = 1
	l.linkObject(&co.GCObject, VThread, sizeThread)
	return co
}

// Status returns the thread status.
func (l *State) Status() Status { return l.status }

// IsYieldable reports whether a yield would be legal here: the thread must
// be a running coroutine with no native frame between it and its resumer.
func (l *State) IsYieldable() bool {
	return l.caller != nil && l.nCcalls == 0
}

// ---- Stack management ------------------------------------------------------

// CheckStack ensures at least n free slots above the current top, growing
// the stack if needed. Open upvalues hold indices, not pointers, so
// reallocation is transparent to them.
func (l *State) CheckStack(n int) {
	need := l.top + n + extraStack
	if need <= len(l.stack) {
		return
	}
	newSize := len(l.stack) * 2
	if newSize < need {
		newSize = need
	}
	if newSize > maxStackSize {
		if need > maxStackSize {
			throwError(l, StatusErrRun, "stack overflow")
		}
		newSize = maxStackSize
	}
	l.reallocMem(len(l.stack)*sizeTValue, newSize*sizeTValue)
	newStack := make([]TValue, newSize)
	copy(newStack, l.stack)
	l.stack = newStack
	// Frame tops sized against the old stack stay valid; only the
	// outermost headroom moved.
}

// push appends v, growing as needed.
func (l *State) push(v TValue) {
	l.CheckStack(1)
	l.stack[l.top] = v
	l.top++
}

// GetTop returns the number of values on the current frame.
func (l *State) GetTop() int { return l.top - l.ci.base }

// SetTop grows (with nil) or shrinks the current frame to n values.
func (l *State) SetTop(n int) {
	base := l.ci.base
	if n < 0 {
		n = l.top - base + n + 1 // negative counts from the top
	}
	newTop := base + n
	if newTop > l.top {
		l.CheckStack(newTop - l.top)
		for l.top < newTop {
			l.stack[l.top].setNil()
			l.top++
		}
	} else {
		for i := newTop; i < l.top; i++ {
			l.stack[i].setNil()
		}
		l.top = newTop
	}
}

// ---- Frame bookkeeping -----------------------------------------------------

// FrameWindow exposes the register window of a frame to the compiler
// pipeline.
func (l *State) FrameWindow(ci *CallInfo) []TValue {
	return l.stack[ci.base:ci.top]
}

// PushValues pushes a batch of values; compiled-code writeback.
func (l *State) PushValues(vs []TValue) {
	l.CheckStack(len(vs))
	for _, v := range vs {
		l.stack[l.top] = v
		l.top++
	}
}

// extendCI appends (or reuses) the next CallInfo in the chain, clearing
// anything a previous occupant may have left behind.
func (l *State) extendCI() *CallInfo {
	if next := l.ci.next; next != nil {
		next.cont, next.ctx = nil, nil
		l.ci = next
		return next
	}
	ci := &CallInfo{prev: l.ci}
	l.ci.next = ci
	l.ci = ci
	l.nci++
	return ci
}
