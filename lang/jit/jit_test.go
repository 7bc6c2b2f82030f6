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
	"testing"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/aql-lang/go-aql/lang/perf"
	"github.com/aql-lang/go-aql/lang/typeinfer"
	"github.com/aql-lang/go-aql/lang/vm"
)

func testProto(l *vm.State, maxStack, nparams int, code []vm.Instruction, consts ...vm.TValue) *vm.Proto {
	p := l.NewProto()
	p.Code = code
	p.K = consts
	p.MaxStackSize = uint8(maxStack)
	p.NumParams = uint8(nparams)
	p.Source = "jit-test"
	return p
}

// stableIntProto is a compilable integer function: f(a) = a*2 + 5.
func stableIntProto(l *vm.State) *vm.Proto {
	return testProto(l, 4, 1, []vm.Instruction{
		vm.MakeABC(vm.OpMulI, 1, 0, 128+2, false),
		vm.MakeABC(vm.OpAddI, 1, 1, 128+5, false),
		vm.MakeABC(vm.OpRetOne, 1, 0, 0, false),
	})
}

func callHard(e *Engine, p *vm.Proto, calls int, per time.Duration) {
	for i := 0; i < calls; i++ {
		e.NoteCall(p, per)
	}
}

// ---- Hotspot gate ----------------------------------------------------------

// A 100-instruction function with 200 calls at 0.5ms and high stability
// must pass every gate; an identical profile with low stability must not.
func TestHotspotGate(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	infer := typeinfer.NewContext(nil)
	e := New(DefaultConfig(), infer, perf.New(perf.Production))

	// Build a 100-instruction straight-line integer function.
	code := make([]vm.Instruction, 0, 100)
	code = append(code, vm.MakeAsBx(vm.OpLoadI, 0, 1))
	for len(code) < 99 {
		code = append(code, vm.MakeABC(vm.OpAddI, 0, 0, 128+1, false))
	}
	code = append(code, vm.MakeABC(vm.OpRetOne, 0, 0, 0, false))
	hot := testProto(l, 4, 0, code)
	callHard(e, hot, 200, 500*time.Microsecond)

	if s := infer.Stability(hot); s < 85 {
		t.Fatalf("straight-line integer code scored %v stability", s)
	}
	if !e.ShouldCompile(hot) {
		info := e.Hotspot(hot)
		t.Fatalf("hot stable prototype must compile (score %v)", e.hot.Score(info))
	}

	// Same profile, but every register is call-poisoned: stability tanks.
	cold := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeABC(vm.OpGetUpval, 0, 0, 0, false),
		vm.MakeABC(vm.OpCall, 0, 1, 2, false),
		vm.MakeABC(vm.OpCall, 0, 1, 2, false),
		vm.MakeABC(vm.OpRetOne, 0, 0, 0, false),
	})
	callHard(e, cold, 200, 500*time.Microsecond)
	if e.ShouldCompile(cold) {
		t.Fatal("low-stability prototype must never compile, whatever its call count")
	}
}

func TestHotspotGateHardFloors(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	e := New(DefaultConfig(), typeinfer.NewContext(nil), nil)

	p := stableIntProto(l)
	callHard(e, p, 5, time.Millisecond) // below MinCalls
	if e.ShouldCompile(p) {
		t.Fatal("call floor ignored")
	}
}

func TestHotspotScoreWeights(t *testing.T) {
	tr := newHotspotTracker(DefaultHotspotConfig())
	info := &HotspotInfo{
		CallCount:     200,
		BytecodeSize:  100,
		ExecutionTime: 100 * time.Millisecond,
	}
	score := tr.Score(info)
	// calls: 40*0.4 + time: 100*0.3 + size: 95*0.2 + loops: 0
	want := 16.0 + 30.0 + 19.0
	if score < want-0.01 || score > want+0.01 {
		t.Fatalf("score = %v, want %v", score, want)
	}
}

// ---- Live intervals and linear scan ----------------------------------------

func TestBuildIntervals(t *testing.T) {
	code := []vm.Instruction{
		vm.MakeAsBx(vm.OpLoadI, 0, 1),       // def R0 @0
		vm.MakeAsBx(vm.OpLoadI, 1, 2),       // def R1 @1
		vm.MakeABC(vm.OpAdd, 2, 0, 1, false), // use R0,R1; def R2 @2
		vm.MakeABC(vm.OpRetOne, 2, 0, 0, false),
	}
	ivs := buildIntervals(code)
	if len(ivs) != 3 {
		t.Fatalf("interval count = %d", len(ivs))
	}
	byReg := map[int]LiveInterval{}
	for _, iv := range ivs {
		byReg[iv.VReg] = iv
	}
	if byReg[0].StartPC != 0 || byReg[0].EndPC != 2 {
		t.Fatalf("R0 interval [%d,%d]", byReg[0].StartPC, byReg[0].EndPC)
	}
	if byReg[2].StartPC != 2 {
		t.Fatalf("R2 starts at %d", byReg[2].StartPC)
	}
	// Sorted by start pc.
	for i := 1; i < len(ivs); i++ {
		if ivs[i].StartPC < ivs[i-1].StartPC {
			t.Fatal("intervals not sorted by start")
		}
	}
}

func TestLinearScanSpills(t *testing.T) {
	// Ten overlapping intervals on two physical registers: eight spills.
	var ivs []LiveInterval
	for i := 0; i < 10; i++ {
		ivs = append(ivs, LiveInterval{VReg: i, StartPC: 0, EndPC: 100})
	}
	a := linearScan(ivs, []int{1, 2})
	if a.spillSlots != 8 {
		t.Fatalf("spill slots = %d, want 8", a.spillSlots)
	}
	phys := map[int]bool{}
	for v, loc := range a.locs {
		if !loc.spilled {
			if phys[loc.phys] {
				t.Fatalf("register %d double-assigned", loc.phys)
			}
			phys[loc.phys] = true
		}
		_ = v
	}
}

func TestLinearScanExpiry(t *testing.T) {
	ivs := []LiveInterval{
		{VReg: 0, StartPC: 0, EndPC: 1},
		{VReg: 1, StartPC: 2, EndPC: 3}, // R0 expired; reuses its register
		{VReg: 2, StartPC: 2, EndPC: 5},
	}
	a := linearScan(ivs, []int{7, 8})
	if a.spillSlots != 0 {
		t.Fatalf("expiry failed; %d spills", a.spillSlots)
	}
}

// ---- Compilability ---------------------------------------------------------

func TestCanCompileSubset(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()

	if err := canCompile(stableIntProto(l)); err != nil {
		t.Fatalf("integer subset rejected: %v", err)
	}

	// Float constants are outside the subset.
	floaty := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeABx(vm.OpLoadK, 0, 0),
		vm.MakeABC(vm.OpRetOne, 0, 0, 0, false),
	}, vm.MakeNumber(1.5))
	if err := canCompile(floaty); err == nil {
		t.Fatal("float constant must be rejected")
	}

	// Unsupported opcodes are rejected.
	callish := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeABC(vm.OpCall, 0, 1, 1, false),
		vm.MakeABC(vm.OpRetVoid, 0, 0, 0, false),
	})
	if err := canCompile(callish); err == nil {
		t.Fatal("CALL must be rejected")
	}

	// Use before definition is rejected.
	undef := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeABC(vm.OpAdd, 0, 1, 2, false),
		vm.MakeABC(vm.OpRetOne, 0, 0, 0, false),
	})
	if err := canCompile(undef); err == nil {
		t.Fatal("use-before-def must be rejected")
	}

	// Falling off the end is rejected.
	noret := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeAsBx(vm.OpLoadI, 0, 1),
	})
	if err := canCompile(noret); err == nil {
		t.Fatal("missing return must be rejected")
	}
}

// ---- Optimization passes ---------------------------------------------------

func TestConstantFolding(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	code := []vm.Instruction{
		vm.MakeAsBx(vm.OpLoadI, 0, 6),
		vm.MakeAsBx(vm.OpLoadI, 1, 7),
		vm.MakeABC(vm.OpMul, 2, 0, 1, false),
		vm.MakeABC(vm.OpRetOne, 2, 0, 0, false),
	}
	p := testProto(l, 4, 0, code)
	n := foldConstants(code, p)
	if n != 1 {
		t.Fatalf("folded %d, want 1", n)
	}
	if code[2].Op() != vm.OpLoadI || code[2].SBx() != 42 {
		t.Fatalf("fold produced %s %d", code[2].Op(), code[2].SBx())
	}
	if len(code) != 4 {
		t.Fatal("folding must preserve code length")
	}
}

func TestDeadCodeAndPeephole(t *testing.T) {
	code := []vm.Instruction{
		vm.MakeAsBx(vm.OpLoadI, 3, 9), // dead: R3 never read
		vm.MakeAsBx(vm.OpLoadI, 0, 1),
		vm.MakeABC(vm.OpMove, 1, 1, 0, false), // self-move; R1 is never read either
		vm.MakeABC(vm.OpRetOne, 0, 0, 0, false),
	}
	// Dead-code removal runs first and takes both the dead LOADI and the
	// self-move, so peephole finds nothing left to rewrite.
	if n := deadCode(code); n != 2 {
		t.Fatalf("dead-code pass removed %d", n)
	}
	if n := peephole(code); n != 0 {
		t.Fatalf("peephole removed %d", n)
	}
	// Replacements are no-op jumps, so offsets survive.
	if code[0].Op() != vm.OpJmp || code[0].SBx() != 0 {
		t.Fatal("dead instruction must become JMP +0")
	}
}

// ---- Emission --------------------------------------------------------------

func TestAMD64Emission(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	p := stableIntProto(l)
	code := append([]vm.Instruction(nil), p.Code...)
	alloc := linearScan(buildIntervals(code), amd64PhysRegs)
	native, err := newAMD64Emitter().(*amd64Emitter).Emit(&unit{proto: p, code: code, alloc: alloc})
	if err != nil {
		t.Fatalf("emission failed: %v", err)
	}
	// Prologue: push rbp; mov rbp, rsp.
	if len(native) < 4 || native[0] != 0x55 || native[1] != 0x48 || native[2] != 0x89 || native[3] != 0xE5 {
		t.Fatalf("prologue bytes = % x", native[:4])
	}
	// Epilogue ends with leave; ret.
	if native[len(native)-2] != 0xC9 || native[len(native)-1] != 0xC3 {
		t.Fatalf("epilogue bytes = % x", native[len(native)-2:])
	}
}

func TestARM64EmissionAndPatching(t *testing.T) {
	l := vm.NewState(nil, nil)
	defer l.Close()
	// R0=10; a forward exit jump taken while R0 != 0 and a backward jump
	// around R0 -= 1; return R0.
	p := testProto(l, 4, 0, []vm.Instruction{
		vm.MakeAsBx(vm.OpLoadI, 0, 10),
		vm.MakeABC(vm.OpEqI, 0, 0, 128+0, false), // if R0 == 0 (expect false) skip
		vm.MakeAsBx(vm.OpJmp, 0, 2),              // exit
		vm.MakeABC(vm.OpSubI, 0, 0, 128+1, false),
		vm.MakeAsBx(vm.OpJmp, 0, -4),
		vm.MakeABC(vm.OpRetOne, 0, 0, 0, false),
	})
	code := append([]vm.Instruction(nil), p.Code...)
	alloc := linearScan(buildIntervals(code), arm64PhysRegs)
	native, err := newARM64Emitter().(*arm64Emitter).Emit(&unit{proto: p, code: code, alloc: alloc})
	if err != nil {
		t.Fatalf("emission failed: %v", err)
	}
	if len(native)%4 != 0 {
		t.Fatal("ARM64 code must be a multiple of 4 bytes")
	}
	// No unpatched branch placeholders: a bare 0x14000000 would be an
	// unconditional branch to itself.
	for off := 0; off < len(native); off += 4 {
		w := uint32(native[off]) | uint32(native[off+1])<<8 | uint32(native[off+2])<<16 | uint32(native[off+3])<<24
		if w == 0x14000000 {
			t.Fatalf("unpatched branch at offset %d", off)
		}
	}
	// Ends with ret.
	last := uint32(native[len(native)-4]) | uint32(native[len(native)-3])<<8 |
		uint32(native[len(native)-2])<<16 | uint32(native[len(native)-1])<<24
	if last != 0xD65F03C0 {
		t.Fatalf("last word %#x, want ret", last)
	}
}

// ---- Cache -----------------------------------------------------------------

func TestCodeCacheLRUAndSweep(t *testing.T) {
	var stats Stats
	c := newCodeCache(2, &stats, testLogger())

	ids := [][32]byte{{1}, {2}, {3}}
	for _, id := range ids {
		c.Put(id, func(*vm.State, *vm.CallInfo) int { return -1 }, &ExecMem{})
	}
	if c.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", c.Len())
	}
	if stats.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", stats.Evictions)
	}
	if c.Get(ids[0]) != nil {
		t.Fatal("evicted entry still resident")
	}
	if e := c.Get(ids[2]); e == nil || e.accessCount != 1 {
		t.Fatal("lookup must bump the access count")
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Fatalf("hit/miss = %d/%d", stats.CacheHits, stats.CacheMisses)
	}

	// Idle sweep retires stale entries.
	for _, key := range c.entries.Keys() {
		v, _ := c.entries.Peek(key)
		v.(*cacheEntry).lastAccess = time.Now().Add(-time.Hour)
	}
	if n := c.SweepIdle(time.Minute); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Fatal("sweep left entries behind")
	}
}

func testLogger() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}
