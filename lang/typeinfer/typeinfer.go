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

// Package typeinfer runs a forward dataflow analysis over a prototype's
// bytecode, producing per-register type information with a confidence
// score. The aggregate stability score gates JIT compilation.
package typeinfer

import (
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/aql-lang/go-aql/lang/perf"
	"github.com/aql-lang/go-aql/lang/vm"
)

// ---- Types -----------------------------------------------------------------

// Type is the analyzer's type lattice, wider than the runtime tags: it has
// an explicit Any for dynamic joins and Unknown for inference failure.
type Type uint8

const (
	TypeNil Type = iota
	TypeBoolean
	TypeInteger
	TypeFloat
	TypeString
	TypeFunction
	TypeUserData
	TypeAny

	TypeArray Type = iota // = 8, first container type
	TypeSlice
	TypeDict
	TypeVector
	TypeRange

	TypeUnknown Type = 31
)

var typeNames = map[Type]string{
	TypeNil: "nil", TypeBoolean: "boolean", TypeInteger: "integer",
	TypeFloat: "float", TypeString: "string", TypeFunction: "function",
	TypeUserData: "userdata", TypeAny: "any", TypeArray: "array",
	TypeSlice: "slice", TypeDict: "dict", TypeVector: "vector",
	TypeRange: "range", TypeUnknown: "unknown",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "invalid"
}

func (t Type) isNumeric() bool { return t == TypeInteger || t == TypeFloat }

// InferState is the lifecycle of one TypeInfo slot.
type InferState uint8

const (
	StateUnknown InferState = iota
	StatePending
	StateComputed
	StateInvalid
)

// FallbackLevel grades how an inference failure degrades.
type FallbackLevel uint8

const (
	FallbackNone FallbackLevel = iota
	FallbackToKnown
	FallbackToAny
	FallbackToRuntime
	FallbackToError

	numFallbackLevels
)

// TypeInfo is the per-register analysis record.
type TypeInfo struct {
	Inferred      Type
	Actual        Type
	Confidence    float64 // 0..100
	UsageCount    uint32
	MutationCount uint32
	State         InferState
	Flags         uint32
}

// Fallback reports a degraded analysis.
type Fallback struct {
	Level  FallbackLevel
	Reason string
}

// Result is the outcome of analyzing one prototype.
type Result struct {
	Regs      []*TypeInfo
	Stability float64 // mean confidence of computed registers, 0..100
	Fallback  *Fallback
}

// ---- Context ---------------------------------------------------------------

const (
	batchSize        = 32
	minConfidence    = 20.0
	defaultMaxDepth  = 16
	confCall         = 30.0
	confUpvalue      = 40.0
	confPropRead     = 50.0
	confExact        = 100.0
)

type pendingUpdate struct {
	reg int
	ti  *TypeInfo
}

// Context owns the arena, the result cache, and the failure counters for
// one VM.
type Context struct {
	pool     infoPool
	results  map[*vm.Proto]*Result
	visiting mapset.Set
	maxDepth int

	batch []pendingUpdate

	FallbackCounts [numFallbackLevels]uint64
	Recomputations uint64

	mon *perf.Monitor
}

// NewContext creates an analysis context; mon may be nil.
func NewContext(mon *perf.Monitor) *Context {
	return &Context{
		results:  make(map[*vm.Proto]*Result),
		visiting: mapset.NewThreadUnsafeSet(),
		maxDepth: defaultMaxDepth,
		batch:    make([]pendingUpdate, 0, batchSize),
		mon:      mon,
	}
}

// Infer analyzes a prototype (cached per context).
func (ctx *Context) Infer(p *vm.Proto) *Result {
	if r, ok := ctx.results[p]; ok {
		return r
	}
	start := time.Now()
	r := ctx.inferDepth(p, 0)
	ctx.results[p] = r
	if ctx.mon != nil {
		ctx.mon.TypeInferenceNs += uint64(time.Since(start).Nanoseconds())
		ctx.mon.TypeStability = uint8(r.Stability)
	}
	return r
}

// Stability returns the stability score for p, running the analysis on
// first use.
func (ctx *Context) Stability(p *vm.Proto) float64 {
	return ctx.Infer(p).Stability
}

// Release returns a result's slots to the arena and forgets the cache
// entry.
func (ctx *Context) Release(p *vm.Proto) {
	if r, ok := ctx.results[p]; ok {
		ctx.pool.putAll(r.Regs)
		delete(ctx.results, p)
	}
}

func (ctx *Context) fallback(level FallbackLevel, reason string) *Fallback {
	ctx.FallbackCounts[level]++
	return &Fallback{Level: level, Reason: reason}
}

// ---- Analysis --------------------------------------------------------------

func (ctx *Context) inferDepth(p *vm.Proto, depth int) *Result {
	if depth > ctx.maxDepth {
		return &Result{Stability: 0, Fallback: ctx.fallback(FallbackToRuntime, "recursion depth exceeded")}
	}
	if ctx.visiting.Contains(p) {
		return &Result{Stability: 0, Fallback: ctx.fallback(FallbackToKnown, "recursive prototype")}
	}
	ctx.visiting.Add(p)
	defer ctx.visiting.Remove(p)

	nregs := int(p.MaxStackSize)
	regs := make([]*TypeInfo, nregs)
	for i := range regs {
		regs[i] = ctx.pool.get()
	}
	// Parameters arrive with unknown runtime types.
	for i := 0; i < int(p.NumParams) && i < nregs; i++ {
		ctx.record(regs, i, TypeAny, confCall)
	}

	var fb *Fallback
	for pc := 0; pc < len(p.Code); pc++ {
		ins := p.Code[pc]
		if int(ins.Op()) >= vm.NumOpcodes {
			fb = ctx.fallback(FallbackToAny, "unknown opcode")
			break
		}
		pcAdvance := ctx.step(p, regs, ins, pc, depth)
		pc += pcAdvance
	}
	ctx.flush()

	// Nested prototypes are analyzed alongside their parent.
	for _, sub := range p.Protos {
		if _, ok := ctx.results[sub]; !ok {
			ctx.results[sub] = ctx.inferDepth(sub, depth+1)
		}
	}

	return &Result{Regs: regs, Stability: stability(regs), Fallback: fb}
}

// step applies the transfer rule of one instruction; the return value is
// the number of extra instruction words consumed.
func (ctx *Context) step(p *vm.Proto, regs []*TypeInfo, ins vm.Instruction, pc, depth int) int {
	a, b, c := ins.A(), ins.B(), ins.C()
	switch op := ins.Op(); op {
	case vm.OpMove:
		src := ctx.reg(regs, b)
		ctx.record(regs, a, src.Inferred, src.Confidence)
	case vm.OpLoadI:
		ctx.record(regs, a, TypeInteger, confExact)
	case vm.OpLoadF:
		ctx.record(regs, a, TypeFloat, confExact)
	case vm.OpLoadK:
		ctx.record(regs, a, constType(p, ins.Bx()), confExact)
	case vm.OpLoadKX:
		if pc+1 < len(p.Code) {
			ctx.record(regs, a, constType(p, p.Code[pc+1].Ax()), confExact)
			return 1
		}
	case vm.OpLoadFalse, vm.OpLoadTrue:
		ctx.record(regs, a, TypeBoolean, confExact)
	case vm.OpLoadNil:
		for n := 0; n <= b && a+n < len(regs); n++ {
			ctx.record(regs, a+n, TypeNil, confExact)
		}

	case vm.OpGetUpval, vm.OpGetTabUp:
		ctx.record(regs, a, TypeAny, confUpvalue)
	case vm.OpSetUpval, vm.OpSetTabUp:
		// no register result

	case vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpIDiv, vm.OpMod:
		tb, tc := ctx.reg(regs, b), ctx.reg(regs, c)
		ctx.record(regs, a, arithResult(tb.Inferred, tc.Inferred),
			minConf(tb.Confidence, tc.Confidence))
	case vm.OpDiv, vm.OpPow:
		tb, tc := ctx.reg(regs, b), ctx.reg(regs, c)
		ctx.record(regs, a, TypeFloat, minConf(tb.Confidence, tc.Confidence))
	case vm.OpAddK, vm.OpSubK, vm.OpMulK, vm.OpIDivK, vm.OpModK:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, arithResult(tb.Inferred, constType(p, c)), tb.Confidence)
	case vm.OpDivK, vm.OpPowK:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, TypeFloat, tb.Confidence)
	case vm.OpAddI, vm.OpSubI, vm.OpMulI:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, arithResult(tb.Inferred, TypeInteger), tb.Confidence)
	case vm.OpDivI:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, TypeFloat, tb.Confidence)
	case vm.OpUnm:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, tb.Inferred, tb.Confidence)

	case vm.OpBAnd, vm.OpBOr, vm.OpBXor, vm.OpShl, vm.OpShr:
		tb, tc := ctx.reg(regs, b), ctx.reg(regs, c)
		ctx.record(regs, a, TypeInteger, minConf(tb.Confidence, tc.Confidence))
	case vm.OpShrI, vm.OpBNot:
		tb := ctx.reg(regs, b)
		ctx.record(regs, a, TypeInteger, tb.Confidence)

	case vm.OpNot, vm.OpTestSet:
		ctx.record(regs, a, TypeBoolean, confExact)

	case vm.OpConcat:
		ctx.record(regs, a, TypeString, confExact)
	case vm.OpLen:
		ctx.record(regs, a, TypeInteger, confExact)

	case vm.OpNewObject:
		ctx.record(regs, a, containerType(vm.ContainerKind(b&0x7)), confExact)
	case vm.OpGetProp:
		ctx.record(regs, a, TypeAny, confPropRead)

	case vm.OpClosure:
		ctx.record(regs, a, TypeFunction, confExact)

	case vm.OpCall, vm.OpBuiltin, vm.OpInvoke, vm.OpResume:
		// Results are opaque to the forward pass.
		ctx.record(regs, a, TypeAny, confCall)
	case vm.OpVararg:
		n := c - 1
		if n < 0 {
			n = 1
		}
		for j := 0; j < n && a+j < len(regs); j++ {
			ctx.record(regs, a+j, TypeAny, confCall)
		}

	case vm.OpForPrep, vm.OpForLoop:
		for j := 0; j < 4 && a+j < len(regs); j++ {
			ti := ctx.reg(regs, a + j)
			t := ti.Inferred
			if !t.isNumeric() {
				t = TypeFloat
			}
			ctx.record(regs, a+j, t, maxConf(ti.Confidence, confPropRead))
		}
	}
	return 0
}

func (ctx *Context) reg(regs []*TypeInfo, i int) *TypeInfo {
	if i < 0 || i >= len(regs) {
		return &TypeInfo{Inferred: TypeUnknown}
	}
	ti := regs[i]
	ti.UsageCount++
	return ti
}

// record stages a register update through the batch buffer.
func (ctx *Context) record(regs []*TypeInfo, i int, t Type, conf float64) {
	if i < 0 || i >= len(regs) {
		return
	}
	ti := regs[i]
	if ti.State == StateComputed && ti.Inferred != t {
		ti.MutationCount++
		// Conflicting join without a promotion path degrades to Any.
		if !(ti.Inferred.isNumeric() && t.isNumeric()) {
			t = TypeAny
			conf = minConf(conf, confCall)
		} else if ti.Inferred == TypeFloat || t == TypeFloat {
			t = TypeFloat
		}
	}
	if t == TypeAny || t == TypeUnknown {
		conf = minConf(conf, confCall)
	}
	ti.Inferred = t
	ti.Confidence = clampConf(conf)
	ti.State = StateComputed
	ctx.batch = append(ctx.batch, pendingUpdate{reg: i, ti: ti})
	if len(ctx.batch) >= batchSize {
		ctx.flush()
	}
}

// flush validates the staged updates: entries that fell below the
// confidence floor are marked for recomputation.
func (ctx *Context) flush() {
	for _, u := range ctx.batch {
		if u.ti.Confidence < minConfidence {
			u.ti.State = StatePending
			ctx.Recomputations++
		}
	}
	ctx.batch = ctx.batch[:0]
}

// ---- Rules -----------------------------------------------------------------

// arithResult is the arithmetic transfer rule: int when both are int,
// float when both are numeric and one is float, vector when either side
// is a vector, Any otherwise.
func arithResult(a, b Type) Type {
	if a == TypeInteger && b == TypeInteger {
		return TypeInteger
	}
	if a.isNumeric() && b.isNumeric() {
		return TypeFloat
	}
	if a == TypeVector || b == TypeVector {
		return TypeVector
	}
	return TypeAny
}

func constType(p *vm.Proto, idx int) Type {
	if idx < 0 || idx >= len(p.K) {
		return TypeUnknown
	}
	switch k := &p.K[idx]; k.Type() {
	case vm.TNil:
		return TypeNil
	case vm.TBoolean:
		return TypeBoolean
	case vm.TNumber:
		if _, isInt := kindOfNumber(k); isInt {
			return TypeInteger
		}
		return TypeFloat
	case vm.TString:
		return TypeString
	case vm.TFunction:
		return TypeFunction
	default:
		return TypeAny
	}
}

// kindOfNumber reports whether a numeric constant is an integer.
func kindOfNumber(k *vm.TValue) (float64, bool) {
	if i, ok := k.AsInteger(); ok {
		return float64(i), true
	}
	f, _ := k.AsNumber()
	return f, false
}

func containerType(kind vm.ContainerKind) Type {
	switch kind {
	case vm.KindArray:
		return TypeArray
	case vm.KindSlice:
		return TypeSlice
	case vm.KindDict:
		return TypeDict
	case vm.KindVector:
		return TypeVector
	case vm.KindRange:
		return TypeRange
	}
	return TypeAny
}

// stability is the mean confidence of the computed registers.
func stability(regs []*TypeInfo) float64 {
	sum, n := 0.0, 0
	for _, ti := range regs {
		if ti.State == StateComputed {
			sum += ti.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func minConf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxConf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampConf(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
