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
	"testing"
)

// ---- Bytecode builder helpers ----------------------------------------------

func abc(op OpCode, a, b, c int) Instruction  { return MakeABC(op, a, b, c, false) }
func abck(op OpCode, a, b, c int) Instruction { return MakeABC(op, a, b, c, true) }
func asbx(op OpCode, a, sbx int) Instruction  { return MakeAsBx(op, a, sbx) }

func newTestState() *State { return NewState(nil, nil) }

// buildProto wires a prototype by hand, the way the external compiler
// would deliver it.
func buildProto(l *State, maxStack, nparams int, code []Instruction, consts ...TValue) *Proto {
	p := l.NewProto()
	p.Code = code
	p.K = consts
	p.MaxStackSize = uint8(maxStack)
	p.NumParams = uint8(nparams)
	p.Source = "test"
	return p
}

// runProto calls a prototype under protection and returns all results,
// failing the test on error.
func runProto(t *testing.T, l *State, p *Proto, args ...TValue) []TValue {
	t.Helper()
	results, status := runProtoStatus(l, p, args...)
	if status != StatusOK {
		t.Fatalf("execution failed: %s (%s)", describeValue(&results[0]), status)
	}
	return results
}

func runProtoStatus(l *State, p *Proto, args ...TValue) ([]TValue, Status) {
	base := l.GetTop()
	cl := l.NewClosure(p)
	for i := range p.Upvals {
		cl.BindEnv(l, i, l.Globals())
	}
	l.PushClosureValue(cl)
	for _, a := range args {
		l.push(a)
	}
	status := l.PCall(len(args), -1, 0)
	n := l.GetTop() - base
	out := make([]TValue, n)
	for i := 0; i < n; i++ {
		out[i] = *l.ValueAt(base + i + 1)
	}
	l.Pop(n)
	return out, status
}

// ---- Instruction encoding --------------------------------------------------

func TestInstructionEncoding(t *testing.T) {
	ins := MakeABC(OpAdd, 3, 250, 7, true)
	if ins.Op() != OpAdd || ins.A() != 3 || ins.B() != 250 || ins.C() != 7 || !ins.K() {
		t.Fatalf("iABC round-trip failed: %v %d %d %d %v", ins.Op(), ins.A(), ins.B(), ins.C(), ins.K())
	}
	for _, sbx := range []int{0, 1, -1, 1000, -1000, sBxBias - 1, -sBxBias} {
		j := MakeAsBx(OpJmp, 0, sbx)
		if j.SBx() != sbx {
			t.Fatalf("sBx %d round-tripped to %d", sbx, j.SBx())
		}
	}
	ax := MakeAx(OpExtraArg, 123456)
	if ax.Ax() != 123456 {
		t.Fatalf("Ax round-trip failed: %d", ax.Ax())
	}
}

// ---- Arithmetic ------------------------------------------------------------

// Integer operands through DIV produce a float; IDIV stays integral.
func TestArithmeticMix(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 7),
		asbx(OpLoadI, 1, 3),
		abc(OpDiv, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	})
	res := runProto(t, l, p)
	if len(res) != 1 {
		t.Fatalf("want 1 result, got %d", len(res))
	}
	f, ok := res[0].AsNumber()
	if !ok || !res[0].isFloat() {
		t.Fatalf("DIV of two ints must produce a float, got %s", TypeName(res[0].baseType()))
	}
	if math.Abs(f-7.0/3.0) > 1e-15 {
		t.Fatalf("7/3 = %v", f)
	}

	p2 := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 7),
		asbx(OpLoadI, 1, 3),
		abc(OpIDiv, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	})
	res2 := runProto(t, l, p2)
	if n, _ := res2[0].AsInteger(); n != 2 {
		t.Fatalf("7 // 3 = %v, want 2", res2[0])
	}
}

func TestIntegerWrapAround(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 4, 0, []Instruction{
		MakeABx(OpLoadK, 0, 0),
		asbx(OpLoadI, 1, 1),
		abc(OpAdd, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	}, MakeInteger(math.MaxInt64))
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != math.MinInt64 {
		t.Fatalf("max int + 1 must wrap to min int, got %d", n)
	}
}

func TestDivModByZero(t *testing.T) {
	l := newTestState()
	defer l.Close()

	for _, op := range []OpCode{OpIDiv, OpMod} {
		p := buildProto(l, 4, 0, []Instruction{
			asbx(OpLoadI, 0, 1),
			asbx(OpLoadI, 1, 0),
			abc(op, 2, 0, 1),
			abc(OpRetOne, 2, 0, 0),
		})
		if _, status := runProtoStatus(l, p); status != StatusErrRun {
			t.Fatalf("%s by zero must raise, got %s", op, status)
		}
	}

	// Float division by zero follows IEEE.
	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadF, 0, 1),
		asbx(OpLoadF, 1, 0),
		abc(OpDiv, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	})
	res := runProto(t, l, p)
	if f, _ := res[0].AsNumber(); !math.IsInf(f, 1) {
		t.Fatalf("1.0/0.0 = %v, want +inf", f)
	}
}

func TestShiftSemantics(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// Shift amounts at or past the word width yield zero.
	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 1),
		asbx(OpLoadI, 1, 64),
		abc(OpShl, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	})
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 0 {
		t.Fatalf("1 << 64 = %d, want 0", n)
	}

	p2 := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, -8),
		abc(OpShrI, 1, 0, 128+1), // immediate +1
		abc(OpRetOne, 1, 0, 0),
	})
	res2 := runProto(t, l, p2)
	neg8 := int64(-8)
	if n, _ := res2[0].AsInteger(); n != int64(uint64(neg8)>>1) {
		t.Fatalf("logical shift of -8 by 1 = %d", n)
	}
}

// ---- Precise number comparison ---------------------------------------------

func TestPreciseIntFloatComparison(t *testing.T) {
	cases := []struct {
		i    int64
		f    float64
		lt   bool
		le   bool
	}{
		{3, 3.0, false, true},
		{3, 3.5, true, true},
		{4, 3.5, false, false},
		{math.MaxInt64, 9.3e18, true, true},
		{math.MaxInt64, math.MaxInt64, true, true}, // 2^63 float is above max int
		{math.MinInt64, -9.3e18, false, false},
		{0, math.NaN(), false, false},
	}
	for _, c := range cases {
		if got := ltIntFloat(c.i, c.f); got != c.lt {
			t.Errorf("ltIntFloat(%d, %v) = %v, want %v", c.i, c.f, got, c.lt)
		}
		if got := leIntFloat(c.i, c.f); got != c.le {
			t.Errorf("leIntFloat(%d, %v) = %v, want %v", c.i, c.f, got, c.le)
		}
	}
	// float(2^63) compares above MaxInt64 exactly.
	if !ltIntFloat(math.MaxInt64, twoP63) {
		t.Error("max int must be below 2^63 as float")
	}
	if ltFloatInt(twoP63, math.MaxInt64) {
		t.Error("2^63 as float must not be below max int")
	}
	var a, b TValue
	a.setFloat(math.NaN())
	b.setFloat(math.NaN())
	if numEqual(&a, &b) {
		t.Error("NaN must not equal itself")
	}
}

// ---- Control flow ----------------------------------------------------------

func TestNumericForLoop(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// sum = 0; for i = 1, 10, 1 { sum += i }; return sum
	p := buildProto(l, 8, 0, []Instruction{
		asbx(OpLoadI, 0, 0),  // sum
		asbx(OpLoadI, 1, 1),  // init
		asbx(OpLoadI, 2, 10), // limit
		asbx(OpLoadI, 3, 1),  // step
		asbx(OpForPrep, 1, 1),
		abc(OpAdd, 0, 0, 4), // body: sum += i (control var in R4)
		asbx(OpForLoop, 1, -2),
		abc(OpRetOne, 0, 0, 0),
	})
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 55 {
		t.Fatalf("sum 1..10 = %d, want 55", n)
	}
}

func TestComparisonSkips(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// if 1 < 2 then return 100 else return 200
	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 1),
		asbx(OpLoadI, 1, 2),
		abc(OpLt, 1, 0, 1),   // (R0 < R1) == true -> fall through
		asbx(OpJmp, 0, 2),    // jump to the "then" branch
		asbx(OpLoadI, 2, 200),
		abc(OpRetOne, 2, 0, 0),
		asbx(OpLoadI, 2, 100),
		abc(OpRetOne, 2, 0, 0),
	})
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 100 {
		t.Fatalf("branch took wrong arm: %d", n)
	}
}

// ---- Strings ---------------------------------------------------------------

func TestStringConcat(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 8, 0, []Instruction{
		MakeABx(OpLoadK, 0, 0),
		MakeABx(OpLoadK, 1, 1),
		MakeABx(OpLoadK, 2, 2),
		abc(OpConcat, 3, 0, 2),
		abc(OpRetOne, 3, 0, 0),
	},
		l.MakeStringValue("Hello"),
		l.MakeStringValue(" "),
		l.MakeStringValue("World"),
	)
	res := runProto(t, l, p)
	s, ok := res[0].AsString()
	if !ok || s != "Hello World" {
		t.Fatalf("concat = %q", s)
	}
	if n := res[0].strVal().Len(); n != 11 {
		t.Fatalf("concat length = %d, want 11", n)
	}
}

func TestConcatCoercesNumbers(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 8, 0, []Instruction{
		MakeABx(OpLoadK, 0, 0),
		asbx(OpLoadI, 1, 42),
		abc(OpConcat, 2, 0, 1),
		abc(OpRetOne, 2, 0, 0),
	}, l.MakeStringValue("n="))
	res := runProto(t, l, p)
	if s, _ := res[0].AsString(); s != "n=42" {
		t.Fatalf("concat = %q", s)
	}
}

// ---- Closures and upvalues -------------------------------------------------

// Outer creates x=10 and returns a closure that increments and returns x.
func TestClosureUpvalueCounter(t *testing.T) {
	l := newTestState()
	defer l.Close()

	inner := l.NewProto()
	inner.Source = "test:inner"
	inner.MaxStackSize = 4
	inner.Upvals = []UpvalDesc{{Name: "x", InStack: true, Index: 0}}
	inner.Code = []Instruction{
		abc(OpGetUpval, 0, 0, 0),
		abc(OpAddI, 0, 0, 128+1),
		abc(OpSetUpval, 0, 0, 0),
		abc(OpRetOne, 0, 0, 0),
	}

	outer := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 10),      // x = 10
		MakeABx(OpClosure, 1, 0),  // f = closure(inner), captures R0
		abc(OpRetOne, 1, 0, 0),    // return f (closes x)
	})
	outer.Protos = []*Proto{inner}

	res := runProto(t, l, outer)
	if !res[0].isFunction() {
		t.Fatalf("outer must return a closure, got %s", TypeName(res[0].baseType()))
	}
	cl := res[0].closureVal()

	for want := int64(11); want <= 13; want++ {
		var fv TValue
		fv.setClosure(cl)
		base := l.top
		l.push(fv)
		if status := l.PCall(0, 1, 0); status != StatusOK {
			t.Fatalf("closure call failed: %s", status)
		}
		got, _ := l.stack[base].AsInteger()
		l.Pop(1)
		if got != want {
			t.Fatalf("closure call returned %d, want %d", got, want)
		}
	}

	// After outer returned, the upvalue is closed but still reachable.
	uv := cl.Upvals[0]
	if uv.isOpen() {
		t.Fatal("upvalue must be closed after the frame unwound")
	}
	if n, _ := uv.get().AsInteger(); n != 13 {
		t.Fatalf("closed upvalue holds %d, want 13", n)
	}
}

func TestCloseUpvaluesOnLevel(t *testing.T) {
	l := newTestState()
	defer l.Close()
	l.CheckStack(10)
	l.top = 5

	uv3 := l.findUpvalue(3)
	uv1 := l.findUpvalue(1)
	if l.openupval != uv3 || uv3.next != uv1 {
		t.Fatal("open-upvalue list must be sorted by stack depth descending")
	}
	l.stack[3].setInt(33)
	l.closeUpvalues(2)
	if uv3.isOpen() {
		t.Fatal("upvalue at level 3 must be closed by close(2)")
	}
	if !uv1.isOpen() {
		t.Fatal("upvalue at level 1 must stay open")
	}
	for uv := l.openupval; uv != nil; uv = uv.next {
		if uv.idx >= 2 {
			t.Fatal("open upvalue above the closed level survived")
		}
	}
	if n, _ := uv3.get().AsInteger(); n != 33 {
		t.Fatalf("closed upvalue lost its value: %d", n)
	}
}

// ---- Calls -----------------------------------------------------------------

func TestScriptCallAndVarargs(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// Callee: vararg, returns its first vararg.
	callee := l.NewProto()
	callee.Source = "test:callee"
	callee.MaxStackSize = 4
	callee.IsVararg = true
	callee.Code = []Instruction{
		abc(OpVararg, 0, 0, 2), // one vararg into R0
		abc(OpRetOne, 0, 0, 0),
	}

	caller := buildProto(l, 8, 0, []Instruction{
		MakeABx(OpClosure, 0, 0),
		asbx(OpLoadI, 1, 77),
		abc(OpCall, 0, 2, 2), // one arg, one result
		abc(OpRetOne, 0, 0, 0),
	})
	caller.Protos = []*Proto{callee}

	res := runProto(t, l, caller)
	if n, _ := res[0].AsInteger(); n != 77 {
		t.Fatalf("vararg round-trip = %d, want 77", n)
	}
}

func TestNativeCallFromBytecode(t *testing.T) {
	l := newTestState()
	defer l.Close()

	l.Register("double", func(l *State) int {
		n, _ := l.ToIntegerX(1)
		l.PushInteger(2 * n)
		return 1
	})

	main := buildProto(l, 8, 0, []Instruction{
		abck(OpGetTabUp, 0, 0, 0), // R0 = _ENV["double"]
		asbx(OpLoadI, 1, 21),
		abc(OpCall, 0, 2, 2),
		abc(OpRetOne, 0, 0, 0),
	}, l.MakeStringValue("double"))
	main.Upvals = []UpvalDesc{{Name: "_ENV", InStack: true, Index: 0}}

	res := runProto(t, l, main)
	if n, _ := res[0].AsInteger(); n != 42 {
		t.Fatalf("native call = %d, want 42", n)
	}
}

func TestTailCallReusesFrame(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// Callee returns its argument + 1.
	callee := l.NewProto()
	callee.Source = "test:callee"
	callee.MaxStackSize = 4
	callee.NumParams = 1
	callee.Code = []Instruction{
		abc(OpAddI, 0, 0, 128+1),
		abc(OpRetOne, 0, 0, 0),
	}

	caller := buildProto(l, 8, 0, []Instruction{
		MakeABx(OpClosure, 0, 0),
		asbx(OpLoadI, 1, 41),
		abc(OpTailCall, 0, 2, 0),
	})
	caller.Protos = []*Proto{callee}

	res := runProto(t, l, caller)
	if n, _ := res[0].AsInteger(); n != 42 {
		t.Fatalf("tail call = %d, want 42", n)
	}
}

// ---- Builtins and containers in bytecode -----------------------------------

func TestBuiltinDispatch(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 8, 0, []Instruction{
		asbx(OpLoadI, 1, -5),
		abc(OpBuiltin, 0, BuiltinAbs, 1),
		abc(OpRetOne, 0, 0, 0),
	})
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 5 {
		t.Fatalf("abs(-5) = %d", n)
	}
}

func TestLenDispatch(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 4, 0, []Instruction{
		MakeABx(OpLoadK, 0, 0),
		abc(OpLen, 1, 0, 0),
		abc(OpRetOne, 1, 0, 0),
	}, l.MakeStringValue("hello"))
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 5 {
		t.Fatalf("len = %d", n)
	}
}

func TestNewObjectAndProps(t *testing.T) {
	l := newTestState()
	defer l.Close()

	kindDtype := int(KindSlice) | int(DtAny)<<3
	p := buildProto(l, 8, 0, []Instruction{
		abc(OpNewObject, 0, kindDtype, 4),
		asbx(OpLoadI, 1, 0),   // key
		asbx(OpLoadI, 2, 99),  // value
		abc(OpSetProp, 0, 1, 2),
		abc(OpGetProp, 3, 0, 1),
		abc(OpRetOne, 3, 0, 0),
	})
	res := runProto(t, l, p)
	if n, _ := res[0].AsInteger(); n != 99 {
		t.Fatalf("slice round-trip through SETPROP/GETPROP = %d", n)
	}
}

// ---- Error handling --------------------------------------------------------

func TestRuntimeErrorUnwindsToPCall(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 1),
		abc(OpGetProp, 1, 0, 0), // indexing an integer raises
		abc(OpRetOne, 1, 0, 0),
	})
	results, status := runProtoStatus(l, p)
	if status != StatusErrRun {
		t.Fatalf("want runtime error, got %s", status)
	}
	if len(results) != 1 || !results[0].isString() {
		t.Fatal("error value must be a message string")
	}
	if l.GetTop() != 0 {
		t.Fatalf("stack not restored after pcall: top=%d", l.GetTop())
	}
}

func TestErrorHandlerRuns(t *testing.T) {
	l := newTestState()
	defer l.Close()

	l.PushNativeFunction(func(l *State) int {
		msg, _, _ := l.ToStringX(1)
		l.PushString("handled: " + msg)
		return 1
	})
	handlerIdx := l.GetTop()

	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 1),
		abc(OpGetProp, 1, 0, 0),
		abc(OpRetOne, 1, 0, 0),
	})
	cl := l.NewClosure(p)
	l.PushClosureValue(cl)
	status := l.PCall(0, -1, handlerIdx)
	if status != StatusErrRun {
		t.Fatalf("want ERRRUN, got %s", status)
	}
	msg, _, _ := l.ToStringX(-1)
	if len(msg) < 8 || msg[:8] != "handled:" {
		t.Fatalf("handler did not filter the message: %q", msg)
	}
}
