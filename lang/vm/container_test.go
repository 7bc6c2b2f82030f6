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
	"testing"
	"unsafe"
)

func TestArrayBounds(t *testing.T) {
	l := newTestState()
	defer l.Close()

	a := l.NewArray(DtAny, 4)
	if a.Len() != 4 || a.Cap() != 4 {
		t.Fatalf("array len/cap = %d/%d", a.Len(), a.Cap())
	}
	l.ArraySet(a, 2, MakeInteger(7))
	if v := l.ArrayGet(a, 2); mustInt(t, v) != 7 {
		t.Fatal("array round-trip failed")
	}
	// Out-of-bounds read is nil; write raises.
	if v := l.ArrayGet(a, 99); !v.isNil() {
		t.Fatal("oob array read must be nil")
	}
	status, _ := l.protect(func() { l.ArraySet(a, 99, MakeInteger(1)) })
	if status != StatusErrRun {
		t.Fatal("oob array write must raise")
	}
}

func TestSliceGrowth(t *testing.T) {
	l := newTestState()
	defer l.Close()

	s := l.NewSlice(DtAny, 0)
	for i := int64(0); i < 100; i++ {
		v := MakeInteger(i)
		l.slicePush(s, &v)
		if s.Len() > s.Cap() {
			t.Fatalf("length %d exceeds capacity %d", s.Len(), s.Cap())
		}
	}
	if s.Len() != 100 {
		t.Fatalf("length = %d", s.Len())
	}
	for i := int64(0); i < 100; i++ {
		var out TValue
		s.sliceGet(i, &out)
		if mustInt(t, out) != i {
			t.Fatalf("slice[%d] = %v", i, out)
		}
	}
	// Pop clears the vacated slot.
	var out TValue
	l.slicePop(s, &out)
	if mustInt(t, out) != 99 || s.Len() != 99 {
		t.Fatal("pop returned wrong value")
	}
	if !s.data[:100][99].isNil() {
		t.Fatal("pop must clear the vacated slot")
	}

	// Auto-grow on write past the end fills the gap with nil.
	v := MakeInteger(500)
	l.sliceSet(s, 120, &v)
	if s.Len() != 121 {
		t.Fatalf("auto-grow length = %d", s.Len())
	}
	s.sliceGet(110, &out)
	if !out.isNil() {
		t.Fatal("gap slots must be nil")
	}

	l.sliceResize(s, 10)
	if s.Len() != 10 {
		t.Fatal("shrink must adjust length")
	}
	l.sliceShrinkToFit(s)
	if s.Cap() != 10 {
		t.Fatalf("shrink-to-fit capacity = %d", s.Cap())
	}
}

func TestSliceViewSharesStorage(t *testing.T) {
	l := newTestState()
	defer l.Close()

	src := l.NewSlice(DtAny, 0)
	for i := int64(0); i < 8; i++ {
		v := MakeInteger(i * 10)
		l.slicePush(src, &v)
	}
	view := l.NewSliceView(src, 2, 6)
	if !view.isView() || view.Len() != 4 {
		t.Fatalf("view len = %d", view.Len())
	}
	var out TValue
	view.sliceGet(0, &out)
	if mustInt(t, out) != 20 {
		t.Fatalf("view[0] = %v", out)
	}
	// Mutating through the view reflects in the source.
	v := MakeInteger(999)
	l.sliceSet(view, 1, &v)
	src.sliceGet(3, &out)
	if mustInt(t, out) != 999 {
		t.Fatal("view write must be visible in the source")
	}
	// Views never own data: dropping the view leaves the source intact.
	view.src = nil
	src.sliceGet(2, &out)
	if mustInt(t, out) != 20 {
		t.Fatal("source storage damaged")
	}
}

func TestVectorAlignmentAndOps(t *testing.T) {
	l := newTestState()
	defer l.Close()

	v := l.NewVector(DtFloat64, 5)
	if addr := uintptr(unsafe.Pointer(&v.raw[0])); addr%vectorAlign != 0 {
		t.Fatalf("vector storage not %d-byte aligned", vectorAlign)
	}
	for i := int64(0); i < 5; i++ {
		val := MakeNumber(float64(i) + 0.5)
		l.vectorSet(v, i, &val)
	}
	var out TValue
	l.VectorSum(v, &out)
	if f, _ := out.AsNumber(); f != 0.5+1.5+2.5+3.5+4.5 {
		t.Fatalf("sum = %v", f)
	}
	l.VectorMin(v, &out)
	if f, _ := out.AsNumber(); f != 0.5 {
		t.Fatalf("min = %v", f)
	}
	l.VectorMax(v, &out)
	if f, _ := out.AsNumber(); f != 4.5 {
		t.Fatalf("max = %v", f)
	}
	l.VectorDot(v, v, &out)
	want := 0.0
	for i := 0; i < 5; i++ {
		f := float64(i) + 0.5
		want += f * f
	}
	if f, _ := out.AsNumber(); f != want {
		t.Fatalf("dot = %v, want %v", f, want)
	}

	// Element-wise arithmetic produces a new vector.
	var a, res TValue
	a.setContainer(v)
	l.vmArith(ArithAdd, &a, &a, &res)
	if !res.isVector() {
		t.Fatal("vector + vector must be a vector")
	}
	sum := res.containerVal()
	l.vectorGet(sum, 2, &out)
	if f, _ := out.AsNumber(); f != 5.0 {
		t.Fatalf("(v+v)[2] = %v", f)
	}

	// Mixed dtypes are rejected.
	w := l.NewVector(DtInt32, 5)
	var b TValue
	b.setContainer(w)
	status, _ := l.protect(func() {
		var r TValue
		l.vmArith(ArithAdd, &a, &b, &r)
	})
	if status != StatusErrRun {
		t.Fatal("mixed-dtype vector arithmetic must raise")
	}

	// Out-of-bounds vector write raises; read is nil.
	status, _ = l.protect(func() {
		val := MakeInteger(1)
		l.vectorSet(w, 99, &val)
	})
	if status != StatusErrRun {
		t.Fatal("oob vector write must raise")
	}
}

func TestVectorIntEquality(t *testing.T) {
	l := newTestState()
	defer l.Close()

	a := l.NewVector(DtInt64, 3)
	b := l.NewVector(DtInt64, 3)
	for i := int64(0); i < 3; i++ {
		val := MakeInteger(i * 7)
		l.vectorSet(a, i, &val)
		l.vectorSet(b, i, &val)
	}
	if !vectorsEqual(a, b) {
		t.Fatal("equal int vectors must compare equal")
	}
	val := MakeInteger(42)
	l.vectorSet(b, 1, &val)
	if vectorsEqual(a, b) {
		t.Fatal("different int vectors must differ")
	}
}

func TestRangeSemantics(t *testing.T) {
	l := newTestState()
	defer l.Close()

	r := l.NewRange(0, 10, 3) // 0 3 6 9
	if r.Len() != 4 {
		t.Fatalf("range length = %d, want 4", r.Len())
	}
	var out TValue
	r.rangeGet(3, &out)
	if mustInt(t, out) != 9 {
		t.Fatalf("range[3] = %v", out)
	}
	r.rangeGet(4, &out)
	if !out.isNil() {
		t.Fatal("oob range read must be nil")
	}
	down := l.NewRange(10, 0, -2) // 10 8 6 4 2
	if down.Len() != 5 {
		t.Fatalf("descending range length = %d, want 5", down.Len())
	}
	status, _ := l.protect(func() { l.NewRange(0, 1, 0) })
	if status != StatusErrRun {
		t.Fatal("zero step must raise")
	}
}

func TestContainerEqualityDeep(t *testing.T) {
	l := newTestState()
	defer l.Close()

	a := l.NewArray(DtAny, 2)
	b := l.NewArray(DtAny, 2)
	inner1 := l.NewSlice(DtAny, 0)
	inner2 := l.NewSlice(DtAny, 0)
	v := MakeInteger(5)
	l.slicePush(inner1, &v)
	l.slicePush(inner2, &v)
	var iv1, iv2 TValue
	iv1.setContainer(inner1)
	iv2.setContainer(inner2)
	l.arraySet(a, 0, &iv1)
	l.arraySet(b, 0, &iv2)
	if !containersEqual(a, b) {
		t.Fatal("deep equality must recurse into nested containers")
	}
	w := MakeInteger(6)
	l.slicePush(inner2, &w)
	if containersEqual(a, b) {
		t.Fatal("nested difference must break equality")
	}
}

func mustInt(t *testing.T, v TValue) int64 {
	t.Helper()
	n, ok := v.AsInteger()
	if !ok {
		t.Fatalf("value is not an integer: %s", TypeName(v.baseType()))
	}
	return n
}
