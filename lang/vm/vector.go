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
	"bytes"
	"unsafe"
)

// Numeric vectors store raw (untagged) elements in a buffer aligned to the
// 256-bit SIMD boundary. Length always equals capacity; element-wise
// arithmetic and reductions allocate a fresh vector or return a scalar.

const vectorAlign = 32

// allocVector carves an aligned window out of an over-allocated buffer.
func (c *Container) allocVector(n int) {
	esz := c.dtype.rawSize()
	buf := make([]byte, n*esz+vectorAlign)
	off := 0
	if n > 0 {
		addr := uintptr(unsafe.Pointer(&buf[0]))
		off = int((vectorAlign - addr%vectorAlign) % vectorAlign)
	}
	c.raw = buf[off : off+n*esz : off+n*esz]
	c.length = n
	c.capacity = n
	c.simdWidth = vectorAlign
}

func (c *Container) rawElem(i int) unsafe.Pointer {
	return unsafe.Pointer(&c.raw[i*c.dtype.rawSize()])
}

// vecLoadF reads element i widened to float64.
func (c *Container) vecLoadF(i int) float64 {
	p := c.rawElem(i)
	switch c.dtype {
	case DtInt8:
		return float64(*(*int8)(p))
	case DtInt16:
		return float64(*(*int16)(p))
	case DtInt32:
		return float64(*(*int32)(p))
	case DtInt64:
		return float64(*(*int64)(p))
	case DtUint8:
		return float64(*(*uint8)(p))
	case DtUint16:
		return float64(*(*uint16)(p))
	case DtUint32:
		return float64(*(*uint32)(p))
	case DtUint64:
		return float64(*(*uint64)(p))
	case DtFloat32:
		return float64(*(*float32)(p))
	case DtFloat64:
		return *(*float64)(p)
	}
	return 0
}

// vecLoadI reads element i widened to int64; valid for integer dtypes only.
func (c *Container) vecLoadI(i int) int64 {
	p := c.rawElem(i)
	switch c.dtype {
	case DtInt8:
		return int64(*(*int8)(p))
	case DtInt16:
		return int64(*(*int16)(p))
	case DtInt32:
		return int64(*(*int32)(p))
	case DtInt64:
		return *(*int64)(p)
	case DtUint8:
		return int64(*(*uint8)(p))
	case DtUint16:
		return int64(*(*uint16)(p))
	case DtUint32:
		return int64(*(*uint32)(p))
	case DtUint64:
		return int64(*(*uint64)(p))
	}
	return 0
}

// vecStoreF writes a float64 narrowed to the element dtype.
func (c *Container) vecStoreF(i int, f float64) {
	p := c.rawElem(i)
	switch c.dtype {
	case DtInt8:
		*(*int8)(p) = int8(f)
	case DtInt16:
		*(*int16)(p) = int16(f)
	case DtInt32:
		*(*int32)(p) = int32(f)
	case DtInt64:
		*(*int64)(p) = int64(f)
	case DtUint8:
		*(*uint8)(p) = uint8(f)
	case DtUint16:
		*(*uint16)(p) = uint16(f)
	case DtUint32:
		*(*uint32)(p) = uint32(f)
	case DtUint64:
		*(*uint64)(p) = uint64(f)
	case DtFloat32:
		*(*float32)(p) = float32(f)
	case DtFloat64:
		*(*float64)(p) = f
	}
}

// vecStoreI writes an int64 narrowed (wrapping) to the element dtype.
func (c *Container) vecStoreI(i int, v int64) {
	p := c.rawElem(i)
	switch c.dtype {
	case DtInt8:
		*(*int8)(p) = int8(v)
	case DtInt16:
		*(*int16)(p) = int16(v)
	case DtInt32:
		*(*int32)(p) = int32(v)
	case DtInt64:
		*(*int64)(p) = v
	case DtUint8:
		*(*uint8)(p) = uint8(v)
	case DtUint16:
		*(*uint16)(p) = uint16(v)
	case DtUint32:
		*(*uint32)(p) = uint32(v)
	case DtUint64:
		*(*uint64)(p) = uint64(v)
	case DtFloat32:
		*(*float32)(p) = float32(v)
	case DtFloat64:
		*(*float64)(p) = float64(v)
	}
}

// vectorGet reads element i as a tagged value; out-of-bounds reads yield
// nil like the other indexed containers.
func (l *State) vectorGet(c *Container, i int64, out *TValue) {
	if i < 0 || i >= int64(c.length) {
		out.setNil()
		return
	}
	if c.dtype.isFloat() {
		out.setFloat(c.vecLoadF(int(i)))
	} else {
		out.setInt(c.vecLoadI(int(i)))
	}
}

// vectorSet writes element i; out-of-bounds writes raise, and the value
// must be a number.
func (l *State) vectorSet(c *Container, i int64, v *TValue) {
	if i < 0 || i >= int64(c.length) {
		panicRuntime(l, "vector index %d out of range [0,%d)", i, c.length)
	}
	if c.dtype.isFloat() {
		f, ok := v.toNumber()
		if !ok {
			panicRuntimeErr(l, ErrDTypeMismatch)
		}
		c.vecStoreF(int(i), f)
		return
	}
	n, ok := v.toInteger()
	if !ok {
		panicRuntimeErr(l, ErrDTypeMismatch)
	}
	c.vecStoreI(int(i), n)
}

// ---- Element-wise arithmetic -----------------------------------------------

// vectorArith computes a elementwise-op b into a new vector. Operands are
// either two vectors of identical dtype and length or one vector and one
// number scalar; anything else is rejected.
func (l *State) vectorArith(op ArithOp, a, b *TValue) *Container {
	av := a.containerVal()
	switch {
	case b.isVector():
		bv := b.containerVal()
		if av.dtype != bv.dtype {
			panicRuntimeErr(l, ErrDTypeMismatch)
		}
		if av.length != bv.length {
			panicRuntime(l, "vector length mismatch %d vs %d", av.length, bv.length)
		}
		out := l.NewVector(av.dtype, av.length)
		for i := 0; i < av.length; i++ {
			l.vecApply(out, i, op, av, i, bv.vecLoadF(i), bv.vecLoadI(i))
		}
		return out
	case b.isNumber():
		f, _ := b.toNumber()
		n, _ := b.toInteger()
		out := l.NewVector(av.dtype, av.length)
		for i := 0; i < av.length; i++ {
			l.vecApply(out, i, op, av, i, f, n)
		}
		return out
	}
	panicRuntime(l, "cannot apply arithmetic to vector and %s", TypeName(b.baseType()))
	return nil
}

// vecApply stores op(av[i], rhs) into out[i] in the dtype's native domain.
func (l *State) vecApply(out *Container, oi int, op ArithOp, av *Container, ai int, rf float64, ri int64) {
	if av.dtype.isFloat() {
		x := av.vecLoadF(ai)
		out.vecStoreF(oi, floatArith(l, op, x, rf))
		return
	}
	x := av.vecLoadI(ai)
	out.vecStoreI(oi, intArith(l, op, x, ri))
}

// ---- Reductions ------------------------------------------------------------

// VectorSum reduces by addition into a scalar tagged value.
func (l *State) VectorSum(c *Container, out *TValue) {
	if c.dtype.isFloat() {
		var s float64
		for i := 0; i < c.length; i++ {
			s += c.vecLoadF(i)
		}
		out.setFloat(s)
		return
	}
	var s int64
	for i := 0; i < c.length; i++ {
		s += c.vecLoadI(i)
	}
	out.setInt(s)
}

// VectorMin reduces by minimum; the empty vector yields nil.
func (l *State) VectorMin(c *Container, out *TValue) {
	l.vectorExtreme(c, out, true)
}

// VectorMax reduces by maximum; the empty vector yields nil.
func (l *State) VectorMax(c *Container, out *TValue) {
	l.vectorExtreme(c, out, false)
}

func (l *State) vectorExtreme(c *Container, out *TValue, min bool) {
	if c.length == 0 {
		out.setNil()
		return
	}
	if c.dtype.isFloat() {
		best := c.vecLoadF(0)
		for i := 1; i < c.length; i++ {
			x := c.vecLoadF(i)
			if min && x < best || !min && x > best {
				best = x
			}
		}
		out.setFloat(best)
		return
	}
	best := c.vecLoadI(0)
	for i := 1; i < c.length; i++ {
		x := c.vecLoadI(i)
		if min && x < best || !min && x > best {
			best = x
		}
	}
	out.setInt(best)
}

// VectorDot computes the dot product of two vectors of identical dtype and
// length.
func (l *State) VectorDot(a, b *Container, out *TValue) {
	if a.dtype != b.dtype {
		panicRuntimeErr(l, ErrDTypeMismatch)
	}
	if a.length != b.length {
		panicRuntime(l, "vector length mismatch %d vs %d", a.length, b.length)
	}
	if a.dtype.isFloat() {
		var s float64
		for i := 0; i < a.length; i++ {
			s += a.vecLoadF(i) * b.vecLoadF(i)
		}
		out.setFloat(s)
		return
	}
	var s int64
	for i := 0; i < a.length; i++ {
		s += a.vecLoadI(i) * b.vecLoadI(i)
	}
	out.setInt(s)
}

// vectorsEqual specializes by dtype: integer lanes compare raw bytes,
// float lanes compare by value so NaN lanes stay unequal.
func vectorsEqual(a, b *Container) bool {
	if a.dtype.isFloat() {
		for i := 0; i < a.length; i++ {
			af, bf := a.vecLoadF(i), b.vecLoadF(i)
			if af != bf {
				return false
			}
		}
		return true
	}
	return bytes.Equal(a.raw, b.raw)
}
