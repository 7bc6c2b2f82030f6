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
	"errors"
	"fmt"
)

// ---- Error sentinels -------------------------------------------------------

// ErrIndexOutOfRange is raised on out-of-bounds writes to fixed containers.
var ErrIndexOutOfRange = errors.New("vm: index out of range")

// ErrReadOnly is raised on mutation of a read-only container.
var ErrReadOnly = errors.New("vm: container is read-only")

// ErrDTypeMismatch is raised when an element or operand does not fit the
// container's element dtype.
var ErrDTypeMismatch = errors.New("vm: dtype mismatch")

// ErrInvalidKey is raised for keys a dict cannot hold (NaN, nil).
var ErrInvalidKey = errors.New("vm: invalid dict key")

// ---- Element dtypes --------------------------------------------------------

// DataType identifies the element representation of a container.
type DataType uint8

const (
	DtInt8 DataType = iota
	DtInt16
	DtInt32
	DtInt64
	DtUint8
	DtUint16
	DtUint32
	DtUint64
	DtFloat32
	DtFloat64
	DtBool
	DtString
	DtAny // tagged values
)

var dtypeNames = [...]string{
	"int8", "int16", "int32", "int64",
	"uint8", "uint16", "uint32", "uint64",
	"float32", "float64", "bool", "string", "any",
}

func (dt DataType) String() string {
	if int(dt) < len(dtypeNames) {
		return dtypeNames[dt]
	}
	return "invalid"
}

// rawSize returns the unboxed element width for vector storage, or 0 for
// dtypes that only exist in tagged form.
func (dt DataType) rawSize() int {
	switch dt {
	case DtInt8, DtUint8, DtBool:
		return 1
	case DtInt16, DtUint16:
		return 2
	case DtInt32, DtUint32, DtFloat32:
		return 4
	case DtInt64, DtUint64, DtFloat64:
		return 8
	}
	return 0
}

func (dt DataType) isNumeric() bool { return dt <= DtFloat64 }
func (dt DataType) isFloat() bool   { return dt == DtFloat32 || dt == DtFloat64 }

// ---- Container base --------------------------------------------------------

// ContainerKind discriminates the five container layouts.
type ContainerKind uint8

const (
	KindArray ContainerKind = iota
	KindSlice
	KindDict
	KindVector
	KindRange
)

var kindNames = [...]string{"array", "slice", "dict", "vector", "range"}

func (k ContainerKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// kindToTag maps a container kind to its object tag.
var kindToTag = [...]byte{VArray, VSlice, VDict, VVector, VRange}

const (
	flagReadOnly     = 1 << 0
	flagExternalData = 1 << 1 // slice view: data belongs to src
)

// Container is the shared representation of the container family. One
// struct carries all five kinds; the kind field selects which storage and
// kind-specific fields are live, a base-plus-variant layout.
type Container struct {
	GCObject
	kind     ContainerKind
	dtype    DataType
	flags    uint8
	length   int
	capacity int

	data    []TValue    // array/slice: tagged element buffer
	entries []dictEntry // dict: robin-hood slots
	mask    uint64      // dict: capacity - 1

	raw       []byte // vector: raw element bytes, 32-byte aligned
	simdWidth int    // vector: alignment/SIMD lane width in bytes

	src    *Container // slice view: non-owning source back-pointer
	offset int        // slice view: element offset into src

	// range fields
	rstart, rstop, rstep int64
}

// Kind returns the container kind.
func (c *Container) Kind() ContainerKind { return c.kind }

// DType returns the element dtype.
func (c *Container) DType() DataType { return c.dtype }

// Len returns the element count.
func (c *Container) Len() int { return c.length }

// Cap returns the element capacity.
func (c *Container) Cap() int { return c.capacity }

func (c *Container) isReadOnly() bool { return c.flags&flagReadOnly != 0 }
func (c *Container) isView() bool     { return c.flags&flagExternalData != 0 }

// SetReadOnly freezes the container against mutation.
func (c *Container) SetReadOnly() { c.flags |= flagReadOnly }

// newContainer is the unified constructor: it allocates the header and the
// element storage for the requested kind, zeroes element memory, and fills
// in the kind-specific fields.
func (l *State) newContainer(kind ContainerKind, dtype DataType, capacity int) *Container {
	if capacity < 0 {
		panicRuntime(l, "negative container capacity %d", capacity)
	}
	c := &Container{kind: kind, dtype: dtype}
	size := sizeContainer
	switch kind {
	case KindArray:
		c.data = make([]TValue, capacity)
		c.length = capacity
		c.capacity = capacity
		size += capacity * sizeTValue
	case KindSlice:
		c.data = make([]TValue, 0, capacity)
		c.capacity = capacity
		size += capacity * sizeTValue
	case KindDict:
		cap := nextPow2(capacity)
		if cap < minDictCapacity {
			cap = minDictCapacity
		}
		c.entries = make([]dictEntry, cap)
		for i := range c.entries {
			c.entries[i].key.setEmpty()
		}
		c.capacity = cap
		c.mask = uint64(cap - 1)
		size += cap * sizeDictEntry
	case KindVector:
		if !dtype.isNumeric() {
			panicRuntime(l, "vector requires a numeric dtype, got %s", dtype)
		}
		c.allocVector(capacity)
		size += capacity*dtype.rawSize() + vectorAlign
	case KindRange:
		c.rstep = 1
	default:
		panicRuntime(l, "invalid container kind %d", kind)
	}
	l.linkObject(&c.GCObject, kindToTag[kind], size)
	return c
}

// NewArray creates a fixed array of n nil elements.
func (l *State) NewArray(dtype DataType, n int) *Container {
	return l.newContainer(KindArray, dtype, n)
}

// NewSlice creates an empty growable slice with the given capacity hint.
func (l *State) NewSlice(dtype DataType, capacity int) *Container {
	return l.newContainer(KindSlice, dtype, capacity)
}

// NewDict creates a dict with at least the given bucket capacity.
func (l *State) NewDict(capacity int) *Container {
	return l.newContainer(KindDict, DtAny, capacity)
}

// NewVector creates a numeric vector of n zero elements.
func (l *State) NewVector(dtype DataType, n int) *Container {
	return l.newContainer(KindVector, dtype, n)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ---- Generic element access ------------------------------------------------

// getIndex reads element i by kind dispatch. Out-of-bounds reads return nil
// for arrays, slices and vectors alike.
func (l *State) getIndex(c *Container, i int64, out *TValue) {
	switch c.kind {
	case KindArray:
		c.arrayGet(i, out)
	case KindSlice:
		c.sliceGet(i, out)
	case KindVector:
		l.vectorGet(c, i, out)
	case KindRange:
		c.rangeGet(i, out)
	default:
		panicRuntime(l, "cannot index %s with an integer", c.kind)
	}
}

// setIndex writes element i by kind dispatch, honoring the per-kind
// out-of-bounds rules: arrays and vectors raise, slices auto-grow.
func (l *State) setIndex(c *Container, i int64, v *TValue) {
	if c.isReadOnly() {
		panicRuntimeErr(l, ErrReadOnly)
	}
	switch c.kind {
	case KindArray:
		l.arraySet(c, i, v)
	case KindSlice:
		l.sliceSet(c, i, v)
	case KindVector:
		l.vectorSet(c, i, v)
	default:
		panicRuntime(l, "cannot index-assign %s", c.kind)
	}
}

// ---- Deep equality ---------------------------------------------------------

// containersEqual implements container equality: same kind, same dtype,
// same length, element-wise deep equality. Vector comparison specializes by
// dtype (raw byte compare for integer lanes, value compare for floats so
// NaN stays unequal).
func containersEqual(a, b *Container) bool {
	if a == b {
		return true
	}
	if a.kind != b.kind || a.dtype != b.dtype || a.length != b.length {
		return false
	}
	switch a.kind {
	case KindArray, KindSlice:
		for i := 0; i < a.length; i++ {
			av, bv := a.elemAt(i), b.elemAt(i)
			if !valuesEqualDeep(av, bv) {
				return false
			}
		}
		return true
	case KindDict:
		return dictsEqual(a, b)
	case KindVector:
		return vectorsEqual(a, b)
	case KindRange:
		return a.rstart == b.rstart && a.rstop == b.rstop && a.rstep == b.rstep
	}
	return false
}

// valuesEqualDeep is rawEqual extended with deep container comparison.
func valuesEqualDeep(a, b *TValue) bool {
	if a.isContainer() && b.isContainer() {
		return containersEqual(a.containerVal(), b.containerVal())
	}
	return rawEqual(a, b)
}

// elemAt returns a pointer to tagged element i, resolving view offsets.
func (c *Container) elemAt(i int) *TValue {
	if c.isView() {
		return &c.src.data[c.offset+i]
	}
	return &c.data[i]
}

func (c *Container) String() string {
	return fmt.Sprintf("%s<%s>(len=%d,cap=%d)", c.kind, c.dtype, c.length, c.capacity)
}
