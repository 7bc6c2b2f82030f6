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

// Package vm implements the AQL runtime core: the tagged value model, the
// typed container family, the interned string table, the incremental
// garbage collector, and the register-based bytecode interpreter.
//
// The package is deliberately wide. Values, containers, strings, the GC and
// the dispatch loop are mutually recursive, so they live together the way
// the Go runtime keeps its allocator, collector and scheduler in a single
// package; one file per concern.
package vm

import (
	"math"
	"unsafe"
)

// ---- Type tags -------------------------------------------------------------

// Base types occupy the low four bits of a tag. The ordering is frozen:
// bytecode and the type-inference rules both index on it.
const (
	TNil = iota
	TBoolean
	TLightUserData
	TNumber
	TString
	TFunction
	TUserData
	TThread
	TArray
	TSlice
	TDict
	TVector
	TRange
	TProto
	TUpval
	TDeadKey

	NumTypes = TThread + 1 // types visible to scripts
)

// makeVariant packs a base type and a variant into one tag byte.
// Bits 0..3 are the base type, bits 4..5 the variant, bit 6 marks values
// whose payload is a collectable object pointer.
func makeVariant(t, v byte) byte { return t | v<<4 }

const bitCollectable byte = 1 << 6

// ctb returns the tag with the collectable bit set.
func ctb(t byte) byte { return t | bitCollectable }

// Variant tags. The three nil variants compare equal to nil under nil-tests
// but stay distinguishable inside container internals: VEmpty marks vacated
// slots, VAbsKey is the probe result for a key that was never present.
const (
	VNil    = TNil            // standard nil
	VEmpty  = TNil | 1<<4     // empty slot sentinel
	VAbsKey = TNil | 2<<4     // absent key sentinel

	VFalse = TBoolean
	VTrue  = TBoolean | 1<<4

	VNumInt = TNumber          // integer numbers
	VNumFlt = TNumber | 1<<4   // float numbers

	VShrStr = TString          // short (interned) strings
	VLngStr = TString | 1<<4   // long strings

	VScriptClosure = TFunction          // AQL closure
	VNativeFunc    = TFunction | 1<<4   // light native function
	VNativeClosure = TFunction | 2<<4   // native closure with upvalues

	VLightUserData = TLightUserData
	VUserData      = TUserData
	VThread        = TThread
	VArray         = TArray
	VSlice         = TSlice
	VDict          = TDict
	VVector        = TVector
	VRange         = TRange
	VProto         = TProto
	VUpval         = TUpval
	VDeadKey       = TDeadKey
)

// ---- TValue ----------------------------------------------------------------

// NativeFn is the signature of functions callable from AQL bytecode. It
// consumes positional arguments from the stack and returns the number of
// results it pushed.
type NativeFn func(l *State) int

// TValue is the uniform tagged value. A C layout would pack payload and
// tag into sixteen bytes; Go cannot hide an object pointer inside a scalar
// union without blinding the host collector, so the payload is split into a
// scalar word, an object pointer and a native-function slot. Tag tests are
// still a single byte compare.
type TValue struct {
	n  uint64    // integer, float bits, boolean, light-userdata address
	gc *GCObject // collectable payload; nil unless the collectable bit is set
	fn NativeFn  // light native function payload
	tt byte
}

// rawTag returns the tag byte including the collectable bit.
func (v *TValue) rawTag() byte { return v.tt }

// typeTag returns the tag without the collectable bit.
func (v *TValue) typeTag() byte { return v.tt &^ bitCollectable }

// baseType returns the base type of the value.
func (v *TValue) baseType() byte { return v.tt & 0x0f }

// Type reports the script-visible base type of the value.
func (v *TValue) Type() byte { return v.baseType() }

func (v *TValue) isCollectable() bool { return v.tt&bitCollectable != 0 }

// checkTag compares the full tag (variant and collectable bit included).
func (v *TValue) checkTag(t byte) bool { return v.tt == t }

func (v *TValue) isNil() bool     { return v.baseType() == TNil }
func (v *TValue) isStdNil() bool  { return v.tt == VNil }
func (v *TValue) isEmpty() bool   { return v.tt == VEmpty }
func (v *TValue) isAbsKey() bool  { return v.tt == VAbsKey }
func (v *TValue) isBoolean() bool { return v.baseType() == TBoolean }
func (v *TValue) isFalse() bool   { return v.tt == VFalse }
func (v *TValue) isTrue() bool    { return v.tt == VTrue }
func (v *TValue) isNumber() bool  { return v.baseType() == TNumber }
func (v *TValue) isInteger() bool { return v.typeTag() == VNumInt }
func (v *TValue) isFloat() bool   { return v.typeTag() == VNumFlt }
func (v *TValue) isString() bool  { return v.baseType() == TString }
func (v *TValue) isShrStr() bool  { return v.checkTag(ctb(VShrStr)) }
func (v *TValue) isLngStr() bool  { return v.checkTag(ctb(VLngStr)) }
func (v *TValue) isFunction() bool { return v.baseType() == TFunction }
func (v *TValue) isNativeFn() bool { return v.typeTag() == VNativeFunc }
func (v *TValue) isThread() bool  { return v.checkTag(ctb(VThread)) }
func (v *TValue) isArray() bool   { return v.checkTag(ctb(VArray)) }
func (v *TValue) isSlice() bool   { return v.checkTag(ctb(VSlice)) }
func (v *TValue) isDict() bool    { return v.checkTag(ctb(VDict)) }
func (v *TValue) isVector() bool  { return v.checkTag(ctb(VVector)) }
func (v *TValue) isRange() bool   { return v.checkTag(ctb(VRange)) }

// isContainer reports whether the value is one of the four container kinds
// or a range.
func (v *TValue) isContainer() bool {
	bt := v.baseType()
	return bt >= TArray && bt <= TRange
}

// truthy implements AQL truthiness: only nil (any variant) and false are
// falsy.
func (v *TValue) truthy() bool {
	return !(v.baseType() == TNil || v.tt == VFalse)
}

// ---- Payload accessors -----------------------------------------------------

func (v *TValue) ival() int64      { return int64(v.n) }
func (v *TValue) fval() float64    { return math.Float64frombits(v.n) }
func (v *TValue) bval() bool       { return v.tt == VTrue }
func (v *TValue) pval() unsafe.Pointer { return unsafe.Pointer(uintptr(v.n)) }
func (v *TValue) fnval() NativeFn  { return v.fn }
func (v *TValue) gcval() *GCObject { return v.gc }

func (v *TValue) strVal() *StringObj      { return (*StringObj)(unsafe.Pointer(v.gc)) }
func (v *TValue) containerVal() *Container { return (*Container)(unsafe.Pointer(v.gc)) }
func (v *TValue) closureVal() *Closure  { return (*Closure)(unsafe.Pointer(v.gc)) }
func (v *TValue) nativeClosureVal() *NativeClosure {
	return (*NativeClosure)(unsafe.Pointer(v.gc))
}
func (v *TValue) protoVal() *Proto   { return (*Proto)(unsafe.Pointer(v.gc)) }
func (v *TValue) threadVal() *State  { return (*State)(unsafe.Pointer(v.gc)) }
func (v *TValue) upvalVal() *Upvalue { return (*Upvalue)(unsafe.Pointer(v.gc)) }
func (v *TValue) udataVal() *UserData { return (*UserData)(unsafe.Pointer(v.gc)) }

// ---- Setters ---------------------------------------------------------------

func (v *TValue) setNil()    { *v = TValue{tt: VNil} }
func (v *TValue) setEmpty()  { *v = TValue{tt: VEmpty} }
func (v *TValue) setAbsKey() { *v = TValue{tt: VAbsKey} }

func (v *TValue) setBool(b bool) {
	if b {
		*v = TValue{tt: VTrue}
	} else {
		*v = TValue{tt: VFalse}
	}
}

func (v *TValue) setInt(i int64)   { *v = TValue{n: uint64(i), tt: VNumInt} }
func (v *TValue) setFloat(f float64) { *v = TValue{n: math.Float64bits(f), tt: VNumFlt} }

func (v *TValue) setLightUserData(p unsafe.Pointer) {
	*v = TValue{n: uint64(uintptr(p)), tt: VLightUserData}
}

func (v *TValue) setNativeFn(fn NativeFn) { *v = TValue{fn: fn, tt: VNativeFunc} }

// setGC installs a collectable payload. The value tag is derived from the
// object's own tag, which keeps the tag-match invariant by construction.
func (v *TValue) setGC(o *GCObject) { *v = TValue{gc: o, tt: ctb(o.tt)} }

func (v *TValue) setString(ts *StringObj) { v.setGC(&ts.GCObject) }
func (v *TValue) setContainer(c *Container) { v.setGC(&c.GCObject) }
func (v *TValue) setClosure(cl *Closure) { v.setGC(&cl.GCObject) }
func (v *TValue) setNativeClosure(nc *NativeClosure) { v.setGC(&nc.GCObject) }
func (v *TValue) setThread(co *State) { v.setGC(&co.GCObject) }

// ---- Numeric coercion ------------------------------------------------------

// toNumber converts v to a float following the arithmetic coercion rules.
// Integers convert exactly within 53 bits and with the usual rounding past
// that; strings never convert implicitly.
func (v *TValue) toNumber() (float64, bool) {
	switch v.typeTag() {
	case VNumInt:
		return float64(v.ival()), true
	case VNumFlt:
		return v.fval(), true
	}
	return 0, false
}

// toInteger converts v to an integer. Floats convert only when their value
// is exactly integral and in range.
func (v *TValue) toInteger() (int64, bool) {
	switch v.typeTag() {
	case VNumInt:
		return v.ival(), true
	case VNumFlt:
		f := v.fval()
		i := int64(f)
		if float64(i) == f {
			return i, true
		}
	}
	return 0, false
}

// ---- Exported constructors and accessors -----------------------------------

// MakeNil, MakeBoolean, MakeInteger, MakeNumber and MakeStringValue build
// tagged values for embedders and the compiler pipeline.
func MakeNil() TValue { return TValue{tt: VNil} }

func MakeBoolean(b bool) TValue {
	var v TValue
	v.setBool(b)
	return v
}

func MakeInteger(n int64) TValue {
	var v TValue
	v.setInt(n)
	return v
}

func MakeNumber(f float64) TValue {
	var v TValue
	v.setFloat(f)
	return v
}

// MakeStringValue interns s on the given state and returns the value.
func (l *State) MakeStringValue(s string) TValue {
	var v TValue
	v.setString(l.NewString(s))
	return v
}

// AsInteger returns the integer payload; strict, no float conversion.
func (v *TValue) AsInteger() (int64, bool) {
	if v.isInteger() {
		return v.ival(), true
	}
	return 0, false
}

// AsNumber converts the value to a float when it is numeric.
func (v *TValue) AsNumber() (float64, bool) { return v.toNumber() }

// AsBoolean reports the payload of a boolean value.
func (v *TValue) AsBoolean() (bool, bool) {
	if v.isBoolean() {
		return v.bval(), true
	}
	return false, false
}

// AsString returns the string payload.
func (v *TValue) AsString() (string, bool) {
	if v.isString() {
		return v.strVal().contents, true
	}
	return "", false
}

// IsIntegerValue reports whether the value is an integer number.
func (v *TValue) IsIntegerValue() bool { return v.isInteger() }

// ---- Type names ------------------------------------------------------------

var typeNames = [...]string{
	TNil:           "nil",
	TBoolean:       "boolean",
	TLightUserData: "userdata",
	TNumber:        "number",
	TString:        "string",
	TFunction:      "function",
	TUserData:      "userdata",
	TThread:        "thread",
	TArray:         "array",
	TSlice:         "slice",
	TDict:          "dict",
	TVector:        "vector",
	TRange:         "range",
	TProto:         "proto",
	TUpval:         "upvalue",
	TDeadKey:       "deadkey",
}

// TypeName returns the script-visible name of a base type tag.
func TypeName(t byte) string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// rawEqual compares two values without deep container comparison: numbers
// by mathematical value, short strings by pointer, long strings by content,
// everything collectable by identity. Nil variants all compare equal to nil.
func rawEqual(a, b *TValue) bool {
	if a.baseType() != b.baseType() {
		return false
	}
	switch a.baseType() {
	case TNil:
		return true
	case TBoolean:
		return a.tt == b.tt
	case TNumber:
		return numEqual(a, b)
	case TString:
		return stringEqual(a.strVal(), b.strVal())
	case TLightUserData:
		return a.n == b.n
	case TFunction:
		if a.typeTag() != b.typeTag() {
			return false
		}
		if a.typeTag() == VNativeFunc {
			// Go func values have no identity; compare code pointers.
			return *(*uintptr)(unsafe.Pointer(&a.fn)) == *(*uintptr)(unsafe.Pointer(&b.fn))
		}
		return a.gc == b.gc
	default:
		return a.gc == b.gc
	}
}
