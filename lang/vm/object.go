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

import "unsafe"

// ---- GC object header ------------------------------------------------------

// GCObject is the common header of every collectable object. Concrete object
// types embed it as their first field, so a *GCObject and a pointer to the
// containing object are interconvertible.
//
// The marked byte carries the tri-color state: two alternating white bits
// implement snapshot-at-the-beginning sweeping, the black bit marks fully
// scanned objects, and gray is the absence of all three. The remaining bits
// hold the finalizer flag, a two-bit age field (unused in the baseline
// collector) and one test bit.
type GCObject struct {
	next   *GCObject
	tt     byte
	marked byte
}

const (
	white0Bit    = 1 << 0
	white1Bit    = 1 << 1
	blackBit     = 1 << 2
	finalizedBit = 1 << 3
	ageShift     = 4 // bits 4..5
	testBit      = 1 << 6

	maskWhites = white0Bit | white1Bit
	maskColors = maskWhites | blackBit
)

func (o *GCObject) isWhite() bool { return o.marked&maskWhites != 0 }
func (o *GCObject) isBlack() bool { return o.marked&blackBit != 0 }
func (o *GCObject) isGray() bool  { return o.marked&maskColors == 0 }

func (o *GCObject) hasFinalizer() bool { return o.marked&finalizedBit != 0 }

// isDeadWhite reports whether the object carries the non-current white,
// i.e. it survived into a sweep as garbage.
func (o *GCObject) isDeadWhite(currentWhite byte) bool {
	return o.marked&maskWhites&^currentWhite != 0
}

// toGray clears all color bits.
func (o *GCObject) toGray() { o.marked &^= maskColors }

// toBlack promotes the object to black.
func (o *GCObject) toBlack() {
	o.marked = o.marked&^maskWhites | blackBit
}

// toWhite recolors the object with the given current white.
func (o *GCObject) toWhite(currentWhite byte) {
	o.marked = o.marked&^maskColors | currentWhite
}

func (o *GCObject) age() byte     { return o.marked >> ageShift & 0x3 }
func (o *GCObject) setAge(a byte) { o.marked = o.marked&^(0x3<<ageShift) | a<<ageShift }

// ---- Header/object conversions ---------------------------------------------

// Each collectable type embeds GCObject at offset zero; the casts below are
// the Go spelling of the C header/body punning and are valid for exactly
// that reason.

func (o *GCObject) toString() *StringObj    { return (*StringObj)(unsafe.Pointer(o)) }
func (o *GCObject) toContainer() *Container { return (*Container)(unsafe.Pointer(o)) }
func (o *GCObject) toClosure() *Closure   { return (*Closure)(unsafe.Pointer(o)) }
func (o *GCObject) toNativeClosure() *NativeClosure {
	return (*NativeClosure)(unsafe.Pointer(o))
}
func (o *GCObject) toProto() *Proto     { return (*Proto)(unsafe.Pointer(o)) }
func (o *GCObject) toThread() *State    { return (*State)(unsafe.Pointer(o)) }
func (o *GCObject) toUpvalue() *Upvalue { return (*Upvalue)(unsafe.Pointer(o)) }
func (o *GCObject) toUserData() *UserData { return (*UserData)(unsafe.Pointer(o)) }

// ---- Userdata --------------------------------------------------------------

// UserData is a full userdata object: an embedder-owned payload boxed into a
// collectable wrapper, plus one associated user value.
type UserData struct {
	GCObject
	data      interface{}
	userValue TValue
}

// Data returns the embedder payload.
func (u *UserData) Data() interface{} { return u.data }
