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
	"golang.org/x/crypto/sha3"
)

// ---- Prototypes ------------------------------------------------------------

// UpvalDesc describes one captured binding of a prototype: either a stack
// slot of the enclosing function or an upvalue of the enclosing closure.
type UpvalDesc struct {
	Name    string
	InStack bool
	Index   uint8
}

// LocVar is local-variable debug information.
type LocVar struct {
	Name    string
	StartPC int32
	EndPC   int32
}

// Proto is the immutable compilation result for one function: bytecode,
// constants, nested prototypes, upvalue descriptors and debug info. The
// parser (or the assembler) produces it; nothing mutates it afterwards.
type Proto struct {
	GCObject
	Code         []Instruction
	K            []TValue
	Protos       []*Proto
	Upvals       []UpvalDesc
	LocVars      []LocVar
	LineInfo     []int32
	NumParams    uint8
	IsVararg     bool
	MaxStackSize uint8
	Source       string

	fingerprint [32]byte
	hasFP       bool
}

// NewProto creates an empty prototype linked into the GC.
func (l *State) NewProto() *Proto {
	p := &Proto{}
	l.linkObject(&p.GCObject, VProto, sizeProto)
	return p
}

// Fingerprint returns a stable identity for the prototype, derived from its
// bytecode and constant tags. Used as the machine-code cache key.
func (p *Proto) Fingerprint() [32]byte {
	if !p.hasFP {
		h := sha3.New256()
		var buf [4]byte
		for _, ins := range p.Code {
			buf[0] = byte(ins)
			buf[1] = byte(ins >> 8)
			buf[2] = byte(ins >> 16)
			buf[3] = byte(ins >> 24)
			h.Write(buf[:])
		}
		for i := range p.K {
			k := &p.K[i]
			h.Write([]byte{k.tt})
			buf[0] = byte(k.n)
			buf[1] = byte(k.n >> 8)
			buf[2] = byte(k.n >> 16)
			buf[3] = byte(k.n >> 24)
			h.Write(buf[:])
			if k.isString() {
				h.Write([]byte(k.strVal().contents))
			}
		}
		h.Sum(p.fingerprint[:0])
		p.hasFP = true
	}
	return p.fingerprint
}

// line returns the source line for a pc, or 0 without debug info.
func (p *Proto) line(pc int) int32 {
	if pc >= 0 && pc < len(p.LineInfo) {
		return p.LineInfo[pc]
	}
	return 0
}

// ---- Closures --------------------------------------------------------------

// Closure is a script closure: a prototype plus its captured upvalues.
type Closure struct {
	GCObject
	Proto  *Proto
	Upvals []*Upvalue
}

// NativeClosure pairs a native function with inline upvalue values.
type NativeClosure struct {
	GCObject
	Fn     NativeFn
	Upvals []TValue
}

// NewClosure creates a script closure with room for the prototype's
// upvalues; the slots are resolved by the CLOSURE opcode.
func (l *State) NewClosure(p *Proto) *Closure {
	cl := &Closure{Proto: p, Upvals: make([]*Upvalue, len(p.Upvals))}
	l.linkObject(&cl.GCObject, VScriptClosure, sizeClosure+len(p.Upvals)*8)
	return cl
}

// NewNativeClosure wraps fn with n upvalue slots popped by the caller.
func (l *State) NewNativeClosure(fn NativeFn, n int) *NativeClosure {
	nc := &NativeClosure{Fn: fn, Upvals: make([]TValue, n)}
	l.linkObject(&nc.GCObject, VNativeClosure, sizeClosure+n*sizeTValue)
	return nc
}

// ---- Upvalues --------------------------------------------------------------

// Upvalue is a captured binding. While open it addresses a live stack slot
// of its owning thread (held as an index so stack reallocation cannot
// invalidate it) and is threaded into the thread's open-upvalue list,
// sorted by stack depth descending. Closing copies the value into the
// upvalue's own slot and delinks it.
type Upvalue struct {
	GCObject
	value TValue
	owner *State // non-nil while open
	idx   int    // absolute stack index while open
	next  *Upvalue
}

func (uv *Upvalue) isOpen() bool { return uv.owner != nil }

// get returns the current location of the captured value.
func (uv *Upvalue) get() *TValue {
	if uv.owner != nil {
		return &uv.owner.stack[uv.idx]
	}
	return &uv.value
}

// BindEnv binds upvalue i of a top-level closure to a container value,
// conventionally the globals dict of its environment.
func (cl *Closure) BindEnv(l *State, i int, c *Container) {
	uv := &Upvalue{}
	l.linkObject(&uv.GCObject, VUpval, sizeUpvalue)
	uv.value.setContainer(c)
	cl.Upvals[i] = uv
}

// findUpvalue returns the open upvalue for stack slot idx, creating and
// threading a new one if none exists. The list stays sorted by index
// descending; insertion is linear in the open count.
func (l *State) findUpvalue(idx int) *Upvalue {
	pp := &l.openupval
	for *pp != nil && (*pp).idx > idx {
		pp = &(*pp).next
	}
	if *pp != nil && (*pp).idx == idx {
		return *pp
	}
	uv := &Upvalue{owner: l, idx: idx}
	l.linkObject(&uv.GCObject, VUpval, sizeUpvalue)
	uv.next = *pp
	*pp = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above the given stack
// level: the value moves from the stack into the upvalue's inline slot and
// the upvalue leaves the open list.
func (l *State) closeUpvalues(level int) {
	for l.openupval != nil && l.openupval.idx >= level {
		uv := l.openupval
		l.openupval = uv.next
		uv.value = l.stack[uv.idx]
		uv.owner = nil
		uv.next = nil
		// The closed slot may now hold a white value inside a black
		// upvalue; re-establish the invariant.
		l.g.barrierForwardValue(&uv.GCObject, &uv.value)
	}
}
