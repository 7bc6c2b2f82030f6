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

// ---- Allocator -------------------------------------------------------------

// Allocator is the pluggable memory policy hook. Physical storage is owned
// by the host runtime; the hook observes every logical size change and may
// veto it, in which case the VM raises a memory error. Returning false for
// nsize > osize is how embedders simulate resource limits.
type Allocator func(ud interface{}, osize, nsize int) bool

// defaultAllocator accepts everything.
func defaultAllocator(interface{}, int, int) bool { return true }

// ---- Accounting ------------------------------------------------------------

// reallocMem is the single choke point for logical allocation. It consults
// the installed allocator, keeps the GC debt and the byte total current,
// and raises a memory error on refusal of a nonzero request.
func (l *State) reallocMem(osize, nsize int) {
	g := l.g
	if !g.alloc(g.allocUD, osize, nsize) && nsize > 0 {
		// One emergency cycle before giving up on allocator failure.
		g.fullGC(l, true)
		if !g.alloc(g.allocUD, osize, nsize) {
			throwError(l, StatusErrMem, "not enough memory")
		}
	}
	g.totalBytes += int64(nsize) - int64(osize)
	g.gcDebt += int64(nsize) - int64(osize)
	if nsize > osize {
		g.perf.MemoryAllocs++
	}
}

// checkGC runs one incremental collection step if the allocation debt is
// positive. Called from allocation sites and from the dispatch loop at
// instruction boundaries that create objects.
func (l *State) checkGC() {
	if l.g.gcDebt > 0 && l.g.gcRunning {
		l.g.gcStep(l)
	}
}

// linkObject threads a freshly created object onto the all-objects list,
// colored with the current white, and charges its logical size.
func (l *State) linkObject(o *GCObject, tt byte, size int) {
	g := l.g
	l.reallocMem(0, size)
	o.tt = tt
	o.marked = g.currentWhite
	o.next = g.allgc
	g.allgc = o
	g.objCount++
}

// Rough logical sizes, in bytes, charged against the GC debt. They follow
// the packed C-style layouts rather than Go's, which keeps the debt-driven
// pacing in the range the tuning constants expect.
const (
	sizeTValue    = 16
	sizeString    = 32 // header + hash + length words
	sizeContainer = 64
	sizeDictEntry = 40
	sizeProto     = 128
	sizeClosure   = 32
	sizeUpvalue   = 32
	sizeThread    = 256
	sizeUserData  = 48
)
