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

// Growable slices. Reads past the end yield nil; writes past the end grow
// the slice, filling the gap with nil. A slice may also be a view into
// another container's tagged storage, in which case it does not own its
// data and never grows.

const minSliceGrow = 8

// sliceGrowTo ensures capacity for at least needed elements, over-
// allocating by half the current capacity.
func (l *State) sliceGrowTo(c *Container, needed int) {
	if needed <= c.capacity {
		return
	}
	newCap := c.capacity + c.capacity/2
	if newCap < needed {
		newCap = needed
	}
	if newCap < minSliceGrow {
		newCap = minSliceGrow
	}
	l.reallocMem(c.capacity*sizeTValue, newCap*sizeTValue)
	newData := make([]TValue, len(c.data), newCap)
	copy(newData, c.data)
	c.data = newData
	c.capacity = newCap
}

// sliceGet reads element i, resolving view offsets; out-of-bounds reads
// return nil.
func (c *Container) sliceGet(i int64, out *TValue) {
	if i < 0 || i >= int64(c.length) {
		out.setNil()
		return
	}
	*out = *c.elemAt(int(i))
}

// sliceSet writes element i, auto-growing on writes past the end. Views
// write through to their source and cannot extend it.
func (l *State) sliceSet(c *Container, i int64, v *TValue) {
	if i < 0 {
		panicRuntime(l, "slice index %d out of range", i)
	}
	if c.isView() {
		if i >= int64(c.length) {
			panicRuntime(l, "slice view index %d out of range [0,%d)", i, c.length)
		}
		*c.elemAt(int(i)) = *v
		l.g.barrierForwardValue(&c.src.GCObject, v)
		return
	}
	if i >= int64(c.length) {
		l.sliceResize(c, int(i)+1)
	}
	c.data[i] = *v
	l.g.barrierForwardValue(&c.GCObject, v)
}

// slicePush appends v; amortized O(1).
func (l *State) slicePush(c *Container, v *TValue) {
	if c.isReadOnly() {
		panicRuntimeErr(l, ErrReadOnly)
	}
	if c.isView() {
		panicRuntime(l, "cannot push onto a slice view")
	}
	l.sliceGrowTo(c, c.length+1)
	c.data = append(c.data, *v)
	c.length++
	l.g.barrierForwardValue(&c.GCObject, v)
}

// slicePop removes and returns the last element, clearing the vacated slot
// to nil. Popping an empty slice returns nil.
func (l *State) slicePop(c *Container, out *TValue) {
	if c.isReadOnly() {
		panicRuntimeErr(l, ErrReadOnly)
	}
	if c.isView() {
		panicRuntime(l, "cannot pop from a slice view")
	}
	if c.length == 0 {
		out.setNil()
		return
	}
	c.length--
	*out = c.data[c.length]
	c.data[c.length].setNil()
	c.data = c.data[:c.length]
}

// sliceResize sets the length to n: growing fills new slots with nil,
// shrinking only adjusts the length (capacity is untouched).
func (l *State) sliceResize(c *Container, n int) {
	if n < 0 {
		panicRuntime(l, "negative slice length %d", n)
	}
	if c.isView() {
		panicRuntime(l, "cannot resize a slice view")
	}
	if n <= c.length {
		for i := n; i < c.length; i++ {
			c.data[i].setNil()
		}
		c.data = c.data[:n]
		c.length = n
		return
	}
	l.sliceGrowTo(c, n)
	for c.length < n {
		c.data = append(c.data, TValue{tt: VNil})
		c.length++
	}
}

// sliceShrinkToFit drops excess capacity.
func (l *State) sliceShrinkToFit(c *Container) {
	if c.isView() || c.capacity == c.length {
		return
	}
	l.reallocMem(c.capacity*sizeTValue, c.length*sizeTValue)
	newData := make([]TValue, c.length)
	copy(newData, c.data)
	c.data = newData
	c.capacity = c.length
}

// NewSliceView creates a non-owning window [start, end) over the tagged
// storage of src (an array or slice). Mutations through the view are
// visible in the source; freeing the view never frees the source.
func (l *State) NewSliceView(src *Container, start, end int) *Container {
	if src.kind != KindArray && src.kind != KindSlice {
		panicRuntime(l, "cannot take a slice view of %s", src.kind)
	}
	if start < 0 || end < start || end > src.length {
		panicRuntime(l, "slice view bounds [%d:%d) out of range [0,%d)", start, end, src.length)
	}
	base := src
	offset := start
	if src.isView() {
		base = src.src
		offset += src.offset
	}
	c := &Container{
		kind:     KindSlice,
		dtype:    src.dtype,
		flags:    flagExternalData,
		length:   end - start,
		capacity: end - start,
		src:      base,
		offset:   offset,
	}
	l.linkObject(&c.GCObject, VSlice, sizeContainer)
	return c
}
