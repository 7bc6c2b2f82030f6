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

// Integer ranges: a half-open [start, stop) with a nonzero step. Ranges are
// immutable, index like read-only sequences, and are the natural operand of
// numeric for-loops.

// NewRange creates a range container.
func (l *State) NewRange(start, stop, step int64) *Container {
	if step == 0 {
		panicRuntime(l, "range step cannot be zero")
	}
	c := l.newContainer(KindRange, DtInt64, 0)
	c.rstart, c.rstop, c.rstep = start, stop, step
	c.length = rangeLength(start, stop, step)
	c.capacity = c.length
	c.flags |= flagReadOnly
	return c
}

// rangeLength counts the elements of [start, stop) stepping by step.
func rangeLength(start, stop, step int64) int {
	if step > 0 {
		if start >= stop {
			return 0
		}
		return int((stop - start + step - 1) / step)
	}
	if start <= stop {
		return 0
	}
	return int((start - stop + (-step) - 1) / -step)
}

// rangeGet returns element i, or nil out of bounds.
func (c *Container) rangeGet(i int64, out *TValue) {
	if i < 0 || i >= int64(c.length) {
		out.setNil()
		return
	}
	out.setInt(c.rstart + i*c.rstep)
}

// RangeBounds exposes the range parameters.
func (c *Container) RangeBounds() (start, stop, step int64) {
	return c.rstart, c.rstop, c.rstep
}
