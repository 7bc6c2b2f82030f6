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

// Fixed arrays: length is set at construction and never changes, so
// capacity == length for their whole lifetime. Reads past the end yield
// nil; writes past the end raise.

// arrayGet reads element i, returning nil for any out-of-bounds index.
func (c *Container) arrayGet(i int64, out *TValue) {
	if i < 0 || i >= int64(c.length) {
		out.setNil()
		return
	}
	*out = c.data[i]
}

// arraySet writes element i, raising on out-of-bounds.
func (l *State) arraySet(c *Container, i int64, v *TValue) {
	if i < 0 || i >= int64(c.length) {
		panicRuntime(l, "array index %d out of range [0,%d)", i, c.length)
	}
	c.data[i] = *v
	l.g.barrierForwardValue(&c.GCObject, v)
}

// ArrayGet is the embedding-API read of element i.
func (l *State) ArrayGet(c *Container, i int64) TValue {
	var out TValue
	c.arrayGet(i, &out)
	return out
}

// ArraySet is the embedding-API write of element i.
func (l *State) ArraySet(c *Container, i int64, v TValue) {
	if c.isReadOnly() {
		panicRuntimeErr(l, ErrReadOnly)
	}
	l.arraySet(c, i, &v)
}
