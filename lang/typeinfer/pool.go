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

package typeinfer

// TypeInfo slots come from a pooled arena: allocation grabs from a free
// list refilled in batches, so steady-state alloc and free are O(1) and
// analysis of one prototype touches no allocator.

const poolBatch = 32

type infoPool struct {
	free   []*TypeInfo
	blocks [][]TypeInfo // retained so slots stay alive
	allocs uint64
	reuses uint64
}

// get returns a zeroed TypeInfo slot.
func (p *infoPool) get() *TypeInfo {
	if n := len(p.free); n > 0 {
		ti := p.free[n-1]
		p.free = p.free[:n-1]
		*ti = TypeInfo{}
		p.reuses++
		return ti
	}
	block := make([]TypeInfo, poolBatch)
	p.blocks = append(p.blocks, block)
	for i := poolBatch - 1; i > 0; i-- {
		p.free = append(p.free, &block[i])
	}
	p.allocs++
	return &block[0]
}

// put returns a slot to the free list.
func (p *infoPool) put(ti *TypeInfo) {
	if ti != nil {
		p.free = append(p.free, ti)
	}
}

// putAll releases a whole register file.
func (p *infoPool) putAll(regs []*TypeInfo) {
	for _, ti := range regs {
		p.put(ti)
	}
}
