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

//go:build linux || darwin || freebsd

package jit

import (
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// ExecMem is one page-aligned executable mapping. Emission happens while
// the pages are writable; seal flips them to read-execute before the entry
// point is ever called, which satisfies W^X platforms.
type ExecMem struct {
	mem mmap.MMap
}

// allocExec maps writable anonymous pages and copies code into them.
func allocExec(code []byte) (*ExecMem, error) {
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, jitErr(ErrOutOfMemory, "mmap: %v", err)
	}
	copy(m, code)
	em := &ExecMem{mem: m}
	if err := em.seal(); err != nil {
		m.Unmap()
		return nil, err
	}
	return em, nil
}

// seal makes the mapping read-execute.
func (em *ExecMem) seal() error {
	if err := unix.Mprotect(em.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return jitErr(ErrOutOfMemory, "mprotect: %v", err)
	}
	return nil
}

// Entry returns the executable entry point.
func (em *ExecMem) Entry() unsafe.Pointer { return unsafe.Pointer(&em.mem[0]) }

// Size returns the mapped byte count.
func (em *ExecMem) Size() int { return len(em.mem) }

// Free releases the pages.
func (em *ExecMem) Free() {
	if em.mem != nil {
		em.mem.Unmap()
		em.mem = nil
	}
}
