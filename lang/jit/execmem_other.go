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

//go:build !linux && !darwin && !freebsd

package jit

import "unsafe"

// ExecMem is unavailable on platforms without a mapping backend; the
// engine stays in interpreter-only mode there.
type ExecMem struct{}

func allocExec(code []byte) (*ExecMem, error) {
	return nil, jitErr(ErrCompileFailed, "no executable memory backend on this platform")
}

func (em *ExecMem) Entry() unsafe.Pointer { return nil }
func (em *ExecMem) Size() int             { return 0 }
func (em *ExecMem) Free()                 {}
