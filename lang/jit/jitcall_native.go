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

//go:build amd64 || arm64

package jit

import "unsafe"

// jitcall transfers control to a compiled entry point. The trampoline
// places the VM register array base in the internal ABI's base register
// and returns the code's result word. Implemented in assembly per
// architecture.
//
//go:noescape
func jitcall(code unsafe.Pointer, regs *uint64) int64
