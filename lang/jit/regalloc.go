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

package jit

import (
	"sort"

	"github.com/aql-lang/go-aql/lang/vm"
)

// ---- Live intervals --------------------------------------------------------

// LiveInterval is the [StartPC, EndPC] lifetime of one virtual register.
type LiveInterval struct {
	VReg    int
	StartPC int
	EndPC   int
}

// buildIntervals makes one linear pass over the bytecode, recording first
// definition and last use per virtual register. A-mode destinations
// define; B and C operands use unless the k bit redirects C into the
// constant table. Any register live across a backward branch is extended
// to the loop end, so loop-carried values survive allocation.
func buildIntervals(code []vm.Instruction) []LiveInterval {
	first := map[int]int{}
	last := map[int]int{}
	touch := func(r, pc int) {
		if _, ok := first[r]; !ok {
			first[r] = pc
		}
		last[r] = pc
	}
	maxTarget := map[int]int{} // pc of backward-branch head -> branch pc
	for pc, ins := range code {
		mode := vm.OpModes[ins.Op()]
		if mode.SetsA {
			touch(ins.A(), pc)
		}
		if readsA(ins.Op()) {
			touch(ins.A(), pc)
		}
		if mode.UsesB {
			touch(ins.B(), pc)
		}
		if mode.UsesC && !ins.K() {
			touch(ins.C(), pc)
		}
		if ins.Op() == vm.OpJmp {
			if t := pc + 1 + ins.SBx(); t <= pc {
				if old, ok := maxTarget[t]; !ok || pc > old {
					maxTarget[t] = pc
				}
			}
		}
	}
	// Extend intervals that span a loop body.
	for head, branch := range maxTarget {
		for r, s := range first {
			if s <= branch && last[r] >= head && last[r] < branch {
				last[r] = branch
			}
		}
	}
	intervals := make([]LiveInterval, 0, len(first))
	for r, s := range first {
		intervals = append(intervals, LiveInterval{VReg: r, StartPC: s, EndPC: last[r]})
	}
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].StartPC != intervals[j].StartPC {
			return intervals[i].StartPC < intervals[j].StartPC
		}
		return intervals[i].VReg < intervals[j].VReg
	})
	return intervals
}

// ---- Linear scan -----------------------------------------------------------

// location is where a virtual register lives after allocation.
type location struct {
	phys  int  // physical register number, valid when !spilled
	slot  int  // spill slot index, valid when spilled
	spilled bool
}

// allocation is the result of the linear scan.
type allocation struct {
	locs       map[int]location
	spillSlots int
	intervals  []LiveInterval
}

// linearScan walks the sorted intervals with an active set ordered by end
// pc: expired intervals free their register; when no register is free the
// current interval takes the next spill slot.
func linearScan(intervals []LiveInterval, physRegs []int) *allocation {
	a := &allocation{locs: make(map[int]location), intervals: intervals}
	free := append([]int(nil), physRegs...)
	type active struct {
		endPC int
		vreg  int
		phys  int
	}
	var act []active

	expire := func(startPC int) {
		keep := act[:0]
		for _, in := range act {
			if in.endPC < startPC {
				free = append(free, in.phys)
			} else {
				keep = append(keep, in)
			}
		}
		act = keep
	}

	for _, iv := range intervals {
		expire(iv.StartPC)
		if len(free) == 0 {
			a.locs[iv.VReg] = location{slot: a.spillSlots, spilled: true}
			a.spillSlots++
			continue
		}
		phys := free[len(free)-1]
		free = free[:len(free)-1]
		a.locs[iv.VReg] = location{phys: phys}
		act = append(act, active{endPC: iv.EndPC, vreg: iv.VReg, phys: phys})
		sort.Slice(act, func(i, j int) bool { return act[i].endPC < act[j].endPC })
	}
	return a
}
