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

// Incremental tri-color mark and sweep. Two alternating whites give
// snapshot-at-the-beginning semantics: objects born during a sweep carry
// the new white and are never collected by that sweep. The main invariant
// (black never points to white) holds outside the sweep states; the write
// barriers below maintain it while the mutator runs interleaved with the
// collector.

// Collector states.
const (
	gcsPropagate = iota
	gcsAtomic
	gcsSweepAllGC
	gcsSweepFinObj
	gcsSweepToBeFnz
	gcsSweepEnd
	gcsCallFin
	gcsPause
)

const (
	defaultGCPause   = 200 // percent of live estimate before next cycle
	defaultGCStepMul = 100

	gcSweepMax   = 100 // objects swept per step slice
	gcFinMax     = 4   // finalizers run per step slice
	workPerByte  = 1
	stepWorkBase = 1 << 10
)

func otherWhite(current byte) byte { return maskWhites ^ current }

// keepInvariant reports whether the black-to-white invariant must hold in
// the current state.
func (g *GlobalState) keepInvariant() bool {
	return g.gcState == gcsPropagate || g.gcState == gcsAtomic || g.gcState == gcsPause
}

// ---- Marking ---------------------------------------------------------------

// markObject colors a white object: leaf objects go straight to black,
// everything with children becomes gray and joins the gray list.
func (g *GlobalState) markObject(o *GCObject) {
	if !o.isWhite() {
		return
	}
	switch o.tt {
	case VShrStr, VLngStr:
		o.toBlack()
	case VUpval:
		uv := o.toUpvalue()
		o.toBlack()
		g.markValue(uv.get())
	default:
		o.toGray()
		g.gray = append(g.gray, o)
	}
}

func (g *GlobalState) markValue(v *TValue) {
	if v.isCollectable() {
		g.markObject(v.gc)
	}
}

// propagateOne pops one gray object, traverses its children, and blackens
// it. Returns an abstract work amount for step pacing.
func (g *GlobalState) propagateOne() int {
	n := len(g.gray)
	if n == 0 {
		return 0
	}
	o := g.gray[n-1]
	g.gray = g.gray[:n-1]
	return g.traverse(o)
}

// traverse scans the children of o. Threads are not blackened during
// propagation: their stacks mutate without barriers, so they re-queue on
// the gray-again list and are rescanned in the atomic step.
func (g *GlobalState) traverse(o *GCObject) int {
	switch o.tt {
	case VProto:
		p := o.toProto()
		o.toBlack()
		for i := range p.K {
			g.markValue(&p.K[i])
		}
		for _, sub := range p.Protos {
			g.markObject(&sub.GCObject)
		}
		return len(p.K) + len(p.Protos) + len(p.Code)
	case VScriptClosure:
		cl := o.toClosure()
		o.toBlack()
		if cl.Proto != nil {
			g.markObject(&cl.Proto.GCObject)
		}
		for _, uv := range cl.Upvals {
			if uv != nil {
				g.markObject(&uv.GCObject)
			}
		}
		return 1 + len(cl.Upvals)
	case VNativeClosure:
		nc := o.toNativeClosure()
		o.toBlack()
		for i := range nc.Upvals {
			g.markValue(&nc.Upvals[i])
		}
		return 1 + len(nc.Upvals)
	case VArray, VSlice, VDict, VVector, VRange:
		return g.traverseContainer(o.toContainer())
	case VThread:
		th := o.toThread()
		g.traverseThread(th)
		if g.gcState == gcsPropagate {
			o.toGray()
			g.grayAgain = append(g.grayAgain, o)
		} else {
			o.toBlack()
		}
		return th.top + 1
	case VUserData:
		u := o.toUserData()
		o.toBlack()
		g.markValue(&u.userValue)
		return 1
	default:
		o.toBlack()
		return 1
	}
}

func (g *GlobalState) traverseContainer(c *Container) int {
	c.toBlack()
	switch c.kind {
	case KindArray, KindSlice:
		if c.isView() {
			g.markObject(&c.src.GCObject)
			return 1
		}
		for i := range c.data {
			g.markValue(&c.data[i])
		}
		return len(c.data)
	case KindDict:
		for i := range c.entries {
			e := &c.entries[i]
			if e.occupied() {
				g.markValue(&e.key)
				g.markValue(&e.value)
			}
		}
		return len(c.entries)
	default: // vector, range: raw payloads only
		return 1
	}
}

func (g *GlobalState) traverseThread(th *State) {
	for i := 0; i < th.top; i++ {
		g.markValue(&th.stack[i])
	}
	for uv := th.openupval; uv != nil; uv = uv.next {
		g.markObject(&uv.GCObject)
	}
	if th.caller != nil {
		g.markObject(&th.caller.GCObject)
	}
}

// markRoots begins a cycle: registry, main thread, and pending finalizable
// objects. The main thread lives outside the all-objects list, so the
// sweep never recolors it; it is whitened here instead.
func (g *GlobalState) markRoots() {
	g.gray = g.gray[:0]
	g.grayAgain = g.grayAgain[:0]
	g.mainThread.toWhite(g.currentWhite)
	g.markValue(&g.registry)
	g.markObject(&g.mainThread.GCObject)
	for o := g.tobefnz; o != nil; o = o.next {
		g.markObject(o)
	}
}

// ---- Write barriers --------------------------------------------------------

// barrierForward moves the collector forward on a black-to-white store:
// the target gets marked so the invariant holds without retraversal.
// During sweep states the invariant may be broken; the store is then
// harmless because the sweep recolors everything it passes.
func (g *GlobalState) barrierForward(owner, target *GCObject) {
	if owner.isBlack() && target.isWhite() {
		if g.keepInvariant() {
			g.markObject(target)
		} else {
			owner.toWhite(g.currentWhite)
		}
	}
}

// barrierForwardValue is barrierForward for tagged stores.
func (g *GlobalState) barrierForwardValue(owner *GCObject, v *TValue) {
	if v.isCollectable() {
		g.barrierForward(owner, v.gc)
	}
}

// barrierBack moves the collector backward: the black container reverts to
// gray and is rescanned in the atomic step. Cheaper than a forward barrier
// for write-heavy containers.
func (g *GlobalState) barrierBack(owner *GCObject) {
	if owner.isBlack() {
		owner.toGray()
		g.grayAgain = append(g.grayAgain, owner)
	}
}

// ---- Atomic step -----------------------------------------------------------

// atomic finishes marking in one indivisible slice: re-mark the mutating
// roots, drain both gray lists, separate unreachable finalizable objects,
// flip the white, and prepare the sweep cursor.
func (g *GlobalState) atomic(l *State) {
	g.gcState = gcsAtomic
	g.markObject(&l.GCObject)
	g.markValue(&g.registry)
	for g.len3gray() > 0 {
		for g.propagateOne() > 0 {
		}
		if len(g.gray) == 0 && len(g.grayAgain) > 0 {
			g.gray = append(g.gray, g.grayAgain...)
			g.grayAgain = g.grayAgain[:0]
		}
	}
	g.separateToBeFnz()
	// Resurrect to-be-finalized objects so their finalizers see a live
	// object graph.
	for o := g.tobefnz; o != nil; o = o.next {
		g.markObject(o)
	}
	for g.propagateOne() > 0 {
	}
	g.clearStrCache()
	g.currentWhite = otherWhite(g.currentWhite)
	g.sweepgc = &g.allgc
	g.gcState = gcsSweepAllGC
}

func (g *GlobalState) len3gray() int { return len(g.gray) + len(g.grayAgain) }

// separateToBeFnz moves unreachable objects with finalizers from the
// finobj list onto tobefnz.
func (g *GlobalState) separateToBeFnz() {
	pp := &g.finobj
	for *pp != nil {
		o := *pp
		if o.isWhite() {
			*pp = o.next
			o.next = g.tobefnz
			g.tobefnz = o
		} else {
			pp = &o.next
		}
	}
}

// ---- Sweeping --------------------------------------------------------------

// sweepSlice walks at most limit objects from *pp, freeing dead whites and
// recoloring survivors with the new white. Returns the continuation
// cursor, or nil when the list is exhausted.
func (g *GlobalState) sweepSlice(pp **GCObject, limit int) **GCObject {
	dead := otherWhite(g.currentWhite)
	for i := 0; i < limit && *pp != nil; i++ {
		o := *pp
		if o.marked&dead != 0 && !o.isBlack() {
			*pp = o.next
			g.freeObject(o)
		} else {
			o.toWhite(g.currentWhite)
			pp = &o.next
		}
	}
	if *pp == nil {
		return nil
	}
	return pp
}

// freeObject unlinks a dead object and severs its references so the host
// collector can reclaim the storage. The logical size is credited back to
// the debt counter.
func (g *GlobalState) freeObject(o *GCObject) {
	size := sizeTValue
	switch o.tt {
	case VShrStr:
		ts := o.toString()
		g.strt.remove(ts)
		size = sizeString + len(ts.contents)
	case VLngStr:
		size = sizeString + o.toString().lnglen
	case VArray, VSlice:
		c := o.toContainer()
		c.data, c.src = nil, nil
		size = sizeContainer + c.capacity*sizeTValue
	case VDict:
		c := o.toContainer()
		c.entries = nil
		size = sizeContainer + c.capacity*sizeDictEntry
	case VVector:
		c := o.toContainer()
		c.raw = nil
		size = sizeContainer + c.capacity*c.dtype.rawSize()
	case VRange:
		size = sizeContainer
	case VProto:
		p := o.toProto()
		p.Code, p.K, p.Protos = nil, nil, nil
		size = sizeProto
	case VScriptClosure:
		o.toClosure().Upvals = nil
		size = sizeClosure
	case VNativeClosure:
		o.toNativeClosure().Upvals = nil
		size = sizeClosure
	case VUpval:
		size = sizeUpvalue
	case VThread:
		th := o.toThread()
		th.stack = nil
		size = sizeThread
	case VUserData:
		size = sizeUserData
	}
	delete(g.finalizers, o)
	o.next = nil
	g.objCount--
	g.totalBytes -= int64(size)
	g.gcDebt -= int64(size)
}

// ---- Stepping --------------------------------------------------------------

// singleStep advances the collector by one unit of its state machine and
// returns abstract work done.
func (g *GlobalState) singleStep(l *State) int {
	switch g.gcState {
	case gcsPause:
		g.markRoots()
		g.gcState = gcsPropagate
		return stepWorkBase
	case gcsPropagate:
		if len(g.gray) == 0 {
			g.atomic(l)
			return stepWorkBase
		}
		return g.propagateOne()
	case gcsSweepAllGC:
		if g.sweepgc = g.sweepSlice(g.sweepgc, gcSweepMax); g.sweepgc == nil {
			g.sweepgc = &g.finobj
			g.gcState = gcsSweepFinObj
		}
		return gcSweepMax
	case gcsSweepFinObj:
		if g.sweepgc = g.sweepSlice(g.sweepgc, gcSweepMax); g.sweepgc == nil {
			g.sweepgc = &g.tobefnz
			g.gcState = gcsSweepToBeFnz
		}
		return gcSweepMax
	case gcsSweepToBeFnz:
		if g.sweepgc = g.sweepSlice(g.sweepgc, gcSweepMax); g.sweepgc == nil {
			g.gcState = gcsSweepEnd
		}
		return gcSweepMax
	case gcsSweepEnd:
		g.gcEstimate = g.totalBytes
		g.gcState = gcsCallFin
		return stepWorkBase
	case gcsCallFin:
		if g.tobefnz != nil {
			n := g.runSomeFinalizers(l, gcFinMax)
			return n * stepWorkBase
		}
		g.endCycle()
		return stepWorkBase
	}
	return 0
}

// endCycle parks the collector and schedules the next cycle by setting a
// negative debt proportional to the live estimate and the pause tuning.
func (g *GlobalState) endCycle() {
	g.gcState = gcsPause
	g.perf.GCCycles++
	threshold := g.gcEstimate / 100 * int64(g.gcPause)
	if threshold < stepWorkBase {
		threshold = stepWorkBase
	}
	g.gcDebt = g.totalBytes - threshold
}

// gcStep runs one debt-driven incremental slice.
func (g *GlobalState) gcStep(l *State) {
	g.perf.GCSteps++
	budget := (g.gcDebt/workPerByte + stepWorkBase) * int64(g.gcStepMul) / 100
	for budget > 0 {
		w := int64(g.singleStep(l))
		budget -= w
		if g.gcState == gcsPause {
			return // cycle finished; debt was reset by endCycle
		}
	}
	g.gcDebt = -int64(stepWorkBase) * int64(g.gcStepMul)
}

// fullGC runs a complete collection cycle. Emergency collections (from a
// failing allocator) skip finalizers.
func (g *GlobalState) fullGC(l *State, emergency bool) {
	if !g.gcRunning && !emergency {
		return
	}
	// Finish any cycle in flight, then run one whole fresh cycle.
	for g.gcState != gcsPause {
		g.finishStep(l, emergency)
	}
	g.markRoots()
	g.gcState = gcsPropagate
	for g.gcState != gcsPause {
		g.finishStep(l, emergency)
	}
}

func (g *GlobalState) finishStep(l *State, emergency bool) {
	if emergency && g.gcState == gcsCallFin {
		// Skip finalizers: relink pending objects and end the cycle.
		for g.tobefnz != nil {
			o := g.tobefnz
			g.tobefnz = o.next
			o.marked |= finalizedBit
			o.next = g.allgc
			g.allgc = o
		}
		g.endCycle()
		return
	}
	g.singleStep(l)
}

// ---- Finalizers ------------------------------------------------------------

// runSomeFinalizers pops up to n objects from tobefnz and runs their
// finalizers under protection; the objects rejoin allgc and die in a later
// cycle.
func (g *GlobalState) runSomeFinalizers(l *State, n int) int {
	count := 0
	for g.tobefnz != nil && count < n {
		o := g.tobefnz
		g.tobefnz = o.next
		o.marked |= finalizedBit
		o.next = g.allgc
		g.allgc = o
		count++
		fn := g.finalizers[o]
		delete(g.finalizers, o)
		if fn == nil {
			continue
		}
		var v TValue
		v.setGC(o)
		l.protect(func() {
			base := l.top
			var fv TValue
			fv.setNativeFn(fn)
			l.push(fv)
			l.push(v)
			if ci := l.precall(base, 0); ci != nil {
				ci.status |= ciFresh
				l.execute()
			}
		})
	}
	return count
}

func (g *GlobalState) callAllPendingFinalizers(l *State) {
	for g.tobefnz != nil {
		g.runSomeFinalizers(l, gcFinMax)
	}
}

// markFinalizable moves an object from allgc to the finalizable list and
// registers its finalizer. Re-registration after the finalizer ran once is
// ignored, matching the mark-then-finalize-once rule.
func (g *GlobalState) markFinalizable(o *GCObject, fn NativeFn) {
	if o.hasFinalizer() {
		return
	}
	for pp := &g.allgc; *pp != nil; pp = &(*pp).next {
		if *pp == o {
			*pp = o.next
			o.next = g.finobj
			g.finobj = o
			g.finalizers[o] = fn
			return
		}
	}
}

// ---- Control ---------------------------------------------------------------

// GC opcodes for the control entry point.
type GCOp int

const (
	GCStop GCOp = iota
	GCRestart
	GCCollect
	GCCount
	GCStep
	GCSetPause
	GCSetStepMul
	GCIsRunning
)

// GCControl is the umbrella control verb of the embedding API. It returns
// a value whose meaning depends on the opcode (byte count for GCCount, the
// previous tuning value for the setters, 0/1 for GCIsRunning).
func (l *State) GCControl(op GCOp, arg int) int64 {
	g := l.g
	switch op {
	case GCStop:
		g.gcRunning = false
	case GCRestart:
		g.gcRunning = true
		g.gcDebt = 0
	case GCCollect:
		g.fullGC(l, false)
	case GCCount:
		return g.totalBytes
	case GCStep:
		g.gcStep(l)
	case GCSetPause:
		old := g.gcPause
		g.gcPause = arg
		return int64(old)
	case GCSetStepMul:
		old := g.gcStepMul
		g.gcStepMul = arg
		return int64(old)
	case GCIsRunning:
		if g.gcRunning {
			return 1
		}
		return 0
	}
	return 0
}
