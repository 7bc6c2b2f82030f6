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

import "unsafe"

// The embedding API. Indices follow the usual convention: positive values
// address the current frame from its base, negative values count back from
// the top, and pseudo-indices reach the registry and the running native
// closure's upvalues.

// RegistryIndex is the pseudo-index of the registry dict.
const RegistryIndex = -1_000_000

// UpvalueIndex returns the pseudo-index of the running native closure's
// i-th upvalue (1-based).
func UpvalueIndex(i int) int { return RegistryIndex - i }

var nilValue = TValue{tt: VNil}

// index2value resolves an acceptable index to its value slot.
func (l *State) index2value(idx int) *TValue {
	switch {
	case idx > 0:
		slot := l.ci.base + idx - 1
		if slot >= l.top {
			return &nilValue
		}
		return &l.stack[slot]
	case idx > RegistryIndex: // negative, relative to top
		slot := l.top + idx
		if slot < l.ci.base {
			return &nilValue
		}
		return &l.stack[slot]
	case idx == RegistryIndex:
		return &l.g.registry
	default: // upvalue pseudo-index
		n := RegistryIndex - idx
		fn := &l.stack[l.ci.fnIdx]
		if fn.checkTag(ctb(VNativeClosure)) {
			nc := fn.nativeClosureVal()
			if n <= len(nc.Upvals) {
				return &nc.Upvals[n-1]
			}
		}
		return &nilValue
	}
}

// ValueAt exposes the value slot at idx to embedders.
func (l *State) ValueAt(idx int) *TValue { return l.index2value(idx) }

// PushClosureValue pushes a script closure.
func (l *State) PushClosureValue(cl *Closure) {
	var v TValue
	v.setClosure(cl)
	l.push(v)
}

// AbsIndex converts a relative index to an absolute one.
func (l *State) AbsIndex(idx int) int {
	if idx > 0 || idx <= RegistryIndex {
		return idx
	}
	return l.top - l.ci.base + idx + 1
}

// ---- Stack manipulation ----------------------------------------------------

// Pop removes n values from the top.
func (l *State) Pop(n int) { l.SetTop(-n - 1) }

// PushValue pushes a copy of the value at idx.
func (l *State) PushValue(idx int) { l.push(*l.index2value(idx)) }

// Copy stores the value at fromIdx into the slot at toIdx.
func (l *State) Copy(fromIdx, toIdx int) {
	*l.index2value(toIdx) = *l.index2value(fromIdx)
}

// Insert moves the top value to idx, shifting values up.
func (l *State) Insert(idx int) { l.Rotate(idx, 1) }

// Remove deletes the value at idx, shifting values down.
func (l *State) Remove(idx int) {
	l.Rotate(idx, -1)
	l.Pop(1)
}

// Replace pops the top value into idx.
func (l *State) Replace(idx int) {
	l.Copy(-1, idx)
	l.Pop(1)
}

// Rotate rotates the window [idx, top] by n positions toward the top.
func (l *State) Rotate(idx, n int) {
	start := l.ci.base + l.AbsIndex(idx) - 1
	end := l.top - 1
	if start < l.ci.base || start > end {
		return
	}
	m := end - n // last element of the prefix
	if n < 0 {
		m = start - n - 1
	}
	reverse(l.stack, start, m)
	reverse(l.stack, m+1, end)
	reverse(l.stack, start, end)
}

func reverse(s []TValue, from, to int) {
	for from < to {
		s[from], s[to] = s[to], s[from]
		from++
		to--
	}
}

// XMove moves n values from the top of this thread to the top of another.
func (l *State) XMove(to *State, n int) {
	if l == to {
		return
	}
	to.CheckStack(n)
	for i := 0; i < n; i++ {
		to.push(l.stack[l.top-n+i])
	}
	l.SetTop(-n - 1)
}

// ---- Typed pushes ----------------------------------------------------------

func (l *State) PushNil()           { l.push(TValue{tt: VNil}) }
func (l *State) PushBoolean(b bool) { v := TValue{}; v.setBool(b); l.push(v) }
func (l *State) PushInteger(n int64) { v := TValue{}; v.setInt(n); l.push(v) }
func (l *State) PushNumber(f float64) { v := TValue{}; v.setFloat(f); l.push(v) }

// PushString pushes (and possibly interns) a string.
func (l *State) PushString(s string) {
	v := TValue{}
	v.setString(l.NewString(s))
	l.push(v)
	l.checkGC()
}

// PushNativeFunction pushes a light native function.
func (l *State) PushNativeFunction(fn NativeFn) {
	v := TValue{}
	v.setNativeFn(fn)
	l.push(v)
}

// PushNativeClosure pops n upvalues and pushes a native closure holding
// them.
func (l *State) PushNativeClosure(fn NativeFn, n int) {
	nc := l.NewNativeClosure(fn, n)
	for i := 0; i < n; i++ {
		nc.Upvals[i] = l.stack[l.top-n+i]
	}
	l.Pop(n)
	v := TValue{}
	v.setNativeClosure(nc)
	l.push(v)
	l.checkGC()
}

// PushLightUserData pushes an unmanaged pointer.
func (l *State) PushLightUserData(p unsafe.Pointer) {
	v := TValue{}
	v.setLightUserData(p)
	l.push(v)
}

// PushThread pushes a thread value.
func (l *State) PushThread(co *State) {
	v := TValue{}
	v.setThread(co)
	l.push(v)
}

// PushContainer pushes a container value.
func (l *State) PushContainer(c *Container) {
	v := TValue{}
	v.setContainer(c)
	l.push(v)
	l.checkGC()
}

// NewUserData boxes an embedder payload and pushes it.
func (l *State) NewUserData(data interface{}) *UserData {
	u := &UserData{data: data}
	l.linkObject(&u.GCObject, VUserData, sizeUserData)
	v := TValue{}
	v.setGC(&u.GCObject)
	l.push(v)
	l.checkGC()
	return u
}

// ---- Typed reads -----------------------------------------------------------

// ToIntegerX converts the value at idx to an integer.
func (l *State) ToIntegerX(idx int) (int64, bool) {
	return l.index2value(idx).toInteger()
}

// ToNumberX converts the value at idx to a float.
func (l *State) ToNumberX(idx int) (float64, bool) {
	return l.index2value(idx).toNumber()
}

// ToBoolean applies truthiness to the value at idx.
func (l *State) ToBoolean(idx int) bool { return l.index2value(idx).truthy() }

// ToStringX returns the string at idx (no coercion) and its byte length.
func (l *State) ToStringX(idx int) (string, int, bool) {
	v := l.index2value(idx)
	if !v.isString() {
		return "", 0, false
	}
	ts := v.strVal()
	return ts.contents, ts.Len(), true
}

// ToUserData returns the payload of a full or light userdata at idx.
func (l *State) ToUserData(idx int) interface{} {
	v := l.index2value(idx)
	switch v.typeTag() {
	case VUserData:
		return v.udataVal().data
	case VLightUserData:
		return v.pval()
	}
	return nil
}

// ToNativeFunction returns the native function at idx, or nil.
func (l *State) ToNativeFunction(idx int) NativeFn {
	v := l.index2value(idx)
	switch v.typeTag() {
	case VNativeFunc:
		return v.fnval()
	case VNativeClosure:
		return v.nativeClosureVal().Fn
	}
	return nil
}

// ToThread returns the thread at idx, or nil.
func (l *State) ToThread(idx int) *State {
	v := l.index2value(idx)
	if v.isThread() {
		return v.threadVal()
	}
	return nil
}

// ToContainer returns the container at idx, or nil.
func (l *State) ToContainer(idx int) *Container {
	v := l.index2value(idx)
	if v.isContainer() {
		return v.containerVal()
	}
	return nil
}

// TypeAt returns the base type tag of the value at idx.
func (l *State) TypeAt(idx int) byte { return l.index2value(idx).baseType() }

func (l *State) IsNil(idx int) bool      { return l.index2value(idx).isNil() }
func (l *State) IsBoolean(idx int) bool  { return l.index2value(idx).isBoolean() }
func (l *State) IsInteger(idx int) bool  { return l.index2value(idx).isInteger() }
func (l *State) IsNumber(idx int) bool   { return l.index2value(idx).isNumber() }
func (l *State) IsString(idx int) bool   { return l.index2value(idx).isString() }
func (l *State) IsFunction(idx int) bool { return l.index2value(idx).isFunction() }
func (l *State) IsThread(idx int) bool   { return l.index2value(idx).isThread() }
func (l *State) IsArray(idx int) bool    { return l.index2value(idx).isArray() }
func (l *State) IsSlice(idx int) bool    { return l.index2value(idx).isSlice() }
func (l *State) IsDict(idx int) bool     { return l.index2value(idx).isDict() }
func (l *State) IsVector(idx int) bool   { return l.index2value(idx).isVector() }

// ---- Container accessors ---------------------------------------------------

// CreateArray pushes a new fixed array of n nil elements.
func (l *State) CreateArray(n int) { l.PushContainer(l.NewArray(DtAny, n)) }

// CreateSlice pushes a view [start, end) over the container at the top of
// the stack, replacing it.
func (l *State) CreateSlice(start, end int) {
	src := l.ToContainer(-1)
	if src == nil {
		typeError(l, "slice", l.index2value(-1))
	}
	view := l.NewSliceView(src, start, end)
	l.Pop(1)
	l.PushContainer(view)
}

// CreateDict pushes a new empty dict.
func (l *State) CreateDict() { l.PushContainer(l.NewDict(minDictCapacity)) }

// CreateVector pushes a new float64 vector of n zeros.
func (l *State) CreateVector(n int) { l.PushContainer(l.NewVector(DtFloat64, n)) }

// GetArray pushes element n of the array (or slice) at idx.
func (l *State) GetArray(idx int, n int64) {
	c := l.ToContainer(idx)
	if c == nil {
		typeError(l, "index", l.index2value(idx))
	}
	var out TValue
	l.getIndex(c, n, &out)
	l.push(out)
}

// SetArray pops the top value into element n of the container at idx.
func (l *State) SetArray(idx int, n int64) {
	c := l.ToContainer(idx)
	if c == nil {
		typeError(l, "index", l.index2value(idx))
	}
	v := *l.index2value(-1)
	l.Pop(1)
	l.setIndex(c, n, &v)
}

// GetDict pops the key from the top and pushes dict[key].
func (l *State) GetDict(idx int) {
	c := l.ToContainer(idx)
	if c == nil || c.kind != KindDict {
		typeError(l, "index", l.index2value(idx))
	}
	key := *l.index2value(-1)
	l.Pop(1)
	var out TValue
	l.dictGet(c, &key, &out)
	l.push(out)
}

// SetDict pops value then key and stores dict[key] = value.
func (l *State) SetDict(idx int) {
	c := l.ToContainer(idx)
	if c == nil || c.kind != KindDict {
		typeError(l, "index", l.index2value(idx))
	}
	v := *l.index2value(-1)
	key := *l.index2value(-2)
	l.Pop(2)
	l.dictSet(c, &key, &v)
}

// GetVector and SetVector are GetArray/SetArray constrained to vectors.
func (l *State) GetVector(idx int, n int64) {
	c := l.ToContainer(idx)
	if c == nil || c.kind != KindVector {
		typeError(l, "index", l.index2value(idx))
	}
	var out TValue
	l.vectorGet(c, n, &out)
	l.push(out)
}

func (l *State) SetVector(idx int, n int64) {
	c := l.ToContainer(idx)
	if c == nil || c.kind != KindVector {
		typeError(l, "index", l.index2value(idx))
	}
	v := *l.index2value(-1)
	l.Pop(1)
	l.vectorSet(c, n, &v)
}

// Globals returns the globals dict, created in the registry on first use.
func (l *State) Globals() *Container {
	reg := l.g.Registry()
	var key, out TValue
	key.setString(l.internString("_G"))
	l.dictGet(reg, &key, &out)
	if out.isDict() {
		return out.containerVal()
	}
	gd := l.NewDict(32)
	out.setContainer(gd)
	l.dictSet(reg, &key, &out)
	return gd
}

// Register binds a native function into the globals dict.
func (l *State) Register(name string, fn NativeFn) {
	var k, v TValue
	k.setString(l.NewString(name))
	v.setNativeFn(fn)
	l.dictSet(l.Globals(), &k, &v)
}

// ---- Calls -----------------------------------------------------------------

// Call invokes the function below nargs arguments on the stack.
func (l *State) Call(nargs, nresults int) {
	fnIdx := l.top - nargs - 1
	l.CallValue(fnIdx, nresults)
}

// CallK is Call with a continuation that runs after completion.
func (l *State) CallK(nargs, nresults int, ctx interface{}, k ContFn) {
	l.Call(nargs, nresults)
	if k != nil {
		k(l, StatusOK, ctx)
	}
}

// PCall invokes the function below nargs arguments under protection. On
// error the error value replaces the function and its arguments, after
// being filtered through the handler at errFuncIdx when nonzero.
func (l *State) PCall(nargs, nresults, errFuncIdx int) Status {
	fnIdx := l.top - nargs - 1
	var errFunc TValue
	if errFuncIdx != 0 {
		errFunc = *l.index2value(errFuncIdx)
	}
	status, errVal := l.protect(func() {
		l.CallValue(fnIdx, nresults)
	})
	if status == StatusOK {
		return StatusOK
	}
	if errFuncIdx != 0 && errFunc.isFunction() {
		// Run the message handler on the error value; double faults
		// degrade to StatusErrErr.
		hstatus, hval := l.protect(func() {
			base := l.top
			l.push(errFunc)
			l.push(errVal)
			if ci := l.precall(base, 1); ci != nil {
				ci.status |= ciFresh
				l.execute()
			}
			errVal = l.stack[l.top-1]
			l.Pop(1)
		})
		if hstatus != StatusOK {
			status = StatusErrErr
			errVal = hval
		}
	}
	l.top = fnIdx
	l.push(errVal)
	return status
}

// PCallK is PCall with a continuation invoked with the final status.
func (l *State) PCallK(nargs, nresults, errFuncIdx int, ctx interface{}, k ContFn) Status {
	status := l.PCall(nargs, nresults, errFuncIdx)
	if k != nil {
		k(l, status, ctx)
	}
	return status
}

// ---- Operators -------------------------------------------------------------

// Arith pops one operand (for ArithUnm and ArithBNot) or two and pushes
// the result.
func (l *State) Arith(op ArithOp) {
	var out TValue
	if op == ArithUnm || op == ArithBNot {
		a := *l.index2value(-1)
		l.Pop(1)
		var zero TValue
		zero.setInt(0)
		if op == ArithUnm {
			l.vmArith(ArithSub, &zero, &a, &out)
		} else {
			l.vmArith(ArithBXor, intValue(-1), &a, &out)
		}
	} else {
		b := *l.index2value(-1)
		a := *l.index2value(-2)
		l.Pop(2)
		l.vmArith(op, &a, &b, &out)
	}
	l.push(out)
	l.checkGC()
}

// CompareOp selects a comparison for Compare.
type CompareOp int

const (
	CmpEq CompareOp = iota
	CmpLt
	CmpLe
)

// Compare applies op to the values at the two indices.
func (l *State) Compare(op CompareOp, idx1, idx2 int) bool {
	a := l.index2value(idx1)
	b := l.index2value(idx2)
	switch op {
	case CmpEq:
		return l.vmEquals(a, b)
	case CmpLt:
		return l.vmLess(a, b)
	default:
		return l.vmLessEq(a, b)
	}
}

// Concat pops n values and pushes their concatenation.
func (l *State) Concat(n int) {
	if n == 0 {
		l.PushString("")
		return
	}
	ts := l.concatRange(l.top-n, l.top-1)
	l.Pop(n)
	v := TValue{}
	v.setString(ts)
	l.push(v)
	l.checkGC()
}

// Len pushes the length of the value at idx.
func (l *State) Len(idx int) {
	var out TValue
	l.vmLen(l.index2value(idx), &out)
	l.push(out)
}

// Error pops the top value and raises it as a runtime error.
func (l *State) Error() {
	v := *l.index2value(-1)
	l.Pop(1)
	throwValue(l, StatusErrRun, v)
}

// SetFinalizer pops a native function and registers it as the finalizer of
// the collectable value at idx.
func (l *State) SetFinalizer(idx int) {
	v := l.index2value(idx)
	if !v.isCollectable() {
		typeError(l, "set a finalizer on", v)
	}
	fn := l.ToNativeFunction(-1)
	if fn == nil {
		typeError(l, "use as a finalizer", l.index2value(-1))
	}
	l.Pop(1)
	l.g.markFinalizable(v.gc, fn)
}
