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

import "testing"

// A coroutine that yields 1, then 2, then returns 3.
func yieldingProto(l *State) *Proto {
	p := l.NewProto()
	p.Source = "test:co"
	p.MaxStackSize = 4
	p.Code = []Instruction{
		abc(OpLoadNil, 0, 0, 0),
		asbx(OpLoadI, 0, 1),
		abc(OpYield, 0, 2, 0), // yield R0
		asbx(OpLoadI, 0, 2),
		abc(OpYield, 0, 2, 0),
		asbx(OpLoadI, 0, 3),
		abc(OpRetOne, 0, 0, 0),
	}
	return p
}

func TestCoroutineYieldResume(t *testing.T) {
	l := newTestState()
	defer l.Close()

	co := l.NewThread()
	cl := co.NewClosure(yieldingProto(l))
	co.PushClosureValue(cl)

	for i, want := range []int64{1, 2} {
		results, status := co.Resume(l, 0)
		if status != StatusYield {
			t.Fatalf("resume %d: status %s, want yield", i, status)
		}
		if len(results) != 1 {
			t.Fatalf("resume %d: %d results", i, len(results))
		}
		if n, _ := results[0].AsInteger(); n != want {
			t.Fatalf("resume %d yielded %d, want %d", i, n, want)
		}
		if co.status != StatusYield {
			t.Fatalf("coroutine not suspended after yield")
		}
	}

	results, status := co.Resume(l, 0)
	if status != StatusOK {
		t.Fatalf("final resume: %s", status)
	}
	if n, _ := results[0].AsInteger(); n != 3 {
		t.Fatalf("final result = %d, want 3", n)
	}

	// Dead coroutines refuse further resumes.
	if _, status := co.Resume(l, 0); status == StatusOK || status == StatusYield {
		t.Fatal("resuming a dead coroutine must fail")
	}
}

func TestCoroutinePreservesStackAcrossYield(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// R1 is set before the yield and returned after it.
	p := l.NewProto()
	p.Source = "test:co2"
	p.MaxStackSize = 4
	p.Code = []Instruction{
		asbx(OpLoadI, 1, 42),
		asbx(OpLoadI, 0, 0),
		abc(OpYield, 0, 1, 0),
		abc(OpRetOne, 1, 0, 0),
	}
	co := l.NewThread()
	cl := co.NewClosure(p)
	co.PushClosureValue(cl)

	if _, status := co.Resume(l, 0); status != StatusYield {
		t.Fatalf("first resume: %s", status)
	}
	results, status := co.Resume(l, 0)
	if status != StatusOK {
		t.Fatalf("second resume: %s", status)
	}
	if n, _ := results[0].AsInteger(); n != 42 {
		t.Fatalf("register lost across yield: %d", n)
	}
}

func TestCoroutineErrorKillsIt(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := l.NewProto()
	p.Source = "test:co3"
	p.MaxStackSize = 4
	p.Code = []Instruction{
		asbx(OpLoadI, 0, 1),
		abc(OpGetProp, 1, 0, 0), // indexing an integer raises
		abc(OpRetOne, 1, 0, 0),
	}
	co := l.NewThread()
	cl := co.NewClosure(p)
	co.PushClosureValue(cl)

	results, status := co.Resume(l, 0)
	if status != StatusErrRun {
		t.Fatalf("want ERRRUN, got %s", status)
	}
	if len(results) != 1 || !results[0].isString() {
		t.Fatal("error value missing")
	}
	if _, status := co.Resume(l, 0); status == StatusOK {
		t.Fatal("dead coroutine resumed")
	}
	// The main thread is unharmed.
	if l.Status() != StatusOK || l.GetTop() != 0 {
		t.Fatal("resumer state corrupted by coroutine error")
	}
}

func TestYieldOutsideCoroutineRaises(t *testing.T) {
	l := newTestState()
	defer l.Close()

	p := buildProto(l, 4, 0, []Instruction{
		asbx(OpLoadI, 0, 1),
		abc(OpYield, 0, 2, 0),
		abc(OpRetOne, 0, 0, 0),
	})
	if _, status := runProtoStatus(l, p); status != StatusErrRun {
		t.Fatalf("yield on the main thread must raise, got %s", status)
	}
}

func TestResumeDeliversArguments(t *testing.T) {
	l := newTestState()
	defer l.Close()

	// yield R0; the resume argument lands back in R0 and is returned.
	p := l.NewProto()
	p.Source = "test:co4"
	p.MaxStackSize = 4
	p.Code = []Instruction{
		asbx(OpLoadI, 0, 0),
		abc(OpYield, 0, 2, 0),
		abc(OpRetOne, 0, 0, 0),
	}
	co := l.NewThread()
	cl := co.NewClosure(p)
	co.PushClosureValue(cl)

	if _, status := co.Resume(l, 0); status != StatusYield {
		t.Fatal("expected yield")
	}
	co.push(MakeInteger(7))
	results, status := co.Resume(l, 1)
	if status != StatusOK {
		t.Fatalf("resume with argument: %s", status)
	}
	if n, _ := results[0].AsInteger(); n != 7 {
		t.Fatalf("resume argument not delivered: %d", n)
	}
}
