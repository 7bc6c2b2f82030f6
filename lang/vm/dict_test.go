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

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func dictSetKV(l *State, d *Container, k, v TValue) { l.dictSet(d, &k, &v) }

func dictGetK(l *State, d *Container, k TValue) TValue {
	var out TValue
	l.dictGet(d, &k, &out)
	return out
}

// Insert 100 string keys into an initially 16-bucket dict, read each back,
// then delete the even-indexed keys and confirm the odd ones survive.
func TestDictInsertResizeDelete(t *testing.T) {
	l := newTestState()
	defer l.Close()

	d := l.NewDict(16)
	for i := 0; i < 100; i++ {
		dictSetKV(l, d, l.MakeStringValue(fmt.Sprintf("key-%d", i)), MakeInteger(int64(i)))
	}
	if d.Len() != 100 {
		t.Fatalf("length = %d, want 100", d.Len())
	}
	if d.Cap() < 128 {
		t.Fatalf("capacity = %d, want >= 128 after growth", d.Cap())
	}
	if d.Len()*4 > d.Cap()*3 {
		t.Fatalf("load factor above 0.75: %d/%d", d.Len(), d.Cap())
	}
	for i := 0; i < 100; i++ {
		v := dictGetK(l, d, l.MakeStringValue(fmt.Sprintf("key-%d", i)))
		if n, _ := v.AsInteger(); n != int64(i) {
			t.Fatalf("key-%d retrieved %v", i, v)
		}
	}

	for i := 0; i < 100; i += 2 {
		dictSetKV(l, d, l.MakeStringValue(fmt.Sprintf("key-%d", i)), MakeNil())
	}
	if d.Len() != 50 {
		t.Fatalf("length after deletions = %d, want 50", d.Len())
	}
	for i := 0; i < 100; i++ {
		v := dictGetK(l, d, l.MakeStringValue(fmt.Sprintf("key-%d", i)))
		if i%2 == 0 {
			if !v.isNil() {
				t.Fatalf("deleted key-%d still present", i)
			}
		} else if n, _ := v.AsInteger(); n != int64(i) {
			t.Fatalf("odd key-%d lost after deletions: %v", i, v)
		}
	}
	if !d.checkDistanceInvariant(l.g) {
		t.Fatal("robin-hood distance invariant violated after deletions")
	}
}

// Densely packed keys force long, overlapping probe chains; the distance
// field must match its definition after every operation.
func TestRobinHoodInvariantUnderCollisions(t *testing.T) {
	l := newTestState()
	defer l.Close()

	d := l.NewDict(16)
	// Integer keys spaced by the initial capacity, spread by mix64; with
	// 40 keys in at most 64 slots the probe chains overlap constantly.
	keys := make([]int64, 0, 40)
	for i := int64(0); i < 40; i++ {
		keys = append(keys, i*int64(d.Cap()))
	}
	for i, k := range keys {
		dictSetKV(l, d, MakeInteger(k), MakeInteger(int64(i)))
		if !d.checkDistanceInvariant(l.g) {
			t.Fatalf("distance invariant broken after insert %d", i)
		}
	}
	for i, k := range keys {
		if i%3 == 0 {
			dictSetKV(l, d, MakeInteger(k), MakeNil())
			if !d.checkDistanceInvariant(l.g) {
				t.Fatalf("distance invariant broken after delete %d", i)
			}
		}
	}
	// Every remaining key is still findable after deletions.
	for i, k := range keys {
		v := dictGetK(l, d, MakeInteger(k))
		if i%3 == 0 {
			if !v.isNil() {
				t.Fatalf("deleted key %d still found", k)
			}
		} else if n, _ := v.AsInteger(); n != int64(i) {
			t.Fatalf("key %d lost after deletions", k)
		}
	}
}

func TestDictKeyKinds(t *testing.T) {
	l := newTestState()
	defer l.Close()

	d := l.NewDict(8)
	dictSetKV(l, d, MakeBoolean(true), MakeInteger(1))
	dictSetKV(l, d, MakeBoolean(false), MakeInteger(2))
	dictSetKV(l, d, MakeInteger(3), MakeInteger(3))
	dictSetKV(l, d, MakeNumber(3.5), MakeInteger(4))

	v := dictGetK(l, d, MakeBoolean(true))
	if n, _ := v.AsInteger(); n != 1 {
		t.Fatal("true key lost")
	}
	// An integral float key is the same key as the integer.
	v = dictGetK(l, d, MakeNumber(3.0))
	if n, _ := v.AsInteger(); n != 3 {
		t.Fatal("3.0 must find the integer key 3")
	}
	v = dictGetK(l, d, MakeNumber(3.5))
	if n, _ := v.AsInteger(); n != 4 {
		t.Fatal("3.5 key lost")
	}

	// nil keys are rejected on set, absent on get.
	if v := dictGetK(l, d, MakeNil()); !v.isNil() {
		t.Fatal("nil key lookup must return nil")
	}
	status, _ := l.protect(func() {
		dictSetKV(l, d, MakeNil(), MakeInteger(1))
	})
	if status != StatusErrRun {
		t.Fatal("nil key set must raise")
	}
}

// Randomized round-trip: every inserted pair must be retrievable, the
// distance invariant must hold, and growth must preserve all pairs.
func TestDictFuzzRoundTrip(t *testing.T) {
	l := newTestState()
	defer l.Close()

	f := fuzz.NewWithSeed(0xA91).NilChance(0)
	d := l.NewDict(8)
	ref := map[string]int64{}
	for i := 0; i < 500; i++ {
		var key string
		var val int64
		f.Fuzz(&key)
		f.Fuzz(&val)
		if key == "" {
			continue
		}
		dictSetKV(l, d, l.MakeStringValue(key), MakeInteger(val))
		ref[key] = val
	}
	if d.Len() != len(ref) {
		t.Fatalf("length %d != reference %d", d.Len(), len(ref))
	}
	for k, want := range ref {
		v := dictGetK(l, d, l.MakeStringValue(k))
		if n, _ := v.AsInteger(); n != want {
			t.Fatalf("key %q = %v, want %d", k, v, want)
		}
	}
	if !d.checkDistanceInvariant(l.g) {
		t.Fatal("distance invariant violated after fuzzed inserts")
	}
}

func TestDictEquality(t *testing.T) {
	l := newTestState()
	defer l.Close()

	a := l.NewDict(8)
	b := l.NewDict(32) // different capacity, same contents
	for i := int64(0); i < 10; i++ {
		dictSetKV(l, a, MakeInteger(i), MakeInteger(i*i))
		dictSetKV(l, b, MakeInteger(i), MakeInteger(i*i))
	}
	if !containersEqual(a, b) {
		t.Fatal("dicts with equal contents must be equal")
	}
	dictSetKV(l, b, MakeInteger(3), MakeInteger(0))
	if containersEqual(a, b) {
		t.Fatal("dicts with different values must differ")
	}
}
