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
	"math"
	"unsafe"
)

// Open-addressed robin-hood hash table. Every occupied slot i satisfies
// distance == (i - hash&mask) mod capacity; lookups can therefore stop as
// soon as they meet an entry closer to home than the probe distance.
// Deletion shifts the following cluster back one slot, which keeps the
// distance invariant without tombstones.

const minDictCapacity = 8

// dictEntry is one robin-hood slot. Empty slots carry the empty-nil key
// variant and distance 0.
type dictEntry struct {
	key      TValue
	value    TValue
	hash     uint64
	distance uint8
	flags    uint8
}

func (e *dictEntry) occupied() bool { return !e.key.isEmpty() }

// ---- Key hashing -----------------------------------------------------------

// mix64 is a Stafford variant 13 finalizer; the multiply spreads integer
// keys so sequential ints do not cluster.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// hashValue computes the dict hash of a key. Strings use their stored
// content hash; integers a mixing multiply; floats their bit pattern;
// booleans 0/1; nil hashes to 0; other GC objects hash by identity.
func (g *GlobalState) hashValue(k *TValue) uint64 {
	switch k.baseType() {
	case TNil:
		return 0
	case TBoolean:
		if k.bval() {
			return mix64(1)
		}
		return mix64(0)
	case TNumber:
		if k.isInteger() {
			return mix64(uint64(k.ival()))
		}
		return mix64(math.Float64bits(k.fval()))
	case TString:
		return k.strVal().getHash(g)
	case TLightUserData:
		return mix64(k.n)
	default:
		return mix64(uint64(uintptr(unsafe.Pointer(k.gc))))
	}
}

// normalizeKey canonicalizes float keys with integral values to integer
// keys so a key found equal under EQ always hashes to the same slot.
// NaN keys are rejected.
func (l *State) normalizeKey(k *TValue) TValue {
	key := *k
	if key.isFloat() {
		f := key.fval()
		if math.IsNaN(f) {
			panicRuntimeErr(l, ErrInvalidKey)
		}
		if i := int64(f); float64(i) == f {
			key.setInt(i)
		}
	}
	return key
}

// ---- Probing ---------------------------------------------------------------

// dictFindSlot returns the slot index of key, or -1 if absent.
func (c *Container) dictFindSlot(g *GlobalState, key *TValue, hash uint64) int {
	idx := hash & c.mask
	dist := uint8(0)
	for {
		e := &c.entries[idx]
		if !e.occupied() {
			return -1
		}
		if e.distance < dist {
			// Everything from here sits closer to home; key is absent.
			return -1
		}
		if e.hash == hash && rawEqual(&e.key, key) {
			return int(idx)
		}
		idx = (idx + 1) & c.mask
		dist++
	}
}

// dictGet looks key up, writing the value (or nil) to out.
func (l *State) dictGet(c *Container, k *TValue, out *TValue) {
	if k.isNil() {
		out.setNil()
		return
	}
	key := l.normalizeKey(k)
	slot := c.dictFindSlot(l.g, &key, l.g.hashValue(&key))
	if slot < 0 {
		out.setNil()
		return
	}
	*out = c.entries[slot].value
}

// dictSet inserts or updates key. A nil value deletes the key. Growth
// doubles capacity once the load factor would exceed 3/4.
func (l *State) dictSet(c *Container, k, v *TValue) {
	if c.isReadOnly() {
		panicRuntimeErr(l, ErrReadOnly)
	}
	if k.isNil() {
		panicRuntimeErr(l, ErrInvalidKey)
	}
	key := l.normalizeKey(k)
	if v.isNil() {
		l.dictDelete(c, &key)
		return
	}
	if (c.length+1)*4 > c.capacity*3 {
		l.dictRehash(c, c.capacity*2)
	}
	hash := l.g.hashValue(&key)
	if slot := c.dictFindSlot(l.g, &key, hash); slot >= 0 {
		c.entries[slot].value = *v
		l.g.barrierBack(&c.GCObject)
		return
	}
	c.dictInsert(dictEntry{key: key, value: *v, hash: hash})
	c.length++
	l.g.barrierBack(&c.GCObject)
}

// dictInsert places a carried entry by robin-hood swapping: whenever the
// resident entry is closer to home than the carried one, they trade places
// and the displaced entry continues probing.
func (c *Container) dictInsert(carry dictEntry) {
	idx := carry.hash & c.mask
	carry.distance = 0
	for {
		e := &c.entries[idx]
		if !e.occupied() {
			*e = carry
			return
		}
		if e.distance < carry.distance {
			*e, carry = carry, *e
		}
		idx = (idx + 1) & c.mask
		carry.distance++
	}
}

// dictDelete removes key if present, backward-shifting the following
// cluster to preserve the probing sequence.
func (l *State) dictDelete(c *Container, key *TValue) {
	hash := l.g.hashValue(key)
	slot := c.dictFindSlot(l.g, key, hash)
	if slot < 0 {
		return
	}
	idx := uint64(slot)
	for {
		next := (idx + 1) & c.mask
		e := &c.entries[next]
		if !e.occupied() || e.distance == 0 {
			break
		}
		c.entries[idx] = *e
		c.entries[idx].distance--
		idx = next
	}
	c.entries[idx] = dictEntry{}
	c.entries[idx].key.setEmpty()
	c.length--
}

// dictRehash rebuilds the table at the new capacity, reinserting every
// occupied entry.
func (l *State) dictRehash(c *Container, newCap int) {
	newCap = nextPow2(newCap)
	if newCap < minDictCapacity {
		newCap = minDictCapacity
	}
	l.reallocMem(c.capacity*sizeDictEntry, newCap*sizeDictEntry)
	old := c.entries
	c.entries = make([]dictEntry, newCap)
	for i := range c.entries {
		c.entries[i].key.setEmpty()
	}
	c.capacity = newCap
	c.mask = uint64(newCap - 1)
	for i := range old {
		if old[i].occupied() {
			e := old[i]
			e.distance = 0
			c.dictInsert(e)
		}
	}
}

// dictsEqual compares two dicts: same length and every key of a maps to a
// deep-equal value in b.
func dictsEqual(a, b *Container) bool {
	if a.length != b.length {
		return false
	}
	for i := range a.entries {
		e := &a.entries[i]
		if !e.occupied() {
			continue
		}
		slot := b.dictFindSlot(nil, &e.key, e.hash)
		if slot < 0 {
			return false
		}
		if !valuesEqualDeep(&e.value, &b.entries[slot].value) {
			return false
		}
	}
	return true
}

// DictRange iterates occupied entries in slot order, stopping early if fn
// returns false.
func (c *Container) DictRange(fn func(k, v TValue) bool) {
	for i := range c.entries {
		if c.entries[i].occupied() {
			if !fn(c.entries[i].key, c.entries[i].value) {
				return
			}
		}
	}
}

// checkDistanceInvariant verifies the robin-hood distance law for every
// occupied slot; test support.
func (c *Container) checkDistanceInvariant(g *GlobalState) bool {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.occupied() {
			continue
		}
		home := e.hash & c.mask
		want := (uint64(i) - home) & c.mask
		if uint64(e.distance) != want {
			return false
		}
	}
	return true
}
