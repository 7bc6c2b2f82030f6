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
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// ---- String objects --------------------------------------------------------

const (
	// maxShortLen is the inclusive byte-length bound for interned strings.
	maxShortLen = 40

	// longMark in shrlen flags a long (non-interned) string.
	longMark = 0xFF

	// String-conversion cache geometry.
	strCacheN = 53
	strCacheM = 2
)

// StringObj is a string object. Short strings (length <= maxShortLen) are
// interned in the per-VM string table and compare by pointer; long strings
// carry their length inline, hash lazily, and compare by content.
type StringObj struct {
	GCObject
	extra    byte     // 1 once a long string's hash is computed
	shrlen   byte     // short length, or longMark
	hash     uint64
	lnglen   int      // long strings only
	hnext    *StringObj // short strings: intern-table chain
	contents string
}

// Len returns the byte length.
func (ts *StringObj) Len() int {
	if ts.shrlen == longMark {
		return ts.lnglen
	}
	return int(ts.shrlen)
}

// String returns the contents.
func (ts *StringObj) String() string { return ts.contents }

func (ts *StringObj) isShort() bool { return ts.shrlen != longMark }

// getHash returns the content hash, computing it on first use for long
// strings.
func (ts *StringObj) getHash(g *GlobalState) uint64 {
	if ts.shrlen == longMark && ts.extra == 0 {
		ts.hash = hashString(ts.contents, g.seed)
		ts.extra = 1
	}
	return ts.hash
}

// hashString hashes content with the per-VM seed folded in.
func hashString(s string, seed uint64) uint64 {
	return xxhash.Sum64String(s) ^ seed
}

// stringEqual implements string equality: interned pointer for two shorts,
// length then bytes otherwise.
func stringEqual(a, b *StringObj) bool {
	if a == b {
		return true
	}
	if a.isShort() && b.isShort() {
		return false // both interned, distinct pointers
	}
	return a.Len() == b.Len() && a.contents == b.contents
}

// ---- String table ----------------------------------------------------------

// stringTable is the short-string intern table: chained buckets over a
// power-of-two size, grown when the population reaches the bucket count.
type stringTable struct {
	hash []*StringObj
	nuse int
	size int
}

const minStrTableSize = 128

func (st *stringTable) init() {
	st.size = minStrTableSize
	st.hash = make([]*StringObj, minStrTableSize)
}

// resize rehashes every chained string into a table of the new size.
func (st *stringTable) resize(newSize int) {
	newHash := make([]*StringObj, newSize)
	for i := 0; i < st.size; i++ {
		ts := st.hash[i]
		for ts != nil {
			next := ts.hnext
			slot := ts.hash & uint64(newSize-1)
			ts.hnext = newHash[slot]
			newHash[slot] = ts
			ts = next
		}
	}
	st.hash = newHash
	st.size = newSize
}

// remove unlinks a short string during sweep.
func (st *stringTable) remove(ts *StringObj) {
	slot := ts.hash & uint64(st.size-1)
	p := &st.hash[slot]
	for *p != nil {
		if *p == ts {
			*p = ts.hnext
			st.nuse--
			return
		}
		p = &(*p).hnext
	}
}

// internString returns the canonical object for a short string, creating
// and chaining it if the content is not yet present.
func (l *State) internString(s string) *StringObj {
	g := l.g
	h := hashString(s, g.seed)
	st := &g.strt
	slot := h & uint64(st.size-1)
	for ts := st.hash[slot]; ts != nil; ts = ts.hnext {
		if ts.hash == h && ts.contents == s {
			// Resurrect a string about to be swept.
			if ts.isDeadWhite(g.currentWhite) {
				ts.toWhite(g.currentWhite)
			}
			return ts
		}
	}
	if st.nuse >= st.size && st.size <= maxInt/2 {
		st.resize(st.size * 2)
		slot = h & uint64(st.size-1)
	}
	ts := &StringObj{
		shrlen:   byte(len(s)),
		hash:     h,
		contents: s,
	}
	l.linkObject(&ts.GCObject, VShrStr, sizeString+len(s))
	ts.hnext = st.hash[slot]
	st.hash[slot] = ts
	st.nuse++
	return ts
}

// newLongString creates a non-interned string object; the hash stays unset
// until first use.
func (l *State) newLongString(s string) *StringObj {
	ts := &StringObj{
		shrlen:   longMark,
		lnglen:   len(s),
		contents: s,
	}
	l.linkObject(&ts.GCObject, VLngStr, sizeString+len(s))
	return ts
}

// ---- Conversion cache ------------------------------------------------------

// strCacheEntry pairs a host string's data pointer with its VM object, so
// repeated conversions of the same host string skip the table.
type strCacheEntry struct {
	data unsafe.Pointer
	n    int
	ts   *StringObj
}

// NewString converts a host string into a VM string object, consulting the
// conversion cache first.
func (l *State) NewString(s string) *StringObj {
	if len(s) == 0 {
		return l.g.emptyString
	}
	g := l.g
	p := unsafe.Pointer(unsafe.StringData(s))
	i := uintptr(p) % strCacheN
	row := &g.strCache[i]
	for j := 0; j < strCacheM; j++ {
		if row[j].data == p && row[j].n == len(s) && !row[j].ts.isDeadWhite(g.currentWhite) {
			return row[j].ts
		}
	}
	ts := l.newStringUncached(s)
	row[1] = row[0]
	row[0] = strCacheEntry{data: p, n: len(s), ts: ts}
	return ts
}

func (l *State) newStringUncached(s string) *StringObj {
	if len(s) <= maxShortLen {
		return l.internString(s)
	}
	return l.newLongString(s)
}

// clearStrCache drops every cache entry; called before sweeps so the cache
// never outlives its strings.
func (g *GlobalState) clearStrCache() {
	for i := range g.strCache {
		for j := range g.strCache[i] {
			g.strCache[i][j] = strCacheEntry{}
		}
	}
}

const maxInt = int(^uint(0) >> 1)
