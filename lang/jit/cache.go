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
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/aql-lang/go-aql/lang/vm"
)

// CodeCache holds compiled entry points keyed by prototype fingerprint.
// Recency is maintained by the underlying LRU; eviction is the only path
// that frees executable memory. A time-based sweep retires entries idle
// past the configured limit.
type CodeCache struct {
	entries *lru.Cache
	stats   *Stats
	log     log.Logger
}

// cacheEntry is one compiled function.
type cacheEntry struct {
	protoID    [32]byte
	fn         vm.CompiledFn
	code       *ExecMem
	codeSize   int
	lastAccess time.Time
	accessCount uint64
}

func newCodeCache(maxEntries int, stats *Stats, logger log.Logger) *CodeCache {
	c := &CodeCache{stats: stats, log: logger}
	c.entries, _ = lru.NewWithEvict(maxEntries, func(key, value interface{}) {
		entry := value.(*cacheEntry)
		stats.Evictions++
		stats.CodeBytes -= int64(entry.codeSize)
		entry.code.Free()
		logger.Debug("code cache eviction", "bytes", entry.codeSize)
	})
	return c
}

// Get looks an entry up and promotes it to most-recently-used.
func (c *CodeCache) Get(id [32]byte) *cacheEntry {
	v, ok := c.entries.Get(id)
	if !ok {
		c.stats.CacheMisses++
		return nil
	}
	entry := v.(*cacheEntry)
	entry.lastAccess = time.Now()
	entry.accessCount++
	c.stats.CacheHits++
	return entry
}

// Put inserts a compiled function, evicting the least recently used entry
// when the cache is full.
func (c *CodeCache) Put(id [32]byte, fn vm.CompiledFn, code *ExecMem) {
	entry := &cacheEntry{
		protoID:    id,
		fn:         fn,
		code:       code,
		codeSize:   code.Size(),
		lastAccess: time.Now(),
	}
	c.stats.CodeBytes += int64(entry.codeSize)
	if c.stats.CodeBytes > c.stats.PeakCodeBytes {
		c.stats.PeakCodeBytes = c.stats.CodeBytes
	}
	c.entries.Add(id, entry)
}

// Len returns the resident entry count.
func (c *CodeCache) Len() int { return c.entries.Len() }

// SweepIdle removes entries whose last access is older than maxIdle and
// returns how many were retired.
func (c *CodeCache) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for _, key := range c.entries.Keys() {
		v, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if v.(*cacheEntry).lastAccess.Before(cutoff) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Purge drops every entry (and frees all executable memory).
func (c *CodeCache) Purge() { c.entries.Purge() }
