// Copyright (C) 2024 Hypertable Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cellcache

import (
	"encoding/binary"
	"log"
	"sort"
	"sync"

	"github.com/hypertable/rangeserver/internal/cellkey"
)

// Counter opcodes (spec §3 "Value"): a 9-byte counter record is one opcode
// byte followed by a big-endian int64 count.
const (
	CounterIncrement byte = 8
	CounterReset     byte = 9
)

type entry struct {
	key   cellkey.Key
	value []byte
}

// Cache is the mutable, ordered, lock-protected map described in spec §4.2.
// Keys and values are interned into an arena so that a Scanner created while
// holding the lock can release it and keep iterating over stable memory.
type Cache struct {
	mu sync.Mutex

	arena *arena
	// entries is kept sorted by cellkey.Compare; add finds an exact match
	// through index and otherwise places the new entry with a stdlib
	// sort.Search binary search, and add_counter scans entries linearly for
	// a matching counter cell. This meets the "ordered map" contract without
	// pulling in a third-party btree (none of the pack's complete repos use
	// one for this exact shape).
	entries []entry
	index   map[string]int // serialized key -> index into entries, for O(1) exact-match lookups

	collisions       int64
	deletes          int64
	hasCounterDeletes bool

	Logf func(string, ...interface{})
}

// New creates an empty, writable Cache.
func New() *Cache {
	return &Cache{
		arena: newArena(),
		index: make(map[string]int),
	}
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Add inserts key/value, replacing any existing entry with an identical key
// (row, cf, cq, flag, timestamp, revision all equal). On collision a warning
// is logged and the collision counter is bumped (spec §4.2). Delete flags
// bump the delete counter used by the garbage tracker.
func (c *Cache) Add(key cellkey.Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(key, value)
}

func (c *Cache) add(key cellkey.Key, value []byte) {
	enc := cellkey.Encode(nil, key)
	storedKey := c.arena.alloc(enc)
	storedVal := c.arena.alloc(value)

	if idx, ok := c.index[string(storedKey)]; ok {
		c.collisions++
		c.logf("cellcache: collision on insert, key=%x", storedKey)
		c.entries[idx].value = storedVal
		c.entries[idx].key = key
	} else {
		pos := sort.Search(len(c.entries), func(i int) bool {
			return !cellkey.Less(c.entries[i].key, key)
		})
		c.entries = append(c.entries, entry{})
		copy(c.entries[pos+1:], c.entries[pos:])
		c.entries[pos] = entry{key: key, value: storedVal}
		for k, v := range c.index {
			if v >= pos {
				c.index[k] = v + 1
			}
		}
		c.index[string(storedKey)] = pos
	}
	if key.Flag.IsDelete() {
		c.deletes++
	}
}

// AddCounter implements the merge-on-insert semantics of spec §4.2
// "add_counter". Values that are not 9-byte counter records are added
// plainly; when such a cell is a delete (any non-Insert flag), the cache is
// also marked as having counter deletes. On CounterReset, or once the cache
// is marked, a counter record is added plainly and the cache is marked.
// Otherwise it looks for an existing cell with identical
// (row, cf, cq) and length; if found with an increment opcode, it rewrites
// the stored (timestamp, revision) to the new key's and replaces the count
// with old + new.
func (c *Cache) AddCounter(key cellkey.Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(value) != 9 {
		if key.Flag.IsDelete() {
			c.hasCounterDeletes = true
		}
		c.add(key, value)
		return
	}
	if value[0] == CounterReset || c.hasCounterDeletes {
		c.hasCounterDeletes = true
		c.add(key, value)
		return
	}

	for i := range c.entries {
		e := &c.entries[i]
		if e.key.ColumnFamilyID != key.ColumnFamilyID {
			continue
		}
		if string(e.key.Row) != string(key.Row) {
			continue
		}
		if string(e.key.ColumnQualifier) != string(key.ColumnQualifier) {
			continue
		}
		if len(e.value) != 9 || e.value[0] != CounterIncrement {
			continue
		}
		oldCount := int64(binary.BigEndian.Uint64(e.value[1:]))
		newCount := int64(binary.BigEndian.Uint64(value[1:]))
		merged := make([]byte, 9)
		merged[0] = CounterIncrement
		binary.BigEndian.PutUint64(merged[1:], uint64(oldCount+newCount))

		storedVal := c.arena.alloc(merged)
		e.key.Timestamp = key.Timestamp
		e.key.Revision = key.Revision
		e.value = storedVal
		return
	}
	c.add(key, value)
}

// Freeze swaps the writable cache for a new empty one and returns the old
// one as an immutable snapshot (spec §4.2 "freeze"). After Freeze returns,
// the returned Cache is never mutated again.
func (c *Cache) Freeze() *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	frozen := &Cache{
		arena:   c.arena,
		entries: c.entries,
		index:   c.index,
	}
	c.arena = newArena()
	c.entries = nil
	c.index = make(map[string]int)
	c.collisions = 0
	c.deletes = 0
	c.hasCounterDeletes = false
	return frozen
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MemoryUsed returns arena bytes actually holding data (spec §4.2).
func (c *Cache) MemoryUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena.memoryUsed()
}

// MemoryAllocated returns total arena bytes reserved, including unused tail
// space in the current page (spec §4.2).
func (c *Cache) MemoryAllocated() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena.memoryAllocated()
}

// Collisions returns the number of exact-key-collision inserts observed.
func (c *Cache) Collisions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collisions
}

// Deletes returns the number of tombstone entries inserted.
func (c *Cache) Deletes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

// SplitRowEstimateData accumulates per-row byte counts across the cache
// into dst, seeding the access group's split-row chooser (spec §4.2).
func (c *Cache) SplitRowEstimateData(dst map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		dst[string(e.key.Row)] += int64(len(e.value))
	}
}

// Snapshot returns a stable, sorted copy of the live entries for scanning.
// Because entries and their backing arena are never mutated in place after
// being returned here (Add always allocates a fresh arena slot and
// re-splices the slice under the lock), callers can safely iterate the
// returned slice without holding c.mu.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{Key: e.key, Value: e.value}
	}
	return out
}

// Entry is a read-only view of a cached cell, safe to hold after the Cache
// it came from has been mutated further (the slices point into arena
// storage that is never reused).
type Entry struct {
	Key   cellkey.Key
	Value []byte
}
