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

// Package cellcache implements the per-access-group in-memory write tier
// (spec §4.2, C2): an ordered, arena-backed map from serialized cell key to
// value, with counter merge-on-insert semantics.
package cellcache

// arena is a grow-only byte allocator. Its defining invariant, mirrored from
// the teacher's ion.Buffer (ion/write.go), is that once a byte range is
// handed out it is never relocated: when the current page is full a new
// page is allocated alongside it and nothing is copied or moved, so
// pointers taken by live scanners stay valid for the arena's lifetime.
type arena struct {
	pages      [][]byte
	cur        []byte
	used       int // bytes used in the current page
	totalUsed  int64
	totalAlloc int64
}

const pageSize = 1 << 20 // 1 MiB, matches AccessGroup.CellCache.PageSize default

func newArena() *arena {
	a := &arena{}
	a.cur = make([]byte, pageSize)
	a.pages = append(a.pages, a.cur)
	a.totalAlloc = pageSize
	return a
}

// alloc copies data into the arena and returns a stable slice over it.
func (a *arena) alloc(data []byte) []byte {
	if len(data) > pageSize {
		// oversized allocation gets its own page so the regular page
		// never has to special-case it.
		page := make([]byte, len(data))
		copy(page, data)
		a.pages = append(a.pages, page)
		a.totalAlloc += int64(len(page))
		a.totalUsed += int64(len(page))
		return page
	}
	if a.used+len(data) > len(a.cur) {
		a.cur = make([]byte, pageSize)
		a.pages = append(a.pages, a.cur)
		a.used = 0
		a.totalAlloc += pageSize
	}
	start := a.used
	copy(a.cur[start:], data)
	a.used += len(data)
	a.totalUsed += int64(len(data))
	return a.cur[start:a.used]
}

// memoryUsed returns the number of bytes actually copied into the arena.
func (a *arena) memoryUsed() int64 { return a.totalUsed }

// memoryAllocated returns the total number of bytes reserved across pages.
func (a *arena) memoryAllocated() int64 { return a.totalAlloc }
