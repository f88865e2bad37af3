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
	"github.com/hypertable/rangeserver/internal/cellkey"
)

// ScanContext carries the bounds of a scan across the cache manager, cell
// stores, and merge scanner (spec §4.2 "create_scanner(ctx)").
type ScanContext struct {
	StartKey *cellkey.Key
	EndKey   *cellkey.Key
	// ColumnFamilies, if non-empty, restricts the scan to these families.
	ColumnFamilies map[uint8]bool
	// TimeMin/TimeMax bound cell timestamps (inclusive); zero TimeMax means
	// unbounded.
	TimeMin, TimeMax int64
}

func (ctx *ScanContext) includes(k cellkey.Key) bool {
	if ctx == nil {
		return true
	}
	if ctx.StartKey != nil && cellkey.Less(k, *ctx.StartKey) {
		return false
	}
	if ctx.EndKey != nil && cellkey.Less(*ctx.EndKey, k) {
		return false
	}
	if len(ctx.ColumnFamilies) > 0 && !ctx.ColumnFamilies[k.ColumnFamilyID] {
		return false
	}
	if ctx.TimeMax != 0 && k.Timestamp > ctx.TimeMax {
		return false
	}
	if k.Timestamp < ctx.TimeMin {
		return false
	}
	return true
}

// Scanner is an ordered iterator over a Cache snapshot, scoped by a
// ScanContext (spec §4.2).
type Scanner struct {
	entries []Entry
	pos     int
	ctx     *ScanContext
	cur     Entry
}

// CreateScanner returns an ordered iterator over the cache's entries at the
// time of the call, scoped by ctx (spec §4.2 "create_scanner(ctx)").
func (c *Cache) CreateScanner(ctx *ScanContext) *Scanner {
	return &Scanner{entries: c.Snapshot(), ctx: ctx}
}

// Next advances the scanner and reports whether an entry is available.
func (s *Scanner) Next() bool {
	for s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++
		if s.ctx.includes(e.Key) {
			s.cur = e
			return true
		}
	}
	return false
}

// Entry returns the entry most recently returned by Next.
func (s *Scanner) Entry() Entry { return s.cur }
