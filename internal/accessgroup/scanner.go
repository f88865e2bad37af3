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

package accessgroup

import (
	"bytes"
	"context"

	"github.com/hypertable/rangeserver/internal/cellcache"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/cellstore"
)

// entrySource is the common shape of cellcache.MergeScanner and
// cellcache.Scanner: both surface entries one at a time via Next/Entry.
type entrySource interface {
	Next() bool
	Entry() cellcache.Entry
}

// cacheSourceAdapter adapts an entrySource (Key/Value bundled into one
// Entry call) to the cellSource shape used by rowMerger.
type cacheSourceAdapter struct {
	s   entrySource
	cur cellcache.Entry
}

func (a *cacheSourceAdapter) Next() bool {
	if !a.s.Next() {
		return false
	}
	a.cur = a.s.Entry()
	return true
}
func (a *cacheSourceAdapter) Key() cellkey.Key { return a.cur.Key }
func (a *cacheSourceAdapter) Value() []byte    { return a.cur.Value }
func (a *cacheSourceAdapter) Err() error       { return nil }

// Scanner is a merge scanner over an access group's live cache, immutable
// cache, and every in-scope cell store, with per-row tombstone resolution
// applied before cells are surfaced (spec §4.5 "Scanner").
type Scanner struct {
	g      *Group
	merger *rowMerger

	rowOut []cellkey.Key
	valOut [][]byte
	outPos int
	err    error

	readers  []*cellstore.Reader
	released bool
}

// CreateScanner returns a Scanner over the current live+immutable caches
// and every cell store whose [timestamp_min, timestamp_max] intersects
// ctx's time bounds (spec §4.5 "Cell stores outside the scan's time
// interval are skipped"). The returned Scanner pins the current store list
// via the outstanding-scanner counter (spec §5 "scanner snapshots"); callers
// must call Close when done.
func (g *Group) CreateScanner(ctx context.Context, sc *cellcache.ScanContext) (*Scanner, error) {
	g.acquireScanner()

	g.mu.Lock()
	stores := append([]*CellStoreInfo(nil), g.stores...)
	g.mu.Unlock()

	s := &Scanner{g: g}

	sources := []cellSource{&cacheSourceAdapter{s: g.cache.CreateScanner(sc)}}

	singleRow := sc != nil && sc.StartKey != nil && sc.EndKey != nil && bytes.Equal(sc.StartKey.Row, sc.EndKey.Row)

	for _, info := range stores {
		t, err := info.Reader.Trailer(ctx)
		if err != nil {
			g.releaseScanner()
			return nil, err
		}
		if sc != nil && sc.TimeMax != 0 && t.TimestampMin > sc.TimeMax {
			continue
		}
		if sc != nil && t.TimestampMax < sc.TimeMin {
			continue
		}

		if singleRow && t.BloomMode != cellstore.BloomDisabled {
			key := string(sc.StartKey.Row)
			if v, ok := info.shadowLookup(key); ok {
				if !v {
					continue
				}
			} else {
				ok, err := info.Reader.MayContain(ctx, sc.StartKey.Row, sc.StartKey.ColumnFamilyID, t.BloomMode == cellstore.BloomRowsCols)
				if err != nil {
					g.releaseScanner()
					return nil, err
				}
				info.shadowStore(key, ok)
				if !ok {
					continue
				}
			}
		}

		var startKey []byte
		if sc != nil && sc.StartKey != nil {
			startKey = cellkey.Encode(nil, *sc.StartKey)
		}
		storeScanner, err := info.Reader.CreateScanner(ctx, startKey)
		if err != nil {
			g.releaseScanner()
			return nil, err
		}
		s.readers = append(s.readers, info.Reader)
		sources = append(sources, storeScanner)
	}

	merger, err := newRowMerger(sources)
	if err != nil {
		g.releaseScanner()
		return nil, err
	}
	s.merger = merger

	return s, nil
}

// Close releases the scanner's reference on the access group's store list
// (spec §5 "the file tracker holds references via the scanner's release
// callback").
func (s *Scanner) Close() {
	if s.released {
		return
	}
	s.released = true
	s.g.releaseScanner()
}

// Next advances to the next live (non-tombstoned, non-shadowed) cell.
func (s *Scanner) Next() bool {
	for s.outPos >= len(s.rowOut) {
		keys, values, ok := s.merger.nextRow()
		if !ok {
			if err := s.merger.Err(); err != nil {
				s.err = err
			}
			return false
		}
		s.rowOut, s.valOut = filterRow(keys, values)
		s.outPos = 0
	}
	s.outPos++
	return true
}

// Key returns the entry at the scanner's current position.
func (s *Scanner) Key() cellkey.Key { return s.rowOut[s.outPos-1] }

// Value returns the value at the scanner's current position.
func (s *Scanner) Value() []byte { return s.valOut[s.outPos-1] }

// Err returns the error, if any, that stopped iteration.
func (s *Scanner) Err() error { return s.err }

// BytesRead reports the cumulative bytes read from this scan's cell stores,
// for reporting and compaction cost accounting (spec §4.5 "Scanners track
// disk bytes read"). Since cellstore.Reader's counter is cumulative over the
// reader's lifetime, this may include bytes read by earlier scans that
// reused the same reader.
func (s *Scanner) BytesRead() int64 {
	var total int64
	for _, r := range s.readers {
		total += r.BytesRead()
	}
	return total
}
