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
	"container/heap"
	"fmt"

	"github.com/hypertable/rangeserver/internal/cellkey"
)

// cellSource is the common shape of every merge input: the live/immutable
// cache scanner and each in-scope cell store's Scanner.
type cellSource interface {
	Next() bool
	Key() cellkey.Key
	Value() []byte
	Err() error
}

type sourceItem struct {
	entry cellkey.Key
	value []byte
	src   cellSource
}

type sourceHeap []*sourceItem

func (h sourceHeap) Len() int            { return len(h) }
func (h sourceHeap) Less(i, j int) bool  { return cellkey.Less(h[i].entry, h[j].entry) }
func (h sourceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*sourceItem)) }
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// rowMerger is a k-way merge over a fixed set of cellSources, grouped by
// row so tombstone coverage (spec §3) can be resolved one row at a time
// (shared between the live Scanner and compaction's merge/major/GC passes,
// which differ only in whether dead entries are collapsed away).
type rowMerger struct {
	heap *sourceHeap
	err  error

	rowBuf []cellkey.Key
	valBuf [][]byte
}

// newRowMerger seeds the merge with the first entry of every source.
func newRowMerger(sources []cellSource) (*rowMerger, error) {
	h := &sourceHeap{}
	heap.Init(h)
	m := &rowMerger{heap: h}
	for _, src := range sources {
		if err := m.push(src); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *rowMerger) push(src cellSource) error {
	if !src.Next() {
		return src.Err()
	}
	heap.Push(m.heap, &sourceItem{entry: src.Key(), value: src.Value(), src: src})
	return nil
}

// nextRow buffers every entry belonging to the next distinct row, in
// ascending key order. Returns false (with Err() set on failure) once every
// source is exhausted.
func (m *rowMerger) nextRow() ([]cellkey.Key, [][]byte, bool) {
	m.rowBuf = m.rowBuf[:0]
	m.valBuf = m.valBuf[:0]

	if m.heap.Len() == 0 {
		return nil, nil, false
	}
	var row []byte
	for m.heap.Len() > 0 {
		top := (*m.heap)[0]
		if row == nil {
			row = top.entry.Row
		} else if !bytes.Equal(row, top.entry.Row) {
			break
		}
		item := heap.Pop(m.heap).(*sourceItem)
		m.rowBuf = append(m.rowBuf, item.entry)
		m.valBuf = append(m.valBuf, item.value)
		if item.src.Next() {
			heap.Push(m.heap, &sourceItem{entry: item.src.Key(), value: item.src.Value(), src: item.src})
		} else if err := item.src.Err(); err != nil {
			m.err = fmt.Errorf("accessgroup merge: %w", err)
			return nil, nil, false
		}
	}
	return m.rowBuf, m.valBuf, true
}

func (m *rowMerger) Err() error { return m.err }

// filterRow applies spec §3's tombstone-coverage and same-identity
// overwrite rules to one row's worth of merged entries (already in
// ascending key order), returning only the live, non-shadowed cells.
// Compaction passes that must preserve deletes (Minor, Merging) skip this
// and write rowBuf/valBuf through unfiltered instead.
func filterRow(keys []cellkey.Key, values [][]byte) ([]cellkey.Key, [][]byte) {
	var tombstones []cellkey.Key
	for _, k := range keys {
		if k.Flag.IsDelete() {
			tombstones = append(tombstones, k)
		}
	}

	outKeys := make([]cellkey.Key, 0, len(keys))
	outValues := make([][]byte, 0, len(keys))

	var prevIdentity cellkey.Key
	havePrev := false
	for i, k := range keys {
		if k.Flag.IsDelete() {
			continue
		}
		covered := false
		for _, d := range tombstones {
			if cellkey.CoversScope(d, k) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		if havePrev && sameIdentity(prevIdentity, k) {
			// A later entry in ascending-key order at identical
			// (row,cf,cq,flag,timestamp) ranks by descending revision, so
			// the first one seen is already the highest revision; any
			// further entries at the same identity are shadowed.
			continue
		}
		prevIdentity = k
		havePrev = true
		outKeys = append(outKeys, k)
		outValues = append(outValues, values[i])
	}
	return outKeys, outValues
}

func sameIdentity(a, b cellkey.Key) bool {
	return bytes.Equal(a.Row, b.Row) &&
		a.ColumnFamilyID == b.ColumnFamilyID &&
		bytes.Equal(a.ColumnQualifier, b.ColumnQualifier) &&
		a.Flag == b.Flag &&
		a.Timestamp == b.Timestamp
}
