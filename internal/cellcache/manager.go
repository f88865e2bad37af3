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
	"container/heap"
	"sync"

	"github.com/hypertable/rangeserver/internal/cellkey"
)

// Manager is the "cache manager" facade spec §4.2 describes: it owns the
// live writable Cache plus, at most, one frozen-but-not-yet-flushed
// immutable Cache, and merges a read-through of the immutable cache into
// scans.
type Manager struct {
	mu        sync.Mutex
	live      *Cache
	immutable *Cache
}

// NewManager creates a Manager with an empty writable cache.
func NewManager() *Manager {
	return &Manager{live: New()}
}

// Live returns the current writable cache.
func (m *Manager) Live() *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Immutable returns the frozen cache pending flush, or nil.
func (m *Manager) Immutable() *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.immutable
}

// Freeze moves the live cache to the immutable slot and installs a fresh
// writable cache. It is an invariant violation to call Freeze while an
// immutable cache is still pending flush (spec §4.5 access group invariant:
// "at most one writable cache, at most one frozen-but-not-yet-flushed
// cache").
func (m *Manager) Freeze() *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.immutable != nil {
		panic("cellcache: Freeze called with a pending immutable cache")
	}
	m.immutable = m.live
	m.live = New()
	return m.immutable
}

// ClearImmutable drops the reference to the immutable cache once its
// contents have been durably incorporated into a cell store.
func (m *Manager) ClearImmutable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.immutable = nil
}

// Replace installs live as the writable cache, discarding whatever the
// manager held before (spec §4.5 "Split: ... the cache is rescoped to the
// new row interval"). Callers must ensure no scanner still references the
// old cache before calling this.
func (m *Manager) Replace(live *Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
	m.immutable = nil
}

// mergeItem is one (entry, source scanner) pair in the k-way merge heap.
type mergeItem struct {
	entry Entry
	src   *Scanner
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return cellkey.Less(h[i].entry.Key, h[j].entry.Key)
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// CreateScanner returns a merge scanner over the live cache followed by the
// immutable cache (if present), in key order, scoped by ctx (spec §4.2,
// §4.5 "create_scanner ... over the live + immutable caches").
func (m *Manager) CreateScanner(ctx *ScanContext) *MergeScanner {
	m.mu.Lock()
	live, immutable := m.live, m.immutable
	m.mu.Unlock()

	ms := &MergeScanner{}
	h := &mergeHeap{}
	heap.Init(h)
	push := func(c *Cache) {
		if c == nil {
			return
		}
		s := c.CreateScanner(ctx)
		if s.Next() {
			heap.Push(h, &mergeItem{entry: s.Entry(), src: s})
		}
	}
	push(live)
	push(immutable)
	ms.heap = h
	return ms
}

// MergeScanner iterates the k-way merge of the live and immutable caches in
// ascending key order.
type MergeScanner struct {
	heap *mergeHeap
	cur  Entry
}

// Next advances the merge scanner.
func (s *MergeScanner) Next() bool {
	if s.heap.Len() == 0 {
		return false
	}
	top := heap.Pop(s.heap).(*mergeItem)
	s.cur = top.entry
	if top.src.Next() {
		heap.Push(s.heap, &mergeItem{entry: top.src.Entry(), src: top.src})
	}
	return true
}

// Entry returns the entry most recently returned by Next.
func (s *MergeScanner) Entry() Entry { return s.cur }
