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
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/hypertable/rangeserver/internal/cellstore"
)

// CellStoreInfo wraps one stores-vector entry: the on-disk file name, a
// lazily-used reader, and a "shadow cache" of prior bloom-filter hits so a
// repeated single-row scan doesn't re-probe the filter (spec §4.5
// "Scanner ... hits populate a shadow cache entry inside the CellStoreInfo
// to accelerate repeated scans").
type CellStoreInfo struct {
	Name   string
	Reader *cellstore.Reader

	// DiskUsage is the store's on-disk byte size, recorded once at open/
	// finalize time so find_merge_run (spec §4.5) can accumulate run sizes
	// without re-reading the trailer (which needs a context) for every store
	// on every call.
	DiskUsage int64

	// StaleDiskUsage is true if Rescope last found the block index purged
	// and so left DiskUsage unrefreshed (see Rescope).
	StaleDiskUsage bool

	mu    sync.Mutex
	cache map[string]bool
}

// Rescope refreshes DiskUsage from the store's trailer when its block index
// is resident, the original `CellStoreV6::rescope` re-derives its disk-usage
// estimate from the index currently in memory. When the index has been
// purged (cold store, spec §4.3 "indexes can be evicted"), Rescope does not
// force it back in: it leaves DiskUsage at its last known value and sets
// StaleDiskUsage so a caller (e.g. find_merge_run) can tell the estimate may
// be out of date, rather than paying an unplanned index reload on what spec
// §4.5 otherwise treats as a cheap bookkeeping read.
func (i *CellStoreInfo) Rescope(ctx context.Context) error {
	if !i.Reader.HasIndex() {
		i.mu.Lock()
		i.StaleDiskUsage = true
		i.mu.Unlock()
		return nil
	}
	t, err := i.Reader.Trailer(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.DiskUsage = t.Offset + cellstore.TrailerSize
	i.StaleDiskUsage = false
	i.mu.Unlock()
	return nil
}

// NewCellStoreInfo wraps an opened cell-store reader under name (the file's
// base name, e.g. "cs3", as recorded in the hints file and metadata Files
// column).
func NewCellStoreInfo(name string, r *cellstore.Reader) *CellStoreInfo {
	return &CellStoreInfo{Name: name, Reader: r, cache: make(map[string]bool)}
}

// shadowLookup reports a cached bloom-filter verdict for key, if any.
func (i *CellStoreInfo) shadowLookup(key string) (bool, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.cache[key]
	return v, ok
}

func (i *CellStoreInfo) shadowStore(key string, v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache[key] = v
}

// FileTracker holds the set of cell-store file names the metadata `Files`
// column currently references (spec §4.5 "a file tracker (references live
// files in a metadata column)"). Updates are applied atomically alongside a
// compaction's store-list swap so a crash can never leave the metadata
// column referencing a file that was already deleted, or vice versa.
type FileTracker struct {
	mu    sync.Mutex
	files map[string]bool
}

// NewFileTracker creates a tracker seeded with an initial file set (e.g.
// from a parsed hints file).
func NewFileTracker(initial []string) *FileTracker {
	t := &FileTracker{files: make(map[string]bool, len(initial))}
	for _, f := range initial {
		t.files[f] = true
	}
	return t
}

// Apply atomically adds added and removes removed, returning the resulting
// sorted file list for rewriting the metadata `Files` column.
func (t *FileTracker) Apply(added []string, removed []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range removed {
		delete(t.files, f)
	}
	for _, f := range added {
		t.files[f] = true
	}
	return t.list()
}

// List returns the current tracked file set, sorted.
func (t *FileTracker) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list()
}

func (t *FileTracker) list() []string {
	out := make([]string, 0, len(t.files))
	for f := range t.files {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// GarbageTracker accumulates an estimate of how many bytes of an access
// group's stores are dead (expired, deleted-and-covered, or shadowed by a
// newer revision), driving the GC compaction trigger (spec §4.5 "GC" row:
// "garbage tracker says garbage > policy threshold").
type GarbageTracker struct {
	mu          sync.Mutex
	garbageBytes int64
	totalBytes   int64
}

// Observe records that a compaction examined totalBytes of input data and
// judged garbageBytes of it dead.
func (g *GarbageTracker) Observe(totalBytes, garbageBytes int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalBytes += totalBytes
	g.garbageBytes += garbageBytes
}

// Ratio returns the current garbage-to-total ratio, or 0 if nothing has
// been observed yet.
func (g *GarbageTracker) Ratio() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.totalBytes == 0 {
		return 0
	}
	return float64(g.garbageBytes) / float64(g.totalBytes)
}

// Clear resets the tracker, per spec §4.5 "Major: ... clear garbage
// tracker".
func (g *GarbageTracker) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.garbageBytes = 0
	g.totalBytes = 0
}
