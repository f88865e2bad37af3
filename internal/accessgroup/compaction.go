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
	"fmt"
	"path"

	"github.com/hypertable/rangeserver/internal/cellcache"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/cellstore"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// storeReplication is the replication factor passed to dfs.Client.Create for
// new cell-store files. The distributed filesystem client is out of scope
// (spec §1); 3 matches the value the rest of the pack's storage layers use
// for durability-critical files.
const storeReplication = 3

// beginCompaction transitions Idle -> want, failing if a compaction is
// already running (spec §4.5 "at most one compaction runs on an access
// group at a time").
func (g *Group) beginCompaction(want State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Idle {
		return fmt.Errorf("%w: access group %s is in state %s", rserr.ErrCompactionInProgress, g.Name, g.state)
	}
	g.state = want
	return nil
}

func (g *Group) endCompaction() {
	g.mu.Lock()
	g.state = Idle
	g.mu.Unlock()
}

// recomputeEarliestCachedRevision resets earliest_cached_revision to the
// minimum revision among whatever the live cache holds right now. Called
// after a compaction empties the immutable cache, so the invariant (spec §8
// #2: latest_stored_revision < earliest_cached_revision) is checked against
// only what is still uncommitted to disk.
func (g *Group) recomputeEarliestCachedRevision() {
	entries := g.cache.Live().Snapshot()
	earliest := cellkey.TimestampNull
	for _, e := range entries {
		if earliest == cellkey.TimestampNull || e.Key.Revision < earliest {
			earliest = e.Key.Revision
		}
	}
	g.mu.Lock()
	g.earliestCachedRevision = earliest
	g.mu.Unlock()
}

// nextStoreName allocates the next cell-store file name for this group
// (e.g. "cs7"), matching the naming scheme recorded in the hints file.
func (g *Group) nextStoreName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextCSID++
	return fmt.Sprintf("cs%d", g.nextCSID)
}

// writeStore drains sources in ascending key order into a new cell-store
// file, applying filterRow per output row when collapse is true (Major/GC,
// which must drop dead cells), or writing every merged entry through
// unfiltered when collapse is false (Minor/Merging, which must preserve
// tombstones for a later pass to resolve). Returns the opened CellStoreInfo
// for the new store plus the total/garbage byte estimates the caller should
// feed to the GarbageTracker.
func (g *Group) writeStore(ctx context.Context, sources []cellSource, collapse bool, flags cellstore.TrailerFlag, replaces []string) (*CellStoreInfo, int64, int64, error) {
	merger, err := newRowMerger(sources)
	if err != nil {
		return nil, 0, 0, err
	}

	name := g.nextStoreName()
	filePath := path.Join(g.dir, name)
	file, err := g.client.Create(ctx, filePath, storeReplication)
	if err != nil {
		return nil, 0, 0, err
	}

	w := cellstore.NewWriter(file, g.props.Store)
	for _, r := range replaces {
		w.AddReplacedFile(r)
	}

	var totalEntries, keptEntries int64
	for {
		keys, values, ok := merger.nextRow()
		if !ok {
			break
		}
		totalEntries += int64(len(keys))
		if collapse {
			keys, values = filterRow(keys, values)
		}
		keptEntries += int64(len(keys))
		for i, k := range keys {
			if err := w.Add(k, values[i]); err != nil {
				return nil, 0, 0, err
			}
		}
	}
	if err := merger.Err(); err != nil {
		return nil, 0, 0, err
	}

	trailer, err := w.Finalize(flags)
	if err != nil {
		return nil, 0, 0, err
	}

	readFile, err := g.client.Open(ctx, filePath)
	if err != nil {
		return nil, 0, 0, err
	}
	info := NewCellStoreInfo(name, cellstore.Open(readFile, filePath))
	info.DiskUsage = trailer.Offset + cellstore.TrailerSize

	garbage := totalEntries - keptEntries
	return info, trailer.KeyBytes + trailer.ValueBytes, garbageEstimateBytes(info.DiskUsage, totalEntries, garbage), nil
}

// garbageEstimateBytes extrapolates a garbage-byte count from a dropped-
// entry count and the written store's total size, since spec §4.5's
// garbage tracker is byte-denominated but filterRow only counts entries.
func garbageEstimateBytes(storeBytes, totalEntries, garbageEntries int64) int64 {
	if totalEntries == 0 {
		return 0
	}
	return storeBytes * garbageEntries / totalEntries
}

// Minor flushes the frozen (immutable) cache to a new cell store, preserving
// deletes (spec §4.5 "Minor: flush the immutable cache to a new cell store
// without dropping anything"). If no immutable cache is staged it freezes
// the live cache first and flushes that. It is a no-op, per spec §8's
// boundary behavior, when the cache it would flush is empty.
func (g *Group) Minor(ctx context.Context) error {
	if err := g.beginCompaction(Staged); err != nil {
		return err
	}
	defer g.endCompaction()

	frozen := g.cache.Immutable()
	if frozen == nil {
		frozen = g.cache.Freeze()
	}
	if frozen.Len() == 0 {
		g.cache.ClearImmutable()
		return nil
	}

	g.mu.Lock()
	g.state = Minor
	g.mu.Unlock()

	source := &cacheSourceAdapter{s: frozen.CreateScanner(nil)}
	info, totalBytes, garbageBytes, err := g.writeStore(ctx, []cellSource{source}, false, 0, nil)
	if err != nil {
		return err
	}

	maxRev := latestRevisionOf(info)
	g.mu.Lock()
	g.stores = append([]*CellStoreInfo{info}, g.stores...)
	g.diskUsage += info.DiskUsage
	if g.latestStoredRevision == cellkey.TimestampNull || maxRev > g.latestStoredRevision {
		g.latestStoredRevision = maxRev
	}
	g.mu.Unlock()

	g.files.Apply([]string{info.Name}, nil)
	g.garbage.Observe(totalBytes, garbageBytes)
	g.cache.ClearImmutable()
	g.recomputeEarliestCachedRevision()
	g.checkInvariant()
	return nil
}

// latestRevisionOf reads the max revision recorded in a freshly written
// store's trailer.
func latestRevisionOf(info *CellStoreInfo) int64 {
	t, _ := info.Reader.Trailer(context.Background())
	if t == nil {
		return cellkey.TimestampNull
	}
	return t.MaxRevision
}

// InMemoryCompact folds the frozen cache back into the live cache without
// ever writing a cell store, for access groups configured in_memory (spec
// §4.5 "In-memory: the access group never touches disk; its cache is the
// only copy of the data").
func (g *Group) InMemoryCompact() error {
	if !g.props.InMemory {
		return fmt.Errorf("accessgroup %s: InMemoryCompact called on a disk-backed access group", g.Name)
	}
	if err := g.beginCompaction(InMemory); err != nil {
		return err
	}
	defer g.endCompaction()

	frozen := g.cache.Immutable()
	if frozen == nil {
		frozen = g.cache.Freeze()
	}
	if frozen.Len() == 0 {
		g.cache.ClearImmutable()
		return nil
	}
	for _, e := range frozen.Snapshot() {
		g.cache.Live().Add(e.Key, e.Value)
	}
	g.cache.ClearImmutable()
	g.recomputeEarliestCachedRevision()
	return nil
}

// Merging combines an in-scope run of small stores (spec §4.5 "Merging:
// combine a qualifying run of stores into one, preserving deletes") without
// collapsing tombstones, since any of the stores outside the run may still
// depend on a delete marker inside it to shadow older data.
func (g *Group) Merging(ctx context.Context, run []*CellStoreInfo) error {
	if len(run) < 2 {
		return nil
	}
	if err := g.beginCompaction(Merging); err != nil {
		return err
	}
	defer g.endCompaction()

	return g.mergeStores(ctx, run, false, 0)
}

// Major rewrites every cell store into a single store, dropping dead cells
// entirely and clearing the garbage tracker (spec §4.5 "Major: ... drop
// expired/deleted/shadowed versions; clear garbage tracker"). Only the
// stores are merged: a staged immutable cache is not written into the
// output and stays in place for a later Minor.
func (g *Group) Major(ctx context.Context) error {
	if err := g.beginCompaction(Major); err != nil {
		return err
	}
	defer g.endCompaction()

	g.mu.Lock()
	run := append([]*CellStoreInfo(nil), g.stores...)
	g.mu.Unlock()

	if err := g.mergeStores(ctx, run, true, cellstore.FlagMajorCompaction); err != nil {
		return err
	}
	g.garbage.Clear()
	return nil
}

// GC behaves like Major but is triggered by the garbage tracker crossing
// GarbageThreshold rather than run-length heuristics (spec §4.5 "GC: ...
// garbage tracker says garbage > policy threshold; same rewrite as Major").
func (g *Group) GC(ctx context.Context) error {
	if g.garbage.Ratio() <= g.props.GarbageThreshold {
		return nil
	}
	if err := g.beginCompaction(GC); err != nil {
		return err
	}
	defer g.endCompaction()

	g.mu.Lock()
	run := append([]*CellStoreInfo(nil), g.stores...)
	g.mu.Unlock()

	if err := g.mergeStores(ctx, run, true, cellstore.FlagMajorCompaction); err != nil {
		return err
	}
	g.garbage.Clear()
	return nil
}

// mergeStores is the shared body of Merging/Major/GC: it waits for
// outstanding scanners to drain (spec §5: rewrites must not invalidate an
// active scan cursor), writes a replacement store over run, and splices it
// into g.stores in run's place.
func (g *Group) mergeStores(ctx context.Context, run []*CellStoreInfo, collapse bool, flags cellstore.TrailerFlag) error {
	if len(run) == 0 {
		return nil
	}
	if err := g.waitForNoScanners(ctx); err != nil {
		return err
	}

	sources := make([]cellSource, 0, len(run))
	replaces := make([]string, 0, len(run))
	for _, info := range run {
		s, err := info.Reader.CreateScanner(ctx, nil)
		if err != nil {
			return err
		}
		sources = append(sources, s)
		replaces = append(replaces, info.Name)
	}

	newInfo, totalBytes, garbageBytes, err := g.writeStore(ctx, sources, collapse, flags, replaces)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.stores = spliceStores(g.stores, run, newInfo)
	var removed int64
	for _, old := range run {
		removed += old.DiskUsage
	}
	g.diskUsage += newInfo.DiskUsage - removed
	g.mu.Unlock()

	var removedNames []string
	for _, old := range run {
		removedNames = append(removedNames, old.Name)
	}
	g.files.Apply([]string{newInfo.Name}, removedNames)
	g.garbage.Observe(totalBytes, garbageBytes)
	return nil
}

// spliceStores replaces the contiguous run of stores (by name) with
// replacement, preserving newest-first order.
func spliceStores(stores, run []*CellStoreInfo, replacement *CellStoreInfo) []*CellStoreInfo {
	runNames := make(map[string]bool, len(run))
	for _, r := range run {
		runNames[r.Name] = true
	}
	out := make([]*CellStoreInfo, 0, len(stores)-len(run)+1)
	placed := false
	for _, s := range stores {
		if runNames[s.Name] {
			if !placed {
				out = append(out, replacement)
				placed = true
			}
			continue
		}
		out = append(out, s)
	}
	if !placed {
		out = append(out, replacement)
	}
	return out
}

// FindMergeRun walks stores newest-to-oldest (spec §4.5 "Find merge run:
// walk the stores vector front-to-back ... preferred because it bounds read
// amplification"), accumulating disk usage into runs. A run qualifies once
// it has at least MergeRunLengthThreshold stores and its accumulated size
// falls within [TargetMergeMin, TargetMergeMax]; a run that would exceed
// TargetMergeMax is cut short so the overflowing store starts a fresh run.
func (g *Group) FindMergeRun() []*CellStoreInfo {
	g.mu.Lock()
	stores := append([]*CellStoreInfo(nil), g.stores...)
	threshold := g.props.MergeRunLengthThreshold
	targetMin, targetMax := g.props.TargetMergeMin, g.props.TargetMergeMax
	g.mu.Unlock()

	var run []*CellStoreInfo
	var runBytes int64

	qualifies := func(run []*CellStoreInfo, bytes int64) bool {
		return len(run) >= threshold && bytes >= targetMin && bytes <= targetMax
	}

	for _, info := range stores {
		if runBytes+info.DiskUsage > targetMax && len(run) > 0 {
			if qualifies(run, runBytes) {
				return run
			}
			run = nil
			runBytes = 0
		}
		run = append(run, info)
		runBytes += info.DiskUsage
	}
	if qualifies(run, runBytes) {
		return run
	}
	return nil
}

// Shrink rescopes the group's cell cache and stores to [rowStart, rowEnd),
// used after a range split (spec §4.5 "Split: ... reopen stores scoped to
// the new row interval"). It waits for outstanding scanners to drain before
// mutating state a live Scanner snapshot depends on, then rewrites every
// store through writeStore bounded by the new interval (preserving deletes,
// since a later compaction is what resolves tombstones, not a split).
func (g *Group) Shrink(ctx context.Context, rowStart, rowEnd []byte) error {
	if err := g.beginCompaction(Split); err != nil {
		return err
	}
	defer g.endCompaction()

	if err := g.waitForNoScanners(ctx); err != nil {
		return err
	}

	sc := &cellcache.ScanContext{}
	if len(rowStart) > 0 {
		sc.StartKey = &cellkey.Key{Row: rowStart}
	}
	if len(rowEnd) > 0 {
		sc.EndKey = &cellkey.Key{Row: rowEnd}
	}

	rescopedLive := cellcache.New()
	liveScan := g.cache.Live().CreateScanner(sc)
	for liveScan.Next() {
		e := liveScan.Entry()
		rescopedLive.Add(e.Key, e.Value)
	}

	g.mu.Lock()
	oldStores := append([]*CellStoreInfo(nil), g.stores...)
	g.mu.Unlock()

	newStores := make([]*CellStoreInfo, 0, len(oldStores))
	var newDiskUsage int64
	for _, old := range oldStores {
		var startKey []byte
		if sc.StartKey != nil {
			startKey = cellkey.Encode(nil, *sc.StartKey)
		}
		storeScan, err := old.Reader.CreateScanner(ctx, startKey)
		if err != nil {
			return err
		}
		boundedScan := &boundedCellSource{src: storeScan, sc: sc}
		info, _, _, err := g.writeStore(ctx, []cellSource{boundedScan}, false, 0, []string{old.Name})
		if err != nil {
			return err
		}
		newStores = append(newStores, info)
		newDiskUsage += info.DiskUsage
	}

	g.cache.Replace(rescopedLive)

	g.mu.Lock()
	g.stores = newStores
	g.diskUsage = newDiskUsage
	g.mu.Unlock()
	g.files.Apply(namesOf(newStores), namesOf(oldStores))

	return nil
}

func namesOf(stores []*CellStoreInfo) []string {
	out := make([]string, len(stores))
	for i, s := range stores {
		out[i] = s.Name
	}
	return out
}

// boundedCellSource filters a cellSource down to sc's row interval, since
// cellstore.Scanner.CreateScanner only seeks to a starting block and does
// not stop at an end key.
type boundedCellSource struct {
	src cellSource
	sc  *cellcache.ScanContext
}

func (b *boundedCellSource) Next() bool {
	for b.src.Next() {
		if b.sc.StartKey != nil && cellkey.Less(b.src.Key(), *b.sc.StartKey) {
			continue
		}
		if b.sc.EndKey != nil && cellkey.Less(*b.sc.EndKey, b.src.Key()) {
			return false
		}
		return true
	}
	return false
}
func (b *boundedCellSource) Key() cellkey.Key { return b.src.Key() }
func (b *boundedCellSource) Value() []byte    { return b.src.Value() }
func (b *boundedCellSource) Err() error       { return b.src.Err() }
