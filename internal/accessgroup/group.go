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

// Package accessgroup implements the access group (spec §4.5): the heart of
// the write path. It owns a cell-cache manager, an ordered list of cell
// stores, the file/garbage trackers, and the compaction state machine that
// moves data from cache to store and keeps the store list small.
package accessgroup

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hypertable/rangeserver/internal/cellcache"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/cellstore"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// State is the access group's compaction state (spec §4.5 "Compaction state
// machine").
type State int

const (
	Idle State = iota
	Staged
	Minor
	Merging
	Major
	GC
	InMemory
	Split
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Staged:
		return "staged"
	case Minor:
		return "minor"
	case Merging:
		return "merging"
	case Major:
		return "major"
	case GC:
		return "gc"
	case InMemory:
		return "in-memory"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// Properties bundles the per-access-group configuration spec §4.5 calls the
// "cellstore property bag" together with compaction policy knobs.
type Properties struct {
	Store cellstore.WriterProperties

	// MergeRunLengthThreshold and the target byte-range gate find_merge_run
	// (spec §4.5 "Find merge run").
	MergeRunLengthThreshold int
	TargetMergeMin          int64
	TargetMergeMax          int64

	// GarbageThreshold triggers a GC compaction once GarbageTracker.Ratio()
	// exceeds it (spec §4.5 "GC" row).
	GarbageThreshold float64

	// IgnoreClockSkewErrors relaxes the latest_stored_revision monotonicity
	// check (spec §9 "Clock skew").
	IgnoreClockSkewErrors bool

	InMemory bool
}

func (p Properties) withDefaults() Properties {
	if p.MergeRunLengthThreshold <= 0 {
		p.MergeRunLengthThreshold = 3
	}
	if p.TargetMergeMax <= 0 {
		p.TargetMergeMax = 256 << 20
	}
	if p.GarbageThreshold <= 0 {
		p.GarbageThreshold = 0.2
	}
	return p
}

// Group is one access group's live state (spec §4.5 "State").
type Group struct {
	Name           string
	ColumnFamilies map[uint8]bool

	client dfs.Client
	dir    string // <toplevel>/tables/<table_id>/<ag_name>/<range_hash>
	props  Properties

	cache *cellcache.Manager

	mu       sync.Mutex
	state    State
	stores   []*CellStoreInfo // index 0 is the newest store
	nextCSID uint32

	files   *FileTracker
	garbage *GarbageTracker

	diskUsage              int64
	earliestCachedRevision int64
	latestStoredRevision   int64
	collisions             int64
	deletes                int64
	clockSkewErrors        int64

	scannerMu           sync.Mutex
	scannerCond         *sync.Cond
	outstandingScanners int

	Logf func(string, ...interface{})
}

// New creates an access group rooted at dir, with no stores and an empty
// cache (spec §4.5 fresh-range case; Load in internal/rangeserver seeds an
// existing group from a hints file instead).
func New(client dfs.Client, dir, name string, columnFamilies []uint8, props Properties) *Group {
	cfs := make(map[uint8]bool, len(columnFamilies))
	for _, cf := range columnFamilies {
		cfs[cf] = true
	}
	g := &Group{
		Name:                   name,
		ColumnFamilies:         cfs,
		client:                 client,
		dir:                    dir,
		props:                  props.withDefaults(),
		cache:                  cellcache.NewManager(),
		files:                  NewFileTracker(nil),
		garbage:                &GarbageTracker{},
		earliestCachedRevision: cellkey.TimestampNull,
		latestStoredRevision:   cellkey.TimestampNull,
	}
	g.scannerCond = sync.NewCond(&g.scannerMu)
	return g
}

func (g *Group) logf(format string, args ...interface{}) {
	if g.Logf != nil {
		g.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Add implements spec §4.5's write path:
//  1. key.revision > latest_stored_revision, or clock-skew override: insert.
//  2. Otherwise, if not recovering: log a clock-skew error but still insert.
//  3. Otherwise, if in_memory: insert anyway (recovery must reconstruct state).
//  4. Otherwise: silently drop (replay is a no-op for an already-applied revision).
func (g *Group) Add(key cellkey.Key, value []byte, recovering bool) {
	g.mu.Lock()
	latest := g.latestStoredRevision
	ignoreSkew := g.props.IgnoreClockSkewErrors
	inMemory := g.props.InMemory
	g.mu.Unlock()

	switch {
	case key.Revision > latest || ignoreSkew:
		g.cache.Live().AddCounter(key, value)
	case !recovering:
		g.mu.Lock()
		g.clockSkewErrors++
		g.mu.Unlock()
		g.logf("accessgroup %s: clock skew, revision %d <= latest_stored_revision %d", g.Name, key.Revision, latest)
		g.cache.Live().AddCounter(key, value)
	case inMemory:
		g.cache.Live().AddCounter(key, value)
	default:
		return
	}

	g.mu.Lock()
	if g.earliestCachedRevision == cellkey.TimestampNull || key.Revision < g.earliestCachedRevision {
		g.earliestCachedRevision = key.Revision
	}
	g.mu.Unlock()
}

// State returns the current compaction state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stats is a point-in-time snapshot of the group's accounting fields (spec
// §4.5 "accounting").
type Stats struct {
	DiskUsage              int64
	EarliestCachedRevision int64
	LatestStoredRevision   int64
	Collisions             int64
	Deletes                int64
	ClockSkewErrors        int64
	StoreCount             int
	State                  State
}

// Stats returns a snapshot of the group's accounting fields.
func (g *Group) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		DiskUsage:              g.diskUsage,
		EarliestCachedRevision: g.earliestCachedRevision,
		LatestStoredRevision:   g.latestStoredRevision,
		Collisions:             g.collisions + g.cache.Live().Collisions(),
		Deletes:                g.deletes + g.cache.Live().Deletes(),
		ClockSkewErrors:        g.clockSkewErrors,
		StoreCount:             len(g.stores),
		State:                  g.state,
	}
}

// checkInvariant panics if latest_stored_revision >= earliest_cached_revision
// while both are defined (spec §8 invariant 2; spec §7 "Invariant violations
// ... are programmer errors").
func (g *Group) checkInvariant() {
	if g.latestStoredRevision == cellkey.TimestampNull || g.earliestCachedRevision == cellkey.TimestampNull {
		return
	}
	if g.latestStoredRevision >= g.earliestCachedRevision {
		panic(fmt.Sprintf("%v: access group %s: latest_stored_revision %d >= earliest_cached_revision %d",
			rserr.ErrInvariantViolation, g.Name, g.latestStoredRevision, g.earliestCachedRevision))
	}
}

// acquireScanner bumps the outstanding-scanner count (spec §5 "a separate
// mutex guards outstanding-scanner count + condition variable").
func (g *Group) acquireScanner() {
	g.scannerMu.Lock()
	g.outstandingScanners++
	g.scannerMu.Unlock()
}

// releaseScanner decrements the outstanding-scanner count and wakes any
// compaction waiting for it to reach zero.
func (g *Group) releaseScanner() {
	g.scannerMu.Lock()
	g.outstandingScanners--
	if g.outstandingScanners == 0 {
		g.scannerCond.Broadcast()
	}
	g.scannerMu.Unlock()
}

// waitForNoScanners blocks until no scanner holds a reference to the
// current store list, or ctx is done.
func (g *Group) waitForNoScanners(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.scannerMu.Lock()
		for g.outstandingScanners > 0 {
			g.scannerCond.Wait()
		}
		g.scannerMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutstandingScanners reports the current outstanding-scanner count.
func (g *Group) OutstandingScanners() int {
	g.scannerMu.Lock()
	defer g.scannerMu.Unlock()
	return g.outstandingScanners
}

// IsInMemory reports whether this access group is configured in_memory
// (spec §4.5 "In-memory"), the maintenance scheduler's signal to choose
// InMemoryCompact over Minor/Major (spec §4.7).
func (g *Group) IsInMemory() bool {
	return g.props.InMemory
}
