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

// Package maintenance implements the maintenance scheduler (spec §4.7): a
// periodic sweep over every loaded range's access groups that collects
// MaintenanceData and, in priority order, purges shadow caches, purges idle
// block indexes, merges, minor-compacts, major-compacts, splits, or
// in-memory-rewrites whichever access groups need it.
//
// Dispatch follows tenant/dcache/worker.go's single-flight queue: a task for
// a given (range, access group) is never enqueued twice while one is
// outstanding, and a small fixed pool of workers drains the queue so one
// slow compaction cannot starve the rest of the fleet.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hypertable/rangeserver/internal/accessgroup"
	"github.com/hypertable/rangeserver/internal/rangeserver"
)

// ServerContext bundles the memory limits and policy knobs a maintenance
// sweep needs, plus an optional logging callback (mirrors db.GCConfig.Logf).
type ServerContext struct {
	// MemoryLimit is the total cache memory budget across every access
	// group; once the sum of MemoryUsed exceeds this, groups are chosen
	// for minor compaction in descending MemoryUsed order.
	MemoryLimit int64

	// IdleIndexAccessDelta is the largest growth in a cell store's
	// IndexAccessCount between two sweeps at which the store still counts
	// as idle (0: idle only when the count has not grown at all). One idle
	// store makes the sweep purge the block index and bloom filter of every
	// store in its access group.
	IdleIndexAccessDelta int64

	// MaxMergeRunBytes decides between a merge and a major compaction for a
	// group that needs merging: at or over this disk usage the group gets a
	// major compaction (large access groups skip straight to a full rewrite
	// rather than repeatedly re-merging).
	MaxMergeRunBytes int64

	// SplitThresholdBytes triggers a range split once any of its access
	// groups' DiskUsed crosses it (0 disables split scheduling; the usual
	// deployment leaves splitting to an operator tool or the balance-plan
	// authority instead of this scheduler).
	SplitThresholdBytes int64

	// Workers bounds how many compaction tasks run concurrently across the
	// whole scheduler (default 2).
	Workers int

	// Logf, if non-nil, is a callback used for logging maintenance
	// decisions.
	Logf func(f string, args ...interface{})
}

func (c ServerContext) withDefaults() ServerContext {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxMergeRunBytes <= 0 {
		c.MaxMergeRunBytes = 256 << 20
	}
	return c
}

// Server is the narrow surface the scheduler needs from a rangeserver.Server
// (kept as an interface so tests can fake a small fleet of ranges without
// standing up a real Server).
type Server interface {
	Ranges() []*rangeserver.Range
	Split(ctx context.Context, spec rangeserver.QualifiedRangeSpec) ([]byte, error)
}

// task names one access group's chosen maintenance action, in priority order
// (spec §4.7).
type taskKind int

const (
	taskNone taskKind = iota
	taskPurgeShadowCache
	taskPurgeIdleIndex
	taskMerge
	taskMinor
	taskMajor
	taskSplit
	taskInMemoryRewrite
)

func (k taskKind) String() string {
	switch k {
	case taskPurgeShadowCache:
		return "purge_shadow_cache"
	case taskPurgeIdleIndex:
		return "purge_idle_index"
	case taskMerge:
		return "merge"
	case taskMinor:
		return "minor"
	case taskMajor:
		return "major"
	case taskSplit:
		return "split"
	case taskInMemoryRewrite:
		return "in_memory_rewrite"
	default:
		return "none"
	}
}

type task struct {
	key  string
	kind taskKind
	spec rangeserver.QualifiedRangeSpec
	ag   *accessgroup.Group
}

// Scheduler runs periodic maintenance sweeps over a Server's loaded ranges.
type Scheduler struct {
	server Server
	cfg    ServerContext

	mu          sync.Mutex
	outstanding map[string]bool
	prevAccess  map[string]int64 // access group pointer + store name -> last-seen IndexAccessCount

	tasks chan task
	wg    sync.WaitGroup
}

// New creates a Scheduler and starts its worker pool. Call Tick periodically
// (spec §4.7 "Periodic task") and Close when done.
func New(server Server, cfg ServerContext) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		server:      server,
		cfg:         cfg,
		outstanding: make(map[string]bool),
		prevAccess:  make(map[string]int64),
		tasks:       make(chan task, 64),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Close stops the worker pool once the task queue drains.
func (s *Scheduler) Close() {
	close(s.tasks)
	s.wg.Wait()
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.cfg.Logf != nil {
		s.cfg.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Tick runs one maintenance sweep: every loaded range's every access group
// is inspected, and at most one task per access group is enqueued (spec
// §4.7 "No single access group may hold more than one compaction task at
// once").
func (s *Scheduler) Tick(ctx context.Context) error {
	for _, r := range s.server.Ranges() {
		for name, g := range r.AccessGroups() {
			if err := s.considerAccessGroup(ctx, r.Spec, name, g); err != nil {
				return fmt.Errorf("maintenance: %s/%s: %w", r.Spec, name, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) considerAccessGroup(ctx context.Context, spec rangeserver.QualifiedRangeSpec, name string, g *accessgroup.Group) error {
	key := fmt.Sprintf("%s/%s", spec, name)

	s.mu.Lock()
	if s.outstanding[key] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	md, err := g.MaintenanceData(ctx)
	if err != nil {
		return err
	}

	kind := s.choose(md, g)
	if kind == taskNone {
		return nil
	}

	s.mu.Lock()
	s.outstanding[key] = true
	s.mu.Unlock()

	s.logf("maintenance: %s: scheduling %s", key, kind)
	s.tasks <- task{key: key, kind: kind, spec: spec, ag: g}
	return nil
}

// choose picks the highest-priority applicable task for an access group,
// per spec §4.7's priority order: purge shadow caches, purge block indexes
// of idle cell stores, merge, minor, major, split, in-memory rewrite.
func (s *Scheduler) choose(md accessgroup.MaintenanceData, g *accessgroup.Group) taskKind {
	if md.ShadowCacheMemory > 0 && md.OutstandingScanners == 0 {
		if s.anyIdleShadowCache(g) {
			return taskPurgeShadowCache
		}
	}
	if md.OutstandingScanners == 0 && s.anyIdleIndex(g) {
		return taskPurgeIdleIndex
	}
	if md.NeedsMerging {
		if md.DiskUsed >= s.cfg.MaxMergeRunBytes {
			return taskMajor
		}
		return taskMerge
	}
	if s.cfg.MemoryLimit > 0 && md.MemoryUsed > s.cfg.MemoryLimit {
		if g.IsInMemory() {
			return taskInMemoryRewrite
		}
		return taskMinor
	}
	if md.GCNeeded {
		return taskMajor
	}
	if s.cfg.SplitThresholdBytes > 0 && md.DiskUsed >= s.cfg.SplitThresholdBytes {
		return taskSplit
	}
	return taskNone
}

// anyIdleShadowCache reports whether any store's shadow cache holds data at
// all (a shadow cache only helps a scanner that re-probes the same store, so
// once that scanner closes the entries are dead weight).
func (s *Scheduler) anyIdleShadowCache(g *accessgroup.Group) bool {
	for _, info := range g.CellStores() {
		if info.ShadowCacheMemory() > 0 {
			return true
		}
	}
	return false
}

// anyIdleIndex reports whether any store's index access count has grown by
// no more than IdleIndexAccessDelta since the previous sweep; a store seen
// for the first time is not idle.
func (s *Scheduler) anyIdleIndex(g *accessgroup.Group) bool {
	idle := false
	for _, info := range g.CellStores() {
		if !info.Reader.HasIndex() && !info.Reader.HasFilter() {
			continue
		}
		trackKey := fmt.Sprintf("%p/%s", g, info.Name)
		count := info.Reader.IndexAccessCount()
		s.mu.Lock()
		prev, ok := s.prevAccess[trackKey]
		s.prevAccess[trackKey] = count
		s.mu.Unlock()
		if ok && count-prev < s.cfg.IdleIndexAccessDelta+1 {
			idle = true
		}
	}
	return idle
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		s.run(t)
		s.mu.Lock()
		delete(s.outstanding, t.key)
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(t task) {
	ctx := context.Background()
	var err error
	switch t.kind {
	case taskPurgeShadowCache:
		for _, info := range t.ag.CellStores() {
			info.PurgeShadowCache()
		}
	case taskPurgeIdleIndex:
		for _, info := range t.ag.CellStores() {
			info.Reader.PurgeIndex()
			info.Reader.PurgeFilter()
		}
	case taskMerge:
		if run := t.ag.FindMergeRun(); run != nil {
			err = t.ag.Merging(ctx, run)
		}
	case taskMinor:
		err = t.ag.Minor(ctx)
	case taskMajor:
		err = t.ag.Major(ctx)
	case taskInMemoryRewrite:
		err = t.ag.InMemoryCompact()
	case taskSplit:
		_, err = s.server.Split(ctx, t.spec)
	}
	if err != nil {
		s.logf("maintenance: %s: %s failed: %v", t.key, t.kind, err)
	}
}
