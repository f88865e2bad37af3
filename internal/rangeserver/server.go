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

package rangeserver

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hypertable/rangeserver/internal/accessgroup"
	"github.com/hypertable/rangeserver/internal/cellcache"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// Server hosts a set of loaded ranges and dispatches the operations named
// in spec §6's "RangeServer RPC surface". It does not itself own a wire
// transport: `cmd/rangeserverd` holds a Server beside its listener, and
// that listener closes each connection without decoding a request, so
// these methods are reached only through direct Go calls.
type Server struct {
	Location string
	toplevel string
	client   dfs.Client
	metaLog  MetaLog
	master   Master

	mu     sync.RWMutex
	ranges map[string]*Range

	scannerMu   sync.Mutex
	scannerNext ScannerHandle
	scanners    map[ScannerHandle]*openScanner

	Logf func(string, ...interface{})
}

// NewServer creates a Server rooted at toplevel, ready to load ranges.
func NewServer(location, toplevel string, client dfs.Client, metaLog MetaLog, master Master) *Server {
	return &Server{
		Location:    location,
		toplevel:    toplevel,
		client:      client,
		metaLog:     metaLog,
		master:      master,
		ranges:      make(map[string]*Range),
		scannerNext: 1,
		scanners:    make(map[ScannerHandle]*openScanner),
	}
}

func rangeMapKey(spec QualifiedRangeSpec) string {
	return fmt.Sprintf("%d:%s:%s", spec.TableID, spec.RowStart, spec.RowEnd)
}

// LoadRange implements the `load_range` RPC (spec §4.6 "Load", §6). Loading
// a range that is already registered reports ErrRangeAlreadyLoaded, which
// spec §7 notes callers treat as success.
func (s *Server) LoadRange(ctx context.Context, spec QualifiedRangeSpec, schema Schema, transferLog string) error {
	key := rangeMapKey(spec)

	s.mu.Lock()
	if _, ok := s.ranges[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("rangeserver: %s: %w", spec, rserr.ErrRangeAlreadyLoaded)
	}
	s.mu.Unlock()

	r, err := Load(ctx, s.client, s.toplevel, spec, schema, transferLog, s.metaLog)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ranges[key] = r
	s.mu.Unlock()
	return nil
}

// lookup returns the range registered under spec, or ErrRangeNotFound.
func (s *Server) lookup(spec QualifiedRangeSpec) (*Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ranges[rangeMapKey(spec)]
	if !ok {
		return nil, fmt.Errorf("rangeserver: %s: %w", spec, rserr.ErrRangeNotFound)
	}
	return r, nil
}

// Update implements the `update` RPC: apply a batch of mutations, dispatched
// per-cell to the access group owning its column family (spec §4.6).
func (s *Server) Update(ctx context.Context, spec QualifiedRangeSpec, muts []Mutation) error {
	r, err := s.lookup(spec)
	if err != nil {
		return err
	}
	for _, m := range muts {
		if err := r.Add(m.Key, m.Value); err != nil {
			return err
		}
	}
	return nil
}

// ScannerHandle names a server-side scanner instance for fetch_scanblock/
// destroy_scanner (spec §6).
type ScannerHandle uint64

type openScanner struct {
	ag *accessgroup.Scanner
}

// CreateScanner implements the `create_scanner` RPC: opens a merge scanner
// over the named access group scoped by sc, returning a handle the caller
// later drives with FetchScanblock (spec §4.5 "Scanner", §6).
func (s *Server) CreateScanner(ctx context.Context, spec QualifiedRangeSpec, agName string, sc *cellcache.ScanContext) (ScannerHandle, error) {
	r, err := s.lookup(spec)
	if err != nil {
		return 0, err
	}
	g := r.AccessGroup(agName)
	if g == nil {
		return 0, fmt.Errorf("rangeserver: %s: no access group %q", spec, agName)
	}
	agScanner, err := g.CreateScanner(ctx, sc)
	if err != nil {
		return 0, err
	}

	s.scannerMu.Lock()
	h := s.scannerNext
	s.scannerNext++
	s.scanners[h] = &openScanner{ag: agScanner}
	s.scannerMu.Unlock()
	return h, nil
}

// FetchScanblock implements the `fetch_scanblock` RPC: returns up to
// maxCells (key, value) pairs and whether the scan is exhausted.
func (s *Server) FetchScanblock(handle ScannerHandle, maxCells int) ([]Mutation, bool, error) {
	s.scannerMu.Lock()
	os, ok := s.scanners[handle]
	s.scannerMu.Unlock()
	if !ok {
		return nil, true, fmt.Errorf("rangeserver: unknown scanner handle %d", handle)
	}

	var out []Mutation
	for len(out) < maxCells && os.ag.Next() {
		out = append(out, Mutation{Key: os.ag.Key(), Value: append([]byte{}, os.ag.Value()...)})
	}
	if err := os.ag.Err(); err != nil {
		return out, true, err
	}
	exhausted := len(out) < maxCells
	return out, exhausted, nil
}

// DestroyScanner implements the `destroy_scanner` RPC, releasing the
// scanner's hold on the access group's store list (spec §5 "scanner
// snapshots").
func (s *Server) DestroyScanner(handle ScannerHandle) error {
	s.scannerMu.Lock()
	os, ok := s.scanners[handle]
	delete(s.scanners, handle)
	s.scannerMu.Unlock()
	if !ok {
		return nil
	}
	os.ag.Close()
	return nil
}

// CompactionFlag is the `compact` RPC's flag bitset (spec §6 "Compaction
// flag bitset").
type CompactionFlag uint32

const (
	CompactRoot     CompactionFlag = 1
	CompactMetadata CompactionFlag = 2
	CompactSystem   CompactionFlag = 4
	CompactUser     CompactionFlag = 8
	CompactAll      CompactionFlag = 0xF
	CompactMinor    CompactionFlag = 0x10
	CompactMajor    CompactionFlag = 0x20
	CompactMerging  CompactionFlag = 0x40
	CompactGC       CompactionFlag = 0x80
)

// Compact implements the `compact` RPC for one range: runs the compaction
// kind(s) named by flags against every access group.
func (s *Server) Compact(ctx context.Context, spec QualifiedRangeSpec, flags CompactionFlag) error {
	r, err := s.lookup(spec)
	if err != nil {
		return err
	}
	for _, g := range r.AccessGroups() {
		if flags&CompactMinor != 0 {
			if err := g.Minor(ctx); err != nil {
				return err
			}
		}
		if flags&CompactMerging != 0 {
			if run := g.FindMergeRun(); run != nil {
				if err := g.Merging(ctx, run); err != nil {
					return err
				}
			}
		}
		if flags&CompactMajor != 0 {
			if err := g.Major(ctx); err != nil {
				return err
			}
		}
		if flags&CompactGC != 0 {
			if err := g.GC(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ranges returns a snapshot of every currently loaded range, for the
// maintenance scheduler's periodic sweep (spec §4.7).
func (s *Server) Ranges() []*Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		out = append(out, r)
	}
	return out
}

// Split triggers spec §4.6 "Split" on the named range, notifying this
// server's configured master of the new sibling. Unlike the RPC-surface
// methods above, split is not itself a named RPC (spec §6); it is an
// internal operation the maintenance scheduler (spec §4.7) or an operator
// tool invokes directly on a loaded range.
func (s *Server) Split(ctx context.Context, spec QualifiedRangeSpec) ([]byte, error) {
	r, err := s.lookup(spec)
	if err != nil {
		return nil, err
	}
	return r.Split(ctx, s.master)
}

// RelinquishRange implements the `relinquish_range` RPC (spec §4.6
// "Relinquish"). The range stays registered (still servable for reads)
// until the master's subsequent load_range of the new owner completes; only
// the transfer-log handoff happens here.
func (s *Server) RelinquishRange(ctx context.Context, spec QualifiedRangeSpec) (string, error) {
	r, err := s.lookup(spec)
	if err != nil {
		return "", err
	}
	return r.Relinquish(ctx)
}

// DropRange implements the `drop_range` RPC: removes the range from the
// live map without flushing (the caller has already confirmed the range's
// metadata row was dropped).
func (s *Server) DropRange(spec QualifiedRangeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rangeMapKey(spec)
	if _, ok := s.ranges[key]; !ok {
		return fmt.Errorf("rangeserver: %s: %w", spec, rserr.ErrRangeNotFound)
	}
	delete(s.ranges, key)
	return nil
}

// GetStatistics implements the `get_statistics` RPC, returning every loaded
// range's per-access-group accounting (spec §4.7's MaintenanceData shares
// the same underlying accessgroup.Stats).
func (s *Server) GetStatistics() map[string]map[string]accessgroup.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]accessgroup.Stats, len(s.ranges))
	for key, r := range s.ranges {
		ags := r.AccessGroups()
		stats := make(map[string]accessgroup.Stats, len(ags))
		for name, g := range ags {
			stats[name] = g.Stats()
		}
		out[key] = stats
	}
	return out
}

// Shutdown implements the `shutdown` RPC: relinquishes every loaded range so
// another server can take over without a failover detection delay.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	specs := make([]QualifiedRangeSpec, 0, len(s.ranges))
	for _, r := range s.ranges {
		specs = append(specs, r.Spec)
	}
	s.mu.RUnlock()

	for _, spec := range specs {
		if _, err := s.RelinquishRange(ctx, spec); err != nil {
			s.logf("rangeserver: shutdown: relinquish %s: %v", spec, err)
		}
	}
	return nil
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// RangeCount reports the number of currently loaded ranges.
func (s *Server) RangeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ranges)
}
