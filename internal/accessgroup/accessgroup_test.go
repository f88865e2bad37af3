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
	"testing"

	"github.com/hypertable/rangeserver/internal/cellcache"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/dfs"
)

func testKey(row string, cf uint8, cq string, ts, rev int64) cellkey.Key {
	return cellkey.Key{
		Row:             []byte(row),
		ColumnFamilyID:  cf,
		ColumnQualifier: []byte(cq),
		Flag:            cellkey.Insert,
		Timestamp:       ts,
		Revision:        rev,
	}
}

func collectScan(t *testing.T, s *Scanner) []cellkey.Key {
	t.Helper()
	var out []cellkey.Key
	for s.Next() {
		out = append(out, s.Key())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	return out
}

// TestInsertAndScan covers spec §8 S1: a single insert is visible to a scan
// that follows it.
func TestInsertAndScan(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})

	g.Add(testKey("row1", 0, "col", 100, 1), []byte("hello"), false)

	sc, err := g.CreateScanner(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	defer sc.Close()

	keys := collectScan(t, sc)
	if len(keys) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(keys))
	}
	if string(keys[0].Row) != "row1" {
		t.Fatalf("unexpected row %q", keys[0].Row)
	}
}

// TestAddCounterMerge covers spec §8 S2: two add_counter calls at the same
// (row, cf, cq) merge into a single summed entry.
func TestAddCounterMerge(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})

	counter := func(n int64) []byte {
		v := make([]byte, 9)
		v[0] = cellcache.CounterIncrement
		for i := 0; i < 8; i++ {
			v[8-i] = byte(n)
			n >>= 8
		}
		return v
	}

	g.Add(testKey("row1", 0, "hits", 100, 1), counter(3), false)
	g.Add(testKey("row1", 0, "hits", 101, 2), counter(4), false)

	if got := g.cache.Live().Len(); got != 1 {
		t.Fatalf("expected counters to merge into 1 entry, got %d", got)
	}
	entries := g.cache.Live().Snapshot()
	sum := int64(0)
	for i := 0; i < 8; i++ {
		sum = sum<<8 | int64(entries[0].Value[1+i])
	}
	if sum != 7 {
		t.Fatalf("expected merged counter value 7, got %d", sum)
	}
}

// TestMinorThenMajorPreservesScanOrder covers spec §8 S3: after a minor
// flush and a later major compaction, a higher-revision rewrite of the same
// cell still sorts ahead of the older version in a scan.
func TestMinorThenMajorPreservesScanOrder(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})
	ctx := context.Background()

	g.Add(testKey("row1", 0, "col", 100, 1), []byte("v1"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("Minor: %v", err)
	}

	g.Add(testKey("row1", 0, "col", 200, 2), []byte("v2"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("second Minor: %v", err)
	}

	if err := g.Major(ctx); err != nil {
		t.Fatalf("Major: %v", err)
	}

	sc, err := g.CreateScanner(ctx, nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	defer sc.Close()

	var values []string
	for sc.Next() {
		values = append(values, string(sc.Value()))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	// Both versions survive a major compaction (no max-versions policy at
	// this layer); the newer timestamp must still sort first (spec §3 "Key
	// order": timestamp desc).
	if len(values) != 2 || values[0] != "v2" || values[1] != "v1" {
		t.Fatalf("expected [v2 v1] after major compaction, got %v", values)
	}

	if got := g.Stats().StoreCount; got != 1 {
		t.Fatalf("expected exactly 1 store after major compaction, got %d", got)
	}
}

// TestDeleteShadowsOlderVersion verifies a delete-cell-version tombstone
// hides the version it targets in a scan (spec §3 "deletes compare as
// tombstones").
func TestDeleteShadowsOlderVersion(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})
	ctx := context.Background()

	g.Add(testKey("row1", 0, "col", 100, 1), []byte("v1"), false)
	del := testKey("row1", 0, "col", 100, 2)
	del.Flag = cellkey.DeleteCellVersion
	g.Add(del, nil, false)

	sc, err := g.CreateScanner(ctx, nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	defer sc.Close()
	keys := collectScan(t, sc)
	if len(keys) != 0 {
		t.Fatalf("expected the deleted version to be hidden, got %d entries", len(keys))
	}
}

// TestMinorOnEmptyCacheIsNoOp covers the boundary behavior in spec §8:
// compacting an empty cell cache produces no cell store and leaves stores
// unchanged.
func TestMinorOnEmptyCacheIsNoOp(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})

	if err := g.Minor(context.Background()); err != nil {
		t.Fatalf("Minor on empty cache: %v", err)
	}
	if got := g.Stats().StoreCount; got != 0 {
		t.Fatalf("expected 0 stores after compacting an empty cache, got %d", got)
	}
}

// TestFindMergeRunSingleStore verifies a lone store never qualifies as a
// merge run (MergeRunLengthThreshold defaults to 3).
func TestFindMergeRunSingleStore(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})
	ctx := context.Background()

	g.Add(testKey("row1", 0, "col", 100, 1), []byte("v1"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("Minor: %v", err)
	}

	if run := g.FindMergeRun(); run != nil {
		t.Fatalf("expected no merge run over a single store, got %d stores", len(run))
	}
}

// TestFindMergeRunQualifies exercises the run-length gate once enough small
// stores have accumulated.
func TestFindMergeRunQualifies(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	props := Properties{MergeRunLengthThreshold: 2, TargetMergeMin: 0, TargetMergeMax: 1 << 30}
	g := New(client, "/ag", "default", []uint8{0}, props)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Add(testKey("row1", 0, "col", int64(100+i), int64(i+1)), []byte("v"), false)
		if err := g.Minor(ctx); err != nil {
			t.Fatalf("Minor #%d: %v", i, err)
		}
	}

	run := g.FindMergeRun()
	if len(run) < 2 {
		t.Fatalf("expected a qualifying run of at least 2 stores, got %d", len(run))
	}

	if err := g.Merging(ctx, run); err != nil {
		t.Fatalf("Merging: %v", err)
	}
	if got := g.Stats().StoreCount; got != 1+(3-len(run)) {
		t.Fatalf("expected %d stores after merging, got %d", 1+(3-len(run)), got)
	}
}

// TestClockSkewStillInserts verifies the §4.5 write-path rule that a
// revision at or below latest_stored_revision is still inserted into the
// cache (so replay semantics work) but is logged as a clock-skew error.
func TestClockSkewStillInserts(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})
	ctx := context.Background()

	g.Add(testKey("row1", 0, "col", 100, 5), []byte("v1"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("Minor: %v", err)
	}

	g.Add(testKey("row1", 0, "col", 101, 3), []byte("v0"), false)

	stats := g.Stats()
	if stats.ClockSkewErrors != 1 {
		t.Fatalf("expected 1 clock-skew error, got %d", stats.ClockSkewErrors)
	}
	if g.cache.Live().Len() != 1 {
		t.Fatalf("expected the skewed write to still land in the cache")
	}
}

// TestScannerBlocksCompaction verifies the outstanding-scanner counter
// actually gates a rewrite (spec §5): Major should not return until the
// open Scanner is closed.
func TestScannerBlocksCompaction(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	g := New(client, "/ag", "default", []uint8{0}, Properties{})
	ctx := context.Background()

	g.Add(testKey("row1", 0, "col", 100, 1), []byte("v1"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("Minor: %v", err)
	}

	sc, err := g.CreateScanner(ctx, nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Major(ctx) }()

	// Major must block on waitForNoScanners while sc is open.
	select {
	case <-done:
		t.Fatalf("Major returned before the outstanding scanner was closed")
	default:
	}

	sc.Close()
	if err := <-done; err != nil {
		t.Fatalf("Major: %v", err)
	}
}
