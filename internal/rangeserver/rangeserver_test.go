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
	"errors"
	"testing"

	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rserr"
)

func testSchema() Schema {
	return Schema{
		TableID:    1,
		Generation: 1,
		AccessGroups: []AccessGroupSchema{
			{Name: "default", ColumnFamilies: []uint8{0, 1}},
		},
	}
}

func mustLoad(t *testing.T, s *Server, spec QualifiedRangeSpec) {
	t.Helper()
	if err := s.LoadRange(context.Background(), spec, testSchema(), ""); err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
}

func TestLoadRangeThenUpdateThenScan(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	ctx := context.Background()

	spec := QualifiedRangeSpec{TableID: 1, RowStart: nil, RowEnd: nil}
	mustLoad(t, s, spec)

	key := cellkey.Key{Row: []byte("row1"), ColumnFamilyID: 0, ColumnQualifier: []byte("col"), Flag: cellkey.Insert, Timestamp: 100, Revision: 1}
	if err := s.Update(ctx, spec, []Mutation{{Key: key, Value: []byte("hello")}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	h, err := s.CreateScanner(ctx, spec, "default", nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	defer s.DestroyScanner(h)

	muts, exhausted, err := s.FetchScanblock(h, 10)
	if err != nil {
		t.Fatalf("FetchScanblock: %v", err)
	}
	if !exhausted {
		t.Fatalf("expected scan exhausted after one block")
	}
	if len(muts) != 1 || string(muts[0].Value) != "hello" {
		t.Fatalf("unexpected scan result: %+v", muts)
	}
}

func TestLoadRangeTwiceReportsAlreadyLoaded(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	spec := QualifiedRangeSpec{TableID: 1}
	mustLoad(t, s, spec)

	err := s.LoadRange(context.Background(), spec, testSchema(), "")
	if !errors.Is(err, rserr.ErrRangeAlreadyLoaded) {
		t.Fatalf("expected ErrRangeAlreadyLoaded, got %v", err)
	}
}

func TestUpdateUnknownRangeReportsNotFound(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	spec := QualifiedRangeSpec{TableID: 1}

	err := s.Update(context.Background(), spec, nil)
	if !errors.Is(err, rserr.ErrRangeNotFound) {
		t.Fatalf("expected ErrRangeNotFound, got %v", err)
	}
}

func TestCompactRunsMinorAndMajor(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	ctx := context.Background()
	spec := QualifiedRangeSpec{TableID: 1}
	mustLoad(t, s, spec)

	key := cellkey.Key{Row: []byte("row1"), ColumnFamilyID: 0, ColumnQualifier: []byte("col"), Flag: cellkey.Insert, Timestamp: 100, Revision: 1}
	if err := s.Update(ctx, spec, []Mutation{{Key: key, Value: []byte("v1")}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Compact(ctx, spec, CompactMinor|CompactMajor); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	r, err := s.lookup(spec)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	stats := r.AccessGroup("default").Stats()
	if stats.StoreCount != 1 {
		t.Fatalf("expected 1 store after minor+major compact, got %d", stats.StoreCount)
	}
}

// fakeMaster records NotifyRangeCreated calls instead of contacting a real
// master process (spec §1 scopes the master out of this module's surface).
type fakeMaster struct {
	notified []QualifiedRangeSpec
}

func (f *fakeMaster) NotifyRangeCreated(ctx context.Context, spec QualifiedRangeSpec) error {
	f.notified = append(f.notified, spec)
	return nil
}

func TestSplitShrinksRangeAndNotifiesMaster(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	master := &fakeMaster{}
	s := NewServer("server1", "/top", client, nil, master)
	ctx := context.Background()
	spec := QualifiedRangeSpec{TableID: 1, RowStart: nil, RowEnd: nil}
	mustLoad(t, s, spec)

	rows := []string{"row1", "row2", "row3", "row4"}
	for i, row := range rows {
		key := cellkey.Key{Row: []byte(row), ColumnFamilyID: 0, ColumnQualifier: []byte("col"), Flag: cellkey.Insert, Timestamp: int64(100 + i), Revision: int64(i + 1)}
		if err := s.Update(ctx, spec, []Mutation{{Key: key, Value: []byte("v")}}); err != nil {
			t.Fatalf("Update %s: %v", row, err)
		}
	}

	r, err := s.lookup(spec)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	splitRow, err := r.Split(ctx, master)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(splitRow) == 0 {
		t.Fatalf("expected a non-empty split row")
	}
	if len(master.notified) != 1 {
		t.Fatalf("expected master to be notified once, got %d", len(master.notified))
	}
	if string(r.Spec.RowEnd) != string(splitRow) {
		t.Fatalf("expected range to shrink its RowEnd to the split row")
	}
	if r.State()&SplitShrunk == 0 {
		t.Fatalf("expected SplitShrunk bit set after split")
	}
}

func TestRelinquishInstallsTransferLog(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	ctx := context.Background()
	spec := QualifiedRangeSpec{TableID: 1}
	mustLoad(t, s, spec)

	path, err := s.RelinquishRange(ctx, spec)
	if err != nil {
		t.Fatalf("RelinquishRange: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty transfer log path")
	}

	r, err := s.lookup(spec)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r.State()&RelinquishLogInstalled == 0 {
		t.Fatalf("expected RELINQUISH_LOG_INSTALLED bit set")
	}
}

func TestStatusReflectsClockSkew(t *testing.T) {
	client := dfs.NewLocalFS(t.TempDir())
	s := NewServer("server1", "/top", client, nil, nil)
	ctx := context.Background()
	spec := QualifiedRangeSpec{TableID: 1}
	mustLoad(t, s, spec)

	if st := s.Status(); st.Level != HealthOK {
		t.Fatalf("expected OK status before any writes, got %v", st.Level)
	}

	r, _ := s.lookup(spec)
	g := r.AccessGroup("default")
	k1 := cellkey.Key{Row: []byte("row1"), ColumnFamilyID: 0, ColumnQualifier: []byte("c"), Flag: cellkey.Insert, Timestamp: 100, Revision: 5}
	g.Add(k1, []byte("v"), false)
	if err := g.Minor(ctx); err != nil {
		t.Fatalf("Minor: %v", err)
	}
	k2 := cellkey.Key{Row: []byte("row1"), ColumnFamilyID: 0, ColumnQualifier: []byte("c"), Flag: cellkey.Insert, Timestamp: 101, Revision: 3}
	g.Add(k2, []byte("v"), false)

	if st := s.Status(); st.Level != HealthWarning {
		t.Fatalf("expected WARNING status after a clock-skew write, got %v (%s)", st.Level, st.Detail)
	}
}
