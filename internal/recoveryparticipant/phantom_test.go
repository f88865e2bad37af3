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

package recoveryparticipant

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/commitlog"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

func testSchema() rangeserver.Schema {
	return rangeserver.Schema{
		TableID:    7,
		Generation: 1,
		AccessGroups: []rangeserver.AccessGroupSchema{
			{Name: "default", ColumnFamilies: []uint8{0}},
		},
	}
}

func testSpec() rangeserver.QualifiedRangeSpec {
	return rangeserver.QualifiedRangeSpec{TableID: 7, RowStart: []byte("a"), RowEnd: []byte("z")}
}

// encodeBlock packs a single mutation into the varint-length-prefixed wire
// format rangeserver.Range.ApplyMutationBlock expects (mirrors the private
// rangeserver.encodeMutations, which test code outside that package cannot
// call directly).
func encodeBlock(t *testing.T, row string, revision int64) []byte {
	t.Helper()
	key := cellkey.Key{Row: []byte(row), ColumnFamilyID: 0, ColumnQualifier: []byte("c"), Flag: cellkey.Insert, Timestamp: revision, Revision: revision}
	value := []byte("v")

	encodedKey := cellkey.Encode(nil, key)
	var tmp [binary.MaxVarintLen64]byte
	var out []byte
	n := binary.PutUvarint(tmp[:], uint64(len(encodedKey)))
	out = append(out, tmp[:n]...)
	out = append(out, encodedKey...)
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	out = append(out, tmp[:n]...)
	out = append(out, value...)
	return out
}

func TestPhantomLoadThenReplayThenPopulatePromotesRange(t *testing.T) {
	ctx := context.Background()
	client := dfs.NewLocalFS(t.TempDir())

	pr, err := PhantomLoad(ctx, client, "/top", "/logs", testSpec(), testSchema(), []uint32{0, 1}, nil)
	if err != nil {
		t.Fatalf("PhantomLoad: %v", err)
	}
	if pr.State() != Loaded {
		t.Fatalf("expected state LOADED, got %s", pr.State())
	}

	if err := pr.Add(0, ReplayEvent{Seq: 0, Block: commitlog.Block{TableID: 7, Revision: 1, Mutations: encodeBlock(t, "b", 1)}}); err != nil {
		t.Fatalf("Add fragment 0 seq 0: %v", err)
	}
	if err := pr.Add(0, ReplayEvent{Done: true}); err != nil {
		t.Fatalf("Add fragment 0 done: %v", err)
	}
	if pr.State() != Loaded {
		t.Fatalf("expected still LOADED with fragment 1 outstanding, got %s", pr.State())
	}
	if err := pr.Add(1, ReplayEvent{Seq: 0, Block: commitlog.Block{TableID: 7, Revision: 2, Mutations: encodeBlock(t, "c", 2)}}); err != nil {
		t.Fatalf("Add fragment 1 seq 0: %v", err)
	}
	if err := pr.Add(1, ReplayEvent{Done: true}); err != nil {
		t.Fatalf("Add fragment 1 done: %v", err)
	}
	if pr.State() != Replayed {
		t.Fatalf("expected state REPLAYED once both fragments complete, got %s", pr.State())
	}

	if err := pr.PopulateRangeAndLog(ctx); err != nil {
		t.Fatalf("PopulateRangeAndLog: %v", err)
	}
	if pr.EmptyPromotable() {
		t.Fatalf("expected not empty-promotable after populating two mutations")
	}
	if pr.LatestRevision() != 2 {
		t.Fatalf("expected latest_revision 2, got %d", pr.LatestRevision())
	}

	if err := pr.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if pr.State() != Prepared {
		t.Fatalf("expected state PREPARED, got %s", pr.State())
	}
	if pr.Range().State() != rangeserver.Steady {
		t.Fatalf("expected range state STEADY after prepare, got %s", pr.Range().State())
	}
	if pr.Range().OriginalTransferLog() != pr.LogDir {
		t.Fatalf("expected original transfer log to be the phantom log dir")
	}

	if err := pr.Commit(ctx, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if pr.State() != Committed {
		t.Fatalf("expected state COMMITTED, got %s", pr.State())
	}
}

func TestAddRejectsOutOfOrderAndUnassignedFragments(t *testing.T) {
	ctx := context.Background()
	client := dfs.NewLocalFS(t.TempDir())
	pr, err := PhantomLoad(ctx, client, "/top", "/logs", testSpec(), testSchema(), []uint32{0}, nil)
	if err != nil {
		t.Fatalf("PhantomLoad: %v", err)
	}

	if err := pr.Add(0, ReplayEvent{Seq: 1, Block: commitlog.Block{TableID: 7, Mutations: encodeBlock(t, "b", 1)}}); !errors.Is(err, rserr.ErrFragmentOutOfOrder) {
		t.Fatalf("expected ErrFragmentOutOfOrder for seq 1 before seq 0, got %v", err)
	}

	if err := pr.Add(5, ReplayEvent{Seq: 0, Block: commitlog.Block{TableID: 7}}); !errors.Is(err, rserr.ErrUnassignedFragment) {
		t.Fatalf("expected ErrUnassignedFragment for fragment 5, got %v", err)
	}

	if err := pr.Add(0, ReplayEvent{Seq: 0, Block: commitlog.Block{TableID: 7, Mutations: encodeBlock(t, "b", 1)}}); err != nil {
		t.Fatalf("Add fragment 0 seq 0: %v", err)
	}
	if err := pr.Add(0, ReplayEvent{Done: true}); err != nil {
		t.Fatalf("Add fragment 0 done: %v", err)
	}
	if err := pr.Add(0, ReplayEvent{Seq: 1, Block: commitlog.Block{TableID: 7, Mutations: encodeBlock(t, "c", 2)}}); !errors.Is(err, rserr.ErrFragmentComplete) {
		t.Fatalf("expected ErrFragmentComplete pushing to an already-complete fragment, got %v", err)
	}
}

func TestEmptyPromotableWhenNoBlocksPopulated(t *testing.T) {
	ctx := context.Background()
	client := dfs.NewLocalFS(t.TempDir())
	pr, err := PhantomLoad(ctx, client, "/top", "/logs", testSpec(), testSchema(), []uint32{0}, nil)
	if err != nil {
		t.Fatalf("PhantomLoad: %v", err)
	}
	if err := pr.Add(0, ReplayEvent{Done: true}); err != nil {
		t.Fatalf("Add fragment 0 done: %v", err)
	}
	if err := pr.PopulateRangeAndLog(ctx); err != nil {
		t.Fatalf("PopulateRangeAndLog: %v", err)
	}
	if !pr.EmptyPromotable() {
		t.Fatalf("expected empty-promotable with no blocks ever populated")
	}
}

func TestParticipantRPCSurfaceAndResponseMap(t *testing.T) {
	ctx := context.Background()
	client := dfs.NewLocalFS(t.TempDir())
	p := New(client, "/top", "/logs", nil)
	spec := testSpec()

	if err := p.PhantomLoad(ctx, spec, testSchema(), []uint32{0}); err != nil {
		t.Fatalf("PhantomLoad: %v", err)
	}
	if err := p.PhantomUpdate(ctx, spec, 0, ReplayEvent{Done: true}); err != nil {
		t.Fatalf("PhantomUpdate: %v", err)
	}

	missing := rangeserver.QualifiedRangeSpec{TableID: 99}
	results := p.PhantomPrepareRanges(ctx, []rangeserver.QualifiedRangeSpec{spec, missing})
	if results[spec.String()] != nil {
		t.Fatalf("expected spec's prepare to succeed, got %v", results[spec.String()])
	}
	if !errors.Is(results[missing.String()], rserr.ErrPhantomRangeMapNotFound) {
		t.Fatalf("expected missing range's prepare to report ErrPhantomRangeMapNotFound, got %v", results[missing.String()])
	}

	commitResults := p.PhantomCommitRanges(ctx, []rangeserver.QualifiedRangeSpec{spec}, nil)
	if commitResults[spec.String()] != nil {
		t.Fatalf("expected commit to succeed, got %v", commitResults[spec.String()])
	}
	if _, err := p.Lookup(spec); !errors.Is(err, rserr.ErrPhantomRangeMapNotFound) {
		t.Fatalf("expected committed range to be dropped from the participant's map, got %v", err)
	}
}

func TestReplayFragmentsDispatchesEveryAssignedFragmentAndSignalsDone(t *testing.T) {
	ctx := context.Background()
	client := dfs.NewLocalFS(t.TempDir())

	writer, err := commitlog.NewWriter(ctx, client, "/srclog", 0, commitlog.WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := writer.Add(ctx, commitlog.Entry{TableID: 7, Mutations: encodeBlock(t, "b", 1), Revision: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := writer.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []ReplayEvent
	var gotFragments []uint32
	err = ReplayFragments(ctx, client, "/srclog", []uint32{0}, func(fragment uint32, ev ReplayEvent) error {
		gotFragments = append(gotFragments, fragment)
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayFragments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 dispatched events (1 block + 1 done), got %d", len(got))
	}
	if got[0].Done {
		t.Fatalf("expected first event to be the data block")
	}
	if !got[1].Done {
		t.Fatalf("expected final event to be the completion marker")
	}
	for _, f := range gotFragments {
		if f != 0 {
			t.Fatalf("expected all events on fragment 0, got %d", f)
		}
	}
}
