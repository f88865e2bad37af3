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

package balanceplan

import (
	"context"
	"errors"
	"testing"

	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

type fakeConns struct{ active []Location }

func (f *fakeConns) ActiveLocations() []Location { return f.active }

type fakeFragments struct{ byLocation map[Location][]uint32 }

func (f *fakeFragments) ListFragments(ctx context.Context, location Location, class RangeClass) ([]uint32, error) {
	return f.byLocation[location], nil
}

type fakeRanges struct{ byLocation map[Location][]rangeserver.QualifiedRangeSpec }

func (f *fakeRanges) ListRanges(ctx context.Context, location Location, class RangeClass) ([]rangeserver.QualifiedRangeSpec, error) {
	return f.byLocation[location], nil
}

type fakeMetaLog struct {
	calls int
	last  RangeServerConnection
}

func (f *fakeMetaLog) CommitBalancePlan(ctx context.Context, failedLocation Location, generation int64, conn RangeServerConnection) error {
	f.calls++
	f.last = conn
	return nil
}

func spec(table uint64, start, end string) rangeserver.QualifiedRangeSpec {
	return rangeserver.QualifiedRangeSpec{TableID: table, RowStart: []byte(start), RowEnd: []byte(end)}
}

func TestCreatePlanRoundRobinsFragmentsAndRanges(t *testing.T) {
	ctx := context.Background()
	conns := &fakeConns{active: []Location{"b", "c", "d"}}
	fragments := &fakeFragments{byLocation: map[Location][]uint32{"a": {0, 1, 2, 3}}}
	ranges := &fakeRanges{byLocation: map[Location][]rangeserver.QualifiedRangeSpec{
		"a": {spec(1, "a", "m"), spec(1, "m", "z"), spec(2, "a", "z")},
	}}
	metaLog := &fakeMetaLog{}

	a := New(conns, fragments, ranges, metaLog)
	if err := a.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if metaLog.calls != 1 {
		t.Fatalf("expected one meta-log commit, got %d", metaLog.calls)
	}
	if !metaLog.last.Removed || metaLog.last.Location != "a" {
		t.Fatalf("expected failed location marked removed, got %+v", metaLog.last)
	}

	plan, generation, err := a.CopyRecoveryPlan("a", ClassRoot)
	if err != nil {
		t.Fatalf("CopyRecoveryPlan: %v", err)
	}
	if generation != 1 {
		t.Fatalf("expected generation 1 after first creation, got %d", generation)
	}
	if len(plan.replayPlan) != 4 {
		t.Fatalf("expected 4 fragments assigned, got %d", len(plan.replayPlan))
	}
	if plan.replayPlan[0] != "b" || plan.replayPlan[1] != "c" || plan.replayPlan[2] != "d" || plan.replayPlan[3] != "b" {
		t.Fatalf("expected round-robin fragment assignment, got %+v", plan.replayPlan)
	}
	if len(plan.receiverPlan) != 3 {
		t.Fatalf("expected 3 ranges assigned, got %d", len(plan.receiverPlan))
	}

	locations, err := a.GetReceiverPlanLocations("a", ClassRoot)
	if err != nil {
		t.Fatalf("GetReceiverPlanLocations: %v", err)
	}
	if len(locations) == 0 {
		t.Fatalf("expected at least one receiver location")
	}

	dest, err := a.GetBalanceDestination(1, spec(1, "a", "m"))
	if err != nil {
		t.Fatalf("GetBalanceDestination: %v", err)
	}
	if dest != "b" {
		t.Fatalf("expected destination b, got %s", dest)
	}
}

func TestCreatePlanRewritesEntriesReferencingConcurrentFailure(t *testing.T) {
	ctx := context.Background()
	conns := &fakeConns{active: []Location{"b", "c"}}
	fragments := &fakeFragments{byLocation: map[Location][]uint32{"a": {0}}}
	ranges := &fakeRanges{byLocation: map[Location][]rangeserver.QualifiedRangeSpec{"a": {spec(1, "a", "m")}}}
	a := New(conns, fragments, ranges, nil)

	if err := a.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan a: %v", err)
	}
	// "a"'s plan now points everything at "b" or "c". Fail "b" next; "a"'s
	// plan entries referencing "b" must be rewritten to "c" (spec §4.9
	// creation-protocol step 2).
	conns.active = []Location{"c"}
	if err := a.CreatePlan(ctx, "b"); err != nil {
		t.Fatalf("CreatePlan b: %v", err)
	}

	plan, generation, err := a.CopyRecoveryPlan("a", ClassRoot)
	if err != nil {
		t.Fatalf("CopyRecoveryPlan: %v", err)
	}
	if plan.replayPlan[0] != "c" {
		t.Fatalf("expected fragment 0 rewritten to c, got %s", plan.replayPlan[0])
	}
	if generation != 2 {
		t.Fatalf("expected a's generation bumped by the rewrite, got %d", generation)
	}
}

func TestRemoveFromReceiverPlanBumpsGenerationAndCompletesPlan(t *testing.T) {
	ctx := context.Background()
	conns := &fakeConns{active: []Location{"b"}}
	fragments := &fakeFragments{}
	ranges := &fakeRanges{byLocation: map[Location][]rangeserver.QualifiedRangeSpec{"a": {spec(1, "a", "m")}}}
	a := New(conns, fragments, ranges, nil)
	if err := a.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	_, gen0, _ := a.CopyRecoveryPlan("a", ClassRoot)

	complete, err := a.RecoveryComplete("a", ClassRoot)
	if err != nil {
		t.Fatalf("RecoveryComplete: %v", err)
	}
	if complete {
		t.Fatalf("expected recovery not yet complete")
	}

	if err := a.RemoveFromReceiverPlan("a", ClassRoot, spec(1, "a", "m")); err != nil {
		t.Fatalf("RemoveFromReceiverPlan: %v", err)
	}
	_, gen1, _ := a.CopyRecoveryPlan("a", ClassRoot)
	if gen1 <= gen0 {
		t.Fatalf("expected generation to bump after receiver-plan removal, got %d -> %d", gen0, gen1)
	}

	complete, err = a.RecoveryComplete("a", ClassRoot)
	if err != nil {
		t.Fatalf("RecoveryComplete: %v", err)
	}
	if !complete {
		t.Fatalf("expected recovery complete once receiver_plan is empty")
	}

	if err := a.RemoveFromReceiverPlan("a", ClassRoot, spec(1, "a", "m")); !errors.Is(err, rserr.ErrRangeNotInPlan) {
		t.Fatalf("expected ErrRangeNotInPlan removing an already-removed range, got %v", err)
	}
}

func TestCreatePlanRetargetsOutstandingMoveToFailedDestination(t *testing.T) {
	ctx := context.Background()
	conns := &fakeConns{active: []Location{"b", "c"}}
	fragments := &fakeFragments{}
	ranges := &fakeRanges{}
	a := New(conns, fragments, ranges, nil)

	mv := MoveRange{Table: 9, Spec: spec(9, "a", "z"), Destination: "a"}
	a.RegisterMove(mv)

	if err := a.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	a.mu.Lock()
	got := a.moves[0].Destination
	a.mu.Unlock()
	if got == "a" {
		t.Fatalf("expected move destination retargeted away from the failed location")
	}

	if err := a.BalanceMoveComplete(MoveRange{Table: 9, Spec: spec(9, "a", "z")}); err != nil {
		t.Fatalf("BalanceMoveComplete: %v", err)
	}
	if err := a.BalanceMoveComplete(MoveRange{Table: 9, Spec: spec(9, "a", "z")}); !errors.Is(err, rserr.ErrMoveNotFound) {
		t.Fatalf("expected ErrMoveNotFound on the second completion, got %v", err)
	}
}

func TestCreatePlanFailsWithNoActiveServers(t *testing.T) {
	ctx := context.Background()
	a := New(&fakeConns{}, &fakeFragments{}, &fakeRanges{}, nil)
	if err := a.CreatePlan(ctx, "a"); !errors.Is(err, rserr.ErrNoActiveServers) {
		t.Fatalf("expected ErrNoActiveServers, got %v", err)
	}
}

func TestCopyRecoveryPlanUnknownLocation(t *testing.T) {
	a := New(&fakeConns{}, &fakeFragments{}, &fakeRanges{}, nil)
	if _, _, err := a.CopyRecoveryPlan("missing", ClassRoot); !errors.Is(err, rserr.ErrRecoveryPlanNotFound) {
		t.Fatalf("expected ErrRecoveryPlanNotFound, got %v", err)
	}
}
