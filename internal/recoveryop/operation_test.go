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

package recoveryop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hypertable/rangeserver/internal/balanceplan"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

type fakeConns struct{ active []balanceplan.Location }

func (f *fakeConns) ActiveLocations() []balanceplan.Location { return f.active }

type fakeFragments struct{ byLocation map[balanceplan.Location][]uint32 }

func (f *fakeFragments) ListFragments(ctx context.Context, location balanceplan.Location, class balanceplan.RangeClass) ([]uint32, error) {
	return f.byLocation[location], nil
}

type fakeRanges struct{ byLocation map[balanceplan.Location][]rangeserver.QualifiedRangeSpec }

func (f *fakeRanges) ListRanges(ctx context.Context, location balanceplan.Location, class balanceplan.RangeClass) ([]rangeserver.QualifiedRangeSpec, error) {
	return f.byLocation[location], nil
}

type fakeQuorum struct{ connected, total int }

func (f *fakeQuorum) ConnectedCount() int { return f.connected }
func (f *fakeQuorum) TotalCount() int     { return f.total }

// fakeDispatcher always succeeds, except for specs named in failSpecs (by
// String()), which it reports as PHANTOM_RANGE_MAP_NOT_FOUND the first
// time and success thereafter — enough to exercise the redo_set path.
type fakeDispatcher struct {
	mu        sync.Mutex
	failOnce  map[string]bool
	loadCalls int
}

func (d *fakeDispatcher) PhantomLoad(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec, fragments []uint32) map[string]error {
	d.mu.Lock()
	d.loadCalls++
	d.mu.Unlock()
	return okMap(specs)
}

func (d *fakeDispatcher) ReplayFragments(ctx context.Context, participant balanceplan.Location, fragments []uint32) map[uint32]error {
	out := make(map[uint32]error, len(fragments))
	for _, f := range fragments {
		out[f] = nil
	}
	return out
}

func (d *fakeDispatcher) PrepareRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	return okMap(specs)
}

func (d *fakeDispatcher) CommitRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	out := make(map[string]error, len(specs))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, spec := range specs {
		key := spec.String()
		if d.failOnce != nil && d.failOnce[key] {
			delete(d.failOnce, key)
			out[key] = fmt.Errorf("recoveryparticipant: %s: %w", spec, rserr.ErrPhantomRangeMapNotFound)
			continue
		}
		out[key] = nil
	}
	return out
}

func okMap(specs []rangeserver.QualifiedRangeSpec) map[string]error {
	out := make(map[string]error, len(specs))
	for _, s := range specs {
		out[s.String()] = nil
	}
	return out
}

func spec(table uint64, start, end string) rangeserver.QualifiedRangeSpec {
	return rangeserver.QualifiedRangeSpec{TableID: table, RowStart: []byte(start), RowEnd: []byte(end)}
}

func setup(t *testing.T) (*balanceplan.BalancePlanAuthority, *Operation, *fakeDispatcher) {
	t.Helper()
	ctx := context.Background()
	conns := &fakeConns{active: []balanceplan.Location{"b", "c"}}
	fragments := &fakeFragments{byLocation: map[balanceplan.Location][]uint32{"a": {0, 1}}}
	ranges := &fakeRanges{byLocation: map[balanceplan.Location][]rangeserver.QualifiedRangeSpec{
		"a": {spec(1, "a", "m"), spec(1, "m", "z")},
	}}
	plans := balanceplan.New(conns, fragments, ranges, nil)
	if err := plans.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	quorum := &fakeQuorum{connected: 2, total: 2}
	dispatch := &fakeDispatcher{}
	op := New(plans, quorum, dispatch, "a", balanceplan.ClassRoot, 50)
	return plans, op, dispatch
}

func TestOperationRunsToDoneAndDrainsReceiverPlan(t *testing.T) {
	ctx := context.Background()
	plans, op, _ := setup(t)

	phases := []Phase{Initial, PhantomLoad, ReplayFragments, Prepare, Commit, Acknowledge}
	for _, want := range phases {
		if op.Phase() != want {
			t.Fatalf("expected phase %s before step, got %s", want, op.Phase())
		}
		if _, err := op.Step(ctx); err != nil {
			t.Fatalf("Step at phase %s: %v", want, err)
		}
	}
	if op.Phase() != Done {
		t.Fatalf("expected phase done, got %s", op.Phase())
	}

	complete, err := plans.RecoveryComplete("a", balanceplan.ClassRoot)
	if err != nil {
		t.Fatalf("RecoveryComplete: %v", err)
	}
	if !complete {
		t.Fatalf("expected recovery complete once every range acknowledged")
	}
}

func TestOperationBlocksWhenQuorumNotMet(t *testing.T) {
	ctx := context.Background()
	_, op, _ := setup(t)
	op.quorum = &fakeQuorum{connected: 0, total: 2}

	if _, err := op.Step(ctx); !errors.Is(err, rserr.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}
	if op.Phase() != Blocked {
		t.Fatalf("expected phase blocked, got %s", op.Phase())
	}

	op.quorum = &fakeQuorum{connected: 2, total: 2}
	if _, err := op.Step(ctx); err != nil {
		t.Fatalf("Step after quorum restored: %v", err)
	}
	if op.Phase() != PhantomLoad {
		t.Fatalf("expected phase to resume at PHANTOM_LOAD, got %s", op.Phase())
	}
}

func TestOperationRedoesRangesReportingPhantomRangeMapNotFound(t *testing.T) {
	ctx := context.Background()
	plans, op, dispatch := setup(t)
	failing := spec(1, "a", "m").String()
	dispatch.failOnce = map[string]bool{failing: true}

	for op.Phase() != Done {
		if _, err := op.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
		if op.Phase() == Initial && len(op.redoSet) > 0 {
			break
		}
	}
	if len(op.RedoSet()) == 0 {
		t.Fatalf("expected the failing range queued in redo_set")
	}
	if op.Phase() != Initial {
		t.Fatalf("expected operation sent back to INITIAL for redo, got %s", op.Phase())
	}

	// Drive it through again; this time commit succeeds for every range.
	for i := 0; i < 6 && op.Phase() != Done; i++ {
		if _, err := op.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if op.Phase() != Done {
		t.Fatalf("expected operation to finish on retry, got %s", op.Phase())
	}
	complete, err := plans.RecoveryComplete("a", balanceplan.ClassRoot)
	if err != nil {
		t.Fatalf("RecoveryComplete: %v", err)
	}
	if !complete {
		t.Fatalf("expected recovery complete after redo succeeded")
	}
}

func TestOperationResetsOnGenerationChange(t *testing.T) {
	ctx := context.Background()
	conns := &fakeConns{active: []balanceplan.Location{"b", "c"}}
	fragments := &fakeFragments{byLocation: map[balanceplan.Location][]uint32{"a": {0, 1}}}
	ranges := &fakeRanges{byLocation: map[balanceplan.Location][]rangeserver.QualifiedRangeSpec{
		"a": {spec(1, "a", "m"), spec(1, "m", "z")},
	}}
	plans := balanceplan.New(conns, fragments, ranges, nil)
	if err := plans.CreatePlan(ctx, "a"); err != nil {
		t.Fatalf("CreatePlan a: %v", err)
	}
	quorum := &fakeQuorum{connected: 2, total: 2}
	op := New(plans, quorum, &fakeDispatcher{}, "a", balanceplan.ClassRoot, 50)

	if _, err := op.Step(ctx); err != nil { // INITIAL -> PHANTOM_LOAD
		t.Fatalf("Step: %v", err)
	}
	if _, err := op.Step(ctx); err != nil { // PHANTOM_LOAD -> REPLAY_FRAGMENTS
		t.Fatalf("Step: %v", err)
	}
	if op.Phase() != ReplayFragments {
		t.Fatalf("expected REPLAY_FRAGMENTS, got %s", op.Phase())
	}

	// "b" fails next; "a"'s plan referenced "b", so its rewrite in
	// CreatePlan's step 2 bumps "a"'s generation (spec §4.9's "so
	// concurrent failures compose").
	conns.active = []balanceplan.Location{"c"}
	if err := plans.CreatePlan(ctx, "b"); err != nil {
		t.Fatalf("CreatePlan b: %v", err)
	}

	if _, err := op.Step(ctx); err != nil {
		t.Fatalf("Step after generation bump: %v", err)
	}
	if op.Phase() != PhantomLoad {
		t.Fatalf("expected operation reset to re-run PHANTOM_LOAD after generation change, got %s", op.Phase())
	}
}

func TestDependsOnOrdersClasses(t *testing.T) {
	if len(DependsOn(balanceplan.ClassRoot)) != 0 {
		t.Fatalf("expected root to have no dependencies")
	}
	if got := DependsOn(balanceplan.ClassMetadata); len(got) != 1 || got[0] != "ROOT" {
		t.Fatalf("expected metadata to depend only on ROOT, got %v", got)
	}
	if got := DependsOn(balanceplan.ClassUser); len(got) != 3 {
		t.Fatalf("expected user to depend on root+metadata+system, got %v", got)
	}
	if tag := DependencyTag(balanceplan.ClassUser, "loc1"); tag != "loc1-user" {
		t.Fatalf("expected per-location user dependency tag, got %s", tag)
	}
}
