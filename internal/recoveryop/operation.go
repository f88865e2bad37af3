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

// Package recoveryop drives the master-side recovery operation (spec
// §4.10): a per-(failed_location, range_class) state machine that steps a
// range class's recovery plan (built by internal/balanceplan) through
// phantom load, fragment replay, prepare, commit and acknowledge.
package recoveryop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/hypertable/rangeserver/internal/balanceplan"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// Phase is one node of the recovery operation's state machine (spec §4.10).
type Phase int

const (
	Initial Phase = iota
	PhantomLoad
	ReplayFragments
	Prepare
	Commit
	Acknowledge
	Done
	Blocked
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "INITIAL"
	case PhantomLoad:
		return "PHANTOM_LOAD"
	case ReplayFragments:
		return "REPLAY_FRAGMENTS"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	case Acknowledge:
		return "ACKNOWLEDGE"
	case Done:
		return "done"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// RangeOutcome is one range's result from a broadcast RPC.
type RangeOutcome struct {
	Spec     rangeserver.QualifiedRangeSpec
	Location balanceplan.Location
	Err      error
}

// FragmentOutcome is one fragment's result from a replay-fragments
// broadcast.
type FragmentOutcome struct {
	Fragment uint32
	Location balanceplan.Location
	Err      error
}

// RecoveryStepFuture records per-location success/failure (error code +
// message, via Go errors) for one broadcast phase (spec §4.10 transition
// step 3: "collects results in a shared RecoveryStepFuture that records
// per-location success/failure with error code + message").
type RecoveryStepFuture struct {
	Phase Phase

	mu        sync.Mutex
	ranges    map[string]RangeOutcome
	fragments map[uint32]FragmentOutcome
}

func newFuture(phase Phase) *RecoveryStepFuture {
	return &RecoveryStepFuture{Phase: phase, ranges: make(map[string]RangeOutcome), fragments: make(map[uint32]FragmentOutcome)}
}

func (f *RecoveryStepFuture) recordRange(o RangeOutcome) {
	f.mu.Lock()
	f.ranges[o.Spec.String()] = o
	f.mu.Unlock()
}

func (f *RecoveryStepFuture) recordFragment(o FragmentOutcome) {
	f.mu.Lock()
	f.fragments[o.Fragment] = o
	f.mu.Unlock()
}

// Ranges returns a copy of the per-range outcomes this future collected.
func (f *RecoveryStepFuture) Ranges() map[string]RangeOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]RangeOutcome, len(f.ranges))
	for k, v := range f.ranges {
		out[k] = v
	}
	return out
}

// Fragments returns a copy of the per-fragment outcomes this future
// collected.
func (f *RecoveryStepFuture) Fragments() map[uint32]FragmentOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint32]FragmentOutcome, len(f.fragments))
	for k, v := range f.fragments {
		out[k] = v
	}
	return out
}

// AllSucceeded reports whether every recorded outcome (range or fragment)
// in the future came back without an error.
func (f *RecoveryStepFuture) AllSucceeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.ranges {
		if o.Err != nil {
			return false
		}
	}
	for _, o := range f.fragments {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// Dispatcher is the RangeServer RPC surface the recovery operation
// broadcasts each phase's work over (spec §4.10 transition step 3). A real
// deployment implements this against a remote stub; tests and
// single-node setups can bind it directly to
// internal/recoveryparticipant.Participant's identically-shaped methods.
type Dispatcher interface {
	// PhantomLoad issues phantom_load for every one of specs at
	// participant, telling it which fragments (of the failed location's
	// commit log, for this range class) it should expect replayed data
	// from.
	PhantomLoad(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec, fragments []uint32) map[string]error
	// ReplayFragments tells participant (a replay player) to ship the
	// given fragments of the failed location's commit log to whichever
	// receivers the plan assigned each fragment's ranges to.
	ReplayFragments(ctx context.Context, participant balanceplan.Location, fragments []uint32) map[uint32]error
	// PrepareRanges issues phantom_prepare_ranges for specs at
	// participant.
	PrepareRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error
	// CommitRanges issues phantom_commit_ranges for specs at
	// participant. Its response_map doubles as the ACKNOWLEDGE phase's
	// input (spec §4.8: "commit acknowledges to the master" via the same
	// response_map acknowledge_load returns), so the operation does not
	// issue a separate broadcast for ACKNOWLEDGE — see the Open decision
	// in DESIGN.md.
	CommitRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error
}

// QuorumSource reports how many of the total configured range servers are
// currently connected, for wait_for_quorum (spec §4.10 transition step 2).
type QuorumSource interface {
	ConnectedCount() int
	TotalCount() int
}

func quorumMet(q QuorumSource, pct int) bool {
	total := q.TotalCount()
	if total == 0 {
		return false
	}
	threshold := (total*pct + 99) / 100
	return q.ConnectedCount() >= threshold
}

// Operation drives one (failed_location, range_class)'s recovery through
// spec §4.10's state machine.
type Operation struct {
	FailedLocation balanceplan.Location
	Class          balanceplan.RangeClass
	QuorumPct      int

	Logf func(string, ...interface{})

	plans    *balanceplan.BalancePlanAuthority
	quorum   QuorumSource
	dispatch Dispatcher

	mu           sync.Mutex
	phase        Phase
	generation   int64
	sawGeneration bool
	redoSet      map[string]bool
	lastCommit   *RecoveryStepFuture
}

// New creates an Operation in the INITIAL phase.
func New(plans *balanceplan.BalancePlanAuthority, quorum QuorumSource, dispatch Dispatcher, failed balanceplan.Location, class balanceplan.RangeClass, quorumPct int) *Operation {
	return &Operation{
		FailedLocation: failed,
		Class:          class,
		QuorumPct:      quorumPct,
		plans:          plans,
		quorum:         quorum,
		dispatch:       dispatch,
		redoSet:        make(map[string]bool),
	}
}

func (op *Operation) logf(format string, args ...interface{}) {
	if op.Logf != nil {
		op.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Phase reports the operation's current state.
func (op *Operation) Phase() Phase {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.phase
}

// RedoSet reports the ranges queued for redo because their ACKNOWLEDGE
// came back PHANTOM_RANGE_MAP_NOT_FOUND (spec §4.10 transition step 4).
func (op *Operation) RedoSet() []string {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]string, 0, len(op.redoSet))
	for k := range op.redoSet {
		out = append(out, k)
	}
	return out
}

// Step runs exactly one phase transition: re-reads the plan, checks
// quorum, broadcasts the current phase's RPC to its participant set, and
// advances (spec §4.10 "Each transition: ..."). It returns the future
// collected for a broadcasting phase, or nil for INITIAL (a pure
// transition) and for a quorum-blocked or already-done operation.
func (op *Operation) Step(ctx context.Context) (*RecoveryStepFuture, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	plan, generation, err := op.plans.CopyRecoveryPlan(op.FailedLocation, op.Class)
	if err != nil {
		return nil, fmt.Errorf("recoveryop: %s %s: %w", op.FailedLocation, op.Class, err)
	}
	if op.sawGeneration && generation != op.generation {
		op.logf("recoveryop: %s %s: generation changed %d -> %d, resetting to INITIAL", op.FailedLocation, op.Class, op.generation, generation)
		op.phase = Initial
		op.lastCommit = nil
	}
	op.generation = generation
	op.sawGeneration = true

	if !quorumMet(op.quorum, op.QuorumPct) {
		op.phase = Blocked
		return nil, fmt.Errorf("recoveryop: %s %s: %w", op.FailedLocation, op.Class, rserr.ErrQuorumNotMet)
	}
	if op.phase == Blocked {
		op.phase = Initial
	}
	if op.phase == Done {
		return nil, nil
	}

	phase := op.phase
	switch phase {
	case Initial:
		op.phase = PhantomLoad
		return nil, nil

	case PhantomLoad:
		future := newFuture(phase)
		op.broadcastRanges(ctx, future, plan.ReceiverLocations(), func(loc balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
			return op.dispatch.PhantomLoad(ctx, loc, specs, plan.FragmentsFor(loc))
		}, plan)
		op.phase = ReplayFragments
		return future, nil

	case ReplayFragments:
		future := newFuture(phase)
		op.broadcastFragments(ctx, future, plan)
		op.phase = Prepare
		return future, nil

	case Prepare:
		future := newFuture(phase)
		op.broadcastRanges(ctx, future, plan.ReceiverLocations(), func(loc balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
			return op.dispatch.PrepareRanges(ctx, loc, specs)
		}, plan)
		op.phase = Commit
		return future, nil

	case Commit:
		future := newFuture(phase)
		op.broadcastRanges(ctx, future, plan.ReceiverLocations(), func(loc balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
			return op.dispatch.CommitRanges(ctx, loc, specs)
		}, plan)
		op.lastCommit = future
		op.phase = Acknowledge
		return future, nil

	case Acknowledge:
		op.acknowledge()
		if len(op.redoSet) > 0 {
			op.phase = Initial
		} else {
			op.phase = Done
		}
		return op.lastCommit, nil

	default:
		return nil, fmt.Errorf("recoveryop: %s %s: unexpected phase %s", op.FailedLocation, op.Class, phase)
	}
}

// acknowledge implements spec §4.10 transition step 4: ranges whose commit
// succeeded are removed from the plan's receiver side; ranges that
// returned PHANTOM_RANGE_MAP_NOT_FOUND are queued in redo_set, which sends
// the operation back to INITIAL without aborting.
func (op *Operation) acknowledge() {
	if op.lastCommit == nil {
		return
	}
	for key, outcome := range op.lastCommit.Ranges() {
		switch {
		case outcome.Err == nil:
			delete(op.redoSet, key)
			if err := op.plans.RemoveFromReceiverPlan(op.FailedLocation, op.Class, outcome.Spec); err != nil && !errors.Is(err, rserr.ErrRangeNotInPlan) {
				op.logf("recoveryop: %s %s: remove_from_receiver_plan %s: %v", op.FailedLocation, op.Class, outcome.Spec, err)
			}
		case errors.Is(outcome.Err, rserr.ErrPhantomRangeMapNotFound):
			op.redoSet[key] = true
			op.logf("recoveryop: %s %s: %s queued for redo (phantom range map not found)", op.FailedLocation, op.Class, outcome.Spec)
		default:
			op.logf("recoveryop: %s %s: %s commit failed: %v", op.FailedLocation, op.Class, outcome.Spec, outcome.Err)
		}
	}
}

func (op *Operation) broadcastRanges(ctx context.Context, future *RecoveryStepFuture, locations []balanceplan.Location, call func(balanceplan.Location, []rangeserver.QualifiedRangeSpec) map[string]error, plan *balanceplan.RangeRecoveryPlan) {
	var wg sync.WaitGroup
	for _, loc := range locations {
		specs := plan.RangesFor(loc)
		if len(specs) == 0 {
			continue
		}
		wg.Add(1)
		go func(loc balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) {
			defer wg.Done()
			results := call(loc, specs)
			for _, spec := range specs {
				future.recordRange(RangeOutcome{Spec: spec, Location: loc, Err: results[spec.String()]})
			}
		}(loc, specs)
	}
	wg.Wait()
}

func (op *Operation) broadcastFragments(ctx context.Context, future *RecoveryStepFuture, plan *balanceplan.RangeRecoveryPlan) {
	replayLocations := make(map[balanceplan.Location][]uint32)
	for fragment, loc := range plan.ReplayAssignments() {
		replayLocations[loc] = append(replayLocations[loc], fragment)
	}
	var wg sync.WaitGroup
	for loc, fragments := range replayLocations {
		wg.Add(1)
		go func(loc balanceplan.Location, fragments []uint32) {
			defer wg.Done()
			results := op.dispatch.ReplayFragments(ctx, loc, fragments)
			for _, fragment := range fragments {
				future.recordFragment(FragmentOutcome{Fragment: fragment, Location: loc, Err: results[fragment]})
			}
		}(loc, fragments)
	}
	wg.Wait()
}

// DependencyTag names the scheduling tag a recovery operation consumes and
// produces (spec §4.10 "Order across classes": "Dependencies are expressed
// as string tags (ROOT, METADATA, SYSTEM, <location>-user) consumed by the
// operation scheduler").
func DependencyTag(class balanceplan.RangeClass, failed balanceplan.Location) string {
	if class == balanceplan.ClassUser {
		return string(failed) + "-user"
	}
	return class.String()
}

// DependsOn reports the tags that must be done before class's recovery may
// start (spec §4.10: "Root must finish before metadata, metadata before
// system, system before user").
func DependsOn(class balanceplan.RangeClass) []string {
	switch class {
	case balanceplan.ClassMetadata:
		return []string{balanceplan.ClassRoot.String()}
	case balanceplan.ClassSystem:
		return []string{balanceplan.ClassRoot.String(), balanceplan.ClassMetadata.String()}
	case balanceplan.ClassUser:
		return []string{balanceplan.ClassRoot.String(), balanceplan.ClassMetadata.String(), balanceplan.ClassSystem.String()}
	default:
		return nil
	}
}
