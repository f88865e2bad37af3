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
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"

	"golang.org/x/exp/maps"
)

// ConnectionManager reports the range-server locations currently believed
// reachable (spec §4.9 creation-protocol step 1: "Refresh the active-server
// set from the connection manager"). The concrete connection manager lives
// above this package; master/Hyperspace wiring is out of scope (spec §1).
type ConnectionManager interface {
	ActiveLocations() []Location
}

// FragmentLister discovers the fragment numbers present in a failed
// server's commit log for one range class (spec §4.9 creation-protocol
// step 3: "reading the initial fragment ids of the failed server's commit
// logs via a CommitLogReader over the DFS"). A caller typically implements
// this with commitlog.ListFragments over whatever directory convention
// maps (location, class) to a commit-log path.
type FragmentLister interface {
	ListFragments(ctx context.Context, location Location, class RangeClass) ([]uint32, error)
}

// RangeLister discovers which ranges a failed server owned for one range
// class, so the authority can build a receiver_plan. The master's range
// directory this would normally query is out of scope (spec §1); this
// interface is the seam a caller plugs a real implementation into.
type RangeLister interface {
	ListRanges(ctx context.Context, location Location, class RangeClass) ([]rangeserver.QualifiedRangeSpec, error)
}

// RangeServerConnection records one location's connection-manager entry,
// persisted alongside a new recovery plan (spec §4.9 creation-protocol
// step 5: "Persist self plus the updated RangeServerConnection (marked
// removed) atomically to the meta-log").
type RangeServerConnection struct {
	Location Location
	Removed  bool
}

// MetaLog is the callback surface the authority uses to persist itself
// (spec §4.9 step 5, mirroring rangeserver.MetaLog's single-writer
// contract for the same meta-log).
type MetaLog interface {
	CommitBalancePlan(ctx context.Context, failedLocation Location, generation int64, conn RangeServerConnection) error
}

// recoveryEntry is everything the authority tracks for one failed
// location: one plan per range class plus the generation shared across
// them (spec §4.9: copy_recovery_plan returns "(plan, generation)" for a
// single (location, type) pair, and every listed generation-bump trigger —
// new plan, rewritten move destination, receiver-plan removal — is scoped
// to the failed location as a whole, so generation is tracked once per
// entry rather than once per class).
type recoveryEntry struct {
	location   Location
	generation int64
	planID     string
	plans      [numClasses]*RangeRecoveryPlan
}

// BalancePlanAuthority is the replicated, meta-log-persisted entity spec
// §4.9 describes. It is safe for concurrent use.
type BalancePlanAuthority struct {
	conns     ConnectionManager
	fragments FragmentLister
	ranges    RangeLister
	metaLog   MetaLog

	Logf func(string, ...interface{})

	mu      sync.Mutex
	entries map[Location]*recoveryEntry
	moves   []MoveRange
}

// New creates an empty BalancePlanAuthority.
func New(conns ConnectionManager, fragments FragmentLister, ranges RangeLister, metaLog MetaLog) *BalancePlanAuthority {
	return &BalancePlanAuthority{
		conns:     conns,
		fragments: fragments,
		ranges:    ranges,
		metaLog:   metaLog,
		entries:   make(map[Location]*recoveryEntry),
	}
}

func (a *BalancePlanAuthority) logf(format string, args ...interface{}) {
	if a.Logf != nil {
		a.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// RegisterMove records an outstanding range relocation so a later
// CreatePlan can retarget it if its destination fails before the move
// completes (spec §4.9 creation-protocol step 4).
func (a *BalancePlanAuthority) RegisterMove(mv MoveRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moves = append(a.moves, mv)
}

// CreatePlan runs the five-step creation protocol (spec §4.9) for a
// newly-failed location, producing one RangeRecoveryPlan per range class.
func (a *BalancePlanAuthority) CreatePlan(ctx context.Context, failed Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 1: refresh the active-server set.
	activeAll := a.conns.ActiveLocations()
	var active []Location
	for _, loc := range activeAll {
		if loc != failed {
			active = append(active, loc)
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("balanceplan: create_plan %s: %w", failed, rserr.ErrNoActiveServers)
	}

	// Step 2: rewrite every existing plan's entries that pointed at the
	// newly-failed location, so concurrent failures compose.
	for _, entry := range a.entries {
		rewrote := false
		for _, plan := range entry.plans {
			if plan == nil {
				continue
			}
			for _, loc := range plan.replayPlan {
				if loc == failed {
					rewrote = true
				}
			}
			for _, ra := range plan.receiverPlan {
				if ra.location == failed {
					rewrote = true
				}
			}
			plan.rewriteFailed(failed, active)
		}
		if rewrote {
			entry.generation++
		}
	}

	// Step 3: build the new plan, one RangeRecoveryPlan per class.
	entry := &recoveryEntry{location: failed, planID: uuid.NewString()}
	for class := RangeClass(0); class < numClasses; class++ {
		fragments, err := a.fragments.ListFragments(ctx, failed, class)
		if err != nil {
			return fmt.Errorf("balanceplan: create_plan %s: list fragments for %s: %w", failed, class, err)
		}
		ranges, err := a.ranges.ListRanges(ctx, failed, class)
		if err != nil {
			return fmt.Errorf("balanceplan: create_plan %s: list ranges for %s: %w", failed, class, err)
		}
		entry.plans[class] = newRangeRecoveryPlan(class, failed, fragments, ranges, active)
	}
	entry.generation++
	a.entries[failed] = entry
	a.logf("balanceplan: created recovery plan %s for %s (generation %d)", entry.planID, failed, entry.generation)

	// Step 4: retarget outstanding moves whose destination was the failed
	// location. A move whose range is already owned by some plan's
	// receiver_plan collided with recovery; recovery wins and the move
	// follows the range's recovery destination instead of being re-picked
	// independently (spec §9 "do not guess": "recovery wins, move is
	// cancelled and retried").
	cursor := 0
	for i := range a.moves {
		mv := &a.moves[i]
		if mv.Destination != failed {
			continue
		}
		if loc, ok := a.receiverLocationLocked(mv.Table, mv.Spec); ok {
			a.logf("balanceplan: move of table %d %s collided with recovery of %s; retargeting to recovery destination %s", mv.Table, mv.Spec, failed, loc)
			mv.Destination = loc
		} else {
			mv.Destination = active[cursor%len(active)]
			cursor++
		}
	}

	// Step 5: persist self plus the updated connection record.
	if a.metaLog == nil {
		return nil
	}
	return a.metaLog.CommitBalancePlan(ctx, failed, entry.generation, RangeServerConnection{Location: failed, Removed: true})
}

func (a *BalancePlanAuthority) lookupLocked(location Location, class RangeClass) (*recoveryEntry, *RangeRecoveryPlan, error) {
	if class < 0 || class >= numClasses {
		return nil, nil, fmt.Errorf("balanceplan: %w: class %s", rserr.ErrInvalidRangeClass, class)
	}
	entry, ok := a.entries[location]
	if !ok {
		return nil, nil, fmt.Errorf("balanceplan: %s: %w", location, rserr.ErrRecoveryPlanNotFound)
	}
	return entry, entry.plans[class], nil
}

func (a *BalancePlanAuthority) receiverLocationLocked(table uint64, spec rangeserver.QualifiedRangeSpec) (Location, bool) {
	for _, entry := range a.entries {
		for _, plan := range entry.plans {
			if plan == nil {
				continue
			}
			if assignment, ok := plan.receiverPlan[spec.String()]; ok && spec.TableID == table {
				return assignment.location, true
			}
		}
	}
	return "", false
}

// CopyRecoveryPlan implements copy_recovery_plan(location, type) -> (plan,
// generation): a snapshot safe for the caller to read without holding the
// authority's lock.
func (a *BalancePlanAuthority) CopyRecoveryPlan(location Location, class RangeClass) (RangeRecoveryPlan, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, plan, err := a.lookupLocked(location, class)
	if err != nil {
		return RangeRecoveryPlan{}, 0, err
	}
	return plan.clone(), entry.generation, nil
}

// RemoveFromReceiverPlan implements remove_from_receiver_plan, dropping
// spec from the (location, type) plan's receiver_plan after a successful
// acknowledgement and bumping the entry's generation (spec §4.9: "Entries
// are removed from a receiver_plan after a successful acknowledgement"
// is one of the listed generation-bump triggers).
func (a *BalancePlanAuthority) RemoveFromReceiverPlan(location Location, class RangeClass, spec rangeserver.QualifiedRangeSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, plan, err := a.lookupLocked(location, class)
	if err != nil {
		return err
	}
	key := spec.String()
	if _, ok := plan.receiverPlan[key]; !ok {
		return fmt.Errorf("balanceplan: %s %s: %w", location, spec, rserr.ErrRangeNotInPlan)
	}
	delete(plan.receiverPlan, key)
	entry.generation++
	return nil
}

// RemoveFromReplayPlan implements remove_from_replay_plan, dropping
// fragment from the (location, type) plan's replay_plan once its replay
// player has confirmed the fragment was fully shipped. Unlike receiver-plan
// removal, spec §4.9 does not list this among the generation-bump
// triggers, so it leaves generation unchanged.
func (a *BalancePlanAuthority) RemoveFromReplayPlan(location Location, class RangeClass, fragment uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, plan, err := a.lookupLocked(location, class)
	if err != nil {
		return err
	}
	if _, ok := plan.replayPlan[fragment]; !ok {
		return fmt.Errorf("balanceplan: %s class %s fragment %d: %w", location, class, fragment, rserr.ErrFragmentNotInPlan)
	}
	delete(plan.replayPlan, fragment)
	return nil
}

// GetReceiverPlanLocations implements get_receiver_plan_locations: the
// distinct receiver locations still named in (location, type)'s plan, used
// by the recovery operation to know who to broadcast RPCs to (spec §4.10
// step 3).
func (a *BalancePlanAuthority) GetReceiverPlanLocations(location Location, class RangeClass) ([]Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, plan, err := a.lookupLocked(location, class)
	if err != nil {
		return nil, err
	}
	return plan.ReceiverLocations(), nil
}

// RecoveryComplete implements recovery_complete(location, type): true once
// the plan's receiver_plan holds no more entries.
func (a *BalancePlanAuthority) RecoveryComplete(location Location, class RangeClass) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, plan, err := a.lookupLocked(location, class)
	if err != nil {
		return false, err
	}
	return plan.Empty(), nil
}

// GetBalanceDestination implements get_balance_destination(table, range) ->
// location: scans every failed-location entry's receiver plans, since a
// caller asking where a range is headed usually doesn't know which
// location's recovery owns it.
func (a *BalancePlanAuthority) GetBalanceDestination(table uint64, spec rangeserver.QualifiedRangeSpec) (Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if loc, ok := a.receiverLocationLocked(table, spec); ok {
		return loc, nil
	}
	return "", fmt.Errorf("balanceplan: table %d %s: %w", table, spec, rserr.ErrRangeNotInPlan)
}

// BalanceMoveComplete implements balance_move_complete: drops mv from the
// authority's tracked outstanding moves once its destination has
// acknowledged the move.
func (a *BalancePlanAuthority) BalanceMoveComplete(mv MoveRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.moves {
		if m.Table == mv.Table && m.Spec.String() == mv.Spec.String() {
			a.moves = append(a.moves[:i], a.moves[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("balanceplan: table %d %s: %w", mv.Table, mv.Spec, rserr.ErrMoveNotFound)
}

// Locations reports every failed location the authority currently holds a
// recovery entry for, primarily for tests and diagnostics.
func (a *BalancePlanAuthority) Locations() []Location {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Keys(a.entries)
}
