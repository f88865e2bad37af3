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

// Package balanceplan implements the master-side balance plan authority
// (spec §4.9): for every failed range-server location it tracks one
// RangeRecoveryPlan per range class, distributing the failed server's
// commit-log fragments and ranges round-robin across the surviving
// servers.
package balanceplan

import (
	"fmt"

	"github.com/hypertable/rangeserver/internal/rangeserver"
)

// Location identifies a range server by its connection address (spec §1:
// the connection-manager/Hyperspace integration that resolves a Location to
// a live RPC channel is out of scope for this package).
type Location string

// RangeClass is one of the four range classes a BalancePlanAuthority plans
// recovery for independently (spec §4.9 "four RangeRecoveryPlans, one per
// range class"; ordering matches §4.10's "root before metadata, metadata
// before system, system before user").
type RangeClass int

const (
	ClassRoot RangeClass = iota
	ClassMetadata
	ClassSystem
	ClassUser
	numClasses
)

// NumRangeClasses returns how many RangeClass values exist, so a caller
// iterating every class (e.g. cmd/rangeserverd driving one recovery
// operation per class) doesn't need to know the enum's internal sentinel.
func NumRangeClasses() int { return int(numClasses) }

func (c RangeClass) String() string {
	switch c {
	case ClassRoot:
		return "ROOT"
	case ClassMetadata:
		return "METADATA"
	case ClassSystem:
		return "SYSTEM"
	case ClassUser:
		return "USER"
	default:
		return fmt.Sprintf("RangeClass(%d)", int(c))
	}
}

// receiverAssignment pairs a range with the location chosen to receive it;
// QualifiedRangeSpec isn't map-key-safe (it embeds []byte), so the plan
// keys its receiver_plan by spec.String() and carries the spec alongside.
type receiverAssignment struct {
	spec     rangeserver.QualifiedRangeSpec
	location Location
}

// RangeRecoveryPlan is one range class's share of a failed location's
// recovery (spec §4.9): which replay player reads which fragment, and
// which receiver materializes which range.
type RangeRecoveryPlan struct {
	Class          RangeClass
	FailedLocation Location

	replayPlan   map[uint32]Location
	receiverPlan map[string]receiverAssignment
}

func newRangeRecoveryPlan(class RangeClass, failed Location, fragments []uint32, ranges []rangeserver.QualifiedRangeSpec, active []Location) *RangeRecoveryPlan {
	p := &RangeRecoveryPlan{
		Class:          class,
		FailedLocation: failed,
		replayPlan:     make(map[uint32]Location, len(fragments)),
		receiverPlan:   make(map[string]receiverAssignment, len(ranges)),
	}
	if len(active) == 0 {
		return p
	}
	for i, fragment := range fragments {
		p.replayPlan[fragment] = active[i%len(active)]
	}
	for i, spec := range ranges {
		p.receiverPlan[spec.String()] = receiverAssignment{spec: spec, location: active[i%len(active)]}
	}
	return p
}

// clone returns a value copy of p with independent maps, so callers of
// copy_recovery_plan cannot mutate the authority's state through the
// returned plan.
func (p *RangeRecoveryPlan) clone() RangeRecoveryPlan {
	out := RangeRecoveryPlan{
		Class:          p.Class,
		FailedLocation: p.FailedLocation,
		replayPlan:     make(map[uint32]Location, len(p.replayPlan)),
		receiverPlan:   make(map[string]receiverAssignment, len(p.receiverPlan)),
	}
	for k, v := range p.replayPlan {
		out.replayPlan[k] = v
	}
	for k, v := range p.receiverPlan {
		out.receiverPlan[k] = v
	}
	return out
}

// ReplayAssignments returns the fragment -> replay-player location map.
func (p *RangeRecoveryPlan) ReplayAssignments() map[uint32]Location {
	return p.replayPlan
}

// ReceiverLocations returns the distinct receiver locations still named in
// the plan's receiver_plan (spec §4.9 get_receiver_plan_locations).
func (p *RangeRecoveryPlan) ReceiverLocations() []Location {
	seen := make(map[Location]bool, len(p.receiverPlan))
	var out []Location
	for _, a := range p.receiverPlan {
		if !seen[a.location] {
			seen[a.location] = true
			out = append(out, a.location)
		}
	}
	return out
}

// Empty reports whether the plan's receiver_plan has no outstanding
// entries (spec §4.9 recovery_complete: "true if no entries remain").
func (p *RangeRecoveryPlan) Empty() bool {
	return len(p.receiverPlan) == 0
}

// RangesFor returns the ranges the plan's receiver_plan assigned to
// location, for the recovery operation (C10) to address a phantom_load/
// phantom_prepare_ranges/phantom_commit_ranges RPC to that participant.
func (p *RangeRecoveryPlan) RangesFor(location Location) []rangeserver.QualifiedRangeSpec {
	var out []rangeserver.QualifiedRangeSpec
	for _, a := range p.receiverPlan {
		if a.location == location {
			out = append(out, a.spec)
		}
	}
	return out
}

// FragmentsFor returns the fragment numbers the plan's replay_plan
// assigned to location, for the recovery operation (C10) to tell that
// replay player which fragments to ship.
func (p *RangeRecoveryPlan) FragmentsFor(location Location) []uint32 {
	var out []uint32
	for fragment, loc := range p.replayPlan {
		if loc == location {
			out = append(out, fragment)
		}
	}
	return out
}

// rewriteFailed replaces every replay/receiver entry pointing at failed
// with a round-robin pick from active (spec §4.9 creation-protocol step 2:
// "rewrite entries that referenced the newly-failed location... so
// concurrent failures compose").
func (p *RangeRecoveryPlan) rewriteFailed(failed Location, active []Location) {
	if len(active) == 0 {
		return
	}
	i := 0
	for fragment, loc := range p.replayPlan {
		if loc == failed {
			p.replayPlan[fragment] = active[i%len(active)]
			i++
		}
	}
	i = 0
	for key, a := range p.receiverPlan {
		if a.location == failed {
			a.location = active[i%len(active)]
			p.receiverPlan[key] = a
			i++
		}
	}
}

// MoveRange is an outstanding range relocation the authority tracks so it
// can retarget a move whose destination just failed (spec §4.9 creation
// protocol step 4). Moves are registered by whatever range-balancer
// component decides to relocate ranges; that component is out of scope
// (spec §1), so RegisterMove is the seam it plugs into.
type MoveRange struct {
	Table       uint64
	Spec        rangeserver.QualifiedRangeSpec
	Destination Location
}
