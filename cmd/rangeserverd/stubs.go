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

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hypertable/rangeserver/internal/balanceplan"
	"github.com/hypertable/rangeserver/internal/rangeserver"
)

// logMetaLog stands in for a real meta-log/Hyperspace connection (spec §1
// scopes master/Hyperspace integration out), the same way the teacher's
// noPeers{} stands in for a real peer-discovery mechanism when -x isn't
// given: it satisfies the interface so the rest of the process can run
// standalone, logging what it would have persisted.
type logMetaLog struct{ logger *log.Logger }

func (m logMetaLog) CommitRangeState(ctx context.Context, r *rangeserver.Range) error {
	m.logger.Printf("meta-log: would persist state for range %s", r.Spec)
	return nil
}

// noMaster stands in for the master RPC client a real deployment would dial
// to report newly created ranges (spec §4.6 "emit the sibling's load
// message to the master").
type noMaster struct{ logger *log.Logger }

func (n noMaster) NotifyRangeCreated(ctx context.Context, spec rangeserver.QualifiedRangeSpec) error {
	n.logger.Printf("master: would notify range created %s", spec)
	return nil
}

// noConnections reports no active peer range servers. Real cluster
// membership comes from Hyperspace (spec §1, out of scope here); a real
// ConnectionManager would track who's currently connected to the master.
type noConnections struct{}

func (noConnections) ActiveLocations() []balanceplan.Location { return nil }

// noFragments and noRanges report nothing owned by any failed location.
// A real deployment wires these to commitlog.ListFragments and the
// master's own range directory respectively (see internal/balanceplan's
// DESIGN.md entry).
type noFragments struct{}

func (noFragments) ListFragments(ctx context.Context, location balanceplan.Location, class balanceplan.RangeClass) ([]uint32, error) {
	return nil, nil
}

type noRanges struct{}

func (noRanges) ListRanges(ctx context.Context, location balanceplan.Location, class balanceplan.RangeClass) ([]rangeserver.QualifiedRangeSpec, error) {
	return nil, nil
}

// noQuorum always reports full quorum, for a standalone process with no
// peers to wait on.
type noQuorum struct{}

func (noQuorum) ConnectedCount() int { return 1 }
func (noQuorum) TotalCount() int     { return 1 }

// loopbackDispatcher drives recovery steps against the local
// recoveryparticipant.Participant when the named location is this
// process's own, and reports a deferred-wiring error otherwise. A real
// master dials the RangeServer RPC surface on each participant location;
// that transport is spec §1's deferred concern, same as
// internal/recoveryop.Dispatcher's doc comment already notes.
type loopbackDispatcher struct {
	self     balanceplan.Location
	part     *rangeserverParticipant
	notLocal func(loc balanceplan.Location) map[string]error
}

func errAll(specs []rangeserver.QualifiedRangeSpec, err error) map[string]error {
	out := make(map[string]error, len(specs))
	for _, s := range specs {
		out[s.String()] = err
	}
	return out
}

func (d *loopbackDispatcher) PhantomLoad(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec, fragments []uint32) map[string]error {
	if participant != d.self {
		return errAll(specs, fmt.Errorf("rangeserverd: no RPC transport to %s (deferred, spec §1)", participant))
	}
	return d.part.phantomLoad(ctx, specs, fragments)
}

func (d *loopbackDispatcher) ReplayFragments(ctx context.Context, participant balanceplan.Location, fragments []uint32) map[uint32]error {
	out := make(map[uint32]error, len(fragments))
	if participant != d.self {
		err := fmt.Errorf("rangeserverd: no RPC transport to %s (deferred, spec §1)", participant)
		for _, f := range fragments {
			out[f] = err
		}
		return out
	}
	return d.part.replayFragments(ctx, fragments)
}

func (d *loopbackDispatcher) PrepareRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	if participant != d.self {
		return errAll(specs, fmt.Errorf("rangeserverd: no RPC transport to %s (deferred, spec §1)", participant))
	}
	return d.part.prepareRanges(ctx, specs)
}

func (d *loopbackDispatcher) CommitRanges(ctx context.Context, participant balanceplan.Location, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	if participant != d.self {
		return errAll(specs, fmt.Errorf("rangeserverd: no RPC transport to %s (deferred, spec §1)", participant))
	}
	return d.part.commitRanges(ctx, specs)
}
