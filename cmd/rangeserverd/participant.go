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

	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/recoveryparticipant"
)

// rangeserverParticipant adapts a *recoveryparticipant.Participant (whose
// RPCs operate per-spec or take a master Acknowledger) to the batch shape
// internal/recoveryop.Dispatcher expects from a single participant location.
type rangeserverParticipant struct {
	part       *recoveryparticipant.Participant
	client     dfs.Client
	master     recoveryparticipant.Acknowledger
	commitLogs func(fragment uint32) string
}

func (r *rangeserverParticipant) phantomLoad(ctx context.Context, specs []rangeserver.QualifiedRangeSpec, fragments []uint32) map[string]error {
	out := make(map[string]error, len(specs))
	for _, spec := range specs {
		out[spec.String()] = r.part.PhantomLoad(ctx, spec, rangeserver.Schema{}, fragments)
	}
	return out
}

// replayFragments reads each fragment and discards its blocks rather than
// dispatching to a receiver's PhantomUpdate: a real replay player decodes
// each block's row key to find which receiver owns it (spec §4.9's
// replay_plan maps fragments to players, not rows to receivers), which
// needs the phantom range directory this standalone process doesn't
// maintain. It still exercises the commit-log read path end to end.
func (r *rangeserverParticipant) replayFragments(ctx context.Context, fragments []uint32) map[uint32]error {
	out := make(map[uint32]error, len(fragments))
	for _, f := range fragments {
		dir := r.commitLogs(f)
		err := recoveryparticipant.ReplayFragments(ctx, r.client, dir, []uint32{f}, func(fragment uint32, ev recoveryparticipant.ReplayEvent) error {
			return nil
		})
		out[f] = err
	}
	return out
}

func (r *rangeserverParticipant) prepareRanges(ctx context.Context, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	return r.part.PhantomPrepareRanges(ctx, specs)
}

func (r *rangeserverParticipant) commitRanges(ctx context.Context, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	return r.part.PhantomCommitRanges(ctx, specs, r.master)
}
