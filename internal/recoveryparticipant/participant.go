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
	"fmt"
	"log"
	"sync"

	"github.com/hypertable/rangeserver/internal/commitlog"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// Participant holds every in-progress PhantomRange a single server is
// hosting on behalf of a recovery, and exposes the `phantom_*` RPCs spec §6
// lists for it: phantom_load, phantom_update, phantom_prepare_ranges,
// phantom_commit_ranges.
type Participant struct {
	client   dfs.Client
	toplevel string
	logDir   string
	metaLog  rangeserver.MetaLog

	Logf func(string, ...interface{})

	mu     sync.Mutex
	ranges map[string]*PhantomRange
}

// New creates a Participant rooted at toplevel, writing phantom logs under
// logDir.
func New(client dfs.Client, toplevel, logDir string, metaLog rangeserver.MetaLog) *Participant {
	return &Participant{
		client:   client,
		toplevel: toplevel,
		logDir:   logDir,
		metaLog:  metaLog,
		ranges:   make(map[string]*PhantomRange),
	}
}

func (p *Participant) logf(format string, args ...interface{}) {
	if p.Logf != nil {
		p.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func specKey(spec rangeserver.QualifiedRangeSpec) string { return spec.String() }

// PhantomLoad implements the `phantom_load` RPC: builds a PhantomRange for
// spec and registers it under this participant.
func (p *Participant) PhantomLoad(ctx context.Context, spec rangeserver.QualifiedRangeSpec, schema rangeserver.Schema, assignedFragments []uint32) error {
	key := specKey(spec)

	p.mu.Lock()
	if _, ok := p.ranges[key]; ok {
		p.mu.Unlock()
		return fmt.Errorf("recoveryparticipant: %s: %w", spec, rserr.ErrRangeAlreadyLoaded)
	}
	p.mu.Unlock()

	pr, err := PhantomLoad(ctx, p.client, p.toplevel, p.logDir, spec, schema, assignedFragments, p.metaLog)
	if err != nil {
		return err
	}
	pr.Logf = p.Logf

	p.mu.Lock()
	p.ranges[key] = pr
	p.mu.Unlock()
	return nil
}

func (p *Participant) lookup(spec rangeserver.QualifiedRangeSpec) (*PhantomRange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.ranges[specKey(spec)]
	if !ok {
		return nil, fmt.Errorf("recoveryparticipant: %s: %w", spec, rserr.ErrPhantomRangeMapNotFound)
	}
	return pr, nil
}

// PhantomUpdate implements the `phantom_update` RPC: a replay player pushes
// one fragment's next block (or completion marker) for spec's phantom
// range. Once every assigned fragment is complete, it runs
// populate_range_and_log automatically (spec §4.8 describes replay and
// populate_range_and_log as the two halves of one pipeline).
func (p *Participant) PhantomUpdate(ctx context.Context, spec rangeserver.QualifiedRangeSpec, fragment uint32, ev ReplayEvent) error {
	pr, err := p.lookup(spec)
	if err != nil {
		return err
	}
	if err := pr.Add(fragment, ev); err != nil {
		return err
	}
	if pr.State() == Replayed {
		if err := pr.PopulateRangeAndLog(ctx); err != nil {
			return err
		}
	}
	return nil
}

// responseMap runs fn over every spec, collecting each one's error (nil on
// success) keyed by spec.String() (spec §4.8 "a map response_map:
// QualifiedRangeSpec -> error_code ... so per-range failures do not abort
// the whole batch").
func responseMap(specs []rangeserver.QualifiedRangeSpec, fn func(rangeserver.QualifiedRangeSpec) error) map[string]error {
	out := make(map[string]error, len(specs))
	for _, spec := range specs {
		out[spec.String()] = fn(spec)
	}
	return out
}

// PhantomPrepareRanges implements the `phantom_prepare_ranges` RPC: runs
// prepare on every named phantom range, independently.
func (p *Participant) PhantomPrepareRanges(ctx context.Context, specs []rangeserver.QualifiedRangeSpec) map[string]error {
	return responseMap(specs, func(spec rangeserver.QualifiedRangeSpec) error {
		pr, err := p.lookup(spec)
		if err != nil {
			return err
		}
		return pr.Prepare(ctx)
	})
}

// PhantomCommitRanges implements the `phantom_commit_ranges` RPC: runs
// commit on every named phantom range, acknowledging each to master
// independently, then drops completed entries from this participant's map
// (spec §4.8 commit's per-range error_code means a failed commit leaves its
// phantom range registered for the next retry).
func (p *Participant) PhantomCommitRanges(ctx context.Context, specs []rangeserver.QualifiedRangeSpec, master Acknowledger) map[string]error {
	out := responseMap(specs, func(spec rangeserver.QualifiedRangeSpec) error {
		pr, err := p.lookup(spec)
		if err != nil {
			return err
		}
		return pr.Commit(ctx, master)
	})

	p.mu.Lock()
	for _, spec := range specs {
		key := specKey(spec)
		if out[key] == nil {
			delete(p.ranges, key)
		}
	}
	p.mu.Unlock()
	return out
}

// Lookup returns the phantom range registered for spec, or
// ErrPhantomRangeMapNotFound (exposed so acknowledge_load's caller can pull
// each range's Range() once committed).
func (p *Participant) Lookup(spec rangeserver.QualifiedRangeSpec) (*PhantomRange, error) {
	return p.lookup(spec)
}

// ReplayFragments is the replay-player side of recovery: given the set of
// fragments this player was assigned (by the balance plan authority, spec
// §4.9), it reads a failed server's commit log directory and pushes each
// assigned fragment's decoded blocks, in order, to dispatch (normally a
// Participant.PhantomUpdate bound to whichever receiver was assigned that
// fragment), followed by a Done event — sent for every assigned fragment
// even one that held no data blocks, so a receiver waiting on it is never
// stuck. Cross-server dispatch transport is out of scope (spec §1);
// dispatch is a plain Go function so a caller can wire it to a local
// Participant or a remote RPC stub.
func ReplayFragments(ctx context.Context, client dfs.Client, sourceLogDir string, fragments []uint32, dispatch func(fragment uint32, ev ReplayEvent) error) error {
	assigned := make(map[uint32]bool, len(fragments))
	for _, n := range fragments {
		assigned[n] = true
	}
	seq := make(map[uint32]int, len(fragments))

	reader := commitlog.NewReader(client, commitlog.ReaderOptions{Fragments: assigned})
	_, err := reader.Replay(ctx, sourceLogDir, func(b commitlog.Block) error {
		n := seq[b.Fragment]
		seq[b.Fragment] = n + 1
		return dispatch(b.Fragment, ReplayEvent{Seq: n, Block: b})
	})
	if err != nil {
		return fmt.Errorf("recoveryparticipant: replay_fragments %s: %w", sourceLogDir, err)
	}
	for _, fragment := range fragments {
		if err := dispatch(fragment, ReplayEvent{Done: true}); err != nil {
			return fmt.Errorf("recoveryparticipant: replay_fragments %s: fragment %d: %w", sourceLogDir, fragment, err)
		}
	}
	return nil
}
