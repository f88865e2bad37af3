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

// Package recoveryparticipant implements a surviving range server's side of
// recovery (spec §4.8): when asked to host ranges of a failed server, it
// builds a PhantomRange per qualified range spec and walks it through
// LOADED -> REPLAYED -> PREPARED -> COMMITTED as replay players push
// fragment blocks and the master later drives prepare/commit.
//
// The per-fragment "accept pushes until this assignment reports complete"
// bookkeeping is grounded on tenant/dcache/cache.go's lockID/unlockID
// in-flight-request coalescing, generalized from "coalesce concurrent cache
// fetches for the same key" to "coalesce concurrent fragment pushes for the
// same replay assignment": both track an in-progress unit of work by key and
// reject/serialize additional arrivals against it until it is marked done.
package recoveryparticipant

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hypertable/rangeserver/internal/commitlog"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// State is a PhantomRange's recovery-lifecycle stage (spec §4.8 "states
// LOADED -> REPLAYED -> PREPARED -> COMMITTED").
type State int

const (
	Loaded State = iota
	Replayed
	Prepared
	Committed
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "LOADED"
	case Replayed:
		return "REPLAYED"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// ReplayEvent is one pushed unit from a replay player: either a decoded
// mutation block at position Seq within its fragment, or (Done == true) the
// player's signal that the fragment has no more blocks.
type ReplayEvent struct {
	Seq   int
	Block commitlog.Block
	Done  bool
}

// FragmentData buffers one assigned fragment's blocks until the replay
// player reports it complete (spec §4.8 "replay"). It rejects out-of-order
// and duplicate pushes within the fragment, mirroring cache.go's refusal to
// let a second filler stomp on an in-flight key's result.
type FragmentData struct {
	mu       sync.Mutex
	nextSeq  int
	blocks   []commitlog.Block
	complete bool
}

func (f *FragmentData) add(ev ReplayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.complete {
		return fmt.Errorf("%w", rserr.ErrFragmentComplete)
	}
	if ev.Done {
		f.complete = true
		return nil
	}
	if ev.Seq != f.nextSeq {
		return fmt.Errorf("%w: expected seq %d, got %d", rserr.ErrFragmentOutOfOrder, f.nextSeq, ev.Seq)
	}
	f.blocks = append(f.blocks, ev.Block)
	f.nextSeq++
	return nil
}

func (f *FragmentData) isComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete
}

func (f *FragmentData) snapshot() []commitlog.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commitlog.Block(nil), f.blocks...)
}

// PhantomRange is one in-progress recovery of a single range onto this
// server (spec §4.8).
type PhantomRange struct {
	Spec   rangeserver.QualifiedRangeSpec
	LogDir string // phantom commit log directory

	client  dfs.Client
	rng     *rangeserver.Range
	metaLog rangeserver.MetaLog

	Logf func(string, ...interface{})

	mu             sync.Mutex
	state          State
	fragments      map[uint32]*FragmentData
	latestRevision int64
}

func (p *PhantomRange) logf(format string, args ...interface{}) {
	if p.Logf != nil {
		p.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// State returns the phantom range's current recovery-lifecycle stage.
func (p *PhantomRange) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LatestRevision returns the highest revision observed in the phantom log
// after populate_range_and_log has run, or commitlog.TimestampMin before
// that (or if the phantom log turned out to hold nothing at all).
func (p *PhantomRange) LatestRevision() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestRevision
}

// EmptyPromotable reports spec §4.8's "the range is empty-promotable iff
// latest_revision == TIMESTAMP_MIN".
func (p *PhantomRange) EmptyPromotable() bool {
	return p.LatestRevision() == commitlog.TimestampMin
}

// phantomLogHash truncates an md5 of the range's end row, matching spec
// §4.8's deterministic phantom log path
// "<log_dir>/<table_id>/<md5-trunc(end_row)>-<epoch_seconds>".
func phantomLogHash(endRow []byte) string {
	h := md5.Sum(endRow)
	return hex.EncodeToString(h[:])[:16]
}

// exists reports whether path is already present in client, treating any
// Open error as "not present" (the DFS contract, spec §1, offers no
// dedicated stat call).
func exists(ctx context.Context, client dfs.Client, p string) bool {
	f, err := client.Open(ctx, p)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// PhantomLoad implements spec §4.8 "phantom_load": creates the in-memory
// range skeleton (a fresh rangeserver.Range with no transfer log of its
// own — its content comes entirely from replayed fragments) and picks a
// free, deterministic phantom log path, looping with a 1.2s back-off until
// the DFS confirms the chosen name is free.
func PhantomLoad(ctx context.Context, client dfs.Client, toplevel, logDir string, spec rangeserver.QualifiedRangeSpec, schema rangeserver.Schema, assignedFragments []uint32, metaLog rangeserver.MetaLog) (*PhantomRange, error) {
	rng, err := rangeserver.Load(ctx, client, toplevel, spec, schema, "", metaLog)
	if err != nil {
		return nil, fmt.Errorf("recoveryparticipant: phantom_load %s: %w", spec, err)
	}

	var dir string
	for {
		candidate := path.Join(logDir, strconv.FormatUint(spec.TableID, 10),
			phantomLogHash(spec.RowEnd)+"-"+strconv.FormatInt(time.Now().Unix(), 10))
		if !exists(ctx, client, candidate) {
			dir = candidate
			break
		}
		time.Sleep(1200 * time.Millisecond)
	}

	fragments := make(map[uint32]*FragmentData, len(assignedFragments))
	for _, n := range assignedFragments {
		fragments[n] = &FragmentData{}
	}

	p := &PhantomRange{
		Spec:           spec,
		LogDir:         dir,
		client:         client,
		rng:            rng,
		metaLog:        metaLog,
		state:          Loaded,
		fragments:      fragments,
		latestRevision: commitlog.TimestampMin,
	}
	p.logf("recoveryparticipant: %s: phantom_load: log dir %s, %d assigned fragments", spec, dir, len(assignedFragments))
	return p, nil
}

// Add implements spec §4.8 "replay": accepts one pushed block or
// completion marker for fragment, rejecting pushes to a fragment this
// phantom range was never assigned.
func (p *PhantomRange) Add(fragment uint32, ev ReplayEvent) error {
	p.mu.Lock()
	fd, ok := p.fragments[fragment]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("recoveryparticipant: %s: fragment %d: %w", p.Spec, fragment, rserr.ErrUnassignedFragment)
	}
	if err := fd.add(ev); err != nil {
		return fmt.Errorf("recoveryparticipant: %s: fragment %d: %w", p.Spec, fragment, err)
	}

	p.mu.Lock()
	if p.state == Loaded && p.allFragmentsCompleteLocked() {
		p.state = Replayed
	}
	p.mu.Unlock()
	return nil
}

func (p *PhantomRange) allFragmentsCompleteLocked() bool {
	for _, fd := range p.fragments {
		if !fd.isComplete() {
			return false
		}
	}
	return true
}

// AllFragmentsComplete reports whether every assigned fragment has reported
// completion.
func (p *PhantomRange) AllFragmentsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allFragmentsCompleteLocked()
}

// PopulateRangeAndLog implements spec §4.8 "populate_range_and_log": for
// each assigned fragment, in fragment-number order, merges its buffered
// blocks into the range's access groups and appends them to a
// freshly-created phantom commit log, then opens a reader on that log to
// compute latest_revision.
func (p *PhantomRange) PopulateRangeAndLog(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Replayed {
		p.mu.Unlock()
		return fmt.Errorf("recoveryparticipant: %s: populate_range_and_log: not all fragments complete (state %s)", p.Spec, p.state)
	}
	fragments := make([]uint32, 0, len(p.fragments))
	for n := range p.fragments {
		fragments = append(fragments, n)
	}
	p.mu.Unlock()
	sort.Slice(fragments, func(i, j int) bool { return fragments[i] < fragments[j] })

	writer, err := commitlog.NewWriter(ctx, p.client, p.LogDir, 0, commitlog.WriterOptions{})
	if err != nil {
		return fmt.Errorf("recoveryparticipant: %s: populate_range_and_log: %w", p.Spec, err)
	}

	for _, n := range fragments {
		fd := p.fragments[n]
		for _, b := range fd.snapshot() {
			if err := p.rng.ApplyMutationBlock(b.Mutations); err != nil {
				return fmt.Errorf("recoveryparticipant: %s: fragment %d: apply: %w", p.Spec, n, err)
			}
			if err := writer.Add(ctx, commitlog.Entry{TableID: b.TableID, Mutations: b.Mutations, Revision: b.Revision}); err != nil {
				return fmt.Errorf("recoveryparticipant: %s: fragment %d: log append: %w", p.Spec, n, err)
			}
		}
	}
	if err := writer.Sync(ctx); err != nil {
		return fmt.Errorf("recoveryparticipant: %s: sync phantom log: %w", p.Spec, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("recoveryparticipant: %s: close phantom log: %w", p.Spec, err)
	}

	reader := commitlog.NewReader(p.client, commitlog.ReaderOptions{})
	latest, err := reader.Replay(ctx, p.LogDir, func(commitlog.Block) error { return nil })
	if err != nil {
		return fmt.Errorf("recoveryparticipant: %s: compute latest_revision: %w", p.Spec, err)
	}

	p.mu.Lock()
	p.latestRevision = latest
	p.mu.Unlock()
	p.logf("recoveryparticipant: %s: populated, latest_revision=%d, empty_promotable=%v", p.Spec, latest, latest == commitlog.TimestampMin)
	return nil
}

// Prepare implements spec §4.8 "prepare": sets the range's state to STEADY
// through Range.PromoteFromPhantom, with the phantom log installed as the
// range's transfer log for a future reload to replay. The range was built
// by rangeserver.Load in state STEADY and never carries the PHANTOM bit.
func (p *PhantomRange) Prepare(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Replayed {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("recoveryparticipant: %s: prepare: unexpected state %s", p.Spec, state)
	}
	p.mu.Unlock()

	if err := p.rng.PromoteFromPhantom(ctx, p.LogDir); err != nil {
		return fmt.Errorf("recoveryparticipant: %s: prepare: %w", p.Spec, err)
	}

	p.mu.Lock()
	p.state = Prepared
	p.mu.Unlock()
	return nil
}

// Acknowledger is the master callback a PhantomRange's Commit step notifies
// (spec §4.8 "commit acknowledges to the master").
type Acknowledger interface {
	AcknowledgeRangeCommitted(ctx context.Context, spec rangeserver.QualifiedRangeSpec) error
}

// Commit implements spec §4.8 "commit": acknowledges the promoted range to
// the master and marks this phantom range COMMITTED.
func (p *PhantomRange) Commit(ctx context.Context, master Acknowledger) error {
	p.mu.Lock()
	if p.state != Prepared {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("recoveryparticipant: %s: commit: unexpected state %s", p.Spec, state)
	}
	p.mu.Unlock()

	if master != nil {
		if err := master.AcknowledgeRangeCommitted(ctx, p.Spec); err != nil {
			return fmt.Errorf("recoveryparticipant: %s: commit: %w", p.Spec, err)
		}
	}

	p.mu.Lock()
	p.state = Committed
	p.mu.Unlock()
	return nil
}

// Range returns the underlying rangeserver.Range this phantom range
// promotes, once prepared/committed (for a server to register into its
// live range map alongside its normally-loaded ranges).
func (p *PhantomRange) Range() *rangeserver.Range {
	return p.rng
}

