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

package commitlog

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// TimestampMin is the sentinel "no revisions observed" value a fresh
// reader reports (spec §4.8: "the range is empty-promotable iff
// latest_revision == TIMESTAMP_MIN").
const TimestampMin = int64(-1) << 63

// Block is one decoded (table_identifier, mutations) section, tagged with
// the fragment and revision it was read from.
type Block struct {
	Fragment  uint32
	Revision  int64
	TableID   uint64
	Mutations []byte
}

// ReaderOptions controls replay behavior.
type ReaderOptions struct {
	// Fragments, if non-nil, restricts replay to this set of fragment
	// numbers (spec §4.4: "filters against an optional numeric set").
	Fragments map[uint32]bool
	SkipErrors bool
	Logf       func(string, ...interface{})
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.Logf == nil {
		o.Logf = func(string, ...interface{}) {}
	}
	return o
}

// Reader replays every block across a log's fragments, in fragment and
// on-disk order, following link records into other directories as it goes
// (spec §4.4 "Reader").
type Reader struct {
	client dfs.Client
	opts   ReaderOptions

	latestRevision   int64
	droppedFragments []uint32
}

// NewReader constructs a Reader; the log directory is passed to Replay.
func NewReader(client dfs.Client, opts ReaderOptions) *Reader {
	return &Reader{client: client, opts: opts.withDefaults(), latestRevision: TimestampMin}
}

// Replay walks dir's fragments ascending, invoking fn for each decoded
// block. It recurses into link-record targets, adding them to the fragment
// queue exactly as spec §4.4 describes. Returns the highest revision
// observed across the whole logical log.
func (r *Reader) Replay(ctx context.Context, dir string, fn func(Block) error) (int64, error) {
	dirs := []string{dir}
	for len(dirs) > 0 {
		d := dirs[0]
		dirs = dirs[1:]
		more, err := r.replayDir(ctx, d, fn)
		if err != nil {
			return r.latestRevision, err
		}
		dirs = append(dirs, more...)
	}
	return r.latestRevision, nil
}

func (r *Reader) replayDir(ctx context.Context, dir string, fn func(Block) error) ([]string, error) {
	entries, err := r.client.Readdir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var fragNums []uint32
	for _, e := range entries {
		if n, ok := parseFragmentName(e.Name()); ok {
			if r.opts.Fragments != nil && !r.opts.Fragments[n] {
				continue
			}
			fragNums = append(fragNums, n)
		}
	}
	sortFragments(fragNums)

	var linkedDirs []string
	for _, n := range fragNums {
		dirs, err := r.replayFragment(ctx, dir, n, fn)
		if err != nil {
			return nil, err
		}
		linkedDirs = append(linkedDirs, dirs...)
	}
	return linkedDirs, nil
}

func (r *Reader) replayFragment(ctx context.Context, dir string, n uint32, fn func(Block) error) ([]string, error) {
	f, err := r.client.Open(ctx, fragmentPath(dir, n))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	length, err := f.Length(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.PRead(ctx, 0, buf); err != nil {
			return nil, err
		}
	}

	var linkedDirs []string
	yieldedAny := false
	off := int64(0)
	for off < int64(len(buf)) {
		h, err := peekHeader(buf[off:])
		if err != nil {
			if !r.opts.SkipErrors {
				return nil, err
			}
			r.opts.Logf("commitlog: corrupt block header in fragment %d at offset %d: %v", n, off, err)
			r.droppedFragments = append(r.droppedFragments, n)
			break
		}
		blockLen := int64(headerLen) + int64(h.DataZLength)
		if off+blockLen > int64(len(buf)) {
			if !r.opts.SkipErrors {
				return nil, fmt.Errorf("%w: truncated block in fragment %d", rserr.ErrCorruptCommitLog, n)
			}
			r.opts.Logf("commitlog: truncated block in fragment %d at offset %d", n, off)
			r.droppedFragments = append(r.droppedFragments, n)
			break
		}

		hh, payload, err := inflateBlock(buf[off : off+blockLen])
		if err != nil {
			if !r.opts.SkipErrors {
				return nil, err
			}
			r.opts.Logf("commitlog: corrupt block body in fragment %d at offset %d: %v", n, off, err)
			off += blockLen
			continue
		}

		if hh.Revision > r.latestRevision || r.latestRevision == TimestampMin {
			r.latestRevision = hh.Revision
		}

		if hh.Magic == magicLink {
			linkedDirs = append(linkedDirs, string(payload))
			yieldedAny = true
			off += blockLen
			continue
		}

		if err := r.decodeSections(n, hh.Revision, payload, fn); err != nil {
			return nil, err
		}
		yieldedAny = true
		off += blockLen
	}

	if !yieldedAny {
		r.droppedFragments = append(r.droppedFragments, n)
	}
	return linkedDirs, nil
}

func (r *Reader) decodeSections(fragment uint32, revision int64, payload []byte, fn func(Block) error) error {
	for len(payload) > 0 {
		tableID, n := binary.Uvarint(payload)
		if n <= 0 {
			return fmt.Errorf("%w: bad table-id varint in fragment %d", rserr.ErrCorruptCommitLog, fragment)
		}
		payload = payload[n:]
		mlen, n := binary.Uvarint(payload)
		if n <= 0 {
			return fmt.Errorf("%w: bad mutations-length varint in fragment %d", rserr.ErrCorruptCommitLog, fragment)
		}
		payload = payload[n:]
		if uint64(len(payload)) < mlen {
			return fmt.Errorf("%w: truncated mutations section in fragment %d", rserr.ErrCorruptCommitLog, fragment)
		}
		mutations := payload[:mlen]
		payload = payload[mlen:]

		if err := fn(Block{Fragment: fragment, Revision: revision, TableID: tableID, Mutations: mutations}); err != nil {
			return err
		}
	}
	return nil
}

// DroppedFragments returns the fragment numbers whose replay stopped at a
// corrupt block header or a truncated block, and those that yielded no
// valid blocks at all; a fragment can appear more than once. The list
// accumulates across every Replay call on this Reader.
func (r *Reader) DroppedFragments() []uint32 { return r.droppedFragments }

// LatestRevision returns the highest revision observed across every Replay
// call on this Reader.
func (r *Reader) LatestRevision() int64 { return r.latestRevision }

// ReconcileMark reports whether the mark file numbered markNum is satisfied
// by the minimum fragment number still present in fragNums (spec §4.4:
// "a mark file's number <= the minimum fragment number in the queue means
// the mark is satisfied and the mark file is removed").
func ReconcileMark(markNum uint32, fragNums []uint32) bool {
	if len(fragNums) == 0 {
		return true
	}
	min := fragNums[0]
	for _, n := range fragNums[1:] {
		if n < min {
			min = n
		}
	}
	return markNum <= min
}
