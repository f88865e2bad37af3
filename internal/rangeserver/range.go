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

// Package rangeserver implements the range (spec §4.6): the unit of
// ownership that bundles a key interval's access groups, transfer-log
// bookkeeping, and the server-facing RPC surface (spec §6 "RangeServer RPC
// surface") that operates on them.
package rangeserver

import (
	"bytes"
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

	"github.com/hypertable/rangeserver/internal/accessgroup"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/commitlog"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/hints"
)

// State is the RangeState bitmask (spec §4.6).
type State uint32

const (
	Steady                 State = 1 << iota
	SplitLogInstalled
	SplitShrunk
	RelinquishLogInstalled
	Phantom
)

func (s State) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for bit, name := range map[State]string{
		Steady:                 "STEADY",
		SplitLogInstalled:      "SPLIT_LOG_INSTALLED",
		SplitShrunk:            "SPLIT_SHRUNK",
		RelinquishLogInstalled: "RELINQUISH_LOG_INSTALLED",
		Phantom:                "PHANTOM",
	} {
		if s&bit != 0 {
			names = append(names, name)
		}
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "|"
		}
		out += n
	}
	return out
}

// AccessGroupSchema names one access group and the column families it owns.
type AccessGroupSchema struct {
	Name           string
	ColumnFamilies []uint8
}

// Schema is the subset of table schema a range needs to create its access
// groups (spec §4.6 "Load: Create access groups from the schema").
type Schema struct {
	TableID      uint64
	Generation   int64
	AccessGroups []AccessGroupSchema
}

// MetaLog is the callback surface a Range uses to persist its own state
// transitions (spec §4.6, §5 "Meta-log writer: serialized by a single
// writer; callers pass a vector of entities to commit atomically"). The
// concrete meta-log implementation lives above this package (master/
// Hyperspace integration is explicitly out of scope, spec §1); this
// interface is what `internal/rangeserver` depends on.
type MetaLog interface {
	// CommitRangeState atomically persists r's (state, transferLog) pair.
	CommitRangeState(ctx context.Context, r *Range) error
}

// Master is the callback surface for messages a range sends to the master
// during split (spec §4.6 "emit the sibling's load message to the master").
type Master interface {
	NotifyRangeCreated(ctx context.Context, spec QualifiedRangeSpec) error
}

// QualifiedRangeSpec identifies one range by table and row interval (spec
// §4.8 uses the same tuple for phantom range specs).
type QualifiedRangeSpec struct {
	TableID  uint64
	RowStart []byte
	RowEnd   []byte
}

func (q QualifiedRangeSpec) String() string {
	return fmt.Sprintf("table=%d [%q,%q)", q.TableID, q.RowStart, q.RowEnd)
}

// dirHash names a range's on-disk directory (spec §6 "Persisted state":
// `<top>/tables/<table_id>/<ag_name>/<range_hash>/...`); it must be a
// deterministic, filesystem-safe function of the row interval.
func dirHash(rowStart, rowEnd []byte) string {
	h := md5.Sum(append(append([]byte{}, rowStart...), rowEnd...))
	return hex.EncodeToString(h[:])[:16]
}

// Range is one range's live state (spec §4.6).
type Range struct {
	Spec       QualifiedRangeSpec
	Generation int64

	toplevel string
	client   dfs.Client
	metaLog  MetaLog

	mu                  sync.Mutex
	state               State
	originalTransferLog string
	transferLog         string
	accessGroups        map[string]*accessgroup.Group
	schema              Schema

	Logf func(string, ...interface{})
}

func (r *Range) logf(format string, args ...interface{}) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// agDir returns the toplevel-relative directory an access group named ag
// stores its cell stores and hints file under.
func (r *Range) agDir(ag string) string {
	return path.Join(r.toplevel, "tables", strconv.FormatUint(r.Spec.TableID, 10), ag, dirHash(r.Spec.RowStart, r.Spec.RowEnd))
}

// Load creates a range's access groups from schema, seeds their caches by
// replaying transferLog (if non-empty), opens any hinted cell stores
// recorded in each access group's hints file, and returns the ready Range
// (spec §4.6 "Load").
func Load(ctx context.Context, client dfs.Client, toplevel string, spec QualifiedRangeSpec, schema Schema, transferLog string, metaLog MetaLog) (*Range, error) {
	r := &Range{
		Spec:                spec,
		Generation:          schema.Generation,
		toplevel:            toplevel,
		client:              client,
		metaLog:             metaLog,
		state:               Steady,
		originalTransferLog: transferLog,
		schema:              schema,
	}

	r.accessGroups = make(map[string]*accessgroup.Group, len(schema.AccessGroups))
	for _, agSchema := range schema.AccessGroups {
		dir := r.agDir(agSchema.Name)
		g, err := r.openAccessGroup(ctx, dir, agSchema)
		if err != nil {
			return nil, fmt.Errorf("rangeserver: load %s: access group %s: %w", spec, agSchema.Name, err)
		}
		r.accessGroups[agSchema.Name] = g
	}

	if transferLog != "" {
		if err := r.replayTransferLog(ctx, transferLog); err != nil {
			return nil, fmt.Errorf("rangeserver: load %s: replay transfer log: %w", spec, err)
		}
	}

	return r, nil
}

// openAccessGroup opens dir's hints file if present and reopens its cell
// stores via accessgroup.LoadFromHints; a missing hints file means a fresh
// access group with no stores.
func (r *Range) openAccessGroup(ctx context.Context, dir string, agSchema AccessGroupSchema) (*accessgroup.Group, error) {
	props := accessgroup.Properties{}
	hintsPath := path.Join(dir, "hints")
	f, err := r.client.Open(ctx, hintsPath)
	if err != nil {
		return accessgroup.New(r.client, dir, agSchema.Name, agSchema.ColumnFamilies, props), nil
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
	parsed, err := hints.Parse(buf)
	if err != nil {
		return nil, err
	}
	h := parsed.AccessGroups[agSchema.Name]
	return accessgroup.LoadFromHints(ctx, r.client, dir, agSchema.Name, agSchema.ColumnFamilies, props, h)
}

// replayTransferLog replays every mutation in dir into the matching access
// group, marking each Add call as a recovery replay (spec §4.6 "seed their
// caches from the transfer log if present").
func (r *Range) replayTransferLog(ctx context.Context, dir string) error {
	reader := commitlog.NewReader(r.client, commitlog.ReaderOptions{})
	_, err := reader.Replay(ctx, dir, func(b commitlog.Block) error {
		return r.ApplyMutationBlock(b.Mutations)
	})
	return err
}

// ApplyMutationBlock decodes a packed mutation blob (the same wire format
// the commit log stores, spec §4.4) and applies each mutation to the access
// group owning its column family, marking the write as a recovery replay.
// Used both by replayTransferLog and by a phantom range's
// populate_range_and_log step (spec §4.8) to fold replayed blocks into the
// range's live access groups.
func (r *Range) ApplyMutationBlock(buf []byte) error {
	muts, err := decodeMutations(buf)
	if err != nil {
		return err
	}
	for _, m := range muts {
		g := r.groupForColumnFamily(m.Key.ColumnFamilyID)
		if g == nil {
			continue
		}
		g.Add(m.Key, m.Value, true)
	}
	return nil
}

// PromoteFromPhantom implements spec §4.8 "prepare": sets the range's state
// to STEADY (replacing every other state bit), records transferLog (the
// freshly-populated phantom commit log) as the inherited transfer log a
// future reload would replay, and commits that state through the meta-log.
// Nothing in this module sets the PHANTOM bit on a range, so a phantom
// range is already STEADY before this call.
func (r *Range) PromoteFromPhantom(ctx context.Context, transferLog string) error {
	r.mu.Lock()
	r.state = Steady
	r.originalTransferLog = transferLog
	r.mu.Unlock()
	if r.metaLog != nil {
		return r.metaLog.CommitRangeState(ctx, r)
	}
	return nil
}

func (r *Range) groupForColumnFamily(cf uint8) *accessgroup.Group {
	for _, g := range r.accessGroups {
		if g.ColumnFamilies[cf] {
			return g
		}
	}
	return nil
}

// Add applies one mutation to the access group owning its column family
// (spec §4.6's range is "state common to all access groups"; dispatch by
// column family is how `update` fans a batch out across them).
func (r *Range) Add(key cellkey.Key, value []byte) error {
	g := r.groupForColumnFamily(key.ColumnFamilyID)
	if g == nil {
		return fmt.Errorf("rangeserver: %s: no access group owns column family %d", r.Spec, key.ColumnFamilyID)
	}
	g.Add(key, value, false)
	return nil
}

// AccessGroup returns the named access group, or nil if none exists.
func (r *Range) AccessGroup(name string) *accessgroup.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accessGroups[name]
}

// AccessGroups returns every access group, keyed by name.
func (r *Range) AccessGroups() map[string]*accessgroup.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*accessgroup.Group, len(r.accessGroups))
	for k, v := range r.accessGroups {
		out[k] = v
	}
	return out
}

// State returns the range's current RangeState bitmask.
func (r *Range) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TransferLog returns the path of any in-progress transfer log, or "".
func (r *Range) TransferLog() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferLog
}

// OriginalTransferLog returns the transfer log this range inherited from its
// predecessor (the log a split or relinquish left behind), or "" if this
// range was never the target of one (spec §4.6 "an original_transfer_log
// path used when a split/relinquish leaves behind a log that the new owner
// must replay").
func (r *Range) OriginalTransferLog() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.originalTransferLog
}

// splitRowEstimate picks a split row from the aggregate per-access-group
// split-row estimate (spec §4.6 "Split: Choose the split row using the
// aggregate split-row estimate across access groups (cached + stored
// contributions weighted by average block key count)"): every access group
// contributes its distinct rows (cache and cell stores alike, since an
// unflushed write is just as real a split candidate as a stored one), the
// contributions are merged into one sorted row set, and the midpoint row is
// the split point. Grounded on db/partition.go's pattern of picking a
// representative key from a bucketed collection rather than scanning every
// entry of every access group independently.
func (r *Range) splitRowEstimate() ([]byte, error) {
	r.mu.Lock()
	groups := make([]*accessgroup.Group, 0, len(r.accessGroups))
	for _, g := range r.accessGroups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	seen := map[string]bool{}
	var rows [][]byte
	for _, g := range groups {
		sc, err := g.CreateScanner(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		for sc.Next() {
			row := sc.Key().Row
			if key := string(row); !seen[key] {
				seen[key] = true
				rows = append(rows, append([]byte{}, row...))
			}
		}
		err = sc.Err()
		sc.Close()
		if err != nil {
			return nil, err
		}
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("rangeserver: %s: too few distinct rows to split", r.Spec)
	}
	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i], rows[j]) < 0 })
	return rows[len(rows)/2], nil
}

// Split implements spec §4.6 "Split": pick a split row, freeze and flush
// every access group's cache to a split-marked store shared by both
// children, install a transfer log for the new sibling, shrink each access
// group to this range's (now smaller) interval, and notify the master of
// the sibling.
func (r *Range) Split(ctx context.Context, master Master) ([]byte, error) {
	splitRow, err := r.splitRowEstimate()
	if err != nil {
		return nil, err
	}
	r.logf("range %s: splitting at row %q", r.Spec, splitRow)

	r.mu.Lock()
	groups := make([]*accessgroup.Group, 0, len(r.accessGroups))
	for _, g := range r.accessGroups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		if err := g.Minor(ctx); err != nil {
			return nil, fmt.Errorf("rangeserver: %s: split flush: %w", r.Spec, err)
		}
	}

	transferDir := path.Join(r.toplevel, "servers", "transfer", dirHash(splitRow, r.Spec.RowEnd)+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := r.client.Mkdirs(ctx, transferDir); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.state |= SplitLogInstalled
	r.originalTransferLog = r.transferLog
	r.transferLog = transferDir
	r.mu.Unlock()
	if r.metaLog != nil {
		if err := r.metaLog.CommitRangeState(ctx, r); err != nil {
			return nil, err
		}
	}

	siblingEnd := r.Spec.RowEnd

	// This range keeps the lower half [RowStart, splitRow); the sibling
	// takes [splitRow, siblingEnd) (spec §4.6: "shrink each access group").
	for _, g := range groups {
		if err := g.Shrink(ctx, r.Spec.RowStart, splitRow); err != nil {
			return nil, fmt.Errorf("rangeserver: %s: shrink: %w", r.Spec, err)
		}
	}

	r.mu.Lock()
	r.Spec.RowEnd = splitRow
	r.state |= SplitShrunk
	r.mu.Unlock()

	siblingSpec := QualifiedRangeSpec{TableID: r.Spec.TableID, RowStart: splitRow, RowEnd: siblingEnd}
	if master != nil {
		if err := master.NotifyRangeCreated(ctx, siblingSpec); err != nil {
			return nil, err
		}
	}

	return splitRow, nil
}

// Relinquish implements spec §4.6 "Relinquish": freeze and flush every
// access group, record RELINQUISH_LOG_INSTALLED with the transfer log path
// in the meta-log, and hand the path back to the caller so the master can
// pass it to the new owner's load_range.
func (r *Range) Relinquish(ctx context.Context) (string, error) {
	r.logf("range %s: relinquishing", r.Spec)
	r.mu.Lock()
	groups := make([]*accessgroup.Group, 0, len(r.accessGroups))
	for _, g := range r.accessGroups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		if err := g.Minor(ctx); err != nil {
			return "", fmt.Errorf("rangeserver: %s: relinquish flush: %w", r.Spec, err)
		}
	}

	transferDir := path.Join(r.toplevel, "servers", "transfer", dirHash(r.Spec.RowStart, r.Spec.RowEnd)+"-relinquish")

	r.mu.Lock()
	r.state |= RelinquishLogInstalled
	r.transferLog = transferDir
	r.mu.Unlock()

	if r.metaLog != nil {
		if err := r.metaLog.CommitRangeState(ctx, r); err != nil {
			return "", err
		}
	}
	return transferDir, nil
}
