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

package accessgroup

import (
	"context"
	"path"

	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/cellstore"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/hints"
)

// Hints renders the group's current bookkeeping as a hints.AccessGroup
// section (spec §6), for a range to assemble into its hints file after every
// compaction.
func (g *Group) Hints() hints.AccessGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	files := make([]string, len(g.stores))
	for i, info := range g.stores {
		files[i] = info.Name
	}
	usage := g.diskUsage
	if usage < 0 {
		usage = 0
	}
	return hints.AccessGroup{
		LatestStoredRevision: g.latestStoredRevision,
		DiskUsage:            uint64(usage),
		Files:                files,
	}
}

// LoadFromHints reopens a previously-persisted access group: it seeds the
// store list from h.Files (newest-first, matching the on-disk metadata Files
// column order) and primes latest_stored_revision from h.LatestStoredRevision
// so a freshly-loaded range doesn't replay already-stored commit-log entries
// (spec §4.5, §6 "a range being loaded ... seeds its access groups'
// bookkeeping without a full directory scan").
func LoadFromHints(ctx context.Context, client dfs.Client, dir, name string, columnFamilies []uint8, props Properties, h hints.AccessGroup) (*Group, error) {
	g := New(client, dir, name, columnFamilies, props)
	g.latestStoredRevision = h.LatestStoredRevision

	stores := make([]*CellStoreInfo, 0, len(h.Files))
	var total int64
	for _, fname := range h.Files {
		filePath := path.Join(dir, fname)
		file, err := client.Open(ctx, filePath)
		if err != nil {
			return nil, err
		}
		r := cellstore.Open(file, filePath)
		trailer, err := r.Trailer(ctx)
		if err != nil {
			return nil, err
		}
		info := NewCellStoreInfo(fname, r)
		info.DiskUsage = trailer.Offset + cellstore.TrailerSize
		total += info.DiskUsage
		stores = append(stores, info)
	}

	g.stores = stores
	g.diskUsage = total
	g.files = NewFileTracker(h.Files)
	g.earliestCachedRevision = cellkey.TimestampNull
	return g, nil
}
