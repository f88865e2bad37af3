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

import "context"

// MaintenanceData is a point-in-time snapshot of everything the maintenance
// scheduler (spec §4.7) needs to decide what, if anything, to do to this
// access group.
type MaintenanceData struct {
	MemoryUsed          int64
	MemoryAllocated     int64
	DeleteCount         int64
	DiskUsed            int64
	CompressionRatio    float64
	BloomFilterMemory   int64
	BlockIndexMemory    int64
	ShadowCacheMemory   int64
	OutstandingScanners int
	NeedsMerging        bool
	GCNeeded            bool
}

// MaintenanceData collects the access group's current accounting (spec §4.7
// "Per access group it collects MaintenanceData").
func (g *Group) MaintenanceData(ctx context.Context) (MaintenanceData, error) {
	g.mu.Lock()
	stores := append([]*CellStoreInfo(nil), g.stores...)
	diskUsed := g.diskUsage
	g.mu.Unlock()

	live := g.cache.Live()
	md := MaintenanceData{
		MemoryUsed:          live.MemoryUsed(),
		MemoryAllocated:     live.MemoryAllocated(),
		DiskUsed:            diskUsed,
		OutstandingScanners: g.OutstandingScanners(),
		GCNeeded:            g.garbage.Ratio() > g.props.GarbageThreshold,
	}

	var ratioSum float64
	var ratioCount int
	for _, info := range stores {
		md.BlockIndexMemory += info.Reader.IndexMemory()
		md.BloomFilterMemory += info.Reader.FilterMemory()
		md.ShadowCacheMemory += info.ShadowCacheMemory()

		t, err := info.Reader.Trailer(ctx)
		if err != nil {
			return MaintenanceData{}, err
		}
		md.DeleteCount += t.DeleteCount
		if t.CompressionRatio > 0 {
			ratioSum += t.CompressionRatio
			ratioCount++
		}
	}
	if ratioCount > 0 {
		md.CompressionRatio = ratioSum / float64(ratioCount)
	}
	md.NeedsMerging = g.FindMergeRun() != nil
	return md, nil
}

// CellStores returns a snapshot of the group's current store list, for the
// maintenance scheduler's per-store idle-index and shadow-cache purges.
func (g *Group) CellStores() []*CellStoreInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*CellStoreInfo(nil), g.stores...)
}

// ShadowCacheMemory estimates this store's shadow cache's memory footprint
// (a bool plus a string header per cached key).
func (i *CellStoreInfo) ShadowCacheMemory() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	var n int64
	for k := range i.cache {
		n += int64(len(k)) + 17
	}
	return n
}

// PurgeShadowCache drops every cached bloom-filter verdict (spec §4.7 "purge
// shadow caches").
func (i *CellStoreInfo) PurgeShadowCache() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = make(map[string]bool)
}
