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
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/hypertable/rangeserver/internal/dfs"
)

// fragmentName formats a fragment's file name: a bare monotonically
// increasing decimal number (spec §4.4: "files inside are fragments named
// by a monotonically increasing 32-bit number").
func fragmentName(n uint32) string { return strconv.FormatUint(uint64(n), 10) }

// markName formats the sentinel file that records every fragment <= n as
// eligible for deletion.
func markName(n uint32) string { return fragmentName(n) + ".mark" }

// parseFragmentName reports the fragment number encoded by name, or ok=false
// if name isn't a bare fragment file (e.g. it's a mark file or unrelated).
func parseFragmentName(name string) (uint32, bool) {
	if strings.Contains(name, ".") {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// parseMarkName reports the fragment number a mark file <N>.mark names, or
// ok=false if name isn't a mark file.
func parseMarkName(name string) (uint32, bool) {
	const suffix = ".mark"
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// sortFragments sorts fragment numbers into ascending order in place.
func sortFragments(nums []uint32) {
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
}

func fragmentPath(dir string, n uint32) string { return path.Join(dir, fragmentName(n)) }

func markPath(dir string, n uint32) string { return path.Join(dir, markName(n)) }

// ListFragments reports dir's fragment numbers in ascending order (spec
// §4.9's recovery-plan creation protocol: "reading the initial fragment ids
// of the failed server's commit logs via a CommitLogReader over the DFS").
func ListFragments(ctx context.Context, client dfs.Client, dir string) ([]uint32, error) {
	entries, err := client.Readdir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var nums []uint32
	for _, e := range entries {
		if n, ok := parseFragmentName(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sortFragments(nums)
	return nums, nil
}
