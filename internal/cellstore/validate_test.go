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

package cellstore

import (
	"context"
	"testing"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/dfs"
)

// TestValidateCleanStore mirrors csvalidate.cc's happy path: a store
// written and finalized normally reconciles cleanly against a from-scratch
// replay of its data blocks.
func TestValidateCleanStore(t *testing.T) {
	dir := t.TempDir()
	client := dfs.NewLocalFS(dir)
	props := WriterProperties{
		Compression:     blockcodec.Snappy,
		TargetBlockSize: 4 * 1024,
		BloomMode:       BloomRows,
		MaxApproxItems:  1000,
	}
	writeStore(t, client, "store-valid", props, 5000)

	ctx := context.Background()
	f, err := client.Open(ctx, "store-valid")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := Open(f, "store-valid")

	report, err := r.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.OK() {
		t.Fatalf("Validate = %+v, want OK", report)
	}
}

// TestValidateDetectsMismatchedIndexKey covers csvalidate.cc's corruption
// path: if the trailer's block index disagrees with what the data blocks
// actually contain (here block 0's recorded last key is overwritten with
// block 1's), Validate must flag it rather than silently trusting the index
// the way a plain Scanner does.
func TestValidateDetectsMismatchedIndexKey(t *testing.T) {
	dir := t.TempDir()
	client := dfs.NewLocalFS(dir)
	props := WriterProperties{
		Compression:     blockcodec.None,
		TargetBlockSize: 2 * 1024,
	}
	writeStore(t, client, "store-corrupt", props, 3000)

	ctx := context.Background()
	f, err := client.Open(ctx, "store-corrupt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := Open(f, "store-corrupt")
	idx, err := r.ensureIndex(ctx)
	if err != nil {
		t.Fatalf("ensureIndex: %v", err)
	}
	if len(idx.lastKeys) < 2 {
		t.Fatalf("need at least two blocks to corrupt one, got %d", len(idx.lastKeys))
	}
	idx.lastKeys[0] = append([]byte(nil), idx.lastKeys[1]...)

	report, err := r.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.BadBlockIndex {
		t.Fatalf("Validate = %+v, want BadBlockIndex", report)
	}
}
