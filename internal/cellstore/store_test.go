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
	"fmt"
	"testing"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/dfs"
)

func writeStore(t *testing.T, client dfs.Client, path string, props WriterProperties, n int) []cellkey.Key {
	t.Helper()
	ctx := context.Background()
	f, err := client.Create(ctx, path, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := NewWriter(f, props)
	keys := make([]cellkey.Key, 0, n)
	for i := 0; i < n; i++ {
		k := cellkey.Key{
			Row:             []byte(fmt.Sprintf("row-%06d", i)),
			ColumnFamilyID:  1,
			ColumnQualifier: []byte("q"),
			Flag:            cellkey.Insert,
			Timestamp:       int64(1000 + i),
			Revision:        int64(i),
		}
		if err := w.Add(k, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		keys = append(keys, k)
	}
	if _, err := w.Finalize(0); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return keys
}

// TestWriterReaderRoundTrip10kRows covers spec §8 scenario S4: a 10,000-row
// store survives a full write/read cycle with keys recovered in order.
func TestWriterReaderRoundTrip10kRows(t *testing.T) {
	dir := t.TempDir()
	client := dfs.NewLocalFS(dir)
	props := WriterProperties{
		Compression:     blockcodec.Snappy,
		TargetBlockSize: 8 * 1024,
		BloomMode:       BloomRows,
		MaxApproxItems:  2000,
	}
	const n = 10000
	keys := writeStore(t, client, "store1", props, n)

	ctx := context.Background()
	f, err := client.Open(ctx, "store1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := Open(f, "store1")

	trailer, err := r.Trailer(ctx)
	if err != nil {
		t.Fatalf("Trailer: %v", err)
	}
	if trailer.TotalEntries != int64(n) {
		t.Fatalf("TotalEntries = %d, want %d", trailer.TotalEntries, n)
	}

	scanner, err := r.CreateScanner(ctx, nil)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	var i int
	for scanner.Next() {
		want := keys[i]
		got := scanner.Key()
		if cellkey.Compare(want, got) != 0 {
			t.Fatalf("entry %d: key mismatch, want row %q got row %q", i, want.Row, got.Row)
		}
		i++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan error at entry %d: %v", i, err)
	}
	if i != n {
		t.Fatalf("scanned %d entries, want %d", i, n)
	}

	present, err := r.MayContain(ctx, []byte("row-000001"), 1, false)
	if err != nil {
		t.Fatalf("MayContain: %v", err)
	}
	if !present {
		t.Fatalf("MayContain(row-000001) = false, want true (no false negatives)")
	}
}

// TestScannerSeekSkipsLeadingBlocks exercises create_scanner's seek-start
// behavior: starting from a mid-file key should land in the correct block
// without rescanning from the beginning.
func TestScannerSeekSkipsLeadingBlocks(t *testing.T) {
	dir := t.TempDir()
	client := dfs.NewLocalFS(dir)
	props := WriterProperties{
		Compression:     blockcodec.None,
		TargetBlockSize: 2 * 1024,
	}
	keys := writeStore(t, client, "store2", props, 2000)

	ctx := context.Background()
	f, err := client.Open(ctx, "store2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := Open(f, "store2")

	seekKey := keys[1500]
	encoded := cellkey.Encode(nil, seekKey)
	scanner, err := r.CreateScanner(ctx, encoded)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	if !scanner.Next() {
		t.Fatalf("expected at least one entry from seek position, err=%v", scanner.Err())
	}
	if cellkey.Compare(scanner.Key(), seekKey) > 0 {
		t.Fatalf("first entry after seek sorts after seek key: got row %q, seek row %q",
			scanner.Key().Row, seekKey.Row)
	}
}

// TestReplacedFilesRoundTrip covers the replaced-files list a major/merge
// compaction records so garbage collection can reclaim superseded stores.
func TestReplacedFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	client := dfs.NewLocalFS(dir)
	ctx := context.Background()
	f, err := client.Create(ctx, "store3", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := NewWriter(f, WriterProperties{TargetBlockSize: 4096})
	w.AddReplacedFile("cs1")
	w.AddReplacedFile("cs2")
	w.AddReplacedFile("cs3")
	if err := w.Add(cellkey.Key{Row: []byte("a"), Flag: cellkey.Insert}, []byte("v")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finalize(0); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rf, err := client.Open(ctx, "store3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := Open(rf, "store3")
	names, err := r.ReplacedFiles(ctx)
	if err != nil {
		t.Fatalf("ReplacedFiles: %v", err)
	}
	want := []string{"cs1", "cs2", "cs3"}
	if len(names) != len(want) {
		t.Fatalf("ReplacedFiles = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("ReplacedFiles[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
