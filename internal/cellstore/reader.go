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
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/dfs"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// Reader opens a finalized cell-store file for scanning. Trailer, index, and
// bloom-filter sections are loaded lazily (spec §4.3: "Index loads increment
// an access counter so the maintenance scheduler can evict cold indexes"),
// grounded on the teacher's ion/blockfmt reader which likewise defers
// parsing the trailer/index until first use.
type Reader struct {
	file dfs.File
	path string

	mu       sync.Mutex
	trailer  *Trailer
	index    *blockIndex
	filter   *bloomFilter

	indexAccessCount int64
	blockAccessCount int64
	bytesRead        int64
}

// Open constructs a Reader over file, which must be a finalized cell-store
// produced by Writer.Finalize. path is retained only for diagnostics.
func Open(file dfs.File, path string) *Reader {
	return &Reader{file: file, path: path}
}

// Trailer returns the store's trailer, reading it from disk on first call.
func (r *Reader) Trailer(ctx context.Context) (*Trailer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trailer != nil {
		return r.trailer, nil
	}
	length, err := r.file.Length(ctx)
	if err != nil {
		return nil, err
	}
	if length < TrailerSize {
		return nil, fmt.Errorf("%w: file shorter than trailer size", rserr.ErrCorruptCellStore)
	}
	buf := make([]byte, TrailerSize)
	if _, err := r.file.PRead(ctx, length-TrailerSize, buf); err != nil {
		return nil, err
	}
	t, err := DecodeTrailer(buf)
	if err != nil {
		return nil, err
	}
	t.Offset = length - TrailerSize
	r.trailer = t
	return t, nil
}

// ensureIndex loads and caches the fixed and variable indexes, bumping the
// access counter the maintenance scheduler uses to evict cold indexes.
func (r *Reader) ensureIndex(ctx context.Context) (*blockIndex, error) {
	t, err := r.Trailer(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	atomic.AddInt64(&r.indexAccessCount, 1)
	if r.index != nil {
		return r.index, nil
	}

	fixRaw, err := r.readBlockAt(ctx, t.FixIndexOffset, t.VarIndexOffset-t.FixIndexOffset, fixIndexMagic)
	if err != nil {
		return nil, err
	}
	offsets, err := decodeFixedIndex(fixRaw)
	if err != nil {
		return nil, err
	}

	varEnd := t.FilterOffset
	if t.FilterOffset == 0 {
		varEnd = t.ReplacedFilesOffset
	}
	varRaw, err := r.readBlockAt(ctx, t.VarIndexOffset, varEnd-t.VarIndexOffset, varIndexMagic)
	if err != nil {
		return nil, err
	}
	lastKeys, err := decodeVarIndex(varRaw)
	if err != nil {
		return nil, err
	}
	if len(offsets) != len(lastKeys) {
		return nil, fmt.Errorf("%w: fixed/variable index length mismatch (%d vs %d)",
			rserr.ErrCorruptCellStore, len(offsets), len(lastKeys))
	}

	idx := &blockIndex{offsets: offsets, lastKeys: lastKeys}
	r.index = idx
	return idx, nil
}

// ensureFilter loads and caches the bloom filter, if the trailer says one is
// present.
func (r *Reader) ensureFilter(ctx context.Context) (*bloomFilter, error) {
	t, err := r.Trailer(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filter != nil {
		return r.filter, nil
	}
	if t.BloomMode == BloomDisabled || t.FilterLength == 0 {
		return nil, nil
	}
	raw, err := r.readBlockAt(ctx, t.FilterOffset, t.FilterLength, filterMagic)
	if err != nil {
		return nil, err
	}
	f := decodeBloomFilter(raw)
	r.filter = f
	return f, nil
}

// readBlockAt reads and inflates the block beginning at offset. length is
// the number of bytes available until the next known section boundary; it
// need only be an upper bound, since the header records the exact size.
func (r *Reader) readBlockAt(ctx context.Context, offset, length int64, magic [10]byte) ([]byte, error) {
	if length <= 0 {
		length = int64(blockcodec.HeaderLen())
	}
	buf := make([]byte, length)
	n, err := r.file.PRead(ctx, offset, buf)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&r.bytesRead, int64(n))
	buf = buf[:n]
	h, err := blockcodec.PeekHeader(buf)
	if err != nil {
		return nil, err
	}
	want := blockcodec.HeaderLen() + int(h.DataZLength)
	if want > len(buf) {
		grown := make([]byte, want)
		if _, err := r.file.PRead(ctx, offset, grown); err != nil {
			return nil, err
		}
		atomic.AddInt64(&r.bytesRead, int64(want))
		buf = grown
	}
	return blockcodec.Inflate(buf[:want], magic)
}

// IndexAccessCount reports how many times the fixed/variable index has been
// loaded or re-requested, for the maintenance scheduler's cold-index
// eviction policy (spec §4.3).
func (r *Reader) IndexAccessCount() int64 { return atomic.LoadInt64(&r.indexAccessCount) }

// BlockAccessCount reports how many data blocks have been read from this
// store.
func (r *Reader) BlockAccessCount() int64 { return atomic.LoadInt64(&r.blockAccessCount) }

// BytesRead reports the cumulative bytes read from the underlying file
// across all sections, for scanner disk-bytes reporting and compaction
// cost accounting (spec §4.5 "Scanner ... track disk bytes read").
func (r *Reader) BytesRead() int64 { return atomic.LoadInt64(&r.bytesRead) }

// HasIndex reports whether the fixed/variable index is currently resident.
func (r *Reader) HasIndex() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index != nil
}

// HasFilter reports whether the bloom filter is currently resident.
func (r *Reader) HasFilter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter != nil
}

// IndexMemory estimates the resident index's memory footprint (two int64/
// slice headers per block entry), or 0 if not loaded.
func (r *Reader) IndexMemory() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		return 0
	}
	var n int64
	for _, k := range r.index.lastKeys {
		n += int64(len(k))
	}
	return n + int64(len(r.index.offsets))*16
}

// FilterMemory estimates the resident bloom filter's memory footprint, or 0
// if not loaded or disabled.
func (r *Reader) FilterMemory() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filter == nil {
		return 0
	}
	return int64(len(r.filter.bits)) * 8
}

// PurgeIndex discards the resident fixed/variable index so it must be
// reloaded on next access, freeing its memory (spec §4.7 "purge block
// indexes of idle cell stores").
func (r *Reader) PurgeIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = nil
}

// PurgeFilter discards the resident bloom filter, freeing its memory.
func (r *Reader) PurgeFilter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = nil
}

// ReplacedFiles returns the names of the cell stores this store's contents
// superseded, as recorded by the writer at finalize time (spec §3).
func (r *Reader) ReplacedFiles(ctx context.Context) ([]string, error) {
	t, err := r.Trailer(ctx)
	if err != nil {
		return nil, err
	}
	if t.ReplacedFilesCount == 0 {
		return nil, nil
	}
	raw, err := r.readBlockAt(ctx, t.ReplacedFilesOffset, t.ReplacedFilesLength, replacedMagic)
	if err != nil {
		return nil, err
	}
	return decodeReplacedFiles(raw, int(t.ReplacedFilesCount))
}

// MayContain reports whether row (and, in ROWS_COLS mode, the
// row/column-family pair) could be present in this store, per the bloom
// filter (spec §4.3 "may_contain"). A false return is authoritative; a true
// return is not.
func (r *Reader) MayContain(ctx context.Context, row []byte, cf uint8, rowsCols bool) (bool, error) {
	f, err := r.ensureFilter(ctx)
	if err != nil {
		return false, err
	}
	if f == nil {
		return true, nil
	}
	if rowsCols {
		return f.MayContain(rowsColsKey(row, cf)), nil
	}
	return f.MayContain(row), nil
}

// readDataBlock loads and inflates data block i, returning its decompressed
// payload for a keyDecompressor to walk.
func (r *Reader) readDataBlock(ctx context.Context, idx *blockIndex, t *Trailer, i int) ([]byte, error) {
	atomic.AddInt64(&r.blockAccessCount, 1)
	offset := idx.offsets[i]
	var end int64
	if i+1 < len(idx.offsets) {
		end = idx.offsets[i+1]
	} else {
		end = t.FixIndexOffset
	}
	return r.readBlockAt(ctx, offset, end-offset, dataMagic)
}

// Scanner walks a cell store's entries in key order, optionally starting at
// the first block whose range could contain a seek key (spec §4.3
// "create_scanner").
type Scanner struct {
	r     *Reader
	idx   *blockIndex
	t     *Trailer
	ctx   context.Context
	block int
	dec   *keyDecompressor

	curKey   cellkey.Key
	curValue []byte
	err      error
}

// CreateScanner returns a Scanner positioned at the first block that could
// contain a key >= startKey (or the first block, if startKey is nil).
func (r *Reader) CreateScanner(ctx context.Context, startKey []byte) (*Scanner, error) {
	t, err := r.Trailer(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := r.ensureIndex(ctx)
	if err != nil {
		return nil, err
	}
	block := 0
	if startKey != nil && len(idx.lastKeys) > 0 {
		block = idx.findBlock(startKey, bytes.Compare)
		if block >= len(idx.offsets) {
			block = len(idx.offsets)
		}
	}
	s := &Scanner{r: r, idx: idx, t: t, ctx: ctx, block: block}
	if block < len(idx.offsets) {
		if err := s.loadBlock(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scanner) loadBlock() error {
	raw, err := s.r.readDataBlock(s.ctx, s.idx, s.t, s.block)
	if err != nil {
		return err
	}
	s.dec = newKeyDecompressor(raw)
	return nil
}

// Next advances to the next entry, returning false at end of store or on
// error (check Err after a false return).
func (s *Scanner) Next() bool {
	for {
		if s.dec == nil {
			return false
		}
		encKey, value, ok, err := s.dec.next()
		if err != nil {
			s.err = err
			return false
		}
		if !ok {
			s.block++
			if s.block >= len(s.idx.offsets) {
				s.dec = nil
				return false
			}
			if err := s.loadBlock(); err != nil {
				s.err = err
				return false
			}
			continue
		}
		k, err := cellkey.Decode(encKey)
		if err != nil {
			s.err = err
			return false
		}
		s.curKey = k
		s.curValue = value
		return true
	}
}

// Key returns the entry at the scanner's current position.
func (s *Scanner) Key() cellkey.Key { return s.curKey }

// Value returns the value at the scanner's current position.
func (s *Scanner) Value() []byte { return s.curValue }

// Err returns the error, if any, that stopped iteration.
func (s *Scanner) Err() error { return s.err }
