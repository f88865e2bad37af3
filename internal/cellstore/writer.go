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
	"sync"
	"time"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/dfs"
)

// WriterProperties configures a Writer the way spec §4.3/§6 describes a
// cell-store property bag (compressor, blocksize, bloom-filter mode).
type WriterProperties struct {
	Compression     blockcodec.Type
	TargetBlockSize int // decompressed bytes, before adaptive scaling
	BloomMode       BloomMode
	BloomFalsePositiveRate float64
	MaxApproxItems  int
	TableID         uint64
	Generation      uint32
	// MaxInFlightAppends bounds concurrent async appends (spec §4.3:
	// "cap the in-flight append count (e.g., 3) to bound memory").
	MaxInFlightAppends int
}

func (p *WriterProperties) withDefaults() WriterProperties {
	out := *p
	if out.TargetBlockSize <= 0 {
		out.TargetBlockSize = 64 * 1024
	}
	if out.BloomFalsePositiveRate <= 0 {
		out.BloomFalsePositiveRate = 0.01
	}
	if out.MaxApproxItems <= 0 {
		out.MaxApproxItems = 1 << 20
	}
	if out.MaxInFlightAppends <= 0 {
		out.MaxInFlightAppends = 3
	}
	return out
}

// Writer implements the cell-store writer protocol of spec §4.3.
type Writer struct {
	props WriterProperties
	file  dfs.File

	cur      keyCompressor
	curCount int
	blockFirstKey []byte

	index blockIndex

	offset int64 // next write offset in the file

	// adaptive block sizing: target * recentUncompressed / recentCompressed
	recentUncompressed int64
	recentCompressed    int64

	entries        int64
	deletes        int64
	keyBytes       int64
	valueBytes     int64
	expirableBytes int64
	tsMin, tsMax   int64
	maxRevision    int64
	haveTSBounds   bool

	bloomRows    map[string]struct{}
	bloomPairs   map[string]struct{}
	bloom        *bloomFilter
	bloomReady   bool

	replacedFiles []string

	// pending bounds the number of blocks buffered ahead of the writer
	// goroutine (spec §4.3: "cap the in-flight append count (e.g., 3) to
	// bound memory"). A single consumer drains it so blocks land in the
	// file in the order they were produced, even though the caller that
	// fills a block (compression, bloom updates) need not wait for the
	// previous block's append to land before starting the next one.
	pending  chan []byte
	wg       sync.WaitGroup
	mu       sync.Mutex
	asyncErr error
}

// NewWriter creates a Writer that appends blocks to file starting at
// offset 0.
func NewWriter(file dfs.File, props WriterProperties) *Writer {
	p := props.withDefaults()
	w := &Writer{
		props:   p,
		file:    file,
		pending: make(chan []byte, p.MaxInFlightAppends),
	}
	if p.BloomMode != BloomDisabled {
		w.bloomRows = make(map[string]struct{})
		if p.BloomMode == BloomRowsCols {
			w.bloomPairs = make(map[string]struct{})
		}
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// drain is the sole goroutine that calls file.Append, so blocks are written
// in submission order regardless of how much work (compression, bloom
// population) overlaps with a pending append.
func (w *Writer) drain() {
	defer w.wg.Done()
	ctx := context.Background()
	for block := range w.pending {
		w.mu.Lock()
		skip := w.asyncErr != nil
		w.mu.Unlock()
		if skip {
			continue
		}
		if _, err := w.file.Append(ctx, block); err != nil {
			w.mu.Lock()
			if w.asyncErr == nil {
				w.asyncErr = err
			}
			w.mu.Unlock()
		}
	}
}

func (w *Writer) targetBlockSize() int {
	if w.recentCompressed == 0 {
		return w.props.TargetBlockSize
	}
	scaled := int64(w.props.TargetBlockSize) * w.recentUncompressed / w.recentCompressed
	if scaled < int64(w.props.TargetBlockSize)/4 {
		scaled = int64(w.props.TargetBlockSize) / 4
	}
	return int(scaled)
}

// Add appends one (key, value) pair. Keys must be supplied in ascending
// order (spec §4.3 writer protocol: "buffers keys through a key-compressor
// until the buffered uncompressed size exceeds the adaptive block size").
func (w *Writer) Add(key cellkey.Key, value []byte) error {
	encoded := cellkey.Encode(nil, key)
	if w.blockFirstKey == nil {
		w.blockFirstKey = append([]byte(nil), encoded...)
	}
	w.cur.appendKey(encoded)
	w.cur.appendValue(value)
	w.curCount++

	w.entries++
	if key.Flag.IsDelete() {
		w.deletes++
	}
	w.keyBytes += int64(len(encoded))
	w.valueBytes += int64(len(value))
	if !w.haveTSBounds {
		w.tsMin, w.tsMax = key.Timestamp, key.Timestamp
		w.haveTSBounds = true
	} else {
		if key.Timestamp < w.tsMin {
			w.tsMin = key.Timestamp
		}
		if key.Timestamp > w.tsMax {
			w.tsMax = key.Timestamp
		}
	}
	if key.Revision > w.maxRevision {
		w.maxRevision = key.Revision
	}

	w.observeBloom(key)

	if len(w.cur.buf) >= w.targetBlockSize() {
		return w.flushBlock(encoded)
	}
	return nil
}

func (w *Writer) observeBloom(key cellkey.Key) {
	if w.props.BloomMode == BloomDisabled {
		return
	}
	if w.bloomReady {
		w.bloom.Insert(key.Row)
		if w.props.BloomMode == BloomRowsCols {
			w.bloom.Insert(rowsColsKey(key.Row, key.ColumnFamilyID))
		}
		return
	}
	w.bloomRows[string(key.Row)] = struct{}{}
	if w.props.BloomMode == BloomRowsCols {
		w.bloomPairs[rowsColsKeyStr(key.Row, key.ColumnFamilyID)] = struct{}{}
	}
	if int64(len(w.bloomRows)) >= int64(w.props.MaxApproxItems) {
		w.materializeBloom()
	}
}

func rowsColsKey(row []byte, cf uint8) []byte {
	out := make([]byte, len(row)+1)
	copy(out, row)
	out[len(row)] = cf
	return out
}

func rowsColsKeyStr(row []byte, cf uint8) string { return string(rowsColsKey(row, cf)) }

// materializeBloom extrapolates the final item count from what has been
// observed so far, sizes the filter accordingly, and inserts the
// accumulated set (spec §4.3 "Bloom filter").
func (w *Writer) materializeBloom() {
	n := len(w.bloomRows)
	if w.props.BloomMode == BloomRowsCols {
		n += len(w.bloomPairs)
	}
	// extrapolate assuming the observed rate of distinct items continues
	// for the configured max-approx-items budget.
	estimate := n
	if w.entries > 0 && n > 0 {
		ratio := float64(n) / float64(w.entries)
		estimate = int(float64(w.props.MaxApproxItems) * ratio)
		if estimate < n {
			estimate = n
		}
	}
	w.bloom = newBloomFilter(estimate, w.props.BloomFalsePositiveRate)
	for r := range w.bloomRows {
		w.bloom.Insert([]byte(r))
	}
	for p := range w.bloomPairs {
		w.bloom.Insert([]byte(p))
	}
	w.bloomReady = true
	w.bloomRows = nil
	w.bloomPairs = nil
}

func (w *Writer) flushBlock(lastKey []byte) error {
	if w.curCount == 0 {
		return nil
	}
	raw := w.cur.buf
	block, err := blockcodec.Deflate(dataMagic, w.props.Compression, raw)
	if err != nil {
		return err
	}
	w.recentUncompressed = int64(len(raw))
	w.recentCompressed = int64(len(block))

	w.index.add(w.offset, lastKey)
	w.asyncAppend(block)
	w.offset += int64(len(block))

	w.cur = keyCompressor{}
	w.curCount = 0
	w.blockFirstKey = nil
	return nil
}

// asyncAppend hands block to the writer goroutine, blocking only once
// MaxInFlightAppends blocks are already queued (spec §4.3's in-flight cap).
func (w *Writer) asyncAppend(block []byte) {
	w.pending <- block
}

// AddReplacedFile records the filename of a cell store this writer's output
// supersedes, for crash-safe garbage collection (spec §3 "CellStore ...
// replaces a set of prior CellStores").
func (w *Writer) AddReplacedFile(name string) {
	w.replacedFiles = append(w.replacedFiles, name)
}

// Finalize flushes any residual block, writes the fixed index, variable
// index, bloom filter (if enabled) and replaced-files list back to back,
// zero-pads the file to the direct-IO boundary, writes the TrailerSize-byte
// trailer there, and returns the resulting Trailer. Only the trailer is
// aligned; the sections before it are not padded.
func (w *Writer) Finalize(flags TrailerFlag) (*Trailer, error) {
	if err := w.flushBlock(w.cur.lastEncodedKey()); err != nil {
		return nil, err
	}
	close(w.pending)
	w.wg.Wait()
	w.mu.Lock()
	asyncErr := w.asyncErr
	w.mu.Unlock()
	if asyncErr != nil {
		return nil, asyncErr
	}

	if w.props.BloomMode != BloomDisabled && !w.bloomReady {
		w.materializeBloom()
	}

	fixIndexOffset := w.offset
	fixBlock, err := blockcodec.Deflate(fixIndexMagic, blockcodec.None, w.index.encodeFixed())
	if err != nil {
		return nil, err
	}
	if _, err := w.file.Append(context.Background(), fixBlock); err != nil {
		return nil, err
	}
	w.offset += int64(len(fixBlock))

	varIndexOffset := w.offset
	varBlock, err := blockcodec.Deflate(varIndexMagic, blockcodec.None, w.index.encodeVar())
	if err != nil {
		return nil, err
	}
	if _, err := w.file.Append(context.Background(), varBlock); err != nil {
		return nil, err
	}
	w.offset += int64(len(varBlock))

	var filterOffset, filterLen int64
	var bloomHash uint32
	if w.bloom != nil {
		filterOffset = w.offset
		fblock, err := blockcodec.Deflate(filterMagic, blockcodec.None, w.bloom.encode())
		if err != nil {
			return nil, err
		}
		if _, err := w.file.Append(context.Background(), fblock); err != nil {
			return nil, err
		}
		filterLen = int64(len(fblock))
		w.offset += filterLen
		bloomHash = uint32(w.bloom.numHash)
	}

	replacedOffset := w.offset
	replacedBody := encodeReplacedFiles(w.replacedFiles)
	rblock, err := blockcodec.Deflate(replacedMagic, blockcodec.None, replacedBody)
	if err != nil {
		return nil, err
	}
	if _, err := w.file.Append(context.Background(), rblock); err != nil {
		return nil, err
	}
	replacedLen := int64(len(rblock))
	w.offset += replacedLen

	ratio := float64(1)
	if w.keyBytes+w.valueBytes > 0 && w.offset > 0 {
		ratio = float64(w.offset) / float64(w.keyBytes+w.valueBytes)
	}

	trailer := &Trailer{
		Version:             TrailerVersion,
		Flags:               flags,
		FixIndexOffset:      fixIndexOffset,
		VarIndexOffset:      varIndexOffset,
		FilterOffset:        filterOffset,
		FilterLength:        filterLen,
		ReplacedFilesOffset: replacedOffset,
		ReplacedFilesLength: replacedLen,
		ReplacedFilesCount:  uint32(len(w.replacedFiles)),
		BlockSize:           uint32(w.props.TargetBlockSize),
		Compression:         w.props.Compression,
		CompressionRatio:    ratio,
		TotalEntries:        w.entries,
		DeleteCount:         w.deletes,
		KeyBytes:            w.keyBytes,
		ValueBytes:          w.valueBytes,
		ExpirableBytes:      w.expirableBytes,
		TimestampMin:        w.tsMin,
		TimestampMax:        w.tsMax,
		MaxRevision:         w.maxRevision,
		BloomMode:           w.props.BloomMode,
		BloomNumHash:        bloomHash,
		IndexEntryCount:     uint32(len(w.index.offsets)),
		TableID:             w.props.TableID,
		Generation:          w.props.Generation,
		CreateTime:          time.Now().UnixNano(),
	}

	enc, err := trailer.Encode()
	if err != nil {
		return nil, err
	}
	if pad := int64(padTo(int(w.offset), DirectIOAlignment)) - w.offset; pad > 0 {
		if _, err := w.file.Append(context.Background(), make([]byte, pad)); err != nil {
			return nil, err
		}
		w.offset += pad
	}
	if _, err := w.file.Append(context.Background(), enc); err != nil {
		return nil, err
	}
	trailer.Offset = w.offset
	w.offset += int64(len(enc))

	return trailer, w.file.Close()
}

func (kc *keyCompressor) lastEncodedKey() []byte {
	return kc.prev
}

var (
	filterMagic   = blockcodec.Magic("Filter")
	replacedMagic = blockcodec.Magic("Replace")
)

func decodeReplacedFiles(buf []byte, count int) ([]string, error) {
	out := make([]string, 0, count)
	var prev string
	for len(buf) > 0 {
		shared, n := decodeUvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("replaced-files list: bad shared-prefix varint")
		}
		buf = buf[n:]
		suffixLen, n := decodeUvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("replaced-files list: bad suffix-length varint")
		}
		buf = buf[n:]
		if uint64(len(buf)) < suffixLen {
			return nil, fmt.Errorf("replaced-files list: truncated entry")
		}
		full := prev[:int(shared)] + string(buf[:suffixLen])
		buf = buf[suffixLen:]
		out = append(out, full)
		prev = full
	}
	return out, nil
}

func encodeReplacedFiles(names []string) []byte {
	var out []byte
	var prev string
	for _, n := range names {
		shared := 0
		max := len(prev)
		if len(n) < max {
			max = len(n)
		}
		for shared < max && prev[shared] == n[shared] {
			shared++
		}
		suffix := n[shared:]
		var tmp [10]byte
		out = appendUvarint(out, tmp[:], uint64(shared))
		out = appendUvarint(out, tmp[:], uint64(len(suffix)))
		out = append(out, suffix...)
		prev = n
	}
	return out
}

func appendUvarint(dst, tmp []byte, v uint64) []byte {
	n := putUvarint(tmp, v)
	return append(dst, tmp[:n]...)
}
