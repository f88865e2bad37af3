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
	"fmt"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// TrailerFlag is a bitset of per-store flags (spec §4.3 "Trailer (v6)").
type TrailerFlag uint32

const (
	FlagIndex64Bit      TrailerFlag = 1 << 0
	FlagSplit           TrailerFlag = 1 << 1
	FlagMajorCompaction TrailerFlag = 1 << 2
)

// TrailerVersion is the only on-disk trailer format this build emits
// (spec §4.3 "CellStoreV6"; §9 notes future versions gate on this field).
const TrailerVersion = 6

// Trailer carries the fixed-size metadata block positioned at the end of a
// cell-store file (spec §4.3), grounded on the teacher's
// ion/blockfmt.Trailer (a struct of offsets plus per-block/aggregate
// metadata, Encode/Decode'd to/from a single contiguous region) but with a
// fixed-size binary layout rather than ion encoding, since the byte layout
// is fully specified by spec §4.3/§6.
type Trailer struct {
	Version    uint32
	Flags      TrailerFlag

	FixIndexOffset int64
	VarIndexOffset int64

	FilterOffset int64
	FilterLength int64

	ReplacedFilesOffset int64
	ReplacedFilesLength int64
	ReplacedFilesCount  uint32

	BlockSize   uint32
	Compression blockcodec.Type

	CompressionRatio float64

	TotalEntries int64
	DeleteCount  int64

	KeyBytes   int64
	ValueBytes int64

	ExpirableBytes int64

	TimestampMin int64
	TimestampMax int64
	MaxRevision  int64

	BloomMode     BloomMode
	BloomNumHash  uint32

	IndexEntryCount uint32

	TableID    uint64
	Generation uint32

	CreateTime int64

	// Offset is the byte offset at which the trailer itself begins. It is
	// not part of the serialized body (the trailer is always the last
	// TrailerSize bytes of the file); the writer fills it in for callers
	// that need to know the file's final length.
	Offset int64
}

// trailerEncodedLen is the size, before direct-IO padding, of a serialized
// Trailer.
const trailerEncodedLen = 4 + 4 + // version, flags
	8 + 8 + // fix/var index offsets
	8 + 8 + // filter offset/length
	8 + 8 + 4 + // replaced-files offset/length/count
	4 + 1 + // blocksize, compression
	8 + // compression ratio (float64 bits)
	8 + 8 + // total entries, delete count
	8 + 8 + // key bytes, value bytes
	8 + // expirable bytes
	8 + 8 + 8 + // ts min/max, max revision
	1 + 4 + // bloom mode, num hash
	4 + // index entry count
	8 + 4 + // table id, generation
	8 // create time

// TrailerSize is the fixed, direct-IO-aligned size of an encoded trailer.
var TrailerSize int64 = int64((trailerEncodedLen+blockcodec.HeaderLen()+DirectIOAlignment-1)/DirectIOAlignment) * DirectIOAlignment

var trailerMagic = blockcodec.Magic("Trailer")

// Encode serializes t as a checksummed, fixed-size, direct-IO-aligned block.
func (t *Trailer) Encode() ([]byte, error) {
	body := make([]byte, trailerEncodedLen)
	i := 0
	putU32 := func(v uint32) { putUint32(body[i:], v); i += 4 }
	putU64 := func(v uint64) { putUint64(body[i:], v); i += 8 }
	putI64 := func(v int64) { putUint64(body[i:], uint64(v)); i += 8 }

	putU32(t.Version)
	putU32(uint32(t.Flags))
	putI64(t.FixIndexOffset)
	putI64(t.VarIndexOffset)
	putI64(t.FilterOffset)
	putI64(t.FilterLength)
	putI64(t.ReplacedFilesOffset)
	putI64(t.ReplacedFilesLength)
	putU32(t.ReplacedFilesCount)
	putU32(t.BlockSize)
	body[i] = byte(t.Compression)
	i++
	putU64(mathFloat64bits(t.CompressionRatio))
	putI64(t.TotalEntries)
	putI64(t.DeleteCount)
	putI64(t.KeyBytes)
	putI64(t.ValueBytes)
	putI64(t.ExpirableBytes)
	putI64(t.TimestampMin)
	putI64(t.TimestampMax)
	putI64(t.MaxRevision)
	body[i] = byte(t.BloomMode)
	i++
	putU32(t.BloomNumHash)
	putU32(t.IndexEntryCount)
	putU64(t.TableID)
	putU32(t.Generation)
	putI64(t.CreateTime)

	block, err := blockcodec.Deflate(trailerMagic, blockcodec.None, body)
	if err != nil {
		return nil, err
	}
	if int64(len(block)) > TrailerSize {
		return nil, fmt.Errorf("cellstore: encoded trailer %d bytes exceeds fixed size %d", len(block), TrailerSize)
	}
	padded := make([]byte, TrailerSize)
	copy(padded, block)
	return padded, nil
}

// DecodeTrailer parses a trailer previously produced by Encode.
func DecodeTrailer(buf []byte) (*Trailer, error) {
	if int64(len(buf)) < TrailerSize {
		return nil, fmt.Errorf("%w: short trailer buffer", rserr.ErrCorruptCellStore)
	}
	h, err := blockcodec.PeekHeader(buf)
	if err != nil {
		return nil, err
	}
	blockLen := blockcodec.HeaderLen() + int(h.DataZLength)
	body, err := blockcodec.Inflate(buf[:blockLen], trailerMagic)
	if err != nil {
		return nil, err
	}
	if len(body) != trailerEncodedLen {
		return nil, fmt.Errorf("%w: trailer body length mismatch", rserr.ErrCorruptCellStore)
	}
	t := &Trailer{}
	i := 0
	getU32 := func() uint32 { v := getUint32(body[i:]); i += 4; return v }
	getU64 := func() uint64 { v := getUint64(body[i:]); i += 8; return v }
	getI64 := func() int64 { return int64(getU64()) }

	t.Version = getU32()
	if t.Version != TrailerVersion {
		return nil, fmt.Errorf("%w: unsupported trailer version %d", rserr.ErrCorruptCellStore, t.Version)
	}
	t.Flags = TrailerFlag(getU32())
	t.FixIndexOffset = getI64()
	t.VarIndexOffset = getI64()
	t.FilterOffset = getI64()
	t.FilterLength = getI64()
	t.ReplacedFilesOffset = getI64()
	t.ReplacedFilesLength = getI64()
	t.ReplacedFilesCount = getU32()
	t.BlockSize = getU32()
	t.Compression = blockcodec.Type(body[i])
	i++
	t.CompressionRatio = mathFloat64frombits(getU64())
	t.TotalEntries = getI64()
	t.DeleteCount = getI64()
	t.KeyBytes = getI64()
	t.ValueBytes = getI64()
	t.ExpirableBytes = getI64()
	t.TimestampMin = getI64()
	t.TimestampMax = getI64()
	t.MaxRevision = getI64()
	t.BloomMode = BloomMode(body[i])
	i++
	t.BloomNumHash = getU32()
	t.IndexEntryCount = getU32()
	t.TableID = getU64()
	t.Generation = getU32()
	t.CreateTime = getI64()
	return t, nil
}
