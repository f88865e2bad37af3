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

// Package commitlog implements the append-only, per-range-class durability
// log (spec §4.4, §6): group-committed writer, fragment rotation, and a
// sequential reader that tolerates corruption and follows link records.
package commitlog

import (
	"encoding/binary"
	"fmt"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/rserr"
)

const magicLen = 10

// magicData and magicLink distinguish an ordinary commit block from a link
// record (spec §6). Both are padded to the fixed 10-byte magic width shared
// with every other block kind in this tree (blockcodec.Magic); link records
// carry "CLogLink", since "CommitLogLink" is 13 bytes and does not fit that
// width.
var (
	magicData = blockcodec.Magic("CommitLog")
	magicLink = blockcodec.Magic("CLogLink")
)

const headerVersion = 1

// headerLen is the encoded size of header: magic, version, revision,
// compression, two lengths, two checksums.
const headerLen = magicLen + 2 + 8 + 1 + 4 + 4 + 4 + 4

// header is the commit-log block header. It carries the same framing
// fields as blockcodec.Header plus the revision field spec §4.1/§4.4
// describe as commit-log-specific ("the block header's revision set to
// the block's max revision").
type header struct {
	Magic          [magicLen]byte
	Version        uint16
	Revision       int64
	Compression    blockcodec.Type
	DataLength     uint32
	DataZLength    uint32
	DataChecksum   uint32
	HeaderChecksum uint32
}

func (h *header) encodeInto(buf []byte) {
	copy(buf[0:magicLen], h.Magic[:])
	binary.BigEndian.PutUint16(buf[magicLen:magicLen+2], h.Version)
	off := magicLen + 2
	binary.BigEndian.PutUint64(buf[off:], uint64(h.Revision))
	off += 8
	buf[off] = byte(h.Compression)
	off++
	binary.BigEndian.PutUint32(buf[off:], h.DataLength)
	binary.BigEndian.PutUint32(buf[off+4:], h.DataZLength)
	binary.BigEndian.PutUint32(buf[off+8:], h.DataChecksum)
	h.HeaderChecksum = blockcodec.Fletcher32(buf[:off+12])
	binary.BigEndian.PutUint32(buf[off+12:], h.HeaderChecksum)
}

func decodeHeaderBytes(buf []byte) (header, error) {
	var h header
	if len(buf) < headerLen {
		return h, fmt.Errorf("%w: short commit-log block header", rserr.ErrBadHeader)
	}
	copy(h.Magic[:], buf[0:magicLen])
	h.Version = binary.BigEndian.Uint16(buf[magicLen : magicLen+2])
	off := magicLen + 2
	h.Revision = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.Compression = blockcodec.Type(buf[off])
	off++
	h.DataLength = binary.BigEndian.Uint32(buf[off:])
	h.DataZLength = binary.BigEndian.Uint32(buf[off+4:])
	h.DataChecksum = binary.BigEndian.Uint32(buf[off+8:])
	h.HeaderChecksum = binary.BigEndian.Uint32(buf[off+12:])
	want := blockcodec.Fletcher32(buf[:off+12])
	if want != h.HeaderChecksum {
		return h, fmt.Errorf("%w: commit-log header checksum mismatch", rserr.ErrChecksumMismatch)
	}
	return h, nil
}

// deflateBlock compresses payload and frames it with magic and revision,
// following the same store-uncompressed-on-expansion rule as blockcodec.Deflate.
func deflateBlock(magic [magicLen]byte, revision int64, compression blockcodec.Type, payload []byte) ([]byte, error) {
	codec, err := blockcodec.ForType(compression)
	if err != nil {
		return nil, err
	}
	compressed := codec.Compress(nil, payload)
	effective := compression
	if compression != blockcodec.None && len(compressed) >= len(payload) {
		effective = blockcodec.None
		compressed = payload
	}
	h := header{
		Magic:       magic,
		Version:     headerVersion,
		Revision:    revision,
		Compression: effective,
		DataLength:  uint32(len(payload)),
		DataZLength: uint32(len(compressed)),
	}
	h.DataChecksum = blockcodec.Fletcher32(compressed)

	out := make([]byte, headerLen+len(compressed))
	h.encodeInto(out[:headerLen])
	copy(out[headerLen:], compressed)
	return out, nil
}

// inflateBlock is the reverse of deflateBlock. On success it returns the
// decoded header and decompressed payload.
func inflateBlock(block []byte) (header, []byte, error) {
	h, err := decodeHeaderBytes(block)
	if err != nil {
		return h, nil, err
	}
	if h.Magic != magicData && h.Magic != magicLink {
		return h, nil, fmt.Errorf("%w: got %q", rserr.ErrBadMagic, h.Magic[:])
	}
	remaining := block[headerLen:]
	if int(h.DataZLength) > len(remaining) {
		return h, nil, fmt.Errorf("%w: data_zlength %d exceeds remaining %d", rserr.ErrBadHeader, h.DataZLength, len(remaining))
	}
	payload := remaining[:h.DataZLength]
	if blockcodec.Fletcher32(payload) != h.DataChecksum {
		return h, nil, fmt.Errorf("%w: commit-log payload checksum mismatch", rserr.ErrChecksumMismatch)
	}
	codec, err := blockcodec.ForType(h.Compression)
	if err != nil {
		return h, nil, err
	}
	data, err := codec.Decompress(payload, int(h.DataLength))
	if err != nil {
		return h, nil, err
	}
	return h, data, nil
}

// peekHeader decodes only the header, for a reader that needs to know how
// many bytes the full block occupies before reading the payload.
func peekHeader(buf []byte) (header, error) {
	return decodeHeaderBytes(buf)
}
