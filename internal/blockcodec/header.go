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

package blockcodec

import (
	"encoding/binary"
	"fmt"

	"github.com/hypertable/rangeserver/internal/rserr"
)

// magicLen is the length, in bytes, of every block's magic string (spec §4.3:
// "Data------", "IdxFix----", "IdxVar----"; spec §6: "CommitLog",
// "CommitLogLink").
const magicLen = 10

// HeaderVersion is the only header-format version this build emits or
// understands.
const HeaderVersion = 1

// baseHeaderLen is the size, in bytes, of the fixed portion of Header
// (magic, version, compression type, two lengths, two checksums).
const baseHeaderLen = magicLen + 2 + 1 + 4 + 4 + 4 + 4

// Header is the fixed framing that precedes every on-disk or on-wire block
// (spec §4.1). CommitLog headers add a Revision field (see commitlog
// package); this type carries the fields common to all block kinds.
type Header struct {
	Magic          [magicLen]byte
	Version        uint16
	Compression    Type
	DataLength     uint32 // uncompressed payload length
	DataZLength    uint32 // compressed ("on disk") payload length
	DataChecksum   uint32 // Fletcher-32 over the compressed payload
	HeaderChecksum uint32 // Fletcher-32 over the preceding header bytes
}

// Magic builds a 10-byte, '-'-padded magic value from a short name.
func Magic(name string) [magicLen]byte {
	var m [magicLen]byte
	copy(m[:], name)
	for i := len(name); i < magicLen; i++ {
		m[i] = '-'
	}
	return m
}

func (h *Header) encodeInto(buf []byte) {
	copy(buf[0:magicLen], h.Magic[:])
	binary.BigEndian.PutUint16(buf[magicLen:magicLen+2], h.Version)
	buf[magicLen+2] = byte(h.Compression)
	off := magicLen + 3
	binary.BigEndian.PutUint32(buf[off:], h.DataLength)
	binary.BigEndian.PutUint32(buf[off+4:], h.DataZLength)
	binary.BigEndian.PutUint32(buf[off+8:], h.DataChecksum)
	h.HeaderChecksum = Fletcher32(buf[:off+12])
	binary.BigEndian.PutUint32(buf[off+12:], h.HeaderChecksum)
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < baseHeaderLen {
		return h, fmt.Errorf("%w: short block header", rserr.ErrBadHeader)
	}
	copy(h.Magic[:], buf[0:magicLen])
	h.Version = binary.BigEndian.Uint16(buf[magicLen : magicLen+2])
	h.Compression = Type(buf[magicLen+2])
	off := magicLen + 3
	h.DataLength = binary.BigEndian.Uint32(buf[off:])
	h.DataZLength = binary.BigEndian.Uint32(buf[off+4:])
	h.DataChecksum = binary.BigEndian.Uint32(buf[off+8:])
	h.HeaderChecksum = binary.BigEndian.Uint32(buf[off+12:])
	want := Fletcher32(buf[:off+12])
	if want != h.HeaderChecksum {
		return h, fmt.Errorf("%w: header checksum mismatch", rserr.ErrChecksumMismatch)
	}
	return h, nil
}

// HeaderLen returns the encoded length of a Header, matching baseHeaderLen.
func HeaderLen() int { return baseHeaderLen }

// Deflate compresses payload with the codec for compression and returns a
// single contiguous buffer: [header][compressed payload]. If the compressed
// size is not smaller than the uncompressed size, the payload is stored
// uncompressed and the block's compression type is downgraded to None,
// exactly as spec §4.1 describes.
func Deflate(magic [magicLen]byte, compression Type, payload []byte) ([]byte, error) {
	codec, err := ForType(compression)
	if err != nil {
		return nil, err
	}
	compressed := codec.Compress(nil, payload)
	effective := compression
	if compression != None && len(compressed) >= len(payload) {
		effective = None
		compressed = payload
	}

	h := Header{
		Magic:       magic,
		Version:     HeaderVersion,
		Compression: effective,
		DataLength:  uint32(len(payload)),
		DataZLength: uint32(len(compressed)),
	}
	h.DataChecksum = Fletcher32(compressed)

	out := make([]byte, baseHeaderLen+len(compressed))
	h.encodeInto(out[:baseHeaderLen])
	copy(out[baseHeaderLen:], compressed)
	return out, nil
}

// Inflate decodes a block produced by Deflate, verifying magic, header
// checksum, payload length accounting, and the payload's Fletcher-32
// checksum before dispatching to the codec named in the header.
func Inflate(block []byte, wantMagic [magicLen]byte) ([]byte, error) {
	h, err := decodeHeader(block)
	if err != nil {
		return nil, err
	}
	if h.Magic != wantMagic {
		return nil, fmt.Errorf("%w: got %q want %q", rserr.ErrBadMagic, h.Magic[:], wantMagic[:])
	}
	remaining := block[baseHeaderLen:]
	if int(h.DataZLength) > len(remaining) {
		return nil, fmt.Errorf("%w: data_zlength %d exceeds remaining %d", rserr.ErrBadHeader, h.DataZLength, len(remaining))
	}
	payload := remaining[:h.DataZLength]
	if Fletcher32(payload) != h.DataChecksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch", rserr.ErrChecksumMismatch)
	}
	codec, err := ForType(h.Compression)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(payload, int(h.DataLength))
}

// PeekHeader decodes only the header, for callers that need the block's
// lengths (e.g. to know how many bytes to read next from a stream) before
// reading the payload.
func PeekHeader(buf []byte) (Header, error) {
	return decodeHeader(buf)
}
