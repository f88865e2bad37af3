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
	"encoding/binary"
	"fmt"

	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// keyCompressor accumulates the prefix-compressed encoding of a sorted run
// of cell keys (spec §4.3: "each key after the first stores only its
// differing suffix plus the shared-prefix length as a varint"), grounded on
// the teacher's objtree.go/filetree.go prefix-shared string encoding.
type keyCompressor struct {
	prev []byte
	buf  []byte
}

func (kc *keyCompressor) appendKey(encoded []byte) {
	shared := cellkey.SharedPrefixLen(kc.prev, encoded)
	suffix := encoded[shared:]
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(shared))
	kc.buf = append(kc.buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], uint64(len(suffix)))
	kc.buf = append(kc.buf, tmp[:n]...)
	kc.buf = append(kc.buf, suffix...)

	kc.prev = append(kc.prev[:0], encoded...)
}

func (kc *keyCompressor) appendValue(value []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(value)))
	kc.buf = append(kc.buf, tmp[:n]...)
	kc.buf = append(kc.buf, value...)
}

// keyDecompressor is the reverse of keyCompressor, reconstructing full keys
// lazily as spec §4.3 describes ("the decompressor reconstructs full keys
// lazily").
type keyDecompressor struct {
	buf  []byte
	prev []byte
}

func newKeyDecompressor(buf []byte) *keyDecompressor {
	return &keyDecompressor{buf: buf}
}

// next returns the next (encodedKey, value) pair, or ok=false at end of block.
func (kd *keyDecompressor) next() (encodedKey, value []byte, ok bool, err error) {
	if len(kd.buf) == 0 {
		return nil, nil, false, nil
	}
	shared, n := binary.Uvarint(kd.buf)
	if n <= 0 {
		return nil, nil, false, fmt.Errorf("%w: bad shared-prefix varint", rserr.ErrCorruptCellStore)
	}
	kd.buf = kd.buf[n:]
	suffixLen, n := binary.Uvarint(kd.buf)
	if n <= 0 {
		return nil, nil, false, fmt.Errorf("%w: bad suffix-length varint", rserr.ErrCorruptCellStore)
	}
	kd.buf = kd.buf[n:]
	if uint64(len(kd.buf)) < suffixLen {
		return nil, nil, false, fmt.Errorf("%w: truncated key suffix", rserr.ErrCorruptCellStore)
	}
	suffix := kd.buf[:suffixLen]
	kd.buf = kd.buf[suffixLen:]

	if uint64(len(kd.prev)) < shared {
		return nil, nil, false, fmt.Errorf("%w: shared-prefix exceeds previous key length", rserr.ErrCorruptCellStore)
	}
	full := make([]byte, shared+suffixLen)
	copy(full, kd.prev[:shared])
	copy(full[shared:], suffix)
	kd.prev = full

	valueLen, n := binary.Uvarint(kd.buf)
	if n <= 0 {
		return nil, nil, false, fmt.Errorf("%w: bad value-length varint", rserr.ErrCorruptCellStore)
	}
	kd.buf = kd.buf[n:]
	if uint64(len(kd.buf)) < valueLen {
		return nil, nil, false, fmt.Errorf("%w: truncated value", rserr.ErrCorruptCellStore)
	}
	value = kd.buf[:valueLen]
	kd.buf = kd.buf[valueLen:]

	return full, value, true, nil
}
