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

package cellkey

import (
	"encoding/binary"
	"errors"
)

// errBadEncoding is returned by Decode when buf is too short or malformed
// to be a value Encode could have produced.
var errBadEncoding = errors.New("cellkey: malformed encoded key")

// Encode serializes k and appends it to dst. This is the representation
// stored in the cell-cache arena and (prefix-compressed) in cell-store data
// blocks. Its byte-lexicographic order matches Compare for keys whose rows
// contain no 0x00 byte, whose qualifiers within one row and column family
// have equal length, and whose timestamps and revisions are non-negative;
// outside those cases the byte order and Compare can disagree (a shorter
// qualifier sorts first as bytes, and a negative timestamp or revision
// sorts before every non-negative one).
//
// Layout: row bytes followed by a single 0x00 terminator (no length
// prefix), column_family_id (1 byte), len(cq) (4 bytes big-endian) + cq,
// flag (1 byte, stored as-is since Flag values already ascend in sort
// order), ~timestamp (big-endian, bit-flipped so descending application
// order sorts ascending as bytes), ~revision (same treatment).
func Encode(dst []byte, k Key) []byte {
	dst = append(dst, k.Row...)
	dst = append(dst, 0x00)
	dst = append(dst, byte(k.ColumnFamilyID))
	var cqlen [4]byte
	binary.BigEndian.PutUint32(cqlen[:], uint32(len(k.ColumnQualifier)))
	dst = append(dst, cqlen[:]...)
	dst = append(dst, k.ColumnQualifier...)
	dst = append(dst, byte(k.Flag))
	var ts, rev [8]byte
	binary.BigEndian.PutUint64(ts[:], ^uint64(k.Timestamp))
	binary.BigEndian.PutUint64(rev[:], ^uint64(k.Revision))
	dst = append(dst, ts[:]...)
	dst = append(dst, rev[:]...)
	return dst
}

// Decode parses the encoding produced by Encode. The returned Key's byte
// slices alias buf.
func Decode(buf []byte) (Key, error) {
	var k Key
	nul := -1
	for i, b := range buf {
		if b == 0x00 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return k, errBadEncoding
	}
	k.Row = buf[:nul]
	buf = buf[nul+1:]
	if len(buf) < 1+4 {
		return k, errBadEncoding
	}
	k.ColumnFamilyID = uint8(buf[0])
	buf = buf[1:]
	cqlen := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < cqlen+1+8+8 {
		return k, errBadEncoding
	}
	k.ColumnQualifier = buf[:cqlen]
	buf = buf[cqlen:]
	k.Flag = Flag(buf[0])
	buf = buf[1:]
	k.Timestamp = int64(^binary.BigEndian.Uint64(buf[:8]))
	buf = buf[8:]
	k.Revision = int64(^binary.BigEndian.Uint64(buf[:8]))
	return k, nil
}

// SharedPrefixLen returns the length of the longest common byte prefix of a
// and b, used by the cell-store writer's key-compressor (spec §4.3: "each
// key after the first stores only its differing suffix plus the
// shared-prefix length as a varint").
func SharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
