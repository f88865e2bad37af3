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
	"math"
)

func mathFloat64bits(f float64) uint64    { return math.Float64bits(f) }
func mathFloat64frombits(b uint64) float64 { return math.Float64frombits(b) }

func putUint64(dst []byte, v uint64) { binary.BigEndian.PutUint64(dst, v) }
func getUint64(src []byte) uint64    { return binary.BigEndian.Uint64(src) }
func putUint32(dst []byte, v uint32) { binary.BigEndian.PutUint32(dst, v) }
func getUint32(src []byte) uint32    { return binary.BigEndian.Uint32(src) }

func putUvarint(dst []byte, v uint64) int { return binary.PutUvarint(dst, v) }

func decodeUvarint(buf []byte) (uint64, int) { return binary.Uvarint(buf) }

// DirectIOAlignment is the alignment boundary the trailer starts on and is
// sized to (spec §4.3, §6: "aligned to direct-IO boundary (commonly
// 512 B)"); the sections before the trailer are not padded.
const DirectIOAlignment = 512

func padTo(n, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}
