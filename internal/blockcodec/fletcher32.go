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

// Fletcher32 computes the Fletcher-32 checksum of data, matching the
// checksum the block header uses over both the header bytes and the
// compressed payload (spec §4.1). Unlike crc32, Fletcher-32 operates on
// 16-bit words and is cheap enough to run on every block without a lookup
// table; no pack example imports a ready-made Fletcher-32, so this is
// hand-rolled rather than sourced from a third-party module (see DESIGN.md).
func Fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32
	sum1, sum2 = 0xffff, 0xffff

	n := len(data)
	i := 0
	for n > 0 {
		// process in chunks bounded so sum1/sum2 never overflow
		// before the modulo reduction (360 16-bit words is safe).
		chunk := n
		if chunk > 360*2 {
			chunk = 360 * 2
		}
		end := i + chunk
		for i < end {
			var word uint32
			if i+1 < len(data) {
				word = uint32(data[i]) | uint32(data[i+1])<<8
			} else {
				word = uint32(data[i])
			}
			sum1 += word
			sum2 += sum1
			i += 2
		}
		sum1 = (sum1 & 0xffff) + (sum1 >> 16)
		sum2 = (sum2 & 0xffff) + (sum2 >> 16)
		n -= chunk
	}
	sum1 = (sum1 & 0xffff) + (sum1 >> 16)
	sum2 = (sum2 & 0xffff) + (sum2 >> 16)
	return (sum2 << 16) | sum1
}
