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

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/rserr"
)

var (
	fixIndexMagic = blockcodec.Magic("IdxFix")
	varIndexMagic = blockcodec.Magic("IdxVar")
	dataMagic     = blockcodec.Magic("Data")
)

// blockIndex holds the fixed (per-block byte offset) and variable (per-block
// last key) indexes described in spec §4.3. It is built incrementally by the
// writer and loaded lazily by the reader ("Index loads increment an access
// counter so the maintenance scheduler can evict cold indexes").
type blockIndex struct {
	offsets  []int64
	lastKeys [][]byte // encoded cellkey.Key bytes
}

func (bi *blockIndex) add(offset int64, lastKey []byte) {
	bi.offsets = append(bi.offsets, offset)
	k := make([]byte, len(lastKey))
	copy(k, lastKey)
	bi.lastKeys = append(bi.lastKeys, k)
}

func (bi *blockIndex) encodeFixed() []byte {
	buf := make([]byte, 8*len(bi.offsets))
	for i, off := range bi.offsets {
		putUint64(buf[i*8:], uint64(off))
	}
	return buf
}

func decodeFixedIndex(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: fixed index length %d not a multiple of 8", rserr.ErrCorruptCellStore, len(buf))
	}
	n := len(buf) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(getUint64(buf[i*8:]))
	}
	return out, nil
}

func (bi *blockIndex) encodeVar() []byte {
	var out []byte
	var lenBuf [4]byte
	for _, k := range bi.lastKeys {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		out = append(out, lenBuf[:]...)
		out = append(out, k...)
	}
	return out
}

func decodeVarIndex(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated variable index", rserr.ErrCorruptCellStore)
		}
		n := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			return nil, fmt.Errorf("%w: truncated variable index entry", rserr.ErrCorruptCellStore)
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out, nil
}

// findBlock returns the index of the first data block whose recorded last
// key is >= target, or len(lastKeys) if target sorts after every block.
func (bi *blockIndex) findBlock(target []byte, cmp func(a, b []byte) int) int {
	lo, hi := 0, len(bi.lastKeys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(bi.lastKeys[mid], target) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
