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
	"math"

	"github.com/dchest/siphash"
)

// BloomMode selects what a cell store's bloom filter indexes (spec §4.3).
type BloomMode uint8

const (
	BloomDisabled BloomMode = iota
	BloomRows
	BloomRowsCols
)

// bloomFilter is a classic k-hash-function Bloom filter. Membership hashing
// uses siphash (a teacher dependency, github.com/dchest/siphash, used
// elsewhere in the pack to key cache shards): two siphash values, under the
// fixed keys (0,0) and (1,1), are combined into k bit positions via double
// hashing (Kirsch-Mitzenmacher), avoiding the need for k independent hash
// functions.
type bloomFilter struct {
	bits     []uint64
	numBits  uint64
	numHash  int
}

// newBloomFilter sizes a filter for n items at the given false-positive
// rate, matching spec §4.3's "final item count is extrapolated, the filter
// is sized accordingly".
func newBloomFilter(n int, falsePositiveRate float64) *bloomFilter {
	if n <= 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := math.Ceil(-1 * float64(n) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	numBits := uint64(m)
	if numBits < 64 {
		numBits = 64
	}
	numHash := int(math.Round(float64(numBits) / float64(n) * math.Ln2))
	if numHash < 1 {
		numHash = 1
	}
	if numHash > 16 {
		numHash = 16
	}
	words := (numBits + 63) / 64
	return &bloomFilter{
		bits:    make([]uint64, words),
		numBits: words * 64,
		numHash: numHash,
	}
}

func (b *bloomFilter) hashes(item []byte) (h1, h2 uint64) {
	return siphash.Hash(0, 0, item), siphash.Hash(1, 1, item)
}

func (b *bloomFilter) Insert(item []byte) {
	h1, h2 := b.hashes(item)
	for i := 0; i < b.numHash; i++ {
		combined := h1 + uint64(i)*h2
		bit := combined % b.numBits
		b.bits[bit/64] |= 1 << (bit % 64)
	}
}

func (b *bloomFilter) MayContain(item []byte) bool {
	h1, h2 := b.hashes(item)
	for i := 0; i < b.numHash; i++ {
		combined := h1 + uint64(i)*h2
		bit := combined % b.numBits
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

func (b *bloomFilter) encode() []byte {
	out := make([]byte, 8+len(b.bits)*8)
	putUint64(out[0:8], uint64(b.numHash)<<56|b.numBits)
	for i, w := range b.bits {
		putUint64(out[8+i*8:], w)
	}
	return out
}

func decodeBloomFilter(buf []byte) *bloomFilter {
	if len(buf) < 8 {
		return nil
	}
	header := getUint64(buf[0:8])
	numHash := int(header >> 56)
	numBits := header &^ (0xff << 56)
	words := (len(buf) - 8) / 8
	b := &bloomFilter{
		bits:    make([]uint64, words),
		numBits: numBits,
		numHash: numHash,
	}
	for i := range b.bits {
		b.bits[i] = getUint64(buf[8+i*8:])
	}
	return b
}
