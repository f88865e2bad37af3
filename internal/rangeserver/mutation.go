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

package rangeserver

import (
	"encoding/binary"
	"fmt"

	"github.com/hypertable/rangeserver/internal/cellkey"
	"github.com/hypertable/rangeserver/internal/rserr"
)

// Mutation is one cell write or read in an `update`/`create_scanner` RPC
// request (spec §6 "RangeServer RPC surface"). The commit log's Entry.
// Mutations field (spec §4.4) is a packed sequence of these, reusing
// cellkey.Encode so a replayed mutation decodes with exactly the key a
// scanner would see.
type Mutation struct {
	Key   cellkey.Key
	Value []byte
}

// encodeMutations packs muts into the opaque byte blob a commitlog.Entry
// carries: a sequence of varint-length-prefixed (encoded key, value) pairs.
func encodeMutations(muts []Mutation) []byte {
	var out []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, m := range muts {
		key := cellkey.Encode(nil, m.Key)
		n := binary.PutUvarint(tmp[:], uint64(len(key)))
		out = append(out, tmp[:n]...)
		out = append(out, key...)
		n = binary.PutUvarint(tmp[:], uint64(len(m.Value)))
		out = append(out, tmp[:n]...)
		out = append(out, m.Value...)
	}
	return out
}

// decodeMutations unpacks the blob encodeMutations produces.
func decodeMutations(buf []byte) ([]Mutation, error) {
	var out []Mutation
	for len(buf) > 0 {
		klen, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)-n) < klen {
			return nil, fmt.Errorf("%w: bad mutation key length", rserr.ErrCorruptCommitLog)
		}
		buf = buf[n:]
		keyBuf := buf[:klen]
		buf = buf[klen:]
		key, err := cellkey.Decode(keyBuf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rserr.ErrCorruptCommitLog, err)
		}

		vlen, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)-n) < vlen {
			return nil, fmt.Errorf("%w: bad mutation value length", rserr.ErrCorruptCommitLog)
		}
		buf = buf[n:]
		value := buf[:vlen]
		buf = buf[vlen:]

		out = append(out, Mutation{Key: key, Value: value})
	}
	return out, nil
}
