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

// Package cellkey implements the Hypertable cell key tuple and its total
// order (spec §3 "Key", "Key order"). It is imported by every storage-layer
// package (cellcache, cellstore, accessgroup) that needs to compare or
// serialize keys.
package cellkey

import "bytes"

// Flag is the per-cell mutation kind. Ordering among flags at equal
// (row, cf, cq, timestamp) follows spec §3: delete-row < delete-cf <
// delete-cell < delete-cell-version < insert, so a scan sees tombstones
// before the values they cover.
type Flag uint8

const (
	DeleteRow Flag = iota
	DeleteColumnFamily
	DeleteCell
	DeleteCellVersion
	Insert
)

func (f Flag) String() string {
	switch f {
	case DeleteRow:
		return "delete-row"
	case DeleteColumnFamily:
		return "delete-cf"
	case DeleteCell:
		return "delete-cell"
	case DeleteCellVersion:
		return "delete-cell-version"
	case Insert:
		return "insert"
	default:
		return "unknown"
	}
}

// IsDelete reports whether f is any of the tombstone flags.
func (f Flag) IsDelete() bool { return f != Insert }

// TimestampNull is the sentinel value for an unset application timestamp
// (spec §3 "timestamp: ... may be NULL sentinel").
const TimestampNull = int64(-1) << 63

// Key is the full (row, column_family_id, column_qualifier, flag,
// timestamp, revision) tuple described in spec §3.
type Key struct {
	Row              []byte
	ColumnFamilyID   uint8
	ColumnQualifier  []byte
	Flag             Flag
	Timestamp        int64
	Revision         int64
}

// Compare implements the total order from spec §3 "Key order": row asc,
// column_family_id asc, column_qualifier asc, flag asc, timestamp desc,
// revision desc. Two keys with identical (row,cf,cq,flag,timestamp) but
// distinct revision remain distinct entries and compare by revision.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if a.ColumnFamilyID != b.ColumnFamilyID {
		if a.ColumnFamilyID < b.ColumnFamilyID {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.ColumnQualifier, b.ColumnQualifier); c != 0 {
		return c
	}
	if a.Flag != b.Flag {
		if a.Flag < b.Flag {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		// descending
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Revision != b.Revision {
		// descending
		if a.Revision > b.Revision {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts strictly before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// CoversScope reports whether a delete key d (which must satisfy
// d.Flag.IsDelete()) covers key k, i.e. k is at or "after" the scope the
// tombstone applies to and k.Timestamp <= d.Timestamp (spec §3: "deletes
// compare as tombstones covering everything >= their scope at timestamp <=
// their timestamp").
func CoversScope(d, k Key) bool {
	if !d.Flag.IsDelete() {
		return false
	}
	if !bytes.Equal(d.Row, k.Row) {
		return false
	}
	if k.Timestamp > d.Timestamp {
		return false
	}
	switch d.Flag {
	case DeleteRow:
		return true
	case DeleteColumnFamily:
		return k.ColumnFamilyID == d.ColumnFamilyID
	case DeleteCell:
		return k.ColumnFamilyID == d.ColumnFamilyID && bytes.Equal(k.ColumnQualifier, d.ColumnQualifier)
	case DeleteCellVersion:
		return k.ColumnFamilyID == d.ColumnFamilyID &&
			bytes.Equal(k.ColumnQualifier, d.ColumnQualifier) &&
			k.Timestamp == d.Timestamp
	}
	return false
}
