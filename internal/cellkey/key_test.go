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

import "testing"

func TestCompareRowOrder(t *testing.T) {
	a := Key{Row: []byte("a"), Flag: Insert}
	b := Key{Row: []byte("b"), Flag: Insert}
	if !Less(a, b) {
		t.Fatalf("expected a < b by row")
	}
}

func TestCompareTimestampDescending(t *testing.T) {
	newer := Key{Row: []byte("r"), Flag: Insert, Timestamp: 200}
	older := Key{Row: []byte("r"), Flag: Insert, Timestamp: 100}
	if !Less(newer, older) {
		t.Fatalf("expected newer timestamp to sort first")
	}
}

func TestCompareRevisionDescendingAtEqualOtherFields(t *testing.T) {
	hi := Key{Row: []byte("r"), Flag: Insert, Timestamp: 1, Revision: 5}
	lo := Key{Row: []byte("r"), Flag: Insert, Timestamp: 1, Revision: 3}
	if !Less(hi, lo) {
		t.Fatalf("expected higher revision to sort first")
	}
	if Compare(hi, lo) == 0 {
		t.Fatalf("distinct revisions at otherwise-equal keys must not compare equal")
	}
}

func TestFlagOrderDeleteRowBeforeInsert(t *testing.T) {
	del := Key{Row: []byte("r"), Flag: DeleteRow, Timestamp: 1}
	ins := Key{Row: []byte("r"), Flag: Insert, Timestamp: 1}
	if !Less(del, ins) {
		t.Fatalf("expected delete-row to sort before insert at equal timestamp")
	}
}

func TestCoversScopeDeleteRow(t *testing.T) {
	del := Key{Row: []byte("r"), Flag: DeleteRow, Timestamp: 100}
	k := Key{Row: []byte("r"), ColumnFamilyID: 3, Timestamp: 50}
	if !CoversScope(del, k) {
		t.Fatalf("delete-row at ts=100 should cover cell at ts=50")
	}
	newer := Key{Row: []byte("r"), ColumnFamilyID: 3, Timestamp: 150}
	if CoversScope(del, newer) {
		t.Fatalf("delete-row at ts=100 should not cover cell written at ts=150")
	}
}

func TestCoversScopeDeleteCellVersion(t *testing.T) {
	del := Key{Row: []byte("r"), ColumnFamilyID: 1, ColumnQualifier: []byte("c"), Flag: DeleteCellVersion, Timestamp: 100}
	exact := Key{Row: []byte("r"), ColumnFamilyID: 1, ColumnQualifier: []byte("c"), Timestamp: 100}
	other := Key{Row: []byte("r"), ColumnFamilyID: 1, ColumnQualifier: []byte("c"), Timestamp: 99}
	if !CoversScope(del, exact) {
		t.Fatalf("delete-cell-version must cover the exact timestamped version")
	}
	if CoversScope(del, other) {
		t.Fatalf("delete-cell-version must not cover a different version")
	}
}

func TestEncodeOrderMatchesCompare(t *testing.T) {
	keys := []Key{
		{Row: []byte("a"), ColumnFamilyID: 1, Flag: Insert, Timestamp: 10, Revision: 1},
		{Row: []byte("a"), ColumnFamilyID: 2, Flag: Insert, Timestamp: 10, Revision: 1},
		{Row: []byte("a"), ColumnFamilyID: 2, Flag: Insert, Timestamp: 5, Revision: 1},
		{Row: []byte("b"), ColumnFamilyID: 1, Flag: Insert, Timestamp: 10, Revision: 1},
	}
	for i := 0; i < len(keys)-1; i++ {
		if !Less(keys[i], keys[i+1]) {
			t.Fatalf("fixture not in Compare order at %d", i)
		}
		ei := Encode(nil, keys[i])
		ej := Encode(nil, keys[i+1])
		if string(ei) >= string(ej) {
			t.Fatalf("encoded byte order disagrees with Compare at %d", i)
		}
	}
}
