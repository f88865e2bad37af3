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

package cellcache

import (
	"encoding/binary"
	"testing"

	"github.com/hypertable/rangeserver/internal/cellkey"
)

func counterValue(opcode byte, n int64) []byte {
	v := make([]byte, 9)
	v[0] = opcode
	binary.BigEndian.PutUint64(v[1:], uint64(n))
	return v
}

// TestSingleInsertAndScan implements spec §8 scenario S1.
func TestSingleInsertAndScan(t *testing.T) {
	c := New()
	k := cellkey.Key{Row: []byte("r"), ColumnFamilyID: 1, Timestamp: 100, Revision: 1, Flag: cellkey.Insert}
	c.Add(k, []byte("v"))

	s := c.CreateScanner(nil)
	if !s.Next() {
		t.Fatalf("expected one entry")
	}
	got := s.Entry()
	if string(got.Value) != "v" || got.Key.Timestamp != 100 || got.Key.Revision != 1 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if s.Next() {
		t.Fatalf("expected exactly one entry")
	}
}

// TestCounterMerge implements spec §8 scenario S2.
func TestCounterMerge(t *testing.T) {
	c := New()
	k1 := cellkey.Key{Row: []byte("r"), ColumnFamilyID: 1, ColumnQualifier: []byte("c"), Timestamp: 1, Revision: 1}
	c.AddCounter(k1, counterValue(CounterIncrement, 5))
	k2 := cellkey.Key{Row: []byte("r"), ColumnFamilyID: 1, ColumnQualifier: []byte("c"), Timestamp: 2, Revision: 2}
	c.AddCounter(k2, counterValue(CounterIncrement, 3))

	s := c.CreateScanner(nil)
	if !s.Next() {
		t.Fatalf("expected one merged entry")
	}
	e := s.Entry()
	if e.Key.Timestamp != 2 || e.Key.Revision != 2 {
		t.Fatalf("expected merged entry to carry latest ts/rev, got %+v", e.Key)
	}
	if len(e.Value) != 9 || e.Value[0] != CounterIncrement {
		t.Fatalf("expected 9-byte increment value, got %v", e.Value)
	}
	got := int64(binary.BigEndian.Uint64(e.Value[1:]))
	if got != 8 {
		t.Fatalf("expected merged count 8, got %d", got)
	}
	if s.Next() {
		t.Fatalf("expected exactly one cell")
	}
}

func TestFreezeIsolatesImmutableCache(t *testing.T) {
	m := NewManager()
	m.Live().Add(cellkey.Key{Row: []byte("a"), Flag: cellkey.Insert, Revision: 1}, []byte("1"))
	frozen := m.Freeze()
	m.Live().Add(cellkey.Key{Row: []byte("b"), Flag: cellkey.Insert, Revision: 2}, []byte("2"))

	if frozen.Len() != 1 {
		t.Fatalf("frozen cache should be unaffected by later writes, len=%d", frozen.Len())
	}
	scanner := m.CreateScanner(nil)
	var rows []string
	for scanner.Next() {
		rows = append(rows, string(scanner.Entry().Key.Row))
	}
	if len(rows) != 2 || rows[0] != "a" || rows[1] != "b" {
		t.Fatalf("expected merge to yield [a b], got %v", rows)
	}
}

func TestAddCollisionBumpsCounter(t *testing.T) {
	c := New()
	k := cellkey.Key{Row: []byte("r"), Flag: cellkey.Insert, Timestamp: 1, Revision: 1}
	c.Add(k, []byte("v1"))
	c.Add(k, []byte("v2"))
	if c.Collisions() != 1 {
		t.Fatalf("expected 1 collision, got %d", c.Collisions())
	}
	if c.Len() != 1 {
		t.Fatalf("collision should replace, not append: len=%d", c.Len())
	}
}
