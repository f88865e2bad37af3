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

package hints

import (
	"bytes"
	"testing"
)

func TestParseSerializeRoundTrip(t *testing.T) {
	f := &File{
		Version:  CurrentVersion,
		StartRow: []byte("row\x00with\nnewline\\and backslash"),
		EndRow:   []byte("zzz"),
		Location: "rs1",
		AccessGroups: map[string]AccessGroup{
			"default": {LatestStoredRevision: 42, DiskUsage: 1024, Files: []string{"cs1", "cs2"}},
			"meta":    {LatestStoredRevision: 0, DiskUsage: 0, Files: nil},
		},
	}

	out := Serialize(f)
	got, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(Serialize(f)): %v", err)
	}

	if got.Version != f.Version {
		t.Errorf("Version = %d, want %d", got.Version, f.Version)
	}
	if !bytes.Equal(got.StartRow, f.StartRow) {
		t.Errorf("StartRow = %q, want %q", got.StartRow, f.StartRow)
	}
	if !bytes.Equal(got.EndRow, f.EndRow) {
		t.Errorf("EndRow = %q, want %q", got.EndRow, f.EndRow)
	}
	if got.Location != f.Location {
		t.Errorf("Location = %q, want %q", got.Location, f.Location)
	}
	if len(got.AccessGroups) != len(f.AccessGroups) {
		t.Fatalf("AccessGroups len = %d, want %d", len(got.AccessGroups), len(f.AccessGroups))
	}
	for name, want := range f.AccessGroups {
		g, ok := got.AccessGroups[name]
		if !ok {
			t.Fatalf("missing access group %q", name)
		}
		if g.LatestStoredRevision != want.LatestStoredRevision || g.DiskUsage != want.DiskUsage {
			t.Errorf("access group %q = %+v, want %+v", name, g, want)
		}
		if len(g.Files) != len(want.Files) {
			t.Fatalf("access group %q files = %v, want %v", name, g.Files, want.Files)
		}
		for i := range want.Files {
			if g.Files[i] != want.Files[i] {
				t.Errorf("access group %q files[%d] = %q, want %q", name, i, g.Files[i], want.Files[i])
			}
		}
	}
}

func TestParseRejectsFutureVersion(t *testing.T) {
	data := []byte("Version: 4\nStart Row: a\nEnd Row: z\nLocation: rs1\nAccess Groups: {\n}\n")
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for version > 3")
	}
}

func TestParseEmptyFilesField(t *testing.T) {
	data := []byte("Version: 3\nStart Row: a\nEnd Row: z\nLocation: rs1\nAccess Groups: {\n  default: {\n    LatestStoredRevision: 0\n    DiskUsage: 0\n    Files: \n  }\n}\n")
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.AccessGroups["default"].Files) != 0 {
		t.Fatalf("Files = %v, want empty", f.AccessGroups["default"].Files)
	}
}
