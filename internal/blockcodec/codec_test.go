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

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hypertable/rangeserver/internal/rserr"
)

var dataMagic = Magic("Data")

func TestDeflateInflateRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
	}{
		{"none", None},
		{"zlib", Zlib},
		{"snappy", Snappy},
	}
	payload := bytes.Repeat([]byte("hypertable-range-server-cellstore-payload"), 64)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			block, err := Deflate(dataMagic, c.typ, payload)
			if err != nil {
				t.Fatalf("Deflate: %v", err)
			}
			got, err := Inflate(block, dataMagic)
			if err != nil {
				t.Fatalf("Inflate: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestDeflateFallsBackToNoneWhenIncompressible(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i * 97)
	}
	block, err := Deflate(dataMagic, Zlib, payload)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	h, err := PeekHeader(block)
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	if h.Compression != None {
		t.Fatalf("expected fallback to None, got %v", h.Compression)
	}
}

func TestInflateDetectsChecksumMismatch(t *testing.T) {
	block, err := Deflate(dataMagic, None, []byte("abc"))
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	block[len(block)-1] ^= 0xff
	_, err = Inflate(block, dataMagic)
	if !errors.Is(err, rserr.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestInflateDetectsBadMagic(t *testing.T) {
	block, err := Deflate(dataMagic, None, []byte("abc"))
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	_, err = Inflate(block, Magic("IdxFix"))
	if !errors.Is(err, rserr.ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
}

func TestFletcher32Deterministic(t *testing.T) {
	a := Fletcher32([]byte("hello world"))
	b := Fletcher32([]byte("hello world"))
	if a != b {
		t.Fatalf("fletcher32 not deterministic")
	}
	c := Fletcher32([]byte("hello worlD"))
	if a == c {
		t.Fatalf("fletcher32 did not change with input")
	}
}
