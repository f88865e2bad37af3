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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/cellstore"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CellStore.DefaultCompressor != "snappy" {
		t.Fatalf("expected default compressor snappy, got %s", cfg.CellStore.DefaultCompressor)
	}
	if cfg.Workers <= 0 {
		t.Fatalf("expected a positive default worker count, got %d", cfg.Workers)
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rangeserver.yaml")
	yamlDoc := []byte("toplevelDir: /custom\ncellStore:\n  defaultCompressor: zlib\n  defaultBlockSize: 131072\n")
	if err := os.WriteFile(path, yamlDoc, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ToplevelDir != "/custom" {
		t.Fatalf("expected overridden toplevel dir, got %s", cfg.ToplevelDir)
	}
	if cfg.CellStore.DefaultCompressor != "zlib" {
		t.Fatalf("expected overridden compressor, got %s", cfg.CellStore.DefaultCompressor)
	}
	if cfg.CellStore.DefaultBlockSize != 131072 {
		t.Fatalf("expected overridden block size, got %d", cfg.CellStore.DefaultBlockSize)
	}
	// Fields the file didn't mention keep their defaults.
	if cfg.Data.DefaultReplication != 3 {
		t.Fatalf("expected default replication preserved, got %d", cfg.Data.DefaultReplication)
	}
}

func TestToWriterPropertiesMapsCompressorAndBloomMode(t *testing.T) {
	cfg := Default()
	cfg.CellStore.DefaultCompressor = "zlib"
	cfg.CellStore.BloomFilter = "rows+cols"

	props, err := cfg.ToWriterProperties(7, 1)
	if err != nil {
		t.Fatalf("ToWriterProperties: %v", err)
	}
	if props.Compression != blockcodec.Zlib {
		t.Fatalf("expected zlib compression, got %v", props.Compression)
	}
	if props.BloomMode != cellstore.BloomRowsCols {
		t.Fatalf("expected rows+cols bloom mode, got %v", props.BloomMode)
	}
	if props.TableID != 7 || props.Generation != 1 {
		t.Fatalf("expected table/generation threaded through, got %+v", props)
	}
}

func TestToWriterPropertiesRejectsUnknownCompressor(t *testing.T) {
	cfg := Default()
	cfg.CellStore.DefaultCompressor = "lz4"
	if _, err := cfg.ToWriterProperties(1, 1); err == nil {
		t.Fatalf("expected an error for an unknown compressor")
	}
}

func TestQuorumPercentageDefaultsTo50(t *testing.T) {
	cfg := Config{}
	if got := cfg.QuorumPercentage(); got != 50 {
		t.Fatalf("expected default quorum percentage 50, got %d", got)
	}
}
