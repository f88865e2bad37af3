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

// Package config decodes a range server's YAML configuration file into the
// option bags its subsystems (internal/cellstore, internal/maintenance,
// internal/recoveryop) expect, covering spec §6's "Configuration surface
// (enumerated)".
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/cellstore"
	"github.com/hypertable/rangeserver/internal/maintenance"
)

// CellStoreConfig covers `Hypertable.RangeServer.CellStore.*`.
type CellStoreConfig struct {
	DefaultBlockSize  int     `json:"defaultBlockSize,omitempty"`
	DefaultCompressor string  `json:"defaultCompressor,omitempty"`
	BloomFilter       string  `json:"bloomFilter,omitempty"` // disabled|rows|rows+cols
	BloomNumHashes    int     `json:"bloomNumHashes,omitempty"`
	BloomBitsPerItem  float64 `json:"bloomBitsPerItem,omitempty"`
	BloomFalsePositive float64 `json:"bloomFalsePositive,omitempty"`
	BloomMaxApproxItems int   `json:"bloomMaxApproxItems,omitempty"`
}

// RangeConfig covers `Hypertable.RangeServer.Range.*`.
type RangeConfig struct {
	SplitSize         int64 `json:"splitSize,omitempty"`
	MetadataSplitSize int64 `json:"metadataSplitSize,omitempty"`
}

// AccessGroupConfig covers `Hypertable.RangeServer.AccessGroup.*`.
type AccessGroupConfig struct {
	CellCachePageSize int `json:"cellCachePageSize,omitempty"`
}

// DataConfig covers `Hypertable.RangeServer.Data.*` and
// `Hypertable.Metadata.Replication`.
type DataConfig struct {
	DefaultReplication int `json:"defaultReplication,omitempty"`
}

// MetadataConfig covers `Hypertable.Metadata.*`.
type MetadataConfig struct {
	Replication int `json:"replication,omitempty"`
}

// CommitLogConfig covers `Hypertable.CommitLog.*`.
type CommitLogConfig struct {
	SkipErrors bool `json:"skipErrors,omitempty"`
}

// FailoverConfig covers `Hypertable.Failover.*`.
type FailoverConfig struct {
	TimeoutMillis    int64 `json:"timeoutMillis,omitempty"`
	QuorumPercentage int   `json:"quorumPercentage,omitempty"`
}

// MasterConfig covers `Hypertable.Master.*`.
type MasterConfig struct {
	SplitSoftLimitEnabled bool `json:"splitSoftLimitEnabled,omitempty"`
}

// Config is the decoded form of a range server's YAML config file, plus
// the process-level knobs (toplevel dir, listen endpoints, worker count)
// `cmd/rangeserverd` needs to start one up.
type Config struct {
	ToplevelDir     string `json:"toplevelDir,omitempty"`
	ListenEndpoint  string `json:"listenEndpoint,omitempty"`
	MasterEndpoint  string `json:"masterEndpoint,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty"`

	CellStore   CellStoreConfig   `json:"cellStore,omitempty"`
	Range       RangeConfig       `json:"range,omitempty"`
	AccessGroup AccessGroupConfig `json:"accessGroup,omitempty"`
	Data        DataConfig        `json:"data,omitempty"`
	Metadata    MetadataConfig    `json:"metadata,omitempty"`
	CommitLog   CommitLogConfig   `json:"commitLog,omitempty"`
	Failover    FailoverConfig    `json:"failover,omitempty"`
	Master      MasterConfig      `json:"master,omitempty"`

	// IgnoreClockSkewErrors disables the "incoming revision older than
	// latest stored revision" guard (spec § REDESIGN FLAGS "Clock skew":
	// "keep the configuration switch ignore_clock_skew_errors").
	IgnoreClockSkewErrors bool `json:"ignoreClockSkewErrors,omitempty"`
}

// Default returns a Config populated with defaults, so a caller that skips
// config decoding entirely still gets sane behavior. The block size, bloom
// false-positive rate and approximate item count match internal/cellstore's
// own defaults; the snappy compressor, "rows" bloom mode and
// runtime.NumCPU() workers differ from the defaults of internal/cellstore
// (no compression, bloom disabled) and internal/maintenance (2 workers).
func Default() Config {
	return Config{
		ToplevelDir:    "/hypertable",
		ListenEndpoint: "127.0.0.1:38060",
		Workers:        runtime.NumCPU(),
		CellStore: CellStoreConfig{
			DefaultBlockSize:    64 << 10,
			DefaultCompressor:   "snappy",
			BloomFilter:         "rows",
			BloomFalsePositive:  0.01,
			BloomMaxApproxItems: 1 << 20,
		},
		Range: RangeConfig{
			SplitSize:         256 << 20,
			MetadataSplitSize: 64 << 20,
		},
		AccessGroup: AccessGroupConfig{CellCachePageSize: 1 << 20},
		Data:        DataConfig{DefaultReplication: 3},
		Metadata:    MetadataConfig{Replication: 3},
		Failover:    FailoverConfig{TimeoutMillis: 30_000, QuorumPercentage: 50},
	}
}

func overlay(dst, src Config) Config {
	if src.ToplevelDir != "" {
		dst.ToplevelDir = src.ToplevelDir
	}
	if src.ListenEndpoint != "" {
		dst.ListenEndpoint = src.ListenEndpoint
	}
	if src.MasterEndpoint != "" {
		dst.MasterEndpoint = src.MasterEndpoint
	}
	if src.Workers > 0 {
		dst.Workers = src.Workers
	}
	if src.MemoryLimitBytes > 0 {
		dst.MemoryLimitBytes = src.MemoryLimitBytes
	}
	if src.CellStore.DefaultBlockSize > 0 {
		dst.CellStore.DefaultBlockSize = src.CellStore.DefaultBlockSize
	}
	if src.CellStore.DefaultCompressor != "" {
		dst.CellStore.DefaultCompressor = src.CellStore.DefaultCompressor
	}
	if src.CellStore.BloomFilter != "" {
		dst.CellStore.BloomFilter = src.CellStore.BloomFilter
	}
	if src.CellStore.BloomNumHashes > 0 {
		dst.CellStore.BloomNumHashes = src.CellStore.BloomNumHashes
	}
	if src.CellStore.BloomBitsPerItem > 0 {
		dst.CellStore.BloomBitsPerItem = src.CellStore.BloomBitsPerItem
	}
	if src.CellStore.BloomFalsePositive > 0 {
		dst.CellStore.BloomFalsePositive = src.CellStore.BloomFalsePositive
	}
	if src.CellStore.BloomMaxApproxItems > 0 {
		dst.CellStore.BloomMaxApproxItems = src.CellStore.BloomMaxApproxItems
	}
	if src.Range.SplitSize > 0 {
		dst.Range.SplitSize = src.Range.SplitSize
	}
	if src.Range.MetadataSplitSize > 0 {
		dst.Range.MetadataSplitSize = src.Range.MetadataSplitSize
	}
	if src.AccessGroup.CellCachePageSize > 0 {
		dst.AccessGroup.CellCachePageSize = src.AccessGroup.CellCachePageSize
	}
	if src.Data.DefaultReplication > 0 {
		dst.Data.DefaultReplication = src.Data.DefaultReplication
	}
	if src.Metadata.Replication > 0 {
		dst.Metadata.Replication = src.Metadata.Replication
	}
	if src.Failover.TimeoutMillis > 0 {
		dst.Failover.TimeoutMillis = src.Failover.TimeoutMillis
	}
	if src.Failover.QuorumPercentage > 0 {
		dst.Failover.QuorumPercentage = src.Failover.QuorumPercentage
	}
	dst.CommitLog.SkipErrors = dst.CommitLog.SkipErrors || src.CommitLog.SkipErrors
	dst.Master.SplitSoftLimitEnabled = dst.Master.SplitSoftLimitEnabled || src.Master.SplitSoftLimitEnabled
	dst.IgnoreClockSkewErrors = dst.IgnoreClockSkewErrors || src.IgnoreClockSkewErrors
	return dst
}

// Load decodes path (YAML) over Default(), so an omitted field keeps its
// default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return overlay(cfg, parsed), nil
}

// ToWriterProperties builds the cellstore.WriterProperties a new cell
// store writer should use, for a given table/generation pair.
func (c Config) ToWriterProperties(tableID uint64, generation uint32) (cellstore.WriterProperties, error) {
	compression, err := parseCompressor(c.CellStore.DefaultCompressor)
	if err != nil {
		return cellstore.WriterProperties{}, err
	}
	bloom, err := parseBloomMode(c.CellStore.BloomFilter)
	if err != nil {
		return cellstore.WriterProperties{}, err
	}
	return cellstore.WriterProperties{
		Compression:            compression,
		TargetBlockSize:         c.CellStore.DefaultBlockSize,
		BloomMode:               bloom,
		BloomFalsePositiveRate:  c.CellStore.BloomFalsePositive,
		MaxApproxItems:          c.CellStore.BloomMaxApproxItems,
		TableID:                 tableID,
		Generation:              generation,
	}, nil
}

// ToServerContext builds the maintenance.ServerContext a scheduler should
// run with.
func (c Config) ToServerContext() maintenance.ServerContext {
	return maintenance.ServerContext{
		MemoryLimit: c.MemoryLimitBytes,
		Workers:     c.Workers,
	}
}

// QuorumPercentage returns the percentage internal/recoveryop's
// wait_for_quorum check should require.
func (c Config) QuorumPercentage() int {
	if c.Failover.QuorumPercentage <= 0 {
		return 50
	}
	return c.Failover.QuorumPercentage
}

func parseCompressor(name string) (blockcodec.Type, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return blockcodec.Snappy, nil
	case "zlib":
		return blockcodec.Zlib, nil
	case "none":
		return blockcodec.None, nil
	default:
		return 0, fmt.Errorf("config: unknown DefaultCompressor %q", name)
	}
}

func parseBloomMode(name string) (cellstore.BloomMode, error) {
	switch strings.ToLower(name) {
	case "", "disabled":
		return cellstore.BloomDisabled, nil
	case "rows":
		return cellstore.BloomRows, nil
	case "rows+cols":
		return cellstore.BloomRowsCols, nil
	default:
		return 0, fmt.Errorf("config: unknown BloomFilter %q", name)
	}
}
