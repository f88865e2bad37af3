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

// Package dfs defines the distributed-filesystem client contract that the
// storage engine depends on (spec §1: "the distributed filesystem client ...
// only their contracts appear in §6"). It is explicitly out of scope for
// implementation; this package exists only so storage-layer packages have a
// concrete Go interface to program against, plus a local-disk implementation
// usable in tests and single-node deployments.
package dfs

import (
	"context"
	"io"
	"io/fs"
)

// File is a byte-addressable, append-only handle, matching the operations
// spec §1 enumerates: create/append/read/pread/close/readdir/length/
// mkdirs/remove.
type File interface {
	io.Closer
	Append(ctx context.Context, p []byte) (n int, err error)
	Read(ctx context.Context, p []byte) (n int, err error)
	PRead(ctx context.Context, off int64, p []byte) (n int, err error)
	Length(ctx context.Context) (int64, error)
}

// Client is the minimal distributed-filesystem surface the range server
// depends on.
type Client interface {
	Create(ctx context.Context, path string, replication int) (File, error)
	Append(ctx context.Context, path string) (File, error)
	Open(ctx context.Context, path string) (File, error)
	Readdir(ctx context.Context, path string) ([]fs.DirEntry, error)
	Mkdirs(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Length(ctx context.Context, path string) (int64, error)
}
