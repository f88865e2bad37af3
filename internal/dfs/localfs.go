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

package dfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFS is a dfs.Client backed by the local disk, grounded on the
// teacher's db.DirFS (db/dirfs.go) which serves the same role of a
// locally-testable stand-in for the production object-storage client.
type LocalFS struct {
	Root string
}

// NewLocalFS returns a LocalFS rooted at dir.
func NewLocalFS(dir string) *LocalFS { return &LocalFS{Root: dir} }

func (l *LocalFS) full(p string) string { return filepath.Join(l.Root, filepath.FromSlash(p)) }

func (l *LocalFS) Create(_ context.Context, path string, _ int) (File, error) {
	if err := os.MkdirAll(filepath.Dir(l.full(path)), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.full(path), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (l *LocalFS) Append(_ context.Context, path string) (File, error) {
	f, err := os.OpenFile(l.full(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (l *LocalFS) Open(_ context.Context, path string) (File, error) {
	f, err := os.Open(l.full(path))
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (l *LocalFS) Readdir(_ context.Context, path string) ([]fs.DirEntry, error) {
	return os.ReadDir(l.full(path))
}

func (l *LocalFS) Mkdirs(_ context.Context, path string) error {
	return os.MkdirAll(l.full(path), 0o755)
}

func (l *LocalFS) Remove(_ context.Context, path string) error {
	err := os.Remove(l.full(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalFS) Length(_ context.Context, path string) (int64, error) {
	fi, err := os.Stat(l.full(path))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

type localFile struct {
	f *os.File
}

func (l *localFile) Close() error { return l.f.Close() }

func (l *localFile) Append(_ context.Context, p []byte) (int, error) {
	return l.f.Write(p)
}

func (l *localFile) Read(_ context.Context, p []byte) (int, error) {
	return l.f.Read(p)
}

func (l *localFile) PRead(_ context.Context, off int64, p []byte) (int, error) {
	return l.f.ReadAt(p, off)
}

func (l *localFile) Length(_ context.Context) (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
