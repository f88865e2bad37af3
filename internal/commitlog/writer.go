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

package commitlog

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hypertable/rangeserver/internal/blockcodec"
	"github.com/hypertable/rangeserver/internal/dfs"
)

// Entry is one (table_identifier, mutations) section a caller appends to
// the log (spec §4.4: "a packed series of (table_identifier, mutations)
// sections").
type Entry struct {
	TableID   uint64
	Mutations []byte
	Revision  int64
}

// WriterOptions configures the writer's group-commit and rotation behavior.
type WriterOptions struct {
	// CommitInterval bounds how long a queued entry waits before its batch
	// is flushed, even if RollSize hasn't been reached.
	CommitInterval time.Duration
	// RollSize is the size, in framed on-disk block bytes, at or past which
	// the current fragment is closed and the next batch goes to a new
	// fragment file (spec §4.4: "after a size threshold, roll to a new
	// fragment"). A queued batch whose uncompressed size estimate reaches it
	// is also flushed without waiting for CommitInterval.
	RollSize    int64
	Compression blockcodec.Type
	Logf        func(string, ...interface{})
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.CommitInterval <= 0 {
		o.CommitInterval = 5 * time.Millisecond
	}
	if o.RollSize <= 0 {
		o.RollSize = 64 * 1024 * 1024
	}
	if o.Logf == nil {
		o.Logf = func(string, ...interface{}) {}
	}
	return o
}

type pendingEntry struct {
	entry Entry
	done  chan error
}

// Writer is a group-commit writer over a single log-class directory
// (spec §4.4 "Writer"). One Writer owns the directory's current fragment;
// Fragment is grounded on db/queue.go's Queue/QueueItem abstraction
// (path, size, sequencing) generalized from an object-storage notification
// queue to a commit-log fragment sequence.
type Writer struct {
	client dfs.Client
	dir    string
	opts   WriterOptions

	mu          sync.Mutex
	cur         dfs.File
	curFragment uint32
	curSize     int64

	queue   chan pendingEntry
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWriter opens (creating if necessary) the log directory dir and starts
// its group-commit loop. startFragment is the fragment number to begin
// writing at (callers resuming an existing log pass the next free number).
func NewWriter(ctx context.Context, client dfs.Client, dir string, startFragment uint32, opts WriterOptions) (*Writer, error) {
	if err := client.Mkdirs(ctx, dir); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	w := &Writer{
		client:      client,
		dir:         dir,
		opts:        o,
		curFragment: startFragment,
		queue:       make(chan pendingEntry, 256),
		closeCh:     make(chan struct{}),
	}
	f, err := client.Create(ctx, fragmentPath(dir, startFragment), 3)
	if err != nil {
		return nil, err
	}
	w.cur = f
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Add enqueues entry for the next group commit and blocks until its batch
// has been durably appended (or the writer reports an error).
func (w *Writer) Add(ctx context.Context, entry Entry) error {
	done := make(chan error, 1)
	select {
	case w.queue <- pendingEntry{entry: entry, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync flushes any queued entries and waits for the resulting batch (if
// any) to complete, per spec §4.4's "sync() flushes and waits for the
// underlying filesystem's durability ack." The DFS append contract (spec
// §1) is itself the durability boundary this method waits on.
func (w *Writer) Sync(ctx context.Context) error {
	return w.Add(ctx, Entry{})
}

// Close stops the group-commit loop and closes the current fragment.
func (w *Writer) Close() error {
	close(w.closeCh)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur != nil {
		return w.cur.Close()
	}
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.CommitInterval)
	defer ticker.Stop()
	var batch []pendingEntry

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := w.writeBatch(batch)
		if err != nil {
			w.opts.Logf("commitlog: batch of %d entries failed: %v", len(batch), err)
		}
		for _, p := range batch {
			p.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-w.queue:
			batch = append(batch, p)
			if w.estimateBatchSize(batch) >= w.opts.RollSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.closeCh:
			flush()
			// drain anything queued between the close signal and now
			for {
				select {
				case p := <-w.queue:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) estimateBatchSize(batch []pendingEntry) int64 {
	var n int64
	for _, p := range batch {
		n += int64(len(p.entry.Mutations)) + 16
	}
	return n
}

// writeBatch packs every non-empty entry in batch into one framed block and
// appends it to the current fragment, rolling to a new fragment first if
// the roll-size threshold has been crossed.
func (w *Writer) writeBatch(batch []pendingEntry) error {
	var payload []byte
	var maxRevision int64
	haveAny := false
	for _, p := range batch {
		if p.entry.Mutations == nil && p.entry.TableID == 0 && p.entry.Revision == 0 {
			continue // Sync() marker entry
		}
		haveAny = true
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], p.entry.TableID)
		payload = append(payload, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(len(p.entry.Mutations)))
		payload = append(payload, tmp[:n]...)
		payload = append(payload, p.entry.Mutations...)
		if p.entry.Revision > maxRevision {
			maxRevision = p.entry.Revision
		}
	}
	if !haveAny {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.curSize >= w.opts.RollSize {
		if err := w.rollLocked(); err != nil {
			return err
		}
	}

	block, err := deflateBlock(magicData, maxRevision, w.opts.Compression, payload)
	if err != nil {
		return err
	}
	if _, err := w.cur.Append(context.Background(), block); err != nil {
		return err
	}
	w.curSize += int64(len(block))
	return nil
}

// rollLocked closes the current fragment and opens fragment number
// curFragment+1. Callers must hold w.mu.
func (w *Writer) rollLocked() error {
	if err := w.cur.Close(); err != nil {
		return err
	}
	w.curFragment++
	w.curSize = 0
	f, err := w.client.Create(context.Background(), fragmentPath(w.dir, w.curFragment), 3)
	if err != nil {
		return err
	}
	w.cur = f
	return nil
}

// WriteLink appends a link-record block pointing at targetDir, used when a
// range is moved or a log is inherited during split (spec §4.4).
func (w *Writer) WriteLink(ctx context.Context, targetDir string, revision int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	block, err := deflateBlock(magicLink, revision, blockcodec.None, []byte(targetDir))
	if err != nil {
		return err
	}
	if _, err := w.cur.Append(ctx, block); err != nil {
		return err
	}
	w.curSize += int64(len(block))
	return nil
}

// CurrentFragment reports the fragment number currently being written.
func (w *Writer) CurrentFragment() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curFragment
}
