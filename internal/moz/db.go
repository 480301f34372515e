// Package moz is the public façade over the engine: a fixed-width
// 64-bit-key, 64-bit-value embedded store combining a memtable, a
// write-ahead log, and a Dostoevsky-compacted LSM tree behind a single
// single-writer/many-reader lock.
package moz

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nyasuto/moz/internal/iterator"
	"github.com/nyasuto/moz/internal/lsm"
	"github.com/nyasuto/moz/internal/memtable"
	"github.com/nyasuto/moz/internal/storage"
	"github.com/nyasuto/moz/internal/wal"
	"github.com/rs/zerolog"
)

const walFileName = "wal.log"

// DB is one open database at a directory. Safe for concurrent use by
// many readers and one writer (Put/Delete/Flush serialize against each
// other and against Close; Get/Scan may run concurrently with each
// other and with a reader that's mid-Scan, but not with a writer).
type DB struct {
	mu sync.RWMutex

	dir    string
	cfg    Config
	log    zerolog.Logger
	fs     *storage.FileSystem
	tree   *lsm.Tree
	wal    *wal.WAL
	mem    *memtable.MemTable
	closed bool
}

// Create initializes a new database at path, which must not already
// contain one, and opens it.
func Create(path string, cfg Config, log zerolog.Logger) (*DB, error) {
	if path == "" {
		return nil, wrapErr("create", KindInvalidValue, errors.New("empty path"))
	}
	if manifestExists(path) {
		return nil, ErrAlreadyExists
	}
	return openOrCreate(path, cfg, log)
}

// Open opens an existing database at path with default tunables. The
// directory must already hold a database created by Create.
func Open(path string, log zerolog.Logger) (*DB, error) {
	if path == "" {
		return nil, wrapErr("open", KindInvalidValue, errors.New("empty path"))
	}
	if !manifestExists(path) {
		return nil, ErrNotFound
	}
	return openOrCreate(path, DefaultConfig(), log)
}

func manifestExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "MANIFEST"))
	return err == nil
}

// openOrCreate does the actual work for both Create and Open: it opens
// the file system and LSM tree, opens (or creates) the WAL, and replays
// any records the WAL holds that the tree hasn't yet absorbed into an
// SST — the durability gap between the last fsync'd write and the last
// completed flush.
func openOrCreate(path string, cfg Config, log zerolog.Logger) (*DB, error) {
	fs, err := storage.Open(path, cfg.Storage, log)
	if err != nil {
		return nil, wrapErr("open", KindIO, err)
	}

	tree, err := lsm.Open(fs, cfg.LSM, log)
	if err != nil {
		_ = fs.Close()
		return nil, wrapErr("open", KindIO, err)
	}

	walCfg := wal.DefaultConfig(filepath.Join(path, walFileName))
	walCfg.GroupCommitInterval = cfg.WALGroupCommitInterval
	walCfg.BufferOps = cfg.WALBufferOps
	w, err := wal.Open(walCfg, log)
	if err != nil {
		_ = tree.Close()
		_ = fs.Close()
		return nil, wrapErr("open", KindIO, err)
	}

	mem := memtable.New(cfg.MemTableCapacityBytes)
	db := &DB{dir: path, cfg: cfg, log: log, fs: fs, tree: tree, wal: w, mem: mem}

	// Replay reads walCfg.Path through its own file handle, independent
	// of w's. A replayed record that overflows the memtable is flushed
	// straight to an SST (flushMemtableLocked), but the WAL itself must
	// not be checkpointed until Replay returns — truncating the file
	// out from under Replay's still-in-progress read would discard
	// whatever trailing records it hasn't reached yet.
	var replayErr error
	if err := wal.Replay(walCfg.Path, func(r wal.Record) {
		if replayErr != nil {
			return
		}
		replayErr = db.applyReplayedLocked(r)
	}); err != nil {
		_ = w.Close()
		_ = tree.Close()
		_ = fs.Close()
		return nil, wrapErr("open", KindCorruption, err)
	}
	if replayErr != nil {
		_ = w.Close()
		_ = tree.Close()
		_ = fs.Close()
		return nil, wrapErr("open", KindIO, replayErr)
	}

	// Flush whatever replay left in the memtable, so every record replay
	// saw is durable in an SST; the log describing them is then redundant
	// and safe to checkpoint now that Replay has finished reading it.
	if err := db.flushMemtableLocked(); err != nil {
		_ = w.Close()
		_ = tree.Close()
		_ = fs.Close()
		return nil, err
	}
	if err := db.wal.Checkpoint(); err != nil {
		_ = w.Close()
		_ = tree.Close()
		_ = fs.Close()
		return nil, wrapErr("open", KindIO, err)
	}

	return db, nil
}

func (db *DB) applyReplayedLocked(r wal.Record) error {
	value := r.Value
	if r.Tag == wal.TagDelete {
		value = memtable.TombstoneValue
	}
	if err := db.mem.Put(r.Key, value); err != nil {
		if !errors.Is(err, memtable.ErrCapacityExceeded) {
			return err
		}
		if err := db.flushMemtableLocked(); err != nil {
			return err
		}
		if err := db.mem.Put(r.Key, value); err != nil { // a fresh memtable always has room for one entry
			return err
		}
	}
	return nil
}

// Get returns the current value of key, and whether it is present.
func (db *DB) Get(key uint64) (uint64, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, false, ErrClosed
	}

	if v, ok := db.mem.Get(key); ok {
		return translateTombstone(v)
	}

	v, found, err := db.tree.Get(key)
	if err != nil {
		return 0, false, wrapErr("get", KindIO, err)
	}
	if !found {
		return 0, false, nil
	}
	return translateTombstone(v)
}

func translateTombstone(v uint64) (uint64, bool, error) {
	if v == memtable.TombstoneValue {
		return 0, false, nil
	}
	return v, true, nil
}

// Put durably writes key=value: appended to the WAL (and, unless
// SyncEveryWrite is false, fsync'd) before it lands in the memtable.
// value must not equal the reserved tombstone sentinel; such a Put
// fails with KindInvalidValue rather than silently acting as a Delete.
func (db *DB) Put(key, value uint64) error {
	if value == memtable.TombstoneValue {
		return wrapErr("put", KindInvalidValue, errors.New("value equals the reserved tombstone sentinel"))
	}
	return db.writeLocked(wal.TagPut, key, value)
}

// Delete marks key as deleted. A subsequent Get reports it absent even
// though the tombstone itself may still occupy space until a deeper
// compaction drops it.
func (db *DB) Delete(key uint64) error {
	return db.writeLocked(wal.TagDelete, key, 0)
}

func (db *DB) writeLocked(tag wal.Tag, key, value uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if err := db.wal.Append(tag, key, value); err != nil {
		return wrapErr("write", KindIO, err)
	}
	if db.cfg.SyncEveryWrite {
		if err := db.wal.Flush(); err != nil {
			return wrapErr("write", KindIO, err)
		}
	}

	memValue := value
	if tag == wal.TagDelete {
		memValue = memtable.TombstoneValue
	}
	if err := db.mem.Put(key, memValue); err != nil {
		if !errors.Is(err, memtable.ErrCapacityExceeded) {
			return wrapErr("write", KindIO, err)
		}
		if err := db.flushMemtableLocked(); err != nil {
			return err
		}
		if err := db.checkpointWALLocked(); err != nil {
			return err
		}
		// The checkpoint truncated this record together with the flushed
		// generation's; log it again before it enters the fresh memtable.
		if err := db.wal.Append(tag, key, value); err != nil {
			return wrapErr("write", KindIO, err)
		}
		if db.cfg.SyncEveryWrite {
			if err := db.wal.Flush(); err != nil {
				return wrapErr("write", KindIO, err)
			}
		}
		if err := db.mem.Put(key, memValue); err != nil {
			return wrapErr("write", KindCapacityExceeded, err)
		}
	}
	return nil
}

// Flush freezes the current memtable generation and builds a new
// level-0 SST from it, even if it isn't yet full. A no-op on an empty
// memtable.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.mem.Len() == 0 {
		return nil
	}
	if err := db.flushMemtableLocked(); err != nil {
		return err
	}
	return db.checkpointWALLocked()
}

// flushMemtableLocked must be called with db.mu held. It swaps in a
// fresh memtable and builds a new level-0 SST from the frozen one. It
// does not touch the WAL — callers outside of replay should follow it
// with checkpointWALLocked once they've finished whatever batch of work
// the flush was part of.
func (db *DB) flushMemtableLocked() error {
	frozen := db.mem
	db.mem = memtable.New(db.cfg.MemTableCapacityBytes)

	n := frozen.Len()
	if n == 0 {
		return nil
	}
	src := &memtableSource{it: frozen.NewIter(0, ^uint64(0))}
	if err := db.tree.FlushSource(src, uint64(n)); err != nil {
		return wrapErr("flush", KindIO, err)
	}
	db.log.Info().Int("entries", n).Msg("flushed memtable to level-0 sst")
	return nil
}

func (db *DB) checkpointWALLocked() error {
	if err := db.wal.Checkpoint(); err != nil {
		return wrapErr("flush", KindIO, err)
	}
	return nil
}

// Scan returns an Iterator over every live key in [start, end], merging
// the current memtable snapshot (newest) with every SST across every
// level; tombstones are suppressed, never surfaced to the caller.
func (db *DB) Scan(start, end uint64) (*Iterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	memSrc := &memtableSource{it: db.mem.NewIter(start, end)}
	sstSrc, err := db.tree.NewScanIterator(start, end)
	if err != nil {
		return nil, wrapErr("scan", KindIO, err)
	}

	merged := iterator.New([]iterator.Source{memSrc, sstSrc}, true)
	return &Iterator{m: merged}, nil
}

// Stats summarizes the current shape of the database.
type Stats struct {
	MemTableEntries int
	MemTableBytes   int64
	LSM             lsm.Stats
	WAL             wal.Stats
}

// Stats returns a point-in-time snapshot of engine activity.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{
		MemTableEntries: db.mem.Len(),
		MemTableBytes:   db.mem.SizeBytes(),
		LSM:             db.tree.Stats(),
		WAL:             db.wal.Stats(),
	}
}

// Close releases every open file handle. It does not flush the current
// memtable generation to an SST; any writes still only in the memtable
// stay durable in the WAL and are replayed on the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if err := db.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}
	if err := db.tree.Close(); err != nil {
		errs = append(errs, fmt.Errorf("lsm: %w", err))
	}
	if err := db.fs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if len(errs) > 0 {
		return wrapErr("close", KindIO, errors.Join(errs...))
	}
	return nil
}

// memtableSource adapts a memtable.Iter (memtable.Entry-returning) to
// iterator.Source (iterator.Entry-returning).
type memtableSource struct {
	it *memtable.Iter
}

func (s *memtableSource) Valid() bool { return s.it.Valid() }
func (s *memtableSource) Next() iterator.Entry {
	e := s.it.Next()
	return iterator.Entry{Key: e.Key, Value: e.Value}
}
func (s *memtableSource) Close() {}

// Iterator streams the result of a Scan in ascending key order.
type Iterator struct {
	m *iterator.Merger
}

// Valid reports whether Next would return an entry.
func (it *Iterator) Valid() bool { return it.m.Valid() }

// Next returns the current (key, value) pair and advances.
func (it *Iterator) Next() (key, value uint64) {
	e := it.m.Next()
	return e.Key, e.Value
}

// Close releases every SST reference pinned by this scan.
func (it *Iterator) Close() { it.m.Close() }
