// Package wal implements the write-ahead log: every put/delete is
// appended here before it reaches the memtable, so a crash can replay
// everything durable but not yet captured by an SST.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tag distinguishes a put from a delete record.
type Tag uint8

const (
	TagPut Tag = iota
	TagDelete
)

// TombstoneValue mirrors internal/memtable's deletion sentinel.
const TombstoneValue = ^uint64(0)

// recordLen is tag(1) + key(8) + value(8) + crc32(4).
const recordLen = 1 + 8 + 8 + 4

// Record is one durable WAL entry.
type Record struct {
	Tag   Tag
	Key   uint64
	Value uint64
}

// Config configures buffering and fsync behavior.
type Config struct {
	Path string
	// GroupCommitInterval bounds how long a buffered batch may sit
	// before an automatic Flush; a value of zero disables the
	// background ticker and leaves flushing entirely to the caller.
	GroupCommitInterval time.Duration
	// BufferOps (B) bounds how many records may sit in the batch before
	// Append itself triggers a Flush, independent of the time-based
	// ticker: once the Bth record since the last flush is appended, the
	// batch is written and fsynced immediately. A value <= 0 disables
	// this trigger, leaving flushing to GroupCommitInterval and the
	// caller alone.
	BufferOps int
}

// DefaultConfig returns the library's default WAL tunables.
func DefaultConfig(path string) Config {
	return Config{Path: path, GroupCommitInterval: 5 * time.Millisecond, BufferOps: 1000}
}

// Stats is a point-in-time snapshot of WAL activity, exposed the way the
// rest of the engine exposes component statistics.
type Stats struct {
	RecordsAppended uint64
	BytesWritten    uint64
	FlushCount      uint64
	LastFlushTime   time.Time
}

// WAL is the append-only durability log. A single writer appends records
// into an in-memory batch buffer; Flush group-commits the batch with one
// fsync. Checkpoint truncates the file once its contents are captured by
// a durable SST.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
	log  zerolog.Logger

	pending   []byte // encoded, not-yet-flushed records
	offset    int64  // bytes already durable on disk
	bufferOps int    // Flush triggers once this many records are pending

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats Stats
}

// Open opens or creates the WAL file at cfg.Path, appending to any
// existing content (recovery reads it separately via Replay before Open
// is typically followed by a Checkpoint).
func Open(cfg Config, log zerolog.Logger) (*WAL, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644) // #nosec G304 - path is operator-configured, not user input
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &WAL{
		f:         f,
		path:      cfg.Path,
		log:       log,
		offset:    info.Size(),
		bufferOps: cfg.BufferOps,
		stopCh:    make(chan struct{}),
	}

	if cfg.GroupCommitInterval > 0 {
		w.wg.Add(1)
		go w.ticker(cfg.GroupCommitInterval)
	}
	return w, nil
}

func (w *WAL) ticker(interval time.Duration) {
	defer w.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			_ = w.Flush()
		}
	}
}

// Append buffers one record. It does not become durable until Flush
// succeeds — except that once the batch reaches the configured
// BufferOps record count, Append triggers that flush itself.
func (w *WAL) Append(tag Tag, key, value uint64) error {
	buf := make([]byte, recordLen)
	buf[0] = byte(tag)
	binary.LittleEndian.PutUint64(buf[1:], key)
	binary.LittleEndian.PutUint64(buf[9:], value)
	crc := crc32.ChecksumIEEE(buf[:17])
	binary.LittleEndian.PutUint32(buf[17:], crc)

	w.mu.Lock()
	w.pending = append(w.pending, buf...)
	full := w.bufferOps > 0 && len(w.pending)/recordLen >= w.bufferOps
	w.mu.Unlock()

	if full {
		return w.Flush()
	}
	return nil
}

// Flush writes every buffered record to disk and fsyncs once, so an
// arbitrary batch of Append calls costs a single fsync.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	n, err := w.f.WriteAt(w.pending, w.offset)
	if err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.offset += int64(n)
	w.stats.RecordsAppended += uint64(len(w.pending) / recordLen)
	w.stats.BytesWritten += uint64(n)
	w.stats.FlushCount++
	w.stats.LastFlushTime = time.Now()
	w.pending = w.pending[:0]
	return nil
}

// Checkpoint truncates the WAL to zero bytes and fsyncs, called once the
// memtable it covers has been durably captured in a flushed SST.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync after truncate: %w", err)
	}
	w.offset = 0
	w.pending = w.pending[:0]
	w.log.Debug().Str("path", w.path).Msg("wal checkpointed")
	return nil
}

// Stats returns a snapshot of WAL activity counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the background flush ticker and closes the file. Any
// unflushed buffered records are flushed first.
func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()
	if err := w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Replay reads every well-formed record from the WAL file at path, in
// order, calling apply for each. It tolerates a torn trailing write (a
// partial record left by a crash mid-append): the first incomplete or
// checksum-mismatched record ends replay without error.
func Replay(path string, apply func(Record)) error {
	f, err := os.Open(path) // #nosec G304 - path is operator-configured, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for replay %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	buf := make([]byte, recordLen)
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil {
			// A short read at a record boundary is a torn trailing write,
			// the normal way a crash mid-append surfaces; stop cleanly.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("wal: read record: %w", err)
		}
		_ = n
		crc := crc32.ChecksumIEEE(buf[:17])
		want := binary.LittleEndian.Uint32(buf[17:])
		if crc != want {
			return nil // torn or corrupt tail; everything before it already applied
		}
		rec := Record{
			Tag:   Tag(buf[0]),
			Key:   binary.LittleEndian.Uint64(buf[1:]),
			Value: binary.LittleEndian.Uint64(buf[9:]),
		}
		apply(rec)
	}
}
