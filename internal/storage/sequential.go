package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// SequentialWriter buffers whole pages in memory up to a configurable
// window and flushes them to disk in batches, fsyncing once on Close. SST
// builders use this for the bulk leaf/node/bloom write passes, where pages
// are produced strictly in increasing order and read-modify-write is never
// needed.
type SequentialWriter struct {
	f          *os.File
	fk         FileKey
	fs         *FileSystem
	buf        []byte
	windowSize int
	nextPage   uint32
	closed     bool
}

// OpenSequentialWriter opens (creating if needed) fk for append-only,
// page-aligned sequential writes, starting at page 0 and truncating any
// prior content.
func (fs *FileSystem) OpenSequentialWriter(fk FileKey, windowPages int) (*SequentialWriter, error) {
	if windowPages < 1 {
		windowPages = 1
	}
	path := fs.path(fk)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", fk.RelPath(), err)
	}

	fs.mu.Lock()
	if old, ok := fs.handles[fk]; ok {
		_ = old.Close()
	}
	fs.handles[fk] = f
	fs.mu.Unlock()
	fs.InvalidateFile(fk)

	return &SequentialWriter{
		f:          f,
		fk:         fk,
		fs:         fs,
		windowSize: windowPages * PageSize,
	}, nil
}

// WritePage appends one page to the stream, flushing the buffered window
// to disk when it fills.
func (w *SequentialWriter) WritePage(data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("storage: page must be %d bytes, got %d", PageSize, len(data))
	}
	w.buf = append(w.buf, data...)
	w.nextPage++
	if len(w.buf) >= w.windowSize {
		return w.flush()
	}
	return nil
}

func (w *SequentialWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.f.Write(w.buf); err != nil {
		return fmt.Errorf("storage: flush %s: %w", w.fk.RelPath(), err)
	}
	w.buf = w.buf[:0]
	return nil
}

// PagesWritten returns the number of pages written (including buffered,
// not-yet-flushed ones).
func (w *SequentialWriter) PagesWritten() uint32 { return w.nextPage }

// Close flushes any remaining buffered pages and fsyncs the file.
func (w *SequentialWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("storage: sync %s: %w", w.fk.RelPath(), err)
	}
	return nil
}

// SequentialReader reads pages from an SST in increasing order, pulling a
// read-ahead window at a time to amortize syscalls. It bypasses the buffer
// pool: compaction and full-file scans read every page exactly once, so
// caching would only cost memory for no hit-rate benefit.
type SequentialReader struct {
	f        *os.File
	fk       FileKey
	buf      []byte
	pos      int
	nextPage uint32
	window   int
	totalPgs uint32
}

// OpenSequentialReader opens fk for page-ordered sequential reads, ahead
// by windowPages pages at a time.
func (fs *FileSystem) OpenSequentialReader(fk FileKey, windowPages int) (*SequentialReader, error) {
	if windowPages < 1 {
		windowPages = 1
	}
	f, err := fs.handleFor(fk, false)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", fk.RelPath(), err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	total := uint32(info.Size() / PageSize)
	return &SequentialReader{f: f, fk: fk, window: windowPages * PageSize, totalPgs: total}, nil
}

// TotalPages returns the number of whole pages in the underlying file.
func (r *SequentialReader) TotalPages() uint32 { return r.totalPgs }

// Valid reports whether another page remains to be read.
func (r *SequentialReader) Valid() bool { return r.nextPage < r.totalPgs }

// ReadPage returns the next page in sequence.
func (r *SequentialReader) ReadPage() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("storage: read past end of %s", r.fk.RelPath())
	}
	if r.pos >= len(r.buf) {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	page := make([]byte, PageSize)
	copy(page, r.buf[r.pos:r.pos+PageSize])
	r.pos += PageSize
	r.nextPage++
	return page, nil
}

func (r *SequentialReader) fill() error {
	remaining := int(r.totalPgs-r.nextPage) * PageSize
	n := r.window
	if n > remaining {
		n = remaining
	}
	buf := make([]byte, n)
	off := int64(r.nextPage) * PageSize
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("storage: read-ahead %s: %w", r.fk.RelPath(), err)
	}
	r.buf = buf
	r.pos = 0
	return nil
}
