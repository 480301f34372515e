package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// FileSystem is the page-addressed I/O facade: it translates
// (level, generation, page_number) to a path, serves reads through a
// shared 2Q buffer pool, and exposes batched sequential read/write paths.
// The cache and FileMap live behind a single mutex; concrete I/O on an
// already-open file descriptor proceeds without holding it, so concurrent
// readers of distinct pages never block each other.
type FileSystem struct {
	root string
	log  zerolog.Logger

	mu      sync.Mutex
	fileMap *FileMap
	cache   *pageCache
	handles map[FileKey]*os.File
}

// Config holds the tunables §6 exposes for the file system and buffer
// pool.
type Config struct {
	BufferPoolCapacityPages int
	WriteBufferPages        int
	ReadAheadPages          int
}

// DefaultConfig returns the library's default file-system tunables.
func DefaultConfig() Config {
	return Config{
		BufferPoolCapacityPages: 4096, // 16 MiB of pages
		WriteBufferPages:        64,
		ReadAheadPages:          8,
	}
}

// Open creates the FileSystem rooted at root, creating the directory if
// needed.
func Open(root string, cfg Config, log zerolog.Logger) (*FileSystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &FileSystem{
		root:    root,
		log:     log,
		fileMap: NewFileMap(),
		cache:   newPageCache(cfg.BufferPoolCapacityPages),
		handles: make(map[FileKey]*os.File),
	}, nil
}

// Root returns the database root directory.
func (fs *FileSystem) Root() string { return fs.root }

func (fs *FileSystem) path(fk FileKey) string {
	return filepath.Join(fs.root, fk.RelPath())
}

// handleFor returns (opening if necessary) the shared read/write handle
// for a file. Held open for the file's lifetime; closed by Remove or Close.
func (fs *FileSystem) handleFor(fk FileKey, create bool) (*os.File, error) {
	fs.mu.Lock()
	if f, ok := fs.handles[fk]; ok {
		fs.mu.Unlock()
		return f, nil
	}
	fs.mu.Unlock()

	path := fs.path(fk)
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644) // #nosec G304 - path built from internal level/generation, not user input
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	if existing, ok := fs.handles[fk]; ok {
		fs.mu.Unlock()
		_ = f.Close()
		return existing, nil
	}
	fs.handles[fk] = f
	fs.mu.Unlock()
	return f, nil
}

// ReadPage reads one page through the buffer pool, populating the cache on
// a miss. Cache hits never touch disk.
func (fs *FileSystem) ReadPage(fk FileKey, pageNumber uint32) ([]byte, error) {
	key := PageKey{FileKey: fk, PageNumber: pageNumber}

	fs.mu.Lock()
	id := fs.fileMap.IDFor(key)
	if data, ok := fs.cache.get(id); ok {
		fs.mu.Unlock()
		out := make([]byte, PageSize)
		copy(out, data)
		return out, nil
	}
	fs.mu.Unlock()

	f, err := fs.handleFor(fk, false)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}

	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, int64(pageNumber)*PageSize); err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}

	fs.mu.Lock()
	fs.cache.put(id, buf)
	fs.mu.Unlock()

	out := make([]byte, PageSize)
	copy(out, buf)
	return out, nil
}

// WritePage writes one page and invalidates/repopulates its cache entry.
// Used outside of the bulk sequential-writer path (e.g. writing an SST's
// reserved metadata page last, or tests).
func (fs *FileSystem) WritePage(fk FileKey, pageNumber uint32, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("storage: page must be %d bytes, got %d", PageSize, len(data))
	}
	key := PageKey{FileKey: fk, PageNumber: pageNumber}

	f, err := fs.handleFor(fk, true)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", key, err)
	}
	if _, err := f.WriteAt(data, int64(pageNumber)*PageSize); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}

	fs.mu.Lock()
	id := fs.fileMap.IDFor(key)
	cp := make([]byte, PageSize)
	copy(cp, data)
	fs.cache.put(id, cp)
	fs.mu.Unlock()
	return nil
}

// InvalidateFile drops every cached page belonging to fk and detaches its
// FileMap entries, so a future read mints fresh ids and misses the cache.
// Called whenever a file is mutated out of band (e.g. by a sequential
// writer bypassing WritePage) or removed.
func (fs *FileSystem) InvalidateFile(fk FileKey) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, id := range fs.fileMap.IDsForFile(fk) {
		fs.cache.invalidate(id)
	}
	fs.fileMap.InvalidateFile(fk)
}

// Remove deletes an SST file from disk and invalidates its cache entries.
func (fs *FileSystem) Remove(fk FileKey) error {
	fs.InvalidateFile(fk)

	fs.mu.Lock()
	if f, ok := fs.handles[fk]; ok {
		_ = f.Close()
		delete(fs.handles, fk)
	}
	fs.mu.Unlock()

	err := os.Remove(fs.path(fk))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", fk.RelPath(), err)
	}
	fs.log.Debug().Str("file", fk.RelPath()).Msg("removed sst file")
	return nil
}

// Sync fsyncs a file's handle, used after a writer finishes a file.
func (fs *FileSystem) Sync(fk FileKey) error {
	f, err := fs.handleFor(fk, false)
	if err != nil {
		return err
	}
	return f.Sync()
}

// Size returns the current size in bytes of a file, or 0 if it doesn't
// exist yet.
func (fs *FileSystem) Size(fk FileKey) (int64, error) {
	info, err := os.Stat(fs.path(fk))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Stats returns buffer-pool hit/miss counters.
func (fs *FileSystem) Stats() (hits, misses uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cache.stats()
}

// Close closes every open file handle.
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for fk, f := range fs.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(fs.handles, fk)
	}
	return firstErr
}
