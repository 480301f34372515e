package moz

import (
	"time"

	"github.com/nyasuto/moz/internal/lsm"
	"github.com/nyasuto/moz/internal/storage"
)

// Config bundles every component's tunables behind one typed struct,
// following the teacher's Default*Config-per-component convention while
// giving library callers a single entry point.
type Config struct {
	// MemTableCapacityBytes bounds one memtable generation; it is frozen
	// and flushed to a new level-0 SST once full.
	MemTableCapacityBytes int64
	// WALGroupCommitInterval bounds how long a batch of appended records
	// may sit before an automatic background flush; SyncEveryWrite makes
	// this moot for durability but it still bounds worst-case data loss
	// if SyncEveryWrite is false.
	WALGroupCommitInterval time.Duration
	// WALBufferOps (B) bounds how many records may batch up before the
	// WAL flushes on record count alone, independent of
	// WALGroupCommitInterval; also moot when SyncEveryWrite is true, and
	// otherwise the count-based half of the worst-case-data-loss bound
	// alongside the time-based one.
	WALBufferOps int
	// SyncEveryWrite fsyncs the WAL after every Put/Delete, trading
	// throughput for a durability guarantee on every single call. When
	// false, durability is bounded by WALGroupCommitInterval instead.
	SyncEveryWrite bool

	LSM     lsm.Config
	Storage storage.Config
}

// DefaultConfig returns reasonable defaults for a small embedded
// deployment.
func DefaultConfig() Config {
	return Config{
		MemTableCapacityBytes:  4 << 20,
		WALGroupCommitInterval: 5 * time.Millisecond,
		WALBufferOps:           1000,
		SyncEveryWrite:         true,
		LSM:                    lsm.DefaultConfig(),
		Storage:                storage.DefaultConfig(),
	}
}
