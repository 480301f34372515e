package moz

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLog() zerolog.Logger { return zerolog.Nop() }

func smallConfig() Config {
	cfg := DefaultConfig()
	// A tiny memtable forces flushes during ordinary test-sized writes,
	// exercising FlushSource and WAL checkpointing without needing
	// thousands of entries.
	cfg.MemTableCapacityBytes = 16 * 8
	return cfg
}

func TestCreate_RefusesExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Create(dir, smallConfig(), testLog())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOpen_RejectsMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, testLog())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutGetDelete_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put(1, 100))
	require.NoError(t, db.Put(2, 200))

	v, found, err := db.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), v)

	require.NoError(t, db.Delete(1))
	_, found, err = db.Get(1)
	require.NoError(t, err)
	require.False(t, found)

	v, found, err = db.Get(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(200), v)
}

func TestGet_OnClosedDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, err = db.Get(1)
	require.ErrorIs(t, err, ErrClosed)

	err = db.Put(1, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPut_RejectsTombstoneValue(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	err = db.Put(1, ^uint64(0)) // the reserved tombstone sentinel
	require.Error(t, err)
	require.Equal(t, KindInvalidValue, KindOf(err))

	_, found, err := db.Get(1)
	require.NoError(t, err)
	require.False(t, found, "a rejected put must not have been written")
}

func TestFlush_DrainsMemtableToSST(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put(1, 10))
	require.Equal(t, 1, db.Stats().MemTableEntries)

	require.NoError(t, db.Flush())
	require.Equal(t, 0, db.Stats().MemTableEntries)

	v, found, err := db.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(10), v)
}

func TestWriteOverflow_FlushesAndCheckpointsAutomatically(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig() // capacity for 8 entries
	db, err := Create(dir, cfg, testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for i := uint64(0); i < 40; i++ {
		require.NoError(t, db.Put(i, i*10))
	}

	for i := uint64(0); i < 40; i++ {
		v, found, err := db.Get(i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i*10, v)
	}
	stats := db.Stats()
	var totalEntries uint64
	for _, n := range stats.LSM.EntriesPerLevel {
		totalEntries += n
	}
	require.Greater(t, totalEntries, uint64(0), "repeated overflow must have flushed at least one generation to an SST")
}

func TestScan_MergesMemtableAndSSTNewestWins(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put(1, 1))
	require.NoError(t, db.Put(2, 2))
	require.NoError(t, db.Put(3, 3))
	require.NoError(t, db.Flush())

	require.NoError(t, db.Put(2, 200))
	require.NoError(t, db.Delete(3))

	it, err := db.Scan(0, ^uint64(0))
	require.NoError(t, err)
	defer it.Close()

	got := make(map[uint64]uint64)
	for it.Valid() {
		k, v := it.Next()
		got[k] = v
	}
	require.Equal(t, map[uint64]uint64{1: 1, 2: 200}, got, "deleted key 3 must not appear in a scan")
}

// TestReopen_ReplaysUnflushedWritesFromWAL writes several records, closes
// without an explicit Flush, reopens, and checks the unflushed writes were
// recovered from the WAL.
func TestReopen_ReplaysUnflushedWritesFromWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()
	db, err := Create(dir, cfg, testLog())
	require.NoError(t, err)

	require.NoError(t, db.Put(1, 11))
	require.NoError(t, db.Put(2, 22))
	require.NoError(t, db.Delete(1))
	require.NoError(t, db.Close())

	db2, err := Open(dir, testLog())
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	_, found, err := db2.Get(1)
	require.NoError(t, err)
	require.False(t, found, "the replayed delete must still shadow the replayed put")

	v, found, err := db2.Get(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(22), v)
}

// TestReopen_ReplaySpanningMultipleMemtableGenerations exercises the
// replay-time overflow path: enough records are appended to a small
// memtable's capacity, across the WAL, that replay must itself flush an
// intermediate memtable generation to an SST before continuing — without
// touching the live WAL handle Replay is still reading from.
func TestReopen_ReplaySpanningMultipleMemtableGenerations(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig() // capacity for 8 entries
	db, err := Create(dir, cfg, testLog())
	require.NoError(t, err)

	for i := uint64(0); i < 40; i++ {
		require.NoError(t, db.Put(i, i+1000))
	}
	require.NoError(t, db.Close())

	db2, err := Open(dir, testLog())
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	for i := uint64(0); i < 40; i++ {
		v, found, err := db2.Get(i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i+1000, v)
	}
}

func TestStats_ReportsMemtableAndLSMShape(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(dir, smallConfig(), testLog())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put(1, 1))
	stats := db.Stats()
	require.Equal(t, 1, stats.MemTableEntries)
	require.Equal(t, int64(16), stats.MemTableBytes)
}

func TestKindOf_ClassifiesSentinelErrors(t *testing.T) {
	require.Equal(t, KindAlreadyExists, KindOf(ErrAlreadyExists))
	require.Equal(t, KindNotFound, KindOf(ErrNotFound))
	require.Equal(t, KindNotFound, KindOf(ErrClosed))
	require.Equal(t, KindIO, KindOf(errors.New("some other failure")))
}
