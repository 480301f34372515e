package lsm

import (
	"sort"
	"testing"

	"github.com/nyasuto/moz/internal/iterator"
	"github.com/nyasuto/moz/internal/sstable"
	"github.com/nyasuto/moz/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testFS(t *testing.T) *storage.FileSystem {
	t.Helper()
	fs, err := storage.Open(t.TempDir(), storage.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumLevels = 3
	cfg.SizeRatio = 2
	return cfg
}

// sliceSource is a minimal iterator.Source over an in-memory, already
// sorted slice of entries, standing in for a frozen memtable snapshot.
type sliceSource struct {
	entries []iterator.Entry
	pos     int
}

func newSliceSource(pairs map[uint64]uint64) *sliceSource {
	entries := make([]iterator.Entry, 0, len(pairs))
	for k, v := range pairs {
		entries = append(entries, iterator.Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return &sliceSource{entries: entries}
}

func (s *sliceSource) Valid() bool { return s.pos < len(s.entries) }
func (s *sliceSource) Next() iterator.Entry {
	e := s.entries[s.pos]
	s.pos++
	return e
}
func (s *sliceSource) Close() {}

func flushMap(t *testing.T, tree *Tree, pairs map[uint64]uint64) {
	t.Helper()
	require.NoError(t, tree.FlushSource(newSliceSource(pairs), uint64(len(pairs))))
}

func TestFlushThenGet_RoundTrips(t *testing.T) {
	fs := testFS(t)
	tree, err := Open(fs, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	flushMap(t, tree, map[uint64]uint64{1: 10, 2: 20, 3: 30})

	for k, want := range map[uint64]uint64{1: 10, 2: 20, 3: 30} {
		v, found, err := tree.Get(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, v)
	}

	_, found, err := tree.Get(999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGet_NewerFlushShadowsOlder(t *testing.T) {
	fs := testFS(t)
	tree, err := Open(fs, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	flushMap(t, tree, map[uint64]uint64{1: 100})
	flushMap(t, tree, map[uint64]uint64{1: 200})

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(200), v, "the most recently flushed table must win")
}

func TestGet_DeleteReportsTombstoneToCaller(t *testing.T) {
	fs := testFS(t)
	tree, err := Open(fs, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	flushMap(t, tree, map[uint64]uint64{1: 100})
	flushMap(t, tree, map[uint64]uint64{1: sstable.TombstoneValue})

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found, "a tombstone is still a hit; the caller decides absence")
	require.Equal(t, sstable.TombstoneValue, v)
}

// TestTieredCompaction_TriggersAtSizeRatio flushes SizeRatio tables to L0
// and checks they merge down into a single L1 table.
func TestTieredCompaction_TriggersAtSizeRatio(t *testing.T) {
	fs := testFS(t)
	cfg := testConfig()
	tree, err := Open(fs, cfg, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < cfg.SizeRatio; i++ {
		flushMap(t, tree, map[uint64]uint64{uint64(i): uint64(i) * 10})
	}

	stats := tree.Stats()
	require.Equal(t, 0, stats.TablesPerLevel[0], "L0 should have been drained by the compaction trigger")
	require.Equal(t, 1, stats.TablesPerLevel[1], "inputs should have merged into a single L1 table")

	for i := 0; i < cfg.SizeRatio; i++ {
		v, found, err := tree.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(i)*10, v)
	}
}

// TestDeepestLevel_LeveledMergeSuppressesTombstones drives enough flushes
// and compactions to reach the deepest, leveled level, and checks that a
// tombstone merged there vanishes entirely rather than surviving as a
// tombstone record.
func TestDeepestLevel_LeveledMergeSuppressesTombstones(t *testing.T) {
	fs := testFS(t)
	cfg := testConfig() // NumLevels=3, SizeRatio=2: deepest level is 2
	tree, err := Open(fs, cfg, zerolog.Nop())
	require.NoError(t, err)

	// Push key 1 down to the deepest level by forcing enough tiered
	// compactions: SizeRatio^2 flushes drains L0 -> L1 -> L2.
	rounds := cfg.SizeRatio * cfg.SizeRatio
	for i := 0; i < rounds; i++ {
		flushMap(t, tree, map[uint64]uint64{1: uint64(i)})
	}
	stats := tree.Stats()
	require.Equal(t, 1, stats.TablesPerLevel[2], "key should have reached the single resident deepest-level table")

	// Now delete it and push the tombstone down the same way.
	for i := 0; i < rounds; i++ {
		flushMap(t, tree, map[uint64]uint64{1: sstable.TombstoneValue})
	}

	_, found, err := tree.Get(1)
	require.NoError(t, err)
	require.False(t, found, "a tombstone merged at the deepest level must vanish, not persist")
}

func TestNewScanIterator_MergesAcrossLevelsNewestWins(t *testing.T) {
	fs := testFS(t)
	tree, err := Open(fs, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	flushMap(t, tree, map[uint64]uint64{1: 1, 2: 2, 3: 3})
	flushMap(t, tree, map[uint64]uint64{2: 200})

	it, err := tree.NewScanIterator(0, ^uint64(0))
	require.NoError(t, err)
	defer it.Close()

	got := make(map[uint64]uint64)
	var order []uint64
	for it.Valid() {
		e := it.Next()
		got[e.Key] = e.Value
		order = append(order, e.Key)
	}

	require.Equal(t, map[uint64]uint64{1: 1, 2: 200, 3: 3}, got)
	require.Equal(t, []uint64{1, 2, 3}, order, "scan must yield keys in ascending order")
}

func TestOpen_ReloadsManifestAcrossReopen(t *testing.T) {
	root := t.TempDir()
	fs, err := storage.Open(root, storage.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	cfg := testConfig()
	tree, err := Open(fs, cfg, zerolog.Nop())
	require.NoError(t, err)
	flushMap(t, tree, map[uint64]uint64{5: 50})
	require.NoError(t, tree.Close())
	require.NoError(t, fs.Close())

	fs2, err := storage.Open(root, storage.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs2.Close() })

	tree2, err := Open(fs2, cfg, zerolog.Nop())
	require.NoError(t, err)
	v, found, err := tree2.Get(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(50), v)
}

func TestMonkeyAllocation_DeeperLevelGetsMoreBitsPerEntry(t *testing.T) {
	fs := testFS(t)
	cfg := testConfig()
	tree, err := Open(fs, cfg, zerolog.Nop())
	require.NoError(t, err)

	// A large population compacted down to L1, followed by a small fresh
	// L0 flush: Monkey should give the bigger, established level's table
	// more bits per entry than the tiny incoming one.
	big := make(map[uint64]uint64, 200)
	for i := uint64(0); i < 200; i++ {
		big[i] = i
	}
	flushMap(t, tree, big)
	flushMap(t, tree, big) // second flush triggers compaction of both into L1
	flushMap(t, tree, map[uint64]uint64{999: 1})

	stats := tree.Stats()
	require.Equal(t, uint64(200), stats.EntriesPerLevel[1])
	require.Equal(t, uint64(1), stats.EntriesPerLevel[0])

	l1Handle := tree.levels[1][0]
	l0Handle := tree.levels[0][0]

	bitsPerEntryL1 := float64(l1Handle.BloomBits()) / float64(l1Handle.NumEntries())
	bitsPerEntryL0 := float64(l0Handle.BloomBits()) / float64(l0Handle.NumEntries())
	require.Greater(t, bitsPerEntryL1, bitsPerEntryL0,
		"Monkey should allocate more bits per entry to the larger, deeper level")
}
