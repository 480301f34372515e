package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileMap_IDForIsStableUntilInvalidated(t *testing.T) {
	fm := NewFileMap()
	key := PageKey{FileKey: FileKey{Level: 1, Generation: 2}, PageNumber: 3}

	id1 := fm.IDFor(key)
	id2 := fm.IDFor(key)
	require.Equal(t, id1, id2, "repeated IDFor for the same key must return the same id")

	fm.InvalidateFile(key.FileKey)
	id3 := fm.IDFor(key)
	require.NotEqual(t, id1, id3, "a key must mint a fresh id once its file is invalidated")
}

func TestFileMap_DistinctKeysGetDistinctIDs(t *testing.T) {
	fm := NewFileMap()
	a := fm.IDFor(PageKey{FileKey: FileKey{Level: 0, Generation: 1}, PageNumber: 0})
	b := fm.IDFor(PageKey{FileKey: FileKey{Level: 0, Generation: 1}, PageNumber: 1})
	c := fm.IDFor(PageKey{FileKey: FileKey{Level: 2, Generation: 7}, PageNumber: 0})
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, b, c)
}

func TestFileMap_IDsForFileOnlyReturnsThatFilesEntries(t *testing.T) {
	fm := NewFileMap()
	fkA := FileKey{Level: 0, Generation: 1}
	fkB := FileKey{Level: 0, Generation: 2}

	idA0 := fm.IDFor(PageKey{FileKey: fkA, PageNumber: 0})
	idA1 := fm.IDFor(PageKey{FileKey: fkA, PageNumber: 1})
	_ = fm.IDFor(PageKey{FileKey: fkB, PageNumber: 0})

	ids := fm.IDsForFile(fkA)
	require.ElementsMatch(t, []PageID{idA0, idA1}, ids)
}

// TestFileMap_GrowsAndRehashesPastLoadFactor drives enough distinct keys
// through IDFor to force several grow-by-rehash cycles (the table starts
// at capacity 16, doubling past a 0.7 load factor), then checks every
// earlier key still resolves to its original id and every key remains
// distinguishable after the rehash relocates it to a new slot.
func TestFileMap_GrowsAndRehashesPastLoadFactor(t *testing.T) {
	fm := NewFileMap()
	const n = 500

	ids := make(map[PageKey]PageID, n)
	for i := uint32(0); i < n; i++ {
		key := PageKey{FileKey: FileKey{Level: int(i % 7), Generation: uint64(i / 7)}, PageNumber: i}
		ids[key] = fm.IDFor(key)
	}
	require.Greater(t, len(fm.slots), initialFileMapCapacity, "inserting 500 keys must have grown the table at least once")

	for key, id := range ids {
		require.Equal(t, id, fm.IDFor(key), "a key's id must survive a grow-triggered rehash")
	}
}

func TestFileMap_InvalidateFileLeavesTombstonesProbeable(t *testing.T) {
	fm := NewFileMap()
	fkA := FileKey{Level: 0, Generation: 1}
	fkB := FileKey{Level: 0, Generation: 2}

	keyA := PageKey{FileKey: fkA, PageNumber: 0}
	keyB := PageKey{FileKey: fkB, PageNumber: 0}
	idA := fm.IDFor(keyA)
	idB := fm.IDFor(keyB)

	fm.InvalidateFile(fkA)

	// keyB's id must still resolve correctly even if its probe chain
	// passed through a slot that is now a tombstone left by keyA.
	require.Equal(t, idB, fm.IDFor(keyB))
	require.NotEqual(t, idA, fm.IDFor(keyA), "keyA must mint a new id post-invalidation")
}
