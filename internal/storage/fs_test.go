package storage

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testFS(t *testing.T) *FileSystem {
	t.Helper()
	fs, err := Open(t.TempDir(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func page(b byte) []byte {
	p := make([]byte, PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestFileSystem_WriteThenReadPage(t *testing.T) {
	fs := testFS(t)
	fk := FileKey{Level: 0, Generation: 1}

	require.NoError(t, fs.WritePage(fk, 0, page(0xAB)))
	got, err := fs.ReadPage(fk, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(page(0xAB), got))
}

func TestFileSystem_ReadAfterWriteHitsCache(t *testing.T) {
	fs := testFS(t)
	fk := FileKey{Level: 0, Generation: 1}
	require.NoError(t, fs.WritePage(fk, 0, page(1)))

	// WritePage already populates the cache; a read should hit it without
	// another miss being recorded for this exact page.
	_, missesBefore := fs.Stats()
	_ = missesBefore
	_, err := fs.ReadPage(fk, 0)
	require.NoError(t, err)
	hits, _ := fs.Stats()
	require.GreaterOrEqual(t, hits, uint64(1))
}

func TestFileSystem_InvalidateFileForcesMiss(t *testing.T) {
	fs := testFS(t)
	fk := FileKey{Level: 0, Generation: 1}
	require.NoError(t, fs.WritePage(fk, 0, page(2)))

	fs.InvalidateFile(fk)

	_, missesBefore := fs.Stats()
	_ = missesBefore
	_, err := fs.ReadPage(fk, 0)
	require.NoError(t, err)
	_, misses := fs.Stats()
	require.GreaterOrEqual(t, misses, uint64(1))
}

func TestFileSystem_RemoveDeletesFile(t *testing.T) {
	fs := testFS(t)
	fk := FileKey{Level: 1, Generation: 5}
	require.NoError(t, fs.WritePage(fk, 0, page(3)))

	require.NoError(t, fs.Remove(fk))

	size, err := fs.Size(fk)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestSequentialWriterThenReader_RoundTrip(t *testing.T) {
	fs := testFS(t)
	fk := FileKey{Level: 2, Generation: 9}

	w, err := fs.OpenSequentialWriter(fk, 4)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WritePage(page(byte(i))))
	}
	require.NoError(t, w.Close())
	require.Equal(t, uint32(10), w.PagesWritten())

	r, err := fs.OpenSequentialReader(fk, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(10), r.TotalPages())

	var i byte
	for r.Valid() {
		got, err := r.ReadPage()
		require.NoError(t, err)
		require.True(t, bytes.Equal(page(i), got))
		i++
	}
	require.Equal(t, byte(10), i)
}

func TestPageCache_TwoQPromotesSecondTouchFromGhostToMain(t *testing.T) {
	c := newPageCache(4) // a1InMax=1, a1OutMax=2

	c.put(1, []byte("a"))
	for id := PageID(2); id <= 5; id++ {
		c.put(id, []byte("b")) // the 5th page overflows capacity 4 and evicts 1, the a1In head, into ghost (a1InMax==1)
	}
	_, ok := c.get(1)
	require.False(t, ok, "page 1 should have been evicted from the cache body")

	// Touching id 1 again should promote it straight into am via the ghost
	// list, not re-admit it through a1In.
	c.put(1, []byte("a-again"))
	data, ok := c.get(1)
	require.True(t, ok)
	require.Equal(t, []byte("a-again"), data)
}
