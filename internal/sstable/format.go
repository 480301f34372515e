// Package sstable implements the immutable, page-granular sorted table
// format: metadata page, leaf pages, a B+-tree (or binary-search) index,
// and a trailing bloom-filter bitmap. Construction and lookup both go
// through the shared storage.FileSystem so every page is cached by the
// 2Q buffer pool.
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/nyasuto/moz/internal/storage"
)

// Magic is written to page 0 only after every other page is durable; its
// presence on open is the sole proof that a table is complete.
const Magic uint64 = 0x534f5254_4d4f5a31 // "SORT" "MOZ1"

// IndexKind selects the page-0 layout between [node_offset, bloom_offset):
// either a B+-tree of internal pages, or no index at all (binary search
// directly over leaf pages at lookup time).
type IndexKind uint16

const (
	// IndexBTree stores a B+-tree of internal pages between the leaves
	// and the bloom filter.
	IndexBTree IndexKind = 1
	// IndexBinarySearch omits the internal pages; lookups binary-search
	// over leaf page numbers instead.
	IndexBinarySearch IndexKind = 2
)

const (
	// MaxLeafEntries is the per-leaf-page entry cap, chosen so a 2-byte
	// live-entry count fits alongside 255 16-byte records in one 4096
	// byte page.
	MaxLeafEntries = 255
	// MaxNodeEntries is the per-internal-page entry cap: 255
	// (separator, child_page) pairs plus a 2-byte count.
	MaxNodeEntries = 255

	leafEntrySize = 16 // key u64 + value u64
	nodeEntrySize = 12 // separator u64 + child u32
	countFieldLen = 2
)

// metadataHeaderLen is the fixed-size portion of page 0, before the
// variable-length bloom seed array.
const metadataHeaderLen = 8 + 2 + 4 + 4 + 4 + 4 + 8 + 1 + 8 + 8 + 8 + 1

// Metadata is the decoded contents of an SST's page 0.
type Metadata struct {
	IndexKind   IndexKind
	LeafOffset  uint32 // always 1
	NodeOffset  uint32
	BloomOffset uint32
	EndOffset   uint32
	BloomBits   uint64
	BloomK      uint8
	Entries     uint64
	MinKey      uint64
	MaxKey      uint64
	TreeDepth   uint8
	BloomSeeds  []uint64
}

func (m Metadata) encode() ([]byte, error) {
	size := metadataHeaderLen + 8*len(m.BloomSeeds)
	if size > storage.PageSize {
		return nil, fmt.Errorf("sstable: metadata page overflow: %d bytes with %d bloom seeds", size, len(m.BloomSeeds))
	}
	buf := make([]byte, storage.PageSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], Magic)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(m.IndexKind))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], m.LeafOffset)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.NodeOffset)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.BloomOffset)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.EndOffset)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.BloomBits)
	off += 8
	buf[off] = m.BloomK
	off++
	binary.LittleEndian.PutUint64(buf[off:], m.Entries)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.MinKey)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.MaxKey)
	off += 8
	buf[off] = m.TreeDepth
	off++
	for _, seed := range m.BloomSeeds {
		binary.LittleEndian.PutUint64(buf[off:], seed)
		off += 8
	}
	return buf, nil
}

func decodeMetadata(page []byte) (Metadata, error) {
	if len(page) != storage.PageSize {
		return Metadata{}, fmt.Errorf("sstable: metadata page must be %d bytes", storage.PageSize)
	}
	magic := binary.LittleEndian.Uint64(page[0:8])
	if magic != Magic {
		return Metadata{}, ErrCorrupt
	}
	off := 8
	var m Metadata
	m.IndexKind = IndexKind(binary.LittleEndian.Uint16(page[off:]))
	off += 2
	m.LeafOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.NodeOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.BloomOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.EndOffset = binary.LittleEndian.Uint32(page[off:])
	off += 4
	m.BloomBits = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.BloomK = page[off]
	off++
	m.Entries = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.MinKey = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.MaxKey = binary.LittleEndian.Uint64(page[off:])
	off += 8
	m.TreeDepth = page[off]
	off++
	m.BloomSeeds = make([]uint64, m.BloomK)
	for i := range m.BloomSeeds {
		m.BloomSeeds[i] = binary.LittleEndian.Uint64(page[off:])
		off += 8
	}
	return m, nil
}

// leafEntry is one (key, value) record within a leaf page.
type leafEntry struct {
	Key   uint64
	Value uint64
}

func encodeLeafPage(entries []leafEntry) ([]byte, error) {
	if len(entries) > MaxLeafEntries {
		return nil, fmt.Errorf("sstable: leaf page holds at most %d entries, got %d", MaxLeafEntries, len(entries))
	}
	buf := make([]byte, storage.PageSize)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Key)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Value)
		off += leafEntrySize
	}
	binary.LittleEndian.PutUint16(buf[MaxLeafEntries*leafEntrySize:], uint16(len(entries)))
	return buf, nil
}

func decodeLeafPage(page []byte) ([]leafEntry, error) {
	if len(page) != storage.PageSize {
		return nil, fmt.Errorf("sstable: leaf page must be %d bytes", storage.PageSize)
	}
	count := binary.LittleEndian.Uint16(page[MaxLeafEntries*leafEntrySize:])
	if int(count) > MaxLeafEntries {
		return nil, fmt.Errorf("%w: leaf entry count %d exceeds max", ErrCorrupt, count)
	}
	entries := make([]leafEntry, count)
	off := 0
	for i := range entries {
		entries[i].Key = binary.LittleEndian.Uint64(page[off:])
		entries[i].Value = binary.LittleEndian.Uint64(page[off+8:])
		off += leafEntrySize
	}
	return entries, nil
}

// nodeEntry is one (separator, child_page) pair within an internal page.
type nodeEntry struct {
	Separator uint64
	Child     uint32
}

func encodeNodePage(entries []nodeEntry) ([]byte, error) {
	if len(entries) > MaxNodeEntries {
		return nil, fmt.Errorf("sstable: node page holds at most %d entries, got %d", MaxNodeEntries, len(entries))
	}
	buf := make([]byte, storage.PageSize)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Separator)
		binary.LittleEndian.PutUint32(buf[off+8:], e.Child)
		off += nodeEntrySize
	}
	binary.LittleEndian.PutUint16(buf[MaxNodeEntries*nodeEntrySize:], uint16(len(entries)))
	return buf, nil
}

func decodeNodePage(page []byte) ([]nodeEntry, error) {
	if len(page) != storage.PageSize {
		return nil, fmt.Errorf("sstable: node page must be %d bytes", storage.PageSize)
	}
	count := binary.LittleEndian.Uint16(page[MaxNodeEntries*nodeEntrySize:])
	if int(count) > MaxNodeEntries {
		return nil, fmt.Errorf("%w: node entry count %d exceeds max", ErrCorrupt, count)
	}
	entries := make([]nodeEntry, count)
	off := 0
	for i := range entries {
		entries[i].Separator = binary.LittleEndian.Uint64(page[off:])
		entries[i].Child = binary.LittleEndian.Uint32(page[off+8:])
		off += nodeEntrySize
	}
	return entries, nil
}

// bloomPageCount returns how many whole pages cover nbits of bitmap.
func bloomPageCount(nbits uint64) uint32 {
	nbytes := (nbits + 7) / 8
	pages := (nbytes + storage.PageSize - 1) / storage.PageSize
	if pages == 0 {
		pages = 1
	}
	return uint32(pages)
}
