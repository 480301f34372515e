package sstable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nyasuto/moz/internal/bloom"
	"github.com/nyasuto/moz/internal/iterator"
	"github.com/nyasuto/moz/internal/storage"
)

// Handle is an open, reference-counted SST. It is safe for concurrent use
// by multiple readers; Ref/Release implement the pinning contract that
// lets a compaction's delete of this table wait for in-flight readers to
// finish.
type Handle struct {
	fs   *storage.FileSystem
	fk   storage.FileKey
	meta Metadata
	bf   *bloom.Filter

	refs    int32
	retired int32 // set once the LSM tree has removed this table from the manifest

	mu sync.Mutex
}

// Open validates and opens an existing SST. A missing or invalid magic
// number means the table is incomplete (a crash during build); it is
// reported as ErrCorrupt so the caller can delete it.
func Open(fs *storage.FileSystem, fk storage.FileKey) (*Handle, error) {
	page0, err := fs.ReadPage(fk, 0)
	if err != nil {
		return nil, fmt.Errorf("sstable: read metadata page of %s: %w", fk.RelPath(), err)
	}
	meta, err := decodeMetadata(page0)
	if err != nil {
		return nil, err
	}

	var bf *bloom.Filter
	if meta.BloomBits > 0 {
		pages := bloomPageCount(meta.BloomBits)
		raw := make([]byte, 0, int(pages)*storage.PageSize)
		for i := uint32(0); i < pages; i++ {
			p, err := fs.ReadPage(fk, meta.BloomOffset+i)
			if err != nil {
				return nil, fmt.Errorf("sstable: read bloom page %d of %s: %w", i, fk.RelPath(), err)
			}
			raw = append(raw, p...)
		}
		bf, err = bloom.FromBytes(raw, meta.BloomBits, meta.BloomSeeds)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
	}

	return &Handle{fs: fs, fk: fk, meta: meta, bf: bf, refs: 1}, nil
}

// Ref increments the handle's reference count. Call before handing the
// handle to a new reader or compaction input.
func (h *Handle) Ref() { atomic.AddInt32(&h.refs, 1) }

// Release decrements the reference count. If this was the last reference
// to a table already marked retired (removed from the manifest by a
// compaction), the underlying file is deleted here: this is how deletion
// waits for the last pinned reader to finish with it.
func (h *Handle) Release() int32 {
	n := atomic.AddInt32(&h.refs, -1)
	if n <= 0 && atomic.LoadInt32(&h.retired) == 1 {
		_ = h.fs.Remove(h.fk)
	}
	return n
}

// MarkRetired records that the manifest no longer lists this table. Its
// file is deleted as soon as the reference count reaches zero — either
// immediately, if Release already brought it there, or deferred to the
// matching Release of whichever reader is still pinning it.
func (h *Handle) MarkRetired() {
	atomic.StoreInt32(&h.retired, 1)
	if atomic.LoadInt32(&h.refs) <= 0 {
		_ = h.fs.Remove(h.fk)
	}
}

// Refs reports the current reference count, for tests and diagnostics.
func (h *Handle) Refs() int32 { return atomic.LoadInt32(&h.refs) }

func (h *Handle) FileKey() storage.FileKey { return h.fk }
func (h *Handle) Level() int               { return h.fk.Level }
func (h *Handle) Generation() uint64       { return h.fk.Generation }
func (h *Handle) NumEntries() uint64       { return h.meta.Entries }
func (h *Handle) BloomBits() uint64        { return h.meta.BloomBits }
func (h *Handle) MinKey() uint64           { return h.meta.MinKey }
func (h *Handle) MaxKey() uint64           { return h.meta.MaxKey }

// MayContain consults the bloom filter, if one was built. No filter means
// every key is presumptively present (the caller must still check the key
// range and scan the leaf to confirm).
func (h *Handle) MayContain(key uint64) bool {
	if h.bf == nil {
		return true
	}
	return h.bf.MayContain(key)
}

// InRange reports whether key falls within this table's [min, max].
func (h *Handle) InRange(key uint64) bool {
	return key >= h.meta.MinKey && key <= h.meta.MaxKey
}

// Get looks up a single key: bloom filter, then index descent (or binary
// search), then a leaf scan.
func (h *Handle) Get(key uint64) (value uint64, found bool, err error) {
	if !h.InRange(key) || !h.MayContain(key) {
		return 0, false, nil
	}

	leafPage, err := h.findLeafPage(key)
	if err != nil {
		return 0, false, err
	}
	page, err := h.fs.ReadPage(h.fk, leafPage)
	if err != nil {
		return 0, false, fmt.Errorf("sstable: read leaf page %d: %w", leafPage, err)
	}
	entries, err := decodeLeafPage(page)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e.Value, true, nil
		}
	}
	return 0, false, nil
}

// findLeafPage returns the page number of the leaf that would hold key.
func (h *Handle) findLeafPage(key uint64) (uint32, error) {
	if h.meta.IndexKind == IndexBinarySearch {
		return h.binarySearchLeaf(key)
	}
	return h.descendBTree(key)
}

// binarySearchLeaf searches leaf page numbers directly, since leaves are
// laid out in ascending key order and each leaf's last entry bounds it.
func (h *Handle) binarySearchLeaf(key uint64) (uint32, error) {
	lo, hi := h.meta.LeafOffset, h.meta.NodeOffset-1
	for lo < hi {
		mid := lo + (hi-lo)/2
		page, err := h.fs.ReadPage(h.fk, mid)
		if err != nil {
			return 0, err
		}
		entries, err := decodeLeafPage(page)
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, fmt.Errorf("%w: empty leaf page %d", ErrCorrupt, mid)
		}
		if entries[len(entries)-1].Key >= key {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// descendBTree walks the internal index from the root (the last page
// before the bloom region) down to the leaf that would hold key.
func (h *Handle) descendBTree(key uint64) (uint32, error) {
	page := h.meta.BloomOffset - 1
	for page >= h.meta.NodeOffset {
		raw, err := h.fs.ReadPage(h.fk, page)
		if err != nil {
			return 0, err
		}
		entries, err := decodeNodePage(raw)
		if err != nil {
			return 0, err
		}
		child, err := selectChild(entries, key)
		if err != nil {
			return 0, err
		}
		page = child
	}
	return page, nil
}

func selectChild(entries []nodeEntry, key uint64) (uint32, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: empty node page", ErrCorrupt)
	}
	for _, e := range entries {
		if e.Separator >= key {
			return e.Child, nil
		}
	}
	return entries[len(entries)-1].Child, nil
}

// NewRangeIterator returns an iterator.Source over entries in [start, end],
// locating the first leaf via the index and then streaming leaves forward.
func (h *Handle) NewRangeIterator(start, end uint64) (iterator.Source, error) {
	var leafPage uint32
	var err error
	if start <= h.meta.MinKey {
		leafPage = h.meta.LeafOffset
	} else {
		leafPage, err = h.findLeafPage(start)
		if err != nil {
			return nil, err
		}
	}
	return &rangeIterator{h: h, nextPage: leafPage, start: start, end: end}, nil
}

type rangeIterator struct {
	h        *Handle
	nextPage uint32
	start    uint64
	end      uint64

	buf []leafEntry
	pos int

	ready      bool
	exhausted  bool
	readyEntry iterator.Entry
	err        error
}

// ensureReady advances through leaf pages and entries, skipping keys below
// start and stopping at the first key above end, until a valid in-range
// entry is buffered or the leaf region is exhausted.
func (it *rangeIterator) ensureReady() {
	if it.ready || it.exhausted {
		return
	}
	for {
		if it.pos < len(it.buf) {
			e := it.buf[it.pos]
			it.pos++
			if e.Key > it.end {
				it.exhausted = true
				return
			}
			if e.Key < it.start {
				continue
			}
			it.ready = true
			it.readyEntry = iterator.Entry{Key: e.Key, Value: e.Value}
			return
		}
		if it.nextPage >= it.h.meta.NodeOffset {
			it.exhausted = true
			return
		}
		page, err := it.h.fs.ReadPage(it.h.fk, it.nextPage)
		if err != nil {
			it.err = err
			it.exhausted = true
			return
		}
		it.nextPage++
		entries, err := decodeLeafPage(page)
		if err != nil {
			it.err = err
			it.exhausted = true
			return
		}
		it.buf = entries
		it.pos = 0
		if len(entries) == 0 {
			it.exhausted = true
			return
		}
	}
}

func (it *rangeIterator) Valid() bool {
	it.ensureReady()
	return it.ready
}

func (it *rangeIterator) Next() iterator.Entry {
	e := it.readyEntry
	it.ready = false
	return e
}

func (it *rangeIterator) Close() {}

// Err returns any I/O or corruption error encountered while iterating.
func (it *rangeIterator) Err() error { return it.err }
