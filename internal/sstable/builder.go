package sstable

import (
	"fmt"

	"github.com/nyasuto/moz/internal/bloom"
	"github.com/nyasuto/moz/internal/storage"
	"github.com/rs/zerolog"
)

// TombstoneValue marks a deleted key; see internal/memtable for the
// matching in-memory sentinel.
const TombstoneValue = ^uint64(0)

// Source is a sorted, deduplicated stream of (key, value) pairs, newest
// value already resolved — exactly what internal/iterator.Merger
// produces.
type Source interface {
	Valid() bool
	Next() (key, value uint64)
}

// BuildOptions configures table construction.
type BuildOptions struct {
	IndexKind     IndexKind
	BloomBitCount uint64 // total bits across the whole filter; 0 disables the filter
	WriteWindow   int    // sequential-writer buffer, in pages
}

// Build consumes source in full and writes a new SST at fk through fs,
// writing leaves, then the index, then the bloom filter, then the
// metadata page last. The final fsync happens only once the metadata
// page — and with it the magic number — has been written.
func Build(fs *storage.FileSystem, fk storage.FileKey, source Source, opts BuildOptions, log zerolog.Logger) error {
	if opts.WriteWindow < 1 {
		opts.WriteWindow = 64
	}

	w, err := fs.OpenSequentialWriter(fk, opts.WriteWindow)
	if err != nil {
		return fmt.Errorf("sstable: open writer for %s: %w", fk.RelPath(), err)
	}
	// Page 0 is reserved now and overwritten with real metadata last.
	if err := w.WritePage(make([]byte, storage.PageSize)); err != nil {
		return fmt.Errorf("sstable: reserve metadata page: %w", err)
	}

	var (
		count          uint64
		minKey, maxKey uint64
		haveMin        bool
		leafBuf        []leafEntry
		leafMaxKeys    []uint64
		allKeys        []uint64
	)

	flushLeaf := func() error {
		if len(leafBuf) == 0 {
			return nil
		}
		page, err := encodeLeafPage(leafBuf)
		if err != nil {
			return err
		}
		if err := w.WritePage(page); err != nil {
			return err
		}
		leafMaxKeys = append(leafMaxKeys, leafBuf[len(leafBuf)-1].Key)
		leafBuf = leafBuf[:0]
		return nil
	}

	for source.Valid() {
		k, v := source.Next()
		if !haveMin {
			minKey, haveMin = k, true
		}
		maxKey = k
		count++
		leafBuf = append(leafBuf, leafEntry{Key: k, Value: v})
		allKeys = append(allKeys, k)
		if len(leafBuf) == MaxLeafEntries {
			if err := flushLeaf(); err != nil {
				return fmt.Errorf("sstable: write leaf page: %w", err)
			}
		}
	}
	if err := flushLeaf(); err != nil {
		return fmt.Errorf("sstable: write final leaf page: %w", err)
	}
	if count == 0 {
		_ = w.Close()
		_ = fs.Remove(fk)
		return ErrEmptySource
	}

	nodeOffset := w.PagesWritten()
	var treeDepth uint8

	if opts.IndexKind == IndexBTree {
		// childKeys/childPages describes one layer of (max_key, child_page)
		// pairs; layers are built bottom-up until a single root remains.
		childKeys := leafMaxKeys
		childPages := make([]uint32, len(leafMaxKeys))
		for i := range childPages {
			childPages[i] = uint32(1) + uint32(i) // leaves start at page 1
		}

		for {
			var nextKeys []uint64
			var nextPages []uint32
			for i := 0; i < len(childKeys); i += MaxNodeEntries {
				end := i + MaxNodeEntries
				if end > len(childKeys) {
					end = len(childKeys)
				}
				entries := make([]nodeEntry, end-i)
				for j := i; j < end; j++ {
					entries[j-i] = nodeEntry{Separator: childKeys[j], Child: childPages[j]}
				}
				page, err := encodeNodePage(entries)
				if err != nil {
					return fmt.Errorf("sstable: encode node page: %w", err)
				}
				pageNum := w.PagesWritten()
				if err := w.WritePage(page); err != nil {
					return fmt.Errorf("sstable: write node page: %w", err)
				}
				nextKeys = append(nextKeys, childKeys[end-1])
				nextPages = append(nextPages, pageNum)
			}
			childKeys, childPages = nextKeys, nextPages
			treeDepth++
			if len(childKeys) <= 1 {
				break
			}
		}
	}

	bloomOffset := w.PagesWritten()
	bloomBits := opts.BloomBitCount
	var bloomK uint8
	var bloomSeeds []uint64

	if bloomBits > 0 {
		k := bloom.OptimalK(float64(bloomBits) / float64(count))
		seeds := bloom.Seeds(uint64(fk.Generation)<<8|uint64(fk.Level), k)
		filter := bloom.New(bloomBits, seeds)
		for _, key := range allKeys {
			filter.Insert(key)
		}
		bloomK = uint8(k)
		bloomSeeds = seeds

		pages := bloomPageCount(bloomBits)
		padded := make([]byte, pages*storage.PageSize)
		copy(padded, filter.Bytes())
		for i := uint32(0); i < pages; i++ {
			page := padded[i*storage.PageSize : (i+1)*storage.PageSize]
			if err := w.WritePage(page); err != nil {
				return fmt.Errorf("sstable: write bloom page: %w", err)
			}
		}
	}

	endOffset := w.PagesWritten()

	if err := w.Close(); err != nil {
		return fmt.Errorf("sstable: close writer: %w", err)
	}

	meta := Metadata{
		IndexKind:   opts.IndexKind,
		LeafOffset:  1,
		NodeOffset:  nodeOffset,
		BloomOffset: bloomOffset,
		EndOffset:   endOffset,
		BloomBits:   bloomBits,
		BloomK:      bloomK,
		Entries:     count,
		MinKey:      minKey,
		MaxKey:      maxKey,
		TreeDepth:   treeDepth,
		BloomSeeds:  bloomSeeds,
	}
	page, err := meta.encode()
	if err != nil {
		return fmt.Errorf("sstable: encode metadata: %w", err)
	}
	if err := fs.WritePage(fk, 0, page); err != nil {
		return fmt.Errorf("sstable: write metadata page: %w", err)
	}
	if err := fs.Sync(fk); err != nil {
		return fmt.Errorf("sstable: final sync: %w", err)
	}

	log.Debug().
		Str("file", fk.RelPath()).
		Uint64("entries", count).
		Uint32("pages", endOffset).
		Uint8("tree_depth", treeDepth).
		Msg("sstable built")
	return nil
}
