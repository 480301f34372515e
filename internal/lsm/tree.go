// Package lsm implements the Dostoevsky-compacted LSM tree: tiered
// merging at every level but the deepest, leveled merging at the
// deepest, with per-level bloom-filter bit budgets assigned by "Monkey"
// at the moment each new table is built.
package lsm

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nyasuto/moz/internal/bloom"
	"github.com/nyasuto/moz/internal/iterator"
	"github.com/nyasuto/moz/internal/sstable"
	"github.com/nyasuto/moz/internal/storage"
	"github.com/rs/zerolog"
)

// Tree is the on-disk LSM state: an ordered list of levels, each an
// ordered list of SSTs (newest generation first), plus the manifest that
// durably records which tables are live.
type Tree struct {
	mu       sync.RWMutex
	fs       *storage.FileSystem
	manifest *Manifest
	cfg      Config
	log      zerolog.Logger

	levels  [][]*sstable.Handle // levels[l] newest-first
	nextGen []uint64            // next generation to assign per level
}

// Open loads the manifest (if any), opens every table it lists, and
// deletes any SST file on disk that the manifest doesn't mention — the
// leftover output of a build that crashed before the manifest was
// rewritten.
func Open(fs *storage.FileSystem, cfg Config, log zerolog.Logger) (*Tree, error) {
	manifest, refs, err := OpenManifest(fs.Root())
	if err != nil {
		return nil, err
	}

	t := &Tree{
		fs:       fs,
		manifest: manifest,
		cfg:      cfg,
		log:      log,
		levels:   make([][]*sstable.Handle, cfg.NumLevels),
		nextGen:  make([]uint64, cfg.NumLevels),
	}

	for _, ref := range refs {
		h, err := sstable.Open(fs, ref)
		if err != nil {
			log.Warn().Err(err).Str("file", ref.RelPath()).Msg("dropping unopenable sst listed in manifest")
			continue
		}
		if ref.Level >= len(t.levels) {
			log.Warn().Int("level", ref.Level).Msg("manifest references a level beyond configured NumLevels")
			continue
		}
		t.levels[ref.Level] = append(t.levels[ref.Level], h)
		if ref.Generation >= t.nextGen[ref.Level] {
			t.nextGen[ref.Level] = ref.Generation + 1
		}
	}
	for l := range t.levels {
		sortNewestFirst(t.levels[l])
	}

	// Sweep every SST file that did not come up live above: leftovers of a
	// build that crashed before its manifest write, and tables that failed
	// to open.
	live := make(map[tableRef]bool)
	for _, ref := range t.liveRefsWithoutExtraLocked() {
		live[ref] = true
	}
	for l := range t.levels {
		paths, _ := filepath.Glob(filepath.Join(fs.Root(), fmt.Sprintf("L%d", l), "*.sst"))
		for _, p := range paths {
			var gen uint64
			if _, err := fmt.Sscanf(filepath.Base(p), "%d.sst", &gen); err == nil && !live[tableRef{Level: l, Generation: gen}] {
				_ = fs.Remove(storage.FileKey{Level: l, Generation: gen})
			}
		}
	}

	return t, nil
}

func sortNewestFirst(handles []*sstable.Handle) {
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Generation() > handles[j].Generation()
	})
}

// Get probes every level in increasing depth order, and within a level
// every SST in decreasing generation order, stopping at the first hit. A
// tombstone hit is reported as value=TombstoneValue, found=true; the
// caller (the database facade) translates that to "absent".
func (t *Tree) Get(key uint64) (value uint64, found bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, level := range t.levels {
		for _, h := range level {
			if !h.InRange(key) || !h.MayContain(key) {
				continue
			}
			v, ok, err := h.Get(key)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return v, true, nil
			}
		}
	}
	return 0, false, nil
}

// FlushSource builds a new level-0 SST from source (the frozen
// memtable's sorted iterator) and makes it live: the manifest is
// rewritten before the new table is linked into in-memory state, so a
// crash between build and manifest-write leaves the old state intact and
// the orphaned file gets swept on the next Open. approxEntries is the
// memtable's entry count, known to the caller before freezing, and is
// used only to size this table's bloom-filter bit budget.
func (t *Tree) FlushSource(source iterator.Source, approxEntries uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.nextGen[0]
	fk := storage.FileKey{Level: 0, Generation: gen}

	bits := t.bloomBitsForLevelLocked(0, approxEntries)
	opts := sstable.BuildOptions{
		IndexKind:     t.cfg.IndexKind,
		BloomBitCount: bits,
		WriteWindow:   t.cfg.WriteWindowPages,
	}
	if err := sstable.Build(t.fs, fk, &iterToSSTSource{it: source}, opts, t.log); err != nil {
		if err == sstable.ErrEmptySource {
			return nil
		}
		return fmt.Errorf("lsm: flush build: %w", err)
	}

	if err := t.publishLocked(0, gen); err != nil {
		return err
	}
	t.nextGen[0] = gen + 1

	return t.maybeCompactLocked(0)
}

// publishLocked opens the freshly built table, rewrites the manifest to
// include it, and links it into in-memory state. If the manifest write
// fails the table file is removed and never linked.
func (t *Tree) publishLocked(level int, gen uint64) error {
	fk := storage.FileKey{Level: level, Generation: gen}
	h, err := sstable.Open(t.fs, fk)
	if err != nil {
		return fmt.Errorf("lsm: open freshly built table: %w", err)
	}
	if err := t.manifest.Save(t.liveRefsWithLocked(level, gen)); err != nil {
		h.Release()
		_ = t.fs.Remove(fk)
		return fmt.Errorf("lsm: save manifest: %w", err)
	}
	t.levels[level] = append([]*sstable.Handle{h}, t.levels[level]...)
	return nil
}

func (t *Tree) liveRefsWithLocked(extraLevel int, extraGen uint64) []tableRef {
	refs := []tableRef{{Level: extraLevel, Generation: extraGen}}
	for l, handles := range t.levels {
		for _, h := range handles {
			refs = append(refs, tableRef{Level: l, Generation: h.Generation()})
		}
	}
	return refs
}

// bloomBitsForLevelLocked computes the Monkey allocation across every
// level's current entry count (plus the pending table's entries at its
// target level) and returns the bit budget for one new table of size
// newEntries at level.
func (t *Tree) bloomBitsForLevelLocked(level int, newEntries uint64) uint64 {
	counts := make([]uint64, len(t.levels))
	for l, handles := range t.levels {
		for _, h := range handles {
			counts[l] += h.NumEntries()
		}
	}
	counts[level] += newEntries

	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	totalBits := uint64(t.cfg.BloomBitsPerEntryL1 * float64(total))
	alloc := bloom.AllocateBits(totalBits, counts, t.cfg.UniformBloomBits)
	return uint64(alloc[level] * float64(newEntries))
}

// NewScanIterator builds a merged, tombstone-suppressing iterator.Source
// over every SST across every level, for use alongside the caller's own
// memtable snapshot iterator.
func (t *Tree) NewScanIterator(start, end uint64) (iterator.Source, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sources []iterator.Source
	for _, level := range t.levels {
		for _, h := range level {
			h.Ref()
			it, err := h.NewRangeIterator(start, end)
			if err != nil {
				h.Release()
				for _, s := range sources {
					s.Close()
				}
				return nil, err
			}
			sources = append(sources, &pinnedIterator{Source: it, handle: h})
		}
	}
	return iterator.New(sources, true), nil
}

// Stats summarizes the current shape of the tree.
type Stats struct {
	TablesPerLevel  []int
	EntriesPerLevel []uint64
}

func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		TablesPerLevel:  make([]int, len(t.levels)),
		EntriesPerLevel: make([]uint64, len(t.levels)),
	}
	for l, handles := range t.levels {
		s.TablesPerLevel[l] = len(handles)
		for _, h := range handles {
			s.EntriesPerLevel[l] += h.NumEntries()
		}
	}
	return s
}

// Close releases every open table handle.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, level := range t.levels {
		for _, h := range level {
			h.Release()
		}
	}
	return nil
}

// pinnedIterator ties a range iterator's lifetime to the ref count of the
// table it reads from, so a scan keeps its tables alive even if a
// compaction would otherwise delete them mid-scan.
type pinnedIterator struct {
	iterator.Source
	handle *sstable.Handle
}

func (p *pinnedIterator) Close() {
	p.Source.Close()
	p.handle.Release()
}

// iterToSSTSource adapts an iterator.Source (Entry-returning) to
// sstable.Source (raw key/value-returning), since the builder doesn't
// depend on the iterator package.
type iterToSSTSource struct {
	it iterator.Source
}

func (s *iterToSSTSource) Valid() bool { return s.it.Valid() }
func (s *iterToSSTSource) Next() (uint64, uint64) {
	e := s.it.Next()
	return e.Key, e.Value
}
