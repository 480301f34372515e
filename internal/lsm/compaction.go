package lsm

import (
	"fmt"

	"github.com/nyasuto/moz/internal/iterator"
	"github.com/nyasuto/moz/internal/sstable"
	"github.com/nyasuto/moz/internal/storage"
)

// maybeCompactLocked checks level for Dostoevsky's trigger condition and,
// if met, performs one compaction step and recurses into the level it
// fed. Must be called with t.mu held.
func (t *Tree) maybeCompactLocked(level int) error {
	if level >= len(t.levels) {
		return nil
	}
	deepest := level == len(t.levels)-1

	if deepest {
		return t.maybeCompactDeepestLocked(level)
	}
	return t.maybeCompactTieredLocked(level)
}

// maybeCompactTieredLocked merges all T resident tables of a tiered level
// into one new table at level+1 once the trigger count is reached.
func (t *Tree) maybeCompactTieredLocked(level int) error {
	inputs := t.levels[level]
	if len(inputs) < t.cfg.SizeRatio {
		return nil
	}

	// A tiered merge never suppresses tombstones, even when its target is
	// the deepest level: it only sees the overflowing inputs, not that
	// level's existing resident, so suppressing here could drop a
	// deletion that still needs to shadow a value merge hasn't seen yet.
	// If the target level already holds a resident, the recursive
	// maybeCompactLocked call below lands on maybeCompactDeepestLocked,
	// which merges the arrival against that resident with suppression
	// enabled and is where the tombstone actually gets dropped.
	if err := t.mergeIntoLocked(level+1, inputs, false); err != nil {
		return fmt.Errorf("lsm: tiered compaction L%d->L%d: %w", level, level+1, err)
	}
	t.releaseAndClearLevelLocked(level, inputs)

	return t.maybeCompactLocked(level + 1)
}

// maybeCompactDeepestLocked implements the leveled half of Dostoevsky:
// the deepest level holds at most one resident table; a second arrival
// merges with it, tombstones suppressed since nothing deeper remains to
// shadow.
func (t *Tree) maybeCompactDeepestLocked(level int) error {
	if len(t.levels[level]) <= 1 {
		return nil
	}
	inputs := t.levels[level]
	if err := t.mergeIntoLocked(level, inputs, true); err != nil {
		return fmt.Errorf("lsm: leveled compaction at L%d: %w", level, err)
	}
	t.releaseAndClearLevelLocked(level, inputs)
	return nil
}

// mergeIntoLocked builds one new SST at targetLevel from a newest-wins,
// duplicate-free merge of inputs (already ordered newest-first) and
// publishes it.
func (t *Tree) mergeIntoLocked(targetLevel int, inputs []*sstable.Handle, suppressTombstones bool) error {
	var approxEntries uint64
	var sources []iterator.Source
	for _, h := range inputs {
		approxEntries += h.NumEntries()
		it, err := h.NewRangeIterator(0, ^uint64(0))
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return err
		}
		sources = append(sources, it)
	}
	merged := iterator.New(sources, suppressTombstones)
	defer merged.Close()

	gen := t.nextGen[targetLevel]
	fk := storage.FileKey{Level: targetLevel, Generation: gen}
	bits := t.bloomBitsForLevelLocked(targetLevel, approxEntries)
	opts := sstable.BuildOptions{
		IndexKind:     t.cfg.IndexKind,
		BloomBitCount: bits,
		WriteWindow:   t.cfg.WriteWindowPages,
	}

	err := sstable.Build(t.fs, fk, &iterToSSTSource{it: merged}, opts, t.log)
	if err == sstable.ErrEmptySource {
		// Every input entry was a tombstone suppressed at the deepest
		// level; there is nothing to publish, but the inputs are still
		// retired by the caller.
		return nil
	}
	if err != nil {
		return err
	}

	if err := t.publishLocked(targetLevel, gen); err != nil {
		return err
	}
	t.nextGen[targetLevel] = gen + 1
	return nil
}

// releaseAndClearLevelLocked drops inputs from in-memory state, releases
// their reference, deletes the files once no reader holds them, and
// rewrites the manifest to drop them from the live set.
func (t *Tree) releaseAndClearLevelLocked(level int, inputs []*sstable.Handle) {
	remaining := make([]*sstable.Handle, 0, len(t.levels[level])-len(inputs))
	retired := make(map[uint64]bool, len(inputs))
	for _, h := range inputs {
		retired[h.Generation()] = true
	}
	for _, h := range t.levels[level] {
		if retired[h.Generation()] {
			continue
		}
		remaining = append(remaining, h)
	}
	t.levels[level] = remaining

	refs := t.liveRefsWithoutExtraLocked()
	if err := t.manifest.Save(refs); err != nil {
		t.log.Warn().Err(err).Msg("failed to save manifest after retiring compaction inputs")
	}

	for _, h := range inputs {
		// MarkRetired deletes the file once the last reference drops —
		// immediately if no scan is pinning it, deferred otherwise.
		h.MarkRetired()
		h.Release()
	}
}

func (t *Tree) liveRefsWithoutExtraLocked() []tableRef {
	var refs []tableRef
	for l, handles := range t.levels {
		for _, h := range handles {
			refs = append(refs, tableRef{Level: l, Generation: h.Generation()})
		}
	}
	return refs
}
