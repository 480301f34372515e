package lsm

import "github.com/nyasuto/moz/internal/sstable"

// Config holds the tunables that shape the tree: how many levels it has,
// the tiered/leveled size ratio, and the bloom-filter bit budget that
// Monkey allocates across levels.
type Config struct {
	// NumLevels is L; level L-1 is the deepest, leveled level.
	NumLevels int
	// SizeRatio is T: at most T SSTs accumulate at a tiered level before
	// they are merged into the next level.
	SizeRatio int
	// MemtableCapacityBytes is the memtable byte budget that per-level
	// sizes (T^l * this) are expressed in. The tree does not read it:
	// compaction triggers count tables per level.
	MemtableCapacityBytes int64
	// BloomBitsPerEntryL1 is the uniform baseline bits-per-entry that
	// Monkey's allocation departs from.
	BloomBitsPerEntryL1 float64
	// UniformBloomBits disables Monkey and gives every level the same
	// bits-per-entry instead.
	UniformBloomBits bool
	// IndexKind selects the B+-tree or binary-search SST layout.
	IndexKind sstable.IndexKind
	// WriteWindowPages is the sequential-writer buffering window used
	// when building new SSTs.
	WriteWindowPages int
}

// DefaultConfig returns reasonable defaults for a small embedded
// deployment: 6 levels, size ratio 4, a 4 MiB memtable anchor.
func DefaultConfig() Config {
	return Config{
		NumLevels:             6,
		SizeRatio:             4,
		MemtableCapacityBytes: 4 << 20,
		BloomBitsPerEntryL1:   10,
		UniformBloomBits:      false,
		IndexKind:             sstable.IndexBTree,
		WriteWindowPages:      64,
	}
}
