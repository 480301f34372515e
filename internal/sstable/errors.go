package sstable

import "errors"

// ErrCorrupt is returned (or wrapped) whenever a page fails a structural
// check: missing magic, an out-of-range entry count, or similar. Tables
// returning it are removed on open rather than repaired.
var ErrCorrupt = errors.New("sstable: corrupt table")

// ErrEmptySource is returned by Build when the input iterator yields no
// entries; an SST with zero entries has no min/max key and is disallowed.
var ErrEmptySource = errors.New("sstable: cannot build an empty table")

// ErrClosed is returned by Handle methods once the table's last reference
// has been released.
var ErrClosed = errors.New("sstable: handle closed")
