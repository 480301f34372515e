// Package iterator implements the k-way merged iterator shared by
// compaction and range scans: a min-heap merge of several key-sorted
// streams that resolves duplicate keys newest-wins and can optionally drop
// tombstones from the output.
package iterator

import "container/heap"

// TombstoneValue mirrors memtable.TombstoneValue; kept as a local constant
// so this package has no dependency on the memtable package.
const TombstoneValue = ^uint64(0)

// Entry is one (key, value) pair produced by a Source.
type Entry struct {
	Key   uint64
	Value uint64
}

// Source is a lazy, finite, non-restartable stream of key-sorted entries,
// e.g. a memtable range iterator or an SST leaf scan. Rank orders sources
// by freshness: rank 0 is newest. When two sources produce the same key,
// the lower-rank source's value wins and the other is silently advanced
// past it.
type Source interface {
	// Valid reports whether Next would return an entry.
	Valid() bool
	// Next returns the current entry and advances the source. The
	// entries returned by one Source must be strictly increasing in Key.
	Next() Entry
	// Close releases any resources (e.g. a pinned SST reference) held by
	// this source. Safe to call multiple times.
	Close()
}

type heapItem struct {
	key   uint64
	value uint64
	idx   int // index into merger.sources, also doubles as the tie-break rank
}

type itemHeap []heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].idx < h[j].idx
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merger merges N ranked Sources into a single key-sorted, duplicate-free
// stream. Construct with New, drain with Valid/Next, and always Close it
// so every underlying Source is released even on an early exit.
type Merger struct {
	sources            []Source
	h                  itemHeap
	suppressTombstones bool
	pending            *heapItem
}

// New builds a merger over sources, where sources[i] has rank i (lower
// rank wins ties — pass the newest source first). If suppressTombstones is
// true, entries whose winning value is TombstoneValue are skipped rather
// than emitted — this is the policy for user-facing scans and for
// compaction into the deepest level; all other compactions must pass
// false so deletions keep shadowing older values underneath them.
func New(sources []Source, suppressTombstones bool) *Merger {
	m := &Merger{sources: sources, suppressTombstones: suppressTombstones}
	m.h = make(itemHeap, 0, len(sources))
	for i := range sources {
		m.pullInto(i)
	}
	heap.Init(&m.h)

	m.advance()
	return m
}

func (m *Merger) pullInto(idx int) {
	s := m.sources[idx]
	if s.Valid() {
		e := s.Next()
		heap.Push(&m.h, heapItem{key: e.Key, value: e.Value, idx: idx})
	}
}

// advance pops the next distinct key off the heap (discarding any
// lower-priority duplicates of the same key) and, if tombstone suppression
// is enabled and that key's winning value is a tombstone, keeps going
// until it finds a key to surface or the stream is exhausted.
func (m *Merger) advance() {
	for m.h.Len() > 0 {
		top := m.h[0]
		m.dropKey(top.key)

		if m.suppressTombstones && top.value == TombstoneValue {
			continue
		}
		item := top
		m.pending = &item
		return
	}
	m.pending = nil
}

// dropKey pops every heap entry carrying key, refilling each source it
// consumed from.
func (m *Merger) dropKey(key uint64) {
	for m.h.Len() > 0 && m.h[0].key == key {
		item := heap.Pop(&m.h).(heapItem)
		m.pullInto(item.idx)
	}
}

// Valid reports whether Next would return an entry.
func (m *Merger) Valid() bool {
	return m.pending != nil
}

// Next returns the current merged entry and advances to the next distinct
// key.
func (m *Merger) Next() Entry {
	e := Entry{Key: m.pending.key, Value: m.pending.value}
	m.advance()
	return e
}

// Close releases every underlying source.
func (m *Merger) Close() {
	for _, s := range m.sources {
		s.Close()
	}
}
