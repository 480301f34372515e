// Package memtable implements the in-memory sorted table that buffers
// recent writes ahead of a flush to a level-0 SST.
//
// The table is a top-down, one-pass red-black tree stored in a
// pre-allocated array of nodes; array indices stand in for pointers and no
// parent links are kept, following the classic non-recursive one-pass
// rebalancing scheme in Sedgewick's left-leaning form. Delete stores a
// tombstone value rather than removing a node, so no node is ever unlinked
// from the tree. Index 0 is
// reserved as the "nil" sentinel, matching the arena convention used
// elsewhere in this lineage for index-addressed structures.
package memtable

import "errors"

// TombstoneValue is the sentinel value marking a deletion. Defined here too
// (mirrored from the db-facade package) so this package has no dependency
// on the rest of the module.
const TombstoneValue = ^uint64(0)

// entryBytes is the fixed on-disk/in-memory cost of one (key, value) pair.
const entryBytes = 16

// ErrCapacityExceeded is returned by Put when inserting the entry would
// cross the configured byte budget. The LSM tree uses this as its flush
// trigger; it is never surfaced past that point.
var ErrCapacityExceeded = errors.New("memtable: capacity exceeded")

const nilIdx int32 = 0

type color bool

const (
	red   color = true
	black color = false
)

type node struct {
	key, value  uint64
	left, right int32
	c           color
	used        bool
}

// MemTable is an ordered map from uint64 key to uint64 value, capacity
// bounded by a byte budget fixed at construction.
type MemTable struct {
	nodes []node
	root  int32
	free  int32 // next unused slot in nodes (bump allocator; nodes are never reclaimed individually)
	n     int   // live entry count
	cap   int   // max entries admitted by the byte budget
}

// New creates an empty MemTable sized for the given byte budget.
// capacityBytes/16 entries can be admitted before Put starts returning
// ErrCapacityExceeded.
func New(capacityBytes int64) *MemTable {
	cap := int(capacityBytes / entryBytes)
	if cap < 1 {
		cap = 1
	}
	return &MemTable{
		// +1 for the reserved nil slot at index 0.
		nodes: make([]node, cap+1),
		root:  nilIdx,
		free:  1,
		cap:   cap,
	}
}

// Len returns the number of live entries.
func (m *MemTable) Len() int { return m.n }

// SizeBytes returns the current footprint in the fixed 16-bytes-per-entry
// accounting the spec uses for capacity planning.
func (m *MemTable) SizeBytes() int64 { return int64(m.n) * entryBytes }

// Capacity returns the maximum number of entries this table can hold.
func (m *MemTable) Capacity() int { return m.cap }

// Full reports whether the table has reached its entry budget and should
// be frozen and flushed.
func (m *MemTable) Full() bool { return m.n >= m.cap }

// Get looks up key, returning its value (which may be TombstoneValue for a
// pending deletion) and whether it was found.
func (m *MemTable) Get(key uint64) (uint64, bool) {
	x := m.root
	for x != nilIdx {
		nd := &m.nodes[x]
		switch {
		case key < nd.key:
			x = nd.left
		case key > nd.key:
			x = nd.right
		default:
			return nd.value, true
		}
	}
	return 0, false
}

// Put inserts or overwrites key with value. Returns ErrCapacityExceeded if
// key is new and the table is already full; existing keys can always be
// overwritten in place.
func (m *MemTable) Put(key, value uint64) error {
	if _, exists := m.Get(key); !exists && m.Full() {
		return ErrCapacityExceeded
	}
	m.root = m.insert(key, value)
	m.nodes[m.root].c = black
	return nil
}

// Delete marks key as deleted by storing the tombstone value. Like Put, a
// delete of a key not already present still costs one slot.
func (m *MemTable) Delete(key uint64) error {
	return m.Put(key, TombstoneValue)
}

// pathStep records one edge walked during insert's descent: node is the
// parent and right tells which child was taken, so the ascent can patch
// that child's link if a rotation replaces what lives under it.
type pathStep struct {
	node  int32
	right bool
}

// insert is the classic top-down red-black insert done in one pass with no
// recursion: 4-nodes (two red children) are split on the way down as the
// descent visits each node, and red-red violations are fixed on the way
// back up by unwinding an explicit path stack rather than by a recursive
// call stack. path holds one step per level descended, so it never grows
// beyond the tree's height; it is local to this call and unrelated to the
// index-addressed stack the iterator keeps for its own traversal.
func (m *MemTable) insert(key, value uint64) int32 {
	var path []pathStep

	x := m.root
	for x != nilIdx {
		if m.isRed(m.nodes[x].left) && m.isRed(m.nodes[x].right) {
			m.flipColors(x)
		}

		switch {
		case key < m.nodes[x].key:
			path = append(path, pathStep{node: x, right: false})
			x = m.nodes[x].left
		case key > m.nodes[x].key:
			path = append(path, pathStep{node: x, right: true})
			x = m.nodes[x].right
		default:
			m.nodes[x].value = value
			return m.unwind(path, x)
		}
	}

	return m.unwind(path, m.newNode(key, value))
}

// unwind patches each ancestor's child link to point at cur (the subtree
// built or touched one level down), applying the same pair of rotation
// checks the recursive formulation applied after each return, then returns
// the resulting root of the whole tree.
func (m *MemTable) unwind(path []pathStep, cur int32) int32 {
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		if step.right {
			m.nodes[step.node].right = cur
		} else {
			m.nodes[step.node].left = cur
		}

		x := step.node
		if m.isRed(m.nodes[x].right) && !m.isRed(m.nodes[x].left) {
			x = m.rotateLeft(x)
		}
		if m.isRed(m.nodes[x].left) && m.isRed(m.nodes[m.nodes[x].left].left) {
			x = m.rotateRight(x)
		}
		cur = x
	}
	return cur
}

func (m *MemTable) newNode(key, value uint64) int32 {
	idx := m.free
	m.free++
	m.nodes[idx] = node{key: key, value: value, left: nilIdx, right: nilIdx, c: red, used: true}
	m.n++
	return idx
}

func (m *MemTable) isRed(x int32) bool {
	return x != nilIdx && m.nodes[x].c == red
}

func (m *MemTable) rotateLeft(x int32) int32 {
	y := m.nodes[x].right
	m.nodes[x].right = m.nodes[y].left
	m.nodes[y].left = x
	m.nodes[y].c = m.nodes[x].c
	m.nodes[x].c = red
	return y
}

func (m *MemTable) rotateRight(x int32) int32 {
	y := m.nodes[x].left
	m.nodes[x].left = m.nodes[y].right
	m.nodes[y].right = x
	m.nodes[y].c = m.nodes[x].c
	m.nodes[x].c = red
	return y
}

func (m *MemTable) flipColors(x int32) {
	m.nodes[x].c = !m.nodes[x].c
	m.nodes[m.nodes[x].left].c = !m.nodes[m.nodes[x].left].c
	m.nodes[m.nodes[x].right].c = !m.nodes[m.nodes[x].right].c
}

// Entry is a single (key, value) pair yielded by iteration.
type Entry struct {
	Key   uint64
	Value uint64
}
