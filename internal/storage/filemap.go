package storage

import (
	"encoding/binary"

	"github.com/nyasuto/moz/internal/bloom"
)

// PageID is an opaque buffer-pool identifier. The FileMap is the only
// thing that knows how to translate a PageKey to one; the cache itself
// never sees a PageKey.
type PageID uint64

// fileMapSeed is the fixed seed the FileMap folds every PageKey through via
// C1's hash family; fixed rather than random since the table only needs to
// be internally consistent across the lifetime of one FileMap, not stable
// across process restarts.
const fileMapSeed = 0x4d4f5a46494c4531 // "MOZFILE1"

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOccupied
	slotTombstone
)

type filemapSlot struct {
	state slotState
	key   PageKey
	id    PageID
}

// FileMap translates (level, generation, page_number) to a buffer-pool
// PageID and back. It is an open-addressing, linear-probing table over a
// fixed-capacity, power-of-two slot array: PageKey hashes to a starting
// slot via C1's seeded hash family, collisions probe linearly, and a
// deleted entry leaves a tombstone behind so later probes for a different
// key that collided with it still find their way past. Once occupied+
// tombstone slots cross a 0.7 load factor the table doubles and rehashes,
// dropping tombstones in the process.
//
// Mutating or removing a file disassociates every PageID that pointed into
// it, so the next access mints a fresh one — this is how the buffer pool
// invalidates cached copies of a mutated or deleted file without scanning
// its cache.
type FileMap struct {
	hash  bloom.HashFunction
	slots []filemapSlot
	mask  uint64
	live  int // occupied, non-tombstone entries
	dead  int // tombstone entries; counted toward load factor too, since they lengthen probes just like live entries
	next  PageID
}

const initialFileMapCapacity = 16 // must stay a power of two

const fileMapMaxLoadFactor = 0.7

// NewFileMap creates an empty translation table.
func NewFileMap() *FileMap {
	fm := &FileMap{
		hash: bloom.NewHashFunction(fileMapSeed),
		next: 1,
	}
	fm.reset(initialFileMapCapacity)
	return fm
}

func (fm *FileMap) reset(capacity int) {
	fm.slots = make([]filemapSlot, capacity)
	fm.mask = uint64(capacity - 1)
	fm.live = 0
	fm.dead = 0
}

// encodePageKey folds the (level, generation, page_number) triple into a
// byte string for HashBytes, the way sstable metadata folds similar
// composite keys ahead of hashing.
func encodePageKey(key PageKey) [20]byte {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(int64(key.Level)))
	binary.LittleEndian.PutUint64(buf[8:16], key.Generation)
	binary.LittleEndian.PutUint32(buf[16:20], key.PageNumber)
	return buf
}

func (fm *FileMap) startSlot(key PageKey) uint64 {
	b := encodePageKey(key)
	return fm.hash.HashBytes(b[:]) & fm.mask
}

func (fm *FileMap) loadFactor() float64 {
	return float64(fm.live+fm.dead) / float64(len(fm.slots))
}

// IDFor returns the PageID for key, minting a new one if this is the first
// time key has been seen (or the first time since it was last
// invalidated).
func (fm *FileMap) IDFor(key PageKey) PageID {
	if fm.loadFactor() > fileMapMaxLoadFactor {
		fm.grow()
	}
	return fm.idForProbed(key)
}

// idForProbed does one linear-probing pass: it returns the id of a matching
// occupied slot, or mints one into the first tombstone/empty slot found.
// The table is grown and the probe retried on the vanishingly unlikely
// event that growth above left no empty slot reachable (every slot
// occupied or tombstoned) before a match was found.
func (fm *FileMap) idForProbed(key PageKey) PageID {
	start := fm.startSlot(key)
	firstTombstone := -1
	for i := uint64(0); i <= fm.mask; i++ {
		pos := (start + i) & fm.mask
		slot := &fm.slots[pos]
		switch slot.state {
		case slotOccupied:
			if slot.key == key {
				return slot.id
			}
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = int(pos)
			}
		case slotEmpty:
			insertAt := pos
			if firstTombstone >= 0 {
				insertAt = uint64(firstTombstone)
				fm.dead--
			}
			id := fm.next
			fm.next++
			fm.slots[insertAt] = filemapSlot{state: slotOccupied, key: key, id: id}
			fm.live++
			return id
		}
	}
	fm.grow()
	return fm.idForProbed(key)
}

// grow doubles the table's capacity and rehashes every live entry into it,
// dropping tombstones along the way.
func (fm *FileMap) grow() {
	old := fm.slots
	newCapacity := len(fm.slots) * 2
	fm.reset(newCapacity)
	for _, slot := range old {
		if slot.state == slotOccupied {
			fm.insertDirect(slot.key, slot.id)
		}
	}
}

// insertDirect places a known-fresh (key, id) pair into an empty slot
// during a rehash; the source table already guaranteed key's uniqueness.
func (fm *FileMap) insertDirect(key PageKey, id PageID) {
	start := fm.startSlot(key)
	for i := uint64(0); i <= fm.mask; i++ {
		pos := (start + i) & fm.mask
		if fm.slots[pos].state == slotEmpty {
			fm.slots[pos] = filemapSlot{state: slotOccupied, key: key, id: id}
			fm.live++
			return
		}
	}
}

// IDsForFile returns every live PageID whose key belongs to fk, for the
// caller to invalidate from the page cache before dropping them here.
func (fm *FileMap) IDsForFile(fk FileKey) []PageID {
	var out []PageID
	for _, slot := range fm.slots {
		if slot.state == slotOccupied && slot.key.FileKey == fk {
			out = append(out, slot.id)
		}
	}
	return out
}

// InvalidateFile drops every PageID mapping for the given file, so that any
// page of it still referenced by a cache entry effectively becomes
// unreachable by key: a later IDFor for the same PageKey mints a new id,
// and the cache (keyed by PageID) will treat it as a cold miss.
func (fm *FileMap) InvalidateFile(fk FileKey) {
	for i := range fm.slots {
		if fm.slots[i].state == slotOccupied && fm.slots[i].key.FileKey == fk {
			fm.slots[i] = filemapSlot{state: slotTombstone}
			fm.live--
			fm.dead++
		}
	}
}
