// Package bloom implements the fixed-size bloom filter and the seeded hash
// family used by it and by the buffer pool's page table, plus the Monkey
// per-level bit allocation.
package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashFunction is one member of a seeded 64-bit hash family. The same key
// hashed under two different seeds is expected to land in statistically
// independent buckets, which is all a bloom filter or an open-addressed
// table needs.
type HashFunction struct {
	seed uint64
}

// NewHashFunction returns the hash function for the given seed.
func NewHashFunction(seed uint64) HashFunction {
	return HashFunction{seed: seed}
}

// Seed returns the seed this function was constructed with, so callers can
// persist it (e.g. into SST metadata) and reconstruct the same function
// later.
func (h HashFunction) Seed() uint64 {
	return h.seed
}

// Hash mixes the seed into an xxhash digest ahead of the key bytes. xxhash's
// own avalanche finalizer does the rest of the work; this is cheaper than
// keeping one hash.Hash64 object per seed and calling Reset between uses.
func (h HashFunction) Hash(key uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.seed)
	binary.LittleEndian.PutUint64(buf[8:16], key)
	return xxhash.Sum64(buf[:])
}

// HashBytes is the byte-slice counterpart of Hash, used by the buffer
// pool's page-identity folding where the input isn't a single uint64.
func (h HashFunction) HashBytes(data []byte) uint64 {
	d := xxhash.New()
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], h.seed)
	_, _ = d.Write(seedBytes[:])
	_, _ = d.Write(data)
	return d.Sum64()
}
