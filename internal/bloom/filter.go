package bloom

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxHashFunctions bounds k per spec: round(b*ln2) clamped to [1,16].
const MaxHashFunctions = 16

// Filter is a fixed-size bit array tested by k seeded hash functions. It
// never produces a false negative: every key inserted will later test
// positive.
type Filter struct {
	bits  []byte
	nbits uint64
	funcs []HashFunction
}

// New creates a filter with the given bit budget and hash seeds. len(seeds)
// is k.
func New(nbits uint64, seeds []uint64) *Filter {
	if nbits == 0 {
		nbits = 1
	}
	funcs := make([]HashFunction, len(seeds))
	for i, s := range seeds {
		funcs[i] = NewHashFunction(s)
	}
	return &Filter{
		bits:  make([]byte, (nbits+7)/8),
		nbits: nbits,
		funcs: funcs,
	}
}

// OptimalK returns round(b*ln2) clamped to [1, MaxHashFunctions], the
// hash-function count that minimizes false positives for a filter sized at
// b bits per entry.
func OptimalK(bitsPerEntry float64) int {
	k := int(math.Round(bitsPerEntry * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > MaxHashFunctions {
		k = MaxHashFunctions
	}
	return k
}

// Seeds generates k deterministic-but-distinct seeds for a filter, derived
// from a base seed so that two filters built with the same base and k
// produce identical hash families (useful for reproducible tests).
func Seeds(base uint64, k int) []uint64 {
	seeds := make([]uint64, k)
	h := NewHashFunction(0x9E3779B97F4A7C15)
	s := base
	for i := range seeds {
		s = h.Hash(s) + uint64(i)*0xBF58476D1CE4E5B9
		seeds[i] = s
	}
	return seeds
}

// Insert sets the k bits for key.
func (f *Filter) Insert(key uint64) {
	for _, h := range f.funcs {
		f.setBit(h.Hash(key) % f.nbits)
	}
}

// MayContain reports whether key might be in the set. false means the key
// is definitely absent.
func (f *Filter) MayContain(key uint64) bool {
	for _, h := range f.funcs {
		if !f.getBit(h.Hash(key) % f.nbits) {
			return false
		}
	}
	return true
}

func (f *Filter) setBit(i uint64) {
	f.bits[i/8] |= 1 << (i % 8)
}

func (f *Filter) getBit(i uint64) bool {
	return f.bits[i/8]&(1<<(i%8)) != 0
}

// NumBits returns the bit-array size.
func (f *Filter) NumBits() uint64 { return f.nbits }

// K returns the number of hash functions.
func (f *Filter) K() int { return len(f.funcs) }

// HashSeeds returns the seeds of this filter's hash functions, in order, for
// persistence into SST metadata.
func (f *Filter) HashSeeds() []uint64 {
	seeds := make([]uint64, len(f.funcs))
	for i, h := range f.funcs {
		seeds[i] = h.Seed()
	}
	return seeds
}

// Bytes returns the raw bitmap, padded by the caller to a page boundary
// before being written to an SST.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// FromBytes reconstructs a filter from a raw bitmap and the seeds that were
// used to build it (as persisted in SST metadata).
func FromBytes(data []byte, nbits uint64, seeds []uint64) (*Filter, error) {
	want := (nbits + 7) / 8
	if uint64(len(data)) < want {
		return nil, fmt.Errorf("bloom: short bitmap: have %d bytes, want %d", len(data), want)
	}
	funcs := make([]HashFunction, len(seeds))
	for i, s := range seeds {
		funcs[i] = NewHashFunction(s)
	}
	return &Filter{
		bits:  data[:want],
		nbits: nbits,
		funcs: funcs,
	}, nil
}

// EncodeSeeds and DecodeSeeds convert a seed array to and from consecutive
// little-endian u64s, the layout the SST metadata page uses for its bloom
// seeds (the sstable codec writes that array inline and does not call them).
func EncodeSeeds(seeds []uint64) []byte {
	buf := make([]byte, len(seeds)*8)
	for i, s := range seeds {
		binary.LittleEndian.PutUint64(buf[i*8:], s)
	}
	return buf
}

func DecodeSeeds(buf []byte, k int) []uint64 {
	seeds := make([]uint64, k)
	for i := range seeds {
		seeds[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return seeds
}
