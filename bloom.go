package ridge

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/bits-and-blooms/bitset"
	"github.com/spaolacci/murmur3"
)

// bitsPerKey controls the bloom filter's size relative to its expected
// entry count; 10 bits/key gives roughly a 1% false-positive rate at
// bloomHashCount=4.
const bitsPerKey = 10
const bloomHashCount = 4

// BloomFilter is the per-SSTable probabilistic membership test: no
// false negatives, tunable false positives. Backed by
// bits-and-blooms/bitset for the bitmap and spaolacci/murmur3 for the
// 32-bit per-key hash.
type BloomFilter struct {
	bits *bitset.BitSet
	m    uint32 // bit count
}

// NewBloomFilter sizes a filter for expectedItems entries.
func NewBloomFilter(expectedItems int) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	m := uint32(expectedItems * bitsPerKey)
	if m < 64 {
		m = 64
	}
	return &BloomFilter{bits: bitset.New(uint(m)), m: m}
}

// hashPair returns the two base hashes used for double hashing
// (h1 + i*h2) mod m.
func hashPair(key []byte) (uint32, uint32) {
	h1, h2 := murmur3.Sum32(key), murmur3.Sum32WithSeed(key, 0x9e3779b9)
	return h1, h2
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < bloomHashCount; i++ {
		bit := (h1 + i*h2) % bf.m
		bf.bits.Set(uint(bit))
	}
}

// MayContain reports whether key could be present. It never returns false
// for a key that was Add-ed.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < bloomHashCount; i++ {
		bit := (h1 + i*h2) % bf.m
		if !bf.bits.Test(uint(bit)) {
			return false
		}
	}
	return true
}

// Marshal serializes the filter to the SSTable bloom section format:
// bitmap bytes followed by a u32 CRC. The
// bitmap is prefixed here with its bit count so Unmarshal can reconstruct
// an exact-size bitset; that length prefix is internal to the bloom
// section and doesn't change the footer's bloom_offset/metadata_offset
// bookkeeping in sstable.go.
func (bf *BloomFilter) Marshal() []byte {
	words := bf.bits.Bytes()
	buf := make([]byte, 4+len(words)*8)
	binary.LittleEndian.PutUint32(buf[0:4], bf.m)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[4+i*8:4+(i+1)*8], w)
	}
	crc := crc32.ChecksumIEEE(buf)
	out := make([]byte, len(buf)+4)
	copy(out, buf)
	binary.LittleEndian.PutUint32(out[len(buf):], crc)
	return out
}

// UnmarshalBloomFilter reconstructs a filter from Marshal's output,
// verifying the trailing CRC.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, newCorruption(CorruptionIllegalSize, "", "bloom section truncated")
	}
	body, crcBytes := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(crcBytes)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return nil, newCorruption(CorruptionBadCRC, "", "bloom filter checksum mismatch")
	}
	m := binary.LittleEndian.Uint32(body[0:4])
	nWords := (len(body) - 4) / 8
	words := make([]uint64, nWords)
	for i := 0; i < nWords; i++ {
		words[i] = binary.LittleEndian.Uint64(body[4+i*8 : 4+(i+1)*8])
	}
	bs := bitset.From(words)
	return &BloomFilter{bits: bs, m: m}, nil
}
