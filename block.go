package ridge

import (
	"encoding/binary"
	"sort"
)

// blockFlag selects the on-disk encoding of a block's entries.
type blockFlag uint64

const (
	blockFlagPrefix blockFlag = iota
	blockFlagRaw
)

const blockTrailerSize = 12 // u64 flag + u16 n_entries + u16 offsets_offset

// blockEntry is one decoded (key, value) pair held by a Block.
type blockEntry struct {
	Key   Key
	Value []byte
}

// Block is the smallest unit of SSTable I/O: a fixed physical
// size on disk, holding a sequence of prefix-compressed (or, on overflow,
// raw) entries plus an offset index and a trailer. Once decoded it
// exposes its entries sorted by Key for binary-search lookup and
// sequential iteration.
type Block struct {
	entries []blockEntry
}

func (b *Block) Len() int { return len(b.entries) }

// Get binary-searches the block's offset index; the decoded key carries
// the txn-id, so ties are inherently broken by it.
func (b *Block) Get(k Key) (Key, []byte, bool) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Key.Compare(k) >= 0
	})
	if i < len(b.entries) && b.entries[i].Key.Compare(k) == 0 {
		return b.entries[i].Key, b.entries[i].Value, true
	}
	return Key{}, nil, false
}

// seekIndex returns the index of the first entry whose key is >= k
// (inclusive=true) or strictly > k (inclusive=false).
func (b *Block) seekIndex(k Key, inclusive bool) int {
	if inclusive {
		return sort.Search(len(b.entries), func(i int) bool {
			return b.entries[i].Key.Compare(k) >= 0
		})
	}
	return sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Key.Compare(k) > 0
	})
}

// BlockBuilder accumulates sorted entries up to blockSizeBytes before the
// caller must Finish it.
type BlockBuilder struct {
	blockSize int
	entries   []blockEntry
	estSize   int // entries region estimate, excludes trailer/offsets
}

// reserve is the fixed footer the builder must always leave
// room for: the offsets array (2 bytes/entry) plus the 12-byte trailer.
func (bb *BlockBuilder) reserve() int {
	return len(bb.entries)*2 + blockTrailerSize
}

func NewBlockBuilder(blockSize int) *BlockBuilder {
	return &BlockBuilder{blockSize: blockSize}
}

func (bb *BlockBuilder) IsEmpty() bool { return len(bb.entries) == 0 }

// entryEncodedSizeRaw is the exact size of entry (k, v) in the raw
// encoding: u64 txn + u16 len + key bytes + u16 value_len + value bytes.
func entryEncodedSizeRaw(k Key, v []byte) int {
	return k.EncodedLen() + 2 + len(v)
}

// AddEntry appends (k, v) to the block being built. It fails (returns
// false, does not mutate the builder) when the entry would push the
// raw serialized size past blockSize; the caller then finalizes the
// current block and starts a new one. The prefix encoding can be larger
// than the raw one, in which case Finish falls back to raw.
func (bb *BlockBuilder) AddEntry(k Key, v []byte) bool {
	next := bb.estSize + entryEncodedSizeRaw(k, v)
	if next+(len(bb.entries)+1)*2+blockTrailerSize > bb.blockSize {
		return false
	}
	bb.entries = append(bb.entries, blockEntry{Key: k, Value: append([]byte{}, v...)})
	bb.estSize = next
	return true
}

// Finish serializes the accumulated entries into exactly blockSize bytes,
// attempting prefix compression first and falling back to raw encoding
// when the compressed form would not fit.
func (bb *BlockBuilder) Finish() []byte {
	if buf, ok := bb.serializePrefixCompressed(); ok {
		return buf
	}
	return bb.serializeRaw()
}

func (bb *BlockBuilder) serializePrefixCompressed() ([]byte, bool) {
	var body []byte
	offsets := make([]uint16, len(bb.entries))
	var prev Key
	havePrev := false
	for i, e := range bb.entries {
		offsets[i] = uint16(len(body))
		overlap, restLen := 0, len(e.Key.Bytes)
		if havePrev {
			overlap, restLen = e.Key.PrefixDifference(prev)
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(overlap))
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(restLen))
		body = append(body, hdr[:]...)
		var txnBuf [8]byte
		binary.LittleEndian.PutUint64(txnBuf[:], e.Key.TxnID)
		body = append(body, txnBuf[:]...)
		body = append(body, e.Key.Bytes[len(e.Key.Bytes)-restLen:]...)
		var vlen [2]byte
		binary.LittleEndian.PutUint16(vlen[:], uint16(len(e.Value)))
		body = append(body, vlen[:]...)
		body = append(body, e.Value...)
		prev = e.Key
		havePrev = true
	}
	return bb.assemble(body, offsets, blockFlagPrefix)
}

func (bb *BlockBuilder) serializeRaw() []byte {
	var body []byte
	offsets := make([]uint16, len(bb.entries))
	for i, e := range bb.entries {
		offsets[i] = uint16(len(body))
		body = e.Key.Encode(body)
		var vlen [2]byte
		binary.LittleEndian.PutUint16(vlen[:], uint16(len(e.Value)))
		body = append(body, vlen[:]...)
		body = append(body, e.Value...)
	}
	buf, ok := bb.assemble(body, offsets, blockFlagRaw)
	if !ok {
		// The raw encoding is never larger than blockSize for entries this
		// builder accepted (AddEntry bounds on the raw size), so assemble
		// only fails here on a caller error we want to surface loudly.
		panic("ridge: block raw encoding exceeds block size; builder accepted an oversized entry")
	}
	return buf
}

func (bb *BlockBuilder) assemble(body []byte, offsets []uint16, flag blockFlag) ([]byte, bool) {
	offBytes := len(offsets) * 2
	total := len(body) + offBytes + blockTrailerSize
	if total > bb.blockSize {
		return nil, false
	}
	buf := make([]byte, bb.blockSize)
	copy(buf, body)
	offsetsOffset := bb.blockSize - blockTrailerSize - offBytes
	for i, off := range offsets {
		binary.LittleEndian.PutUint16(buf[offsetsOffset+i*2:], off)
	}
	trailerOffset := bb.blockSize - blockTrailerSize
	binary.LittleEndian.PutUint64(buf[trailerOffset:trailerOffset+8], uint64(flag))
	binary.LittleEndian.PutUint16(buf[bb.blockSize-4:bb.blockSize-2], uint16(len(offsets)))
	binary.LittleEndian.PutUint16(buf[bb.blockSize-2:bb.blockSize], uint16(offsetsOffset))
	return buf, true
}

// DecodeBlock deserializes a block previously produced by Finish. It
// rejects any input whose length isn't exactly blockSize; the whole
// block decodes or fails atomically.
func DecodeBlock(data []byte, blockSize int) (*Block, error) {
	if len(data) != blockSize {
		return nil, newCorruption(CorruptionIllegalSize, "", "block length does not match block_size_bytes")
	}
	trailerOffset := blockSize - blockTrailerSize
	flag := blockFlag(binary.LittleEndian.Uint64(data[trailerOffset : trailerOffset+8]))
	nEntries := int(binary.LittleEndian.Uint16(data[blockSize-4 : blockSize-2]))
	offsetsOffset := int(binary.LittleEndian.Uint16(data[blockSize-2 : blockSize]))
	if offsetsOffset < 0 || offsetsOffset+nEntries*2 > trailerOffset {
		return nil, newCorruption(CorruptionIllegalOffset, "", "offsets region out of range")
	}
	offsets := make([]int, nEntries)
	for i := 0; i < nEntries; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[offsetsOffset+i*2 : offsetsOffset+i*2+2]))
	}

	entries := make([]blockEntry, 0, nEntries)
	switch flag {
	case blockFlagPrefix:
		var prev Key
		for i, off := range offsets {
			if off < 0 || off+4 > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalOffset, "", "entry header out of range")
			}
			overlap := int(binary.LittleEndian.Uint16(data[off : off+2]))
			restLen := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
			p := off + 4
			if p+8 > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry txn-id truncated")
			}
			txn := binary.LittleEndian.Uint64(data[p : p+8])
			p += 8
			if p+restLen > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry key bytes truncated")
			}
			rest := data[p : p+restLen]
			p += restLen
			var keyBytes []byte
			if i == 0 || overlap == 0 {
				keyBytes = append([]byte{}, rest...)
			} else {
				keyBytes = make([]byte, 0, overlap+restLen)
				keyBytes = append(keyBytes, prev.Bytes[:overlap]...)
				keyBytes = append(keyBytes, rest...)
			}
			if p+2 > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry value length truncated")
			}
			vlen := int(binary.LittleEndian.Uint16(data[p : p+2]))
			p += 2
			if p+vlen > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry value truncated")
			}
			value := append([]byte{}, data[p:p+vlen]...)
			key := Key{Bytes: keyBytes, TxnID: txn}
			entries = append(entries, blockEntry{Key: key, Value: value})
			prev = key
		}
	case blockFlagRaw:
		for _, off := range offsets {
			key, n, err := DecodeKey(data[off:offsetsOffset])
			if err != nil {
				return nil, err
			}
			p := off + n
			if p+2 > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry value length truncated")
			}
			vlen := int(binary.LittleEndian.Uint16(data[p : p+2]))
			p += 2
			if p+vlen > offsetsOffset {
				return nil, newCorruption(CorruptionIllegalSize, "", "entry value truncated")
			}
			value := append([]byte{}, data[p:p+vlen]...)
			entries = append(entries, blockEntry{Key: key, Value: value})
		}
	default:
		return nil, newCorruption(CorruptionUnknownFlag, "", "unknown block encoding flag")
	}

	return &Block{entries: entries}, nil
}
