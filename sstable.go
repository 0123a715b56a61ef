package ridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// sstableState tracks the Active/Deleted lifecycle: a deleted SSTable's
// file is only unlinked once its last reader releases.
type sstableState uint8

const (
	sstableActive sstableState = iota
	sstableDeleted
)

const sstableTrailerSize = 1 + 4 + 4 + 4 // state:u8 level:u32 bloom_offset:u32 metadata_offset:u32

// blockMeta is one entry of an SSTable's block-metadata section.
// First/last keys are user bytes only, matching the on-disk section
// layout; versions of one key may span adjacent blocks, so range
// comparisons against metadata always work at the bytes level.
type blockMeta struct {
	firstKey Key
	lastKey  Key
	offset   uint32
}

// SSTable is an immutable, sorted, block-organized run on disk:
// CRC-suffixed blocks, a block-metadata section, a bloom section, and a
// fixed trailer. Blocks are read with pread-style calls so every decode
// flows through the clock-style BlockCache.
type SSTable struct {
	mu sync.Mutex

	id    uint64
	level int
	path  string
	file  *os.File

	state       sstableState
	blockSize   int
	blockMetas  []blockMeta
	bloom       *BloomFilter
	cache       *BlockCache
	refs        int32
	minKey      Key
	maxKey      Key
	bloomOffset uint32
	metaOffset  uint32
}

// BuildSSTable serializes entries (already sorted, already
// MVCC-filtered by the caller) into a fresh SSTable file at path:
// sealed blocks with CRC, then the block-metadata section, then the
// bloom section, then the fixed trailer. The file is written to a temp
// path in the same directory and renamed into place.
func BuildSSTable(path string, id uint64, level int, blockSize int, bloomNEntries int, entries []blockEntry, nCachedBlocks int) (*SSTable, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, newIOErr(KindIoWrite, path, "create sstable temp file", err)
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bloom := NewBloomFilter(bloomNEntries)
	var metas []blockMeta
	var offset uint32

	builder := NewBlockBuilder(blockSize)
	var firstInBlock, lastInBlock Key
	haveFirst := false

	flushBlock := func() error {
		if builder.IsEmpty() {
			return nil
		}
		buf := builder.Finish()
		crc := crc32.ChecksumIEEE(buf)
		var crcBuf [4]byte
		binary.LittleEndian.PutUint32(crcBuf[:], crc)
		if _, err := tmp.Write(buf); err != nil {
			return newIOErr(KindIoWrite, tmpName, "write block", err)
		}
		if _, err := tmp.Write(crcBuf[:]); err != nil {
			return newIOErr(KindIoWrite, tmpName, "write block crc", err)
		}
		metas = append(metas, blockMeta{
			firstKey: Key{Bytes: firstInBlock.Bytes},
			lastKey:  Key{Bytes: lastInBlock.Bytes},
			offset:   offset,
		})
		offset += uint32(len(buf) + 4)
		builder = NewBlockBuilder(blockSize)
		haveFirst = false
		return nil
	}

	var minKey, maxKey Key
	haveAny := false
	for _, e := range entries {
		if !builder.AddEntry(e.Key, e.Value) {
			if err := flushBlock(); err != nil {
				return nil, err
			}
			if !builder.AddEntry(e.Key, e.Value) {
				return nil, newErr(KindInvalidArgument, "entry too large for block size", nil)
			}
		}
		if !haveFirst {
			firstInBlock = e.Key
			haveFirst = true
		}
		lastInBlock = e.Key
		bloom.Add(e.Key.Bytes)
		if !haveAny {
			minKey = e.Key
			haveAny = true
		}
		maxKey = e.Key
	}
	if err := flushBlock(); err != nil {
		return nil, err
	}

	metaOffset := offset
	metaBody := encodeBlockMetaSection(metas)
	if _, err := tmp.Write(metaBody); err != nil {
		return nil, newIOErr(KindIoWrite, tmpName, "write block metadata section", err)
	}
	offset += uint32(len(metaBody))

	bloomOffset := offset
	bloomBody := bloom.Marshal()
	if _, err := tmp.Write(bloomBody); err != nil {
		return nil, newIOErr(KindIoWrite, tmpName, "write bloom section", err)
	}
	offset += uint32(len(bloomBody))

	trailer := make([]byte, sstableTrailerSize)
	trailer[0] = byte(sstableActive)
	binary.LittleEndian.PutUint32(trailer[1:5], uint32(level))
	binary.LittleEndian.PutUint32(trailer[5:9], bloomOffset)
	binary.LittleEndian.PutUint32(trailer[9:13], metaOffset)
	if _, err := tmp.Write(trailer); err != nil {
		return nil, newIOErr(KindIoWrite, tmpName, "write sstable trailer", err)
	}

	if err := tmp.Sync(); err != nil {
		return nil, newIOErr(KindIoFsync, tmpName, "fsync sstable", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, newIOErr(KindIoWrite, tmpName, "close sstable temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, newIOErr(KindIoWrite, path, "rename sstable into place", err)
	}
	succeeded = true

	f, err := os.Open(path)
	if err != nil {
		return nil, newIOErr(KindIoRead, path, "reopen sstable", err)
	}

	sst := &SSTable{
		id:          id,
		level:       level,
		path:        path,
		file:        f,
		state:       sstableActive,
		blockSize:   blockSize,
		blockMetas:  metas,
		bloom:       bloom,
		cache:       NewBlockCache(nCachedBlocks),
		minKey:      minKey,
		maxKey:      maxKey,
		bloomOffset: bloomOffset,
		metaOffset:  metaOffset,
	}
	return sst, nil
}

func encodeBlockMetaSection(metas []blockMeta) []byte {
	var body []byte
	nHdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(nHdr, uint32(len(metas)))
	body = append(body, nHdr...)
	for _, m := range metas {
		body = appendLenPrefixedKey(body, m.firstKey)
		body = appendLenPrefixedKey(body, m.lastKey)
		var offBuf [4]byte
		binary.LittleEndian.PutUint32(offBuf[:], m.offset)
		body = append(body, offBuf[:]...)
	}
	crc := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	// The CRC precedes the count in the section header, covering
	// everything after it.
	out := make([]byte, 0, 4+len(body))
	out = append(out, crcBuf[:]...)
	out = append(out, body...)
	return out
}

func appendLenPrefixedKey(dst []byte, k Key) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(k.Bytes)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, k.Bytes...)
	return dst
}

func readLenPrefixedKeyBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, newCorruption(CorruptionIllegalSize, "", "block metadata key length truncated")
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n > len(data) {
		return nil, 0, newCorruption(CorruptionIllegalSize, "", "block metadata key bytes truncated")
	}
	b := append([]byte{}, data[off:off+n]...)
	return b, off + n, nil
}

// OpenSSTable reopens an existing SSTable file, reading its trailer and
// metadata/bloom sections to rebuild the in-memory index without
// reading the data blocks themselves; those load lazily per block
// through the cache.
func OpenSSTable(path string, id uint64, nCachedBlocks int, blockSize int) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newIOErr(KindIoRead, path, "open sstable", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newIOErr(KindIoRead, path, "stat sstable", err)
	}
	size := stat.Size()
	if size < int64(sstableTrailerSize) {
		f.Close()
		return nil, newCorruption(CorruptionIllegalSize, path, "sstable file shorter than trailer")
	}

	trailer := make([]byte, sstableTrailerSize)
	if _, err := f.ReadAt(trailer, size-int64(sstableTrailerSize)); err != nil {
		f.Close()
		return nil, newIOErr(KindIoRead, path, "read sstable trailer", err)
	}
	state := sstableState(trailer[0])
	level := int(binary.LittleEndian.Uint32(trailer[1:5]))
	bloomOffset := binary.LittleEndian.Uint32(trailer[5:9])
	metaOffset := binary.LittleEndian.Uint32(trailer[9:13])

	if int64(bloomOffset) > size || int64(metaOffset) > size || metaOffset > bloomOffset {
		f.Close()
		return nil, newCorruption(CorruptionIllegalOffset, path, "sstable trailer offsets out of range")
	}

	bloomLen := int64(size) - int64(sstableTrailerSize) - int64(bloomOffset)
	bloomBuf := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(bloomOffset)); err != nil {
		f.Close()
		return nil, newIOErr(KindIoRead, path, "read sstable bloom section", err)
	}
	bloom, err := UnmarshalBloomFilter(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	metaLen := int64(bloomOffset) - int64(metaOffset)
	metaBuf := make([]byte, metaLen)
	if _, err := f.ReadAt(metaBuf, int64(metaOffset)); err != nil {
		f.Close()
		return nil, newIOErr(KindIoRead, path, "read sstable block metadata section", err)
	}
	metas, err := decodeBlockMetaSection(metaBuf, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	sst := &SSTable{
		id:          id,
		level:       level,
		path:        path,
		file:        f,
		state:       state,
		blockSize:   blockSize,
		blockMetas:  metas,
		bloom:       bloom,
		cache:       NewBlockCache(nCachedBlocks),
		bloomOffset: bloomOffset,
		metaOffset:  metaOffset,
	}
	if len(metas) > 0 {
		sst.minKey = metas[0].firstKey
		sst.maxKey = metas[len(metas)-1].lastKey
	}
	return sst, nil
}

func decodeBlockMetaSection(data []byte, path string) ([]blockMeta, error) {
	if len(data) < 8 {
		return nil, newCorruption(CorruptionIllegalSize, path, "block metadata section truncated")
	}
	wantCRC := binary.LittleEndian.Uint32(data[0:4])
	body := data[4:]
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return nil, newCorruption(CorruptionBadCRC, path, "block metadata section checksum mismatch")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	off := 4
	metas := make([]blockMeta, 0, n)
	for i := 0; i < n; i++ {
		var firstBytes, lastBytes []byte
		var err error
		firstBytes, off, err = readLenPrefixedKeyBytes(body, off)
		if err != nil {
			return nil, err
		}
		lastBytes, off, err = readLenPrefixedKeyBytes(body, off)
		if err != nil {
			return nil, err
		}
		if off+4 > len(body) {
			return nil, newCorruption(CorruptionIllegalSize, path, "block metadata offset truncated")
		}
		blkOff := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		metas = append(metas, blockMeta{
			firstKey: Key{Bytes: firstBytes},
			lastKey:  Key{Bytes: lastBytes},
			offset:   blkOff,
		})
	}
	return metas, nil
}

// readBlock fetches block i, consulting the cache first.
func (s *SSTable) readBlock(i int) (*Block, error) {
	if b, ok := s.cache.Get(uint32(i)); ok {
		return b, nil
	}
	var end uint32
	if i+1 < len(s.blockMetas) {
		end = s.blockMetas[i+1].offset
	} else {
		end = s.metaOffset
	}
	start := s.blockMetas[i].offset
	payloadLen := int(end-start) - 4
	if payloadLen != s.blockSize {
		return nil, newCorruption(CorruptionIllegalSize, s.path, "block region size does not match block_size_bytes")
	}
	buf := make([]byte, int(end-start))
	if _, err := s.file.ReadAt(buf, int64(start)); err != nil {
		return nil, newIOErr(KindIoRead, s.path, "read block", err)
	}
	body, crcBytes := buf[:payloadLen], buf[payloadLen:]
	wantCRC := binary.LittleEndian.Uint32(crcBytes)
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, newCorruption(CorruptionBadCRC, s.path, "block checksum mismatch")
	}
	blk, err := DecodeBlock(body, s.blockSize)
	if err != nil {
		return nil, err
	}
	s.cache.Put(uint32(i), blk)
	return blk, nil
}

// findBlock binary-searches the block metadata for the first block
// whose [firstKey, lastKey] byte range could contain keyBytes, or -1.
// Versions of one key can span adjacent blocks, so when several blocks
// match the earliest one is returned.
func (s *SSTable) findBlock(keyBytes []byte) int {
	lo, hi := 0, len(s.blockMetas)-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		m := s.blockMetas[mid]
		switch {
		case bytes.Compare(keyBytes, m.lastKey.Bytes) > 0:
			lo = mid + 1
		case bytes.Compare(keyBytes, m.firstKey.Bytes) < 0:
			hi = mid - 1
		default:
			result = mid
			hi = mid - 1 // keep looking for an earlier matching block
		}
	}
	return result
}

// Get looks up the exact (Bytes, TxnID) key: bloom first, then block
// metadata, then intra-block binary search. The walk continues into
// following blocks while their range still covers the key bytes.
func (s *SSTable) Get(k Key) ([]byte, bool, error) {
	if !s.bloom.MayContain(k.Bytes) {
		return nil, false, nil
	}
	idx := s.findBlock(k.Bytes)
	if idx < 0 {
		return nil, false, nil
	}
	for ; idx < len(s.blockMetas); idx++ {
		if bytes.Compare(s.blockMetas[idx].firstKey.Bytes, k.Bytes) > 0 {
			break
		}
		blk, err := s.readBlock(idx)
		if err != nil {
			return nil, false, err
		}
		if _, v, ok := blk.Get(k); ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// MayContainBytes reports whether keyBytes falls inside [minKey, maxKey],
// used by the SSTables index to skip whole files without consulting the
// bloom filter or block metadata. Compares user bytes only: any version of
// the key counts.
func (s *SSTable) MayContainBytes(keyBytes []byte) bool {
	if len(s.blockMetas) == 0 {
		return false
	}
	return bytes.Compare(keyBytes, s.minKey.Bytes) >= 0 && bytes.Compare(keyBytes, s.maxKey.Bytes) <= 0
}

// newestVisible scans the versions of keyBytes held by this SSTable and
// returns the one with the greatest visible txn-id. The returned value
// may be a tombstone; the caller decides what that means.
func (s *SSTable) newestVisible(keyBytes []byte, snap visibilitySnapshot) (Key, []byte, bool, error) {
	if !s.bloom.MayContain(keyBytes) {
		return Key{}, nil, false, nil
	}
	it := newSSTableIterator(s)
	it.Seek(Key{Bytes: keyBytes}, true)
	var best Key
	var bestVal []byte
	found := false
	for it.Next() {
		k := it.Key()
		if !bytes.Equal(k.Bytes, keyBytes) {
			break
		}
		if snap.Visible(k.TxnID) && (!found || k.TxnID > best.TxnID) {
			best = k
			bestVal = append([]byte{}, it.Value()...)
			found = true
		}
	}
	if it.err != nil {
		return Key{}, nil, false, it.err
	}
	return best, bestVal, found, nil
}

// ApproxSizeBytes estimates the SSTable's on-disk footprint from its
// block count, used by the compaction strategies to compare level sizes
// without re-stat'ing the file.
func (s *SSTable) ApproxSizeBytes() int64 {
	return int64(len(s.blockMetas)) * int64(s.blockSize)
}

func (s *SSTable) ID() uint64    { return s.id }
func (s *SSTable) Level() int    { return s.level }
func (s *SSTable) Path() string  { return s.path }
func (s *SSTable) MinKey() Key   { return s.minKey }
func (s *SSTable) MaxKey() Key   { return s.maxKey }
func (s *SSTable) NumBlocks() int { return len(s.blockMetas) }

// Acquire/Release implement the shared-reference counting that defers
// file deletion: a deleted SSTable's file is only unlinked once the
// last outstanding reference (an iterator or a reader holding it across
// a lookup) releases.
func (s *SSTable) Acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *SSTable) Release() error {
	s.mu.Lock()
	s.refs--
	shouldUnlink := s.refs <= 0 && s.state == sstableDeleted
	s.mu.Unlock()
	if shouldUnlink {
		return s.closeAndUnlink()
	}
	return nil
}

// MarkDeleted transitions the SSTable to Deleted; the file is removed
// immediately if no reader currently holds a reference.
func (s *SSTable) MarkDeleted() error {
	s.mu.Lock()
	s.state = sstableDeleted
	shouldUnlink := s.refs <= 0
	s.mu.Unlock()
	if shouldUnlink {
		return s.closeAndUnlink()
	}
	return nil
}

func (s *SSTable) closeAndUnlink() error {
	if err := s.file.Close(); err != nil {
		return newIOErr(KindIoWrite, s.path, "close sstable before unlink", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return newIOErr(KindIoWrite, s.path, "unlink deleted sstable", err)
	}
	return nil
}

// Close releases the file handle without unlinking, used on normal
// engine shutdown.
func (s *SSTable) Close() error {
	return s.file.Close()
}

func sstablePath(basePath, keyspaceID string, id uint64) string {
	return filepath.Join(basePath, keyspaceID, fmt.Sprintf("sst-%d", id))
}
