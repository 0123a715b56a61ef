package ridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key is the pair (byte sequence, transaction id) the engine orders
// everything by. Natural ordering is lexicographic on Bytes, ties broken
// by ascending TxnID.
type Key struct {
	Bytes []byte
	TxnID uint64
}

// NewKey builds a Key from raw bytes and a transaction id.
func NewKey(b []byte, txnID uint64) Key {
	return Key{Bytes: b, TxnID: txnID}
}

// Compare orders lexicographically on Bytes, ties broken by ascending
// TxnID.
func (k Key) Compare(other Key) int {
	if c := bytes.Compare(k.Bytes, other.Bytes); c != 0 {
		return c
	}
	switch {
	case k.TxnID < other.TxnID:
		return -1
	case k.TxnID > other.TxnID:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before other; satisfies google/btree.Item.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// PrefixDifference computes the length of the longest common byte prefix
// between k and other, and the remaining length of k's bytes after that
// prefix.
func (k Key) PrefixDifference(other Key) (overlap, restLen int) {
	a, b := k.Bytes, other.Bytes
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	i := 0
	for i < max && a[i] == b[i] {
		i++
	}
	return i, len(a) - i
}

// Split partitions k's bytes at byte offset n into (head, tail); both
// halves inherit k's TxnID.
func (k Key) Split(n int) (head, tail Key) {
	if n < 0 || n > len(k.Bytes) {
		panic(fmt.Sprintf("ridge: Key.Split offset %d out of range [0,%d]", n, len(k.Bytes)))
	}
	head = Key{Bytes: k.Bytes[:n:n], TxnID: k.TxnID}
	tail = Key{Bytes: k.Bytes[n:], TxnID: k.TxnID}
	return head, tail
}

// MergeKeys concatenates a's and b's bytes under txn, the inverse of
// Split.
func MergeKeys(a, b Key, txn uint64) Key {
	buf := make([]byte, 0, len(a.Bytes)+len(b.Bytes))
	buf = append(buf, a.Bytes...)
	buf = append(buf, b.Bytes...)
	return Key{Bytes: buf, TxnID: txn}
}

// EncodedLen returns the serialized size of k: u64 txn-id, u16 byte
// length, raw bytes.
func (k Key) EncodedLen() int {
	return 8 + 2 + len(k.Bytes)
}

// Encode appends k's wire representation to dst and returns the result.
func (k Key) Encode(dst []byte) []byte {
	var hdr [10]byte
	binary.LittleEndian.PutUint64(hdr[0:8], k.TxnID)
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(len(k.Bytes)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, k.Bytes...)
	return dst
}

// DecodeKey reads a Key from the front of src, returning the key and the
// number of bytes consumed.
func DecodeKey(src []byte) (Key, int, error) {
	if len(src) < 10 {
		return Key{}, 0, newCorruption(CorruptionIllegalSize, "", "key header truncated")
	}
	txn := binary.LittleEndian.Uint64(src[0:8])
	n := binary.LittleEndian.Uint16(src[8:10])
	if len(src) < 10+int(n) {
		return Key{}, 0, newCorruption(CorruptionIllegalSize, "", "key bytes truncated")
	}
	b := make([]byte, n)
	copy(b, src[10:10+int(n)])
	return Key{Bytes: b, TxnID: txn}, 10 + int(n), nil
}

// Tombstone is the reserved value denoting a logical deletion: the
// empty value. Every write/read path recognizes it via IsTombstone, which
// treats any zero-length value (nil included) as a tombstone, so an empty
// value cannot be stored as a live value.
var Tombstone = []byte{}

// IsTombstone reports whether v represents a deletion marker.
func IsTombstone(v []byte) bool {
	return len(v) == 0
}
