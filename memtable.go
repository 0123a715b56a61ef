package ridge

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// memtableItem adapts a Key/value pair to google/btree.Item; the tree
// orders purely by Key so readers always see the MVCC ordering: bytes,
// then ascending txn-id.
type memtableItem struct {
	key   Key
	value []byte
}

func (a memtableItem) Less(other btree.Item) bool {
	return a.key.Less(other.(memtableItem).key)
}

// MemTable is the in-memory, ordered write buffer backing one keyspace's
// active or inactive slot. Backed by google/btree so range scans and
// merge iteration see entries in Key order without a separate sort
// step.
type MemTable struct {
	mu   sync.RWMutex
	tree *btree.BTree
	size int64
	id   uint64
}

const btreeDegree = 32

func NewMemTable(id uint64) *MemTable {
	return &MemTable{tree: btree.New(btreeDegree), id: id}
}

func (mt *MemTable) ID() uint64 { return mt.id }

// Put inserts or overwrites the value for k. Callers are expected to
// have already appended the corresponding WAL record before calling
// this: WAL first, then memtable.
func (mt *MemTable) Put(k Key, v []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	item := memtableItem{key: k, value: append([]byte{}, v...)}
	oldSize := int64(0)
	if old := mt.tree.ReplaceOrInsert(item); old != nil {
		oi := old.(memtableItem)
		oldSize = int64(len(oi.key.Bytes) + len(oi.value))
	}
	atomic.AddInt64(&mt.size, int64(len(k.Bytes)+len(v))-oldSize)
}

// Delete writes a tombstone for k: an empty, non-nil value.
func (mt *MemTable) Delete(k Key) {
	mt.Put(k, Tombstone)
}

// Get returns the exact (Bytes, TxnID) entry if present.
func (mt *MemTable) Get(k Key) ([]byte, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	found := mt.tree.Get(memtableItem{key: k})
	if found == nil {
		return nil, false
	}
	return found.(memtableItem).value, true
}

// Size reports the memtable's approximate byte footprint, compared
// against Options.MemtableMaxSizeBytes to decide when to freeze it.
func (mt *MemTable) Size() int64 {
	return atomic.LoadInt64(&mt.size)
}

// Len reports the number of distinct (Bytes, TxnID) entries held.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.tree.Len()
}

// AscendRange iterates entries whose Key lies within [from, to) in
// ascending order, stopping early if fn returns false. Used by the
// memtable iterator and by the flush path to drain entries in sorted
// order for SSTable building.
func (mt *MemTable) AscendRange(from, to Key, fn func(k Key, v []byte) bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	pivot := memtableItem{key: from}
	var stop memtableItem
	hasStop := to.Bytes != nil || to.TxnID != 0
	if hasStop {
		stop = memtableItem{key: to}
	}
	mt.tree.AscendGreaterOrEqual(pivot, func(it btree.Item) bool {
		mi := it.(memtableItem)
		if hasStop && !mi.key.Less(stop.key) {
			return false
		}
		return fn(mi.key, mi.value)
	})
}

// AscendAll iterates every entry in Key order.
func (mt *MemTable) AscendAll(fn func(k Key, v []byte) bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	mt.tree.Ascend(func(it btree.Item) bool {
		mi := it.(memtableItem)
		return fn(mi.key, mi.value)
	})
}
