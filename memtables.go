package ridge

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// memtableRef is the atomically-swappable handle to the active memtable:
// readers dereference it without blocking a concurrent writer-driven
// swap, which waits for the outstanding reader count to drain to zero
// before proceeding.
type memtableRef struct {
	mt   *MemTable
	wal  *WAL
	refs int32
}

// Memtables is the per-keyspace memtable stack: one swappable active
// memtable plus a bounded LIFO queue of frozen memtables awaiting
// flush.
type Memtables struct {
	mu       sync.Mutex
	drained  *sync.Cond // signalled when a flushed memtable leaves inactive
	active   atomic.Pointer[memtableRef]
	inactive []*memtableRef // LIFO: index 0 is oldest

	maxInactive int
	nextID      atomic.Uint64
	onFull      func(*memtableRef) // invoked (async) once a memtable is frozen
	flushWG     sync.WaitGroup
}

func NewMemtables(maxInactive int, onFull func(*memtableRef)) *Memtables {
	if maxInactive < 1 {
		maxInactive = 1
	}
	m := &Memtables{maxInactive: maxInactive, onFull: onFull}
	m.drained = sync.NewCond(&m.mu)
	return m
}

// ActivateFirst installs id/mt/wal as the active memtable; used once at
// keyspace open.
func (m *Memtables) ActivateFirst(mt *MemTable, wal *WAL) {
	m.active.Store(&memtableRef{mt: mt, wal: wal})
	if mt.ID() >= m.nextID.Load() {
		m.nextID.Store(mt.ID() + 1)
	}
}

func (m *Memtables) nextMemtableID() uint64 {
	return m.nextID.Add(1) - 1
}

// acquireActive takes a reader reference on the current active memtable;
// callers must Release it when done. This is the drain mechanism a swap
// waits on.
func (m *Memtables) acquireActive() *memtableRef {
	for {
		ref := m.active.Load()
		atomic.AddInt32(&ref.refs, 1)
		if m.active.Load() == ref {
			return ref
		}
		atomic.AddInt32(&ref.refs, -1)
	}
}

func (ref *memtableRef) release() {
	atomic.AddInt32(&ref.refs, -1)
}

// Put appends to the active memtable's WAL then its map (WAL first,
// then memtable, then size counter), returning the
// memtable's post-insert size. If that size exceeds the configured
// threshold the caller (Keyspace) should call Freeze to swap in a new
// active memtable.
func (m *Memtables) Put(k Key, v []byte) (int64, error) {
	ref := m.acquireActive()
	defer ref.release()
	if err := ref.wal.Append(k, v); err != nil {
		return 0, err
	}
	ref.mt.Put(k, v)
	return ref.mt.Size(), nil
}

// Freeze swaps a fresh empty memtable into the active slot and pushes the
// old one onto the inactive queue, draining its reader count to zero
// first, then triggers an asynchronous flush. minSize keeps
// concurrent writers that raced past the size threshold from freezing a
// just-installed near-empty memtable: if the current active memtable is
// below it, Freeze is a no-op. Freezing blocks while the inactive queue
// is at capacity.
func (m *Memtables) Freeze(basePath, keyspaceID string, durability DurabilityLevel, minSize int64) (*memtableRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.inactive) >= m.maxInactive {
		m.drained.Wait()
	}
	old := m.active.Load()
	if old.mt.Size() < minSize {
		return nil, nil
	}

	id := m.nextMemtableID()
	newWAL, err := NewWAL(walPath(basePath, keyspaceID, id), durability)
	if err != nil {
		return nil, err
	}
	newRef := &memtableRef{mt: NewMemTable(id), wal: newWAL}
	m.active.Store(newRef)

	// Drain: wait until every reader that acquired `old` before the swap
	// releases it. Readers hold the reference for O(one-lookup) time, so
	// the wait is bounded.
	for atomic.LoadInt32(&old.refs) > 0 {
		runtime.Gosched()
	}

	m.inactive = append(m.inactive, old)
	if m.onFull != nil {
		m.flushWG.Add(1)
		go func() {
			defer m.flushWG.Done()
			m.onFull(old)
		}()
	}
	return old, nil
}

// WaitFlushes blocks until every in-flight flush hand-off completes, used
// on orderly shutdown.
func (m *Memtables) WaitFlushes() {
	m.flushWG.Wait()
}

// CloseWALs flushes and closes the active and every inactive memtable's
// WAL. The files stay on disk so the next open replays them.
func (m *Memtables) CloseWALs() error {
	var firstErr error
	ref := m.active.Load()
	if ref != nil {
		firstErr = ref.wal.Close()
	}
	m.mu.Lock()
	snapshot := append([]*memtableRef(nil), m.inactive...)
	m.mu.Unlock()
	for _, r := range snapshot {
		if err := r.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveInactive drops ref from the inactive queue once it has been
// durably flushed to an SSTable.
func (m *Memtables) RemoveInactive(ref *memtableRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.inactive {
		if r == ref {
			m.inactive = append(m.inactive[:i], m.inactive[i+1:]...)
			m.drained.Broadcast()
			return
		}
	}
}

// InactiveCount reports how many frozen memtables are awaiting flush.
func (m *Memtables) InactiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inactive)
}

// GetVisible probes the active memtable then the inactive queue in LIFO
// order for the newest visible version of keyBytes. The returned value
// may be a tombstone.
func (m *Memtables) GetVisible(keyBytes []byte, snap visibilitySnapshot) ([]byte, bool) {
	probe := func(mt *MemTable) ([]byte, bool) {
		var best Key
		var bestVal []byte
		found := false
		mt.AscendRange(Key{Bytes: keyBytes}, Key{}, func(k Key, v []byte) bool {
			if !bytes.Equal(k.Bytes, keyBytes) {
				return false
			}
			if snap.Visible(k.TxnID) && (!found || k.TxnID > best.TxnID) {
				best = k
				bestVal = append([]byte{}, v...)
				found = true
			}
			return true
		})
		return bestVal, found
	}

	ref := m.acquireActive()
	v, ok := probe(ref.mt)
	ref.release()
	if ok {
		return v, true
	}

	m.mu.Lock()
	snapshot := append([]*memtableRef(nil), m.inactive...)
	m.mu.Unlock()
	for i := len(snapshot) - 1; i >= 0; i-- {
		if v, ok := probe(snapshot[i].mt); ok {
			return v, true
		}
	}
	return nil, false
}

// IterActive returns a fresh snapshot iterator over the active memtable.
func (m *Memtables) IterActive() Iterator {
	ref := m.acquireActive()
	defer ref.release()
	return newMemtableIterator(ref.mt)
}

// IterAllMemtables returns one iterator per live memtable, active first
// then inactive newest-first, matching the read-order priority used by
// GetVisible.
func (m *Memtables) IterAllMemtables() []Iterator {
	ref := m.acquireActive()
	iters := []Iterator{newMemtableIterator(ref.mt)}
	ref.release()

	m.mu.Lock()
	snapshot := append([]*memtableRef(nil), m.inactive...)
	m.mu.Unlock()
	for i := len(snapshot) - 1; i >= 0; i-- {
		iters = append(iters, newMemtableIterator(snapshot[i].mt))
	}
	return iters
}

func walPath(basePath, keyspaceID string, memtableID uint64) string {
	return filepath.Join(basePath, keyspaceID, "WAL-"+strconv.FormatUint(memtableID, 10))
}
