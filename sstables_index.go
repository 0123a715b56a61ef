package ridge

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// SSTablesIndex is the per-keyspace container of vectors-per-level: L0
// may hold overlapping SSTables; every level L>=1 under the
// simple-leveled strategy keeps disjoint key ranges. Each level is
// guarded independently so flushes into L0 never contend with a
// compaction reading L3.
type SSTablesIndex struct {
	basePath   string
	keyspaceID string

	levels []levelList
	nextID atomic.Uint64
}

type levelList struct {
	mu   sync.RWMutex
	ssts []*SSTable
}

func NewSSTablesIndex(basePath, keyspaceID string, maxLevels int) *SSTablesIndex {
	return &SSTablesIndex{
		basePath:   basePath,
		keyspaceID: keyspaceID,
		levels:     make([]levelList, maxLevels),
	}
}

// AdoptExisting registers an already-opened SSTable at its level, used
// while reopening a keyspace from disk.
func (idx *SSTablesIndex) AdoptExisting(sst *SSTable) {
	l := &idx.levels[sst.Level()]
	l.mu.Lock()
	l.ssts = append(l.ssts, sst)
	l.mu.Unlock()
	if sst.ID() >= idx.nextID.Load() {
		idx.nextID.Store(sst.ID() + 1)
	}
}

func (idx *SSTablesIndex) nextSSTableID() uint64 {
	return idx.nextID.Add(1) - 1
}

// snapshot returns a stable, ref-counted copy of level L's SSTable
// list; the caller must releaseAll it when done.
func (idx *SSTablesIndex) snapshot(level int) []*SSTable {
	if level < 0 || level >= len(idx.levels) {
		return nil
	}
	l := &idx.levels[level]
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*SSTable, len(l.ssts))
	copy(out, l.ssts)
	for _, s := range out {
		s.Acquire()
	}
	return out
}

func releaseAll(snap []*SSTable) {
	for _, s := range snap {
		s.Release()
	}
}

// FlushToDisk assigns the next sstable id, writes entries (already
// sorted, already MVCC-filtered) to a new file, and inserts it into
// level 0 under the write lock.
func (idx *SSTablesIndex) FlushToDisk(entries []blockEntry, blockSize, bloomNEntries, nCachedBlocks int) (*SSTable, error) {
	return idx.FlushToDiskAt(entries, 0, blockSize, bloomNEntries, nCachedBlocks)
}

// FlushToDiskAt is FlushToDisk generalized to an arbitrary output level,
// used by compaction to write directly into the task's output level.
func (idx *SSTablesIndex) FlushToDiskAt(entries []blockEntry, level, blockSize, bloomNEntries, nCachedBlocks int) (*SSTable, error) {
	id := idx.nextSSTableID()
	path := sstablePath(idx.basePath, idx.keyspaceID, id)
	sst, err := BuildSSTable(path, id, level, blockSize, bloomNEntries, entries, nCachedBlocks)
	if err != nil {
		return nil, err
	}
	l := &idx.levels[level]
	l.mu.Lock()
	l.ssts = append(l.ssts, sst)
	l.mu.Unlock()
	return sst, nil
}

// levelRemoval names the SSTables to remove from one input level of a
// compaction.
type levelRemoval struct {
	level int
	old   []*SSTable
}

// InstallCompacted removes the superseded SSTables from every input
// level, marking each Deleted; the compaction's output SSTables were
// already installed at their level by FlushToDiskAt. Call only after
// the new SSTables are durably written and the manifest's compaction
// operation is logged.
func (idx *SSTablesIndex) InstallCompacted(removals []levelRemoval) error {
	var victims []*SSTable
	for _, r := range removals {
		l := &idx.levels[r.level]
		l.mu.Lock()
		l.ssts = removeAll(l.ssts, r.old)
		l.mu.Unlock()
		victims = append(victims, r.old...)
	}

	for _, s := range victims {
		if err := s.MarkDeleted(); err != nil {
			return err
		}
	}
	return nil
}

func removeAll(list []*SSTable, remove []*SSTable) []*SSTable {
	drop := make(map[uint64]bool, len(remove))
	for _, s := range remove {
		drop[s.ID()] = true
	}
	out := list[:0:0]
	for _, s := range list {
		if !drop[s.ID()] {
			out = append(out, s)
		}
	}
	return out
}

// DeleteSSTables marks each named id in level as Deleted and removes it
// from the level list; the file itself is unlinked once the last
// outstanding reference releases.
func (idx *SSTablesIndex) DeleteSSTables(level int, ids []uint64) error {
	l := &idx.levels[level]
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	l.mu.Lock()
	var victims []*SSTable
	kept := l.ssts[:0:0]
	for _, s := range l.ssts {
		if want[s.ID()] {
			victims = append(victims, s)
		} else {
			kept = append(kept, s)
		}
	}
	l.ssts = kept
	l.mu.Unlock()

	for _, s := range victims {
		if err := s.MarkDeleted(); err != nil {
			return err
		}
	}
	return nil
}

// LevelSSTables returns a snapshot of level's SSTables without acquiring
// read references, used by compaction strategies to inspect sizes and counts.
func (idx *SSTablesIndex) LevelSSTables(level int) []*SSTable {
	if level < 0 || level >= len(idx.levels) {
		return nil
	}
	l := &idx.levels[level]
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*SSTable, len(l.ssts))
	copy(out, l.ssts)
	return out
}

func (idx *SSTablesIndex) NumLevels() int { return len(idx.levels) }

// ScanFromLevels returns a merge iterator across every SSTable in the
// named levels, acquiring a reference on each so the iteration never
// races with a concurrent file deletion. Level 0 sources are ordered
// newest-first so the merge's rank tie-break prefers the most recent
// flush when two L0 files carry the same exact key.
func (idx *SSTablesIndex) ScanFromLevels(levels []int) (Iterator, []*SSTable) {
	var held []*SSTable
	var streams []Iterator
	for _, level := range levels {
		snap := idx.snapshot(level)
		if level == 0 {
			for i, j := 0, len(snap)-1; i < j; i, j = i+1, j-1 {
				snap[i], snap[j] = snap[j], snap[i]
			}
		}
		for _, s := range snap {
			held = append(held, s)
			streams = append(streams, newSSTableIterator(s))
		}
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return newKWayMergeIterator(streams...), held
}

// GetVisible probes the levels for the newest visible version of
// keyBytes: L0 newest-first, then each deeper level, skipping
// SSTables whose key range or bloom filter rules the key out. Compaction
// only ever moves versions downward, so the first container that yields a
// visible version holds the newest one; within a level every matching
// SSTable is consulted (tiered compaction permits same-level overlap).
// The returned value may be a tombstone.
func (idx *SSTablesIndex) GetVisible(keyBytes []byte, snap visibilitySnapshot) ([]byte, bool, error) {
	for level := 0; level < len(idx.levels); level++ {
		ssts := idx.snapshot(level)
		if level == 0 {
			for i, j := 0, len(ssts)-1; i < j; i, j = i+1, j-1 {
				ssts[i], ssts[j] = ssts[j], ssts[i]
			}
		}
		var best Key
		var bestVal []byte
		found := false
		for _, s := range ssts {
			if !s.MayContainBytes(keyBytes) {
				continue
			}
			k, v, ok, err := s.newestVisible(keyBytes, snap)
			if err != nil {
				releaseAll(ssts)
				return nil, false, err
			}
			if ok && (!found || k.TxnID > best.TxnID) {
				best, bestVal, found = k, v, true
			}
			if found && level == 0 {
				// L0 files are recency-ordered; a hit in a newer file
				// shadows anything older files could hold.
				break
			}
		}
		releaseAll(ssts)
		if found {
			return bestVal, true, nil
		}
	}
	return nil, false, nil
}

func parseSSTableIDFromName(name string) (uint64, bool) {
	if len(name) < 4 || name[:4] != "sst-" {
		return 0, false
	}
	id, err := strconv.ParseUint(name[4:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
