package ridge

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Keyspace is one independent LSM tree: its own memtables, SSTables,
// manifest and compaction goroutine, sharing only the Engine's
// TransactionManager with its siblings.
type Keyspace struct {
	id       string
	basePath string
	opts     Options
	flags    KeyspaceFlags

	memtables *Memtables
	sstables  *SSTablesIndex
	manifest  *Manifest
	txnMgr    *TransactionManager
	strategy  compactionStrategy
	compactor *compactionDriver

	closed atomic.Bool
}

func keyspaceDir(basePath, id string) string { return filepath.Join(basePath, id) }

// loadOrCreateDescriptor reads <dir>/desc, creating it with zero flags
// if absent.
func loadOrCreateDescriptor(dir string) (KeyspaceFlags, error) {
	path := filepath.Join(dir, "desc")
	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, newIOErr(KindIoRead, path, "read keyspace descriptor", err)
		}
		if werr := os.WriteFile(path, make([]byte, 8), 0644); werr != nil {
			return 0, newIOErr(KindIoWrite, path, "create keyspace descriptor", werr)
		}
		return 0, nil
	}
	if len(buf) < 8 {
		return 0, newCorruption(CorruptionIllegalSize, path, "keyspace descriptor truncated")
	}
	var flags uint64
	for i := 7; i >= 0; i-- {
		flags = flags<<8 | uint64(buf[i])
	}
	return KeyspaceFlags(flags), nil
}

// openKeyspace reopens or creates the on-disk state at <basePath>/<id>:
// replay the manifest, adopt surviving sst-<id> files, replay any WALs
// left by a crash. txnMgr is the Engine-wide shared transaction
// manager.
func openKeyspace(basePath, id string, opts Options, txnMgr *TransactionManager) (*Keyspace, []error, error) {
	dir := keyspaceDir(basePath, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, newIOErr(KindIoWrite, dir, "create keyspace directory", err)
	}

	flags, err := loadOrCreateDescriptor(dir)
	if err != nil {
		return nil, nil, err
	}

	manifestPath := filepath.Join(dir, "MANIFEST")
	_, abortedOps, err := ReplayManifest(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	if len(abortedOps) > 0 {
		log.Printf("ridge: keyspace %s found %d unterminated structural operation(s) in manifest; treating surviving on-disk state as authoritative", id, len(abortedOps))
	}
	manifest, err := OpenManifest(manifestPath)
	if err != nil {
		return nil, nil, err
	}

	maxLevels := opts.SimpleLeveled.MaxLevels
	if opts.CompactionStrategy == Tiered {
		tieredLevels := opts.Tiered.MinLevelsTriggerRatio + 3
		if tieredLevels > maxLevels {
			maxLevels = tieredLevels
		}
	}
	sstIdx := NewSSTablesIndex(basePath, id, maxLevels)
	warnings, err := adoptExistingSSTables(dir, opts, sstIdx)
	if err != nil {
		manifest.Close()
		return nil, warnings, err
	}

	ks := &Keyspace{
		id:       id,
		basePath: basePath,
		opts:     opts,
		flags:    flags,
		sstables: sstIdx,
		manifest: manifest,
		txnMgr:   txnMgr,
		strategy: newCompactionStrategy(opts),
	}
	ks.memtables = NewMemtables(opts.MaxMemtablesInactive, ks.flushMemtable)

	recoveredMax, err := recoverWALs(dir, id, ks)
	if err != nil {
		manifest.Close()
		return nil, warnings, err
	}

	activeID := recoveredMax + 1
	wal, err := NewWAL(walPath(basePath, id, activeID), opts.DurabilityLevel)
	if err != nil {
		manifest.Close()
		return nil, warnings, err
	}
	ks.memtables.ActivateFirst(NewMemTable(activeID), wal)

	ks.compactor = newCompactionDriver(ks)

	return ks, warnings, nil
}

// adoptExistingSSTables scans dir for sst-<id> files left from a prior
// run, registering live ones and unlinking any still marked Deleted (a
// deletion interrupted by a crash before its unlink completed). A
// corrupted or unreadable file is reported and skipped, not treated as
// fatal; the caller decides policy.
func adoptExistingSSTables(dir string, opts Options, idx *SSTablesIndex) ([]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newIOErr(KindIoRead, dir, "list keyspace directory", err)
	}
	var warnings []error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		if strings.Contains(ent.Name(), ".tmp.") {
			// Partial SSTable left behind by a crashed build; its manifest
			// operation never ended, so the file is an orphan.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return warnings, newIOErr(KindIoWrite, path, "remove orphaned sstable temp file", err)
			}
			continue
		}
		id, ok := parseSSTableIDFromName(ent.Name())
		if !ok {
			continue
		}
		sst, err := OpenSSTable(path, id, opts.NCachedBlocksPerSST, opts.BlockSizeBytes)
		if err != nil {
			log.Printf("ridge: skipping unreadable sstable %s on open: %v", path, err)
			warnings = append(warnings, err)
			continue
		}
		if sst.state == sstableDeleted {
			if err := sst.closeAndUnlink(); err != nil {
				return warnings, err
			}
			continue
		}
		if sst.Level() >= idx.NumLevels() {
			err := newCorruption(CorruptionIllegalSize, path, "sstable level exceeds configured max_levels")
			log.Printf("ridge: skipping sstable %s on open: %v", path, err)
			sst.Close()
			warnings = append(warnings, err)
			continue
		}
		idx.AdoptExisting(sst)
	}
	return warnings, nil
}

// recoverWALs replays every WAL-<id> file left in dir, recreating each
// memtable and flushing it straight to an SSTable. Every recovered WAL
// is treated as a completed freeze, which is conservative but always
// safe: guessing which WAL was still active cannot be done reliably
// from on-disk state alone. Returns the highest memtable id seen so the
// caller can pick a fresh one.
func recoverWALs(dir, keyspaceID string, ks *Keyspace) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, newIOErr(KindIoRead, dir, "list keyspace directory", err)
	}
	type walFile struct {
		id   uint64
		path string
	}
	var wals []walFile
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), "WAL-") {
			continue
		}
		id, err := strconv.ParseUint(ent.Name()[len("WAL-"):], 10, 64)
		if err != nil {
			continue
		}
		wals = append(wals, walFile{id: id, path: filepath.Join(dir, ent.Name())})
	}
	sort.Slice(wals, func(i, j int) bool { return wals[i].id < wals[j].id })

	var maxID uint64
	for _, w := range wals {
		if w.id > maxID {
			maxID = w.id
		}
		records, err := Replay(w.path)
		if err != nil {
			return 0, err
		}
		if len(records) > 0 {
			mt := NewMemTable(w.id)
			for _, r := range records {
				mt.Put(r.Key, r.Value)
			}
			var entries []blockEntry
			mt.AscendAll(func(k Key, v []byte) bool {
				entries = append(entries, blockEntry{Key: k, Value: v})
				return true
			})
			sst, err := ks.sstables.FlushToDisk(entries, ks.opts.BlockSizeBytes, ks.opts.BloomFilterNEntries, ks.opts.NCachedBlocksPerSST)
			if err != nil {
				return 0, err
			}
			if err := ks.manifest.LogMemtableFlushed(w.id, sst.ID()); err != nil {
				return 0, err
			}
		}
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return 0, newIOErr(KindIoWrite, w.path, "remove recovered wal", err)
		}
	}
	return maxID, nil
}

// flushMemtable is Memtables' onFull callback: it builds a new SSTable
// from ref's frozen memtable, logs the flush in the manifest, then
// retires the memtable and deletes its WAL. Runs on its own goroutine
// per Freeze call, so failures are logged rather than returned.
func (ks *Keyspace) flushMemtable(ref *memtableRef) {
	var entries []blockEntry
	ref.mt.AscendAll(func(k Key, v []byte) bool {
		entries = append(entries, blockEntry{Key: k, Value: v})
		return true
	})
	if len(entries) > 0 {
		sst, err := ks.sstables.FlushToDisk(entries, ks.opts.BlockSizeBytes, ks.opts.BloomFilterNEntries, ks.opts.NCachedBlocksPerSST)
		if err != nil {
			log.Printf("ridge: keyspace %s flush of memtable %d failed: %v", ks.id, ref.mt.ID(), err)
			return
		}
		if err := ks.manifest.LogMemtableFlushed(ref.mt.ID(), sst.ID()); err != nil {
			log.Printf("ridge: keyspace %s manifest log for memtable %d flush failed: %v", ks.id, ref.mt.ID(), err)
			return
		}
	}
	ks.memtables.RemoveInactive(ref)
	if err := ref.wal.Close(); err != nil {
		log.Printf("ridge: keyspace %s closing flushed wal failed: %v", ks.id, err)
	}
	if err := ref.wal.Remove(); err != nil {
		log.Printf("ridge: keyspace %s removing flushed wal failed: %v", ks.id, err)
	}
}

// Set writes keyBytes/value under txn's id, freezing the active
// memtable if the write pushed it over the size threshold.
func (ks *Keyspace) Set(txn *Transaction, keyBytes, value []byte) error {
	return ks.write(Key{Bytes: keyBytes, TxnID: txn.ID}, value)
}

// Delete writes a tombstone for keyBytes under txn's id.
func (ks *Keyspace) Delete(txn *Transaction, keyBytes []byte) error {
	return ks.write(Key{Bytes: keyBytes, TxnID: txn.ID}, Tombstone)
}

func (ks *Keyspace) write(k Key, v []byte) error {
	size, err := ks.memtables.Put(k, v)
	if err != nil {
		return err
	}
	if size >= ks.opts.MemtableMaxSizeBytes {
		if _, err := ks.memtables.Freeze(ks.basePath, ks.id, ks.opts.DurabilityLevel, ks.opts.MemtableMaxSizeBytes); err != nil {
			return err
		}
	}
	return nil
}

// fullIterator builds the complete read-time merge tree: a k-way merge
// across the memtable stack, a k-way merge across every SSTable level,
// the two joined by the two-way merge (memtable authoritative on a
// tie), wrapped in the MVCC versioning filter for txn's isolation
// level. Callers must release the returned SSTables when done
// iterating.
func (ks *Keyspace) fullIterator(txn *Transaction) (Iterator, []*SSTable) {
	memStreams := ks.memtables.IterAllMemtables()
	var memIter Iterator
	if len(memStreams) == 1 {
		memIter = memStreams[0]
	} else {
		memIter = newKWayMergeIterator(memStreams...)
	}

	levels := make([]int, ks.sstables.NumLevels())
	for i := range levels {
		levels[i] = i
	}
	sstIter, held := ks.sstables.ScanFromLevels(levels)

	var combined Iterator = memIter
	if sstIter != nil {
		combined = newTwoWayMergeIterator(memIter, sstIter)
	}
	return newVersioningFilter(combined, txn), held
}

// Get resolves keyBytes to its newest version visible to txn, probing
// the memtable stack first and then the SSTable levels with
// bloom-filter and range skip. A tombstone hit means the key was
// deleted and shadows everything older.
func (ks *Keyspace) Get(txn *Transaction, keyBytes []byte) ([]byte, bool, error) {
	if v, ok := ks.memtables.GetVisible(keyBytes, txn); ok {
		if IsTombstone(v) {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, ok, err := ks.sstables.GetVisible(keyBytes, txn)
	if err != nil {
		return nil, false, err
	}
	if !ok || IsTombstone(v) {
		return nil, false, nil
	}
	return v, true, nil
}

// KeyspaceIterator wraps the merge tree fullIterator builds with the
// SSTable references it must release once the caller stops scanning;
// holding them keeps a concurrently deleted SSTable's file alive until
// the scan ends.
type KeyspaceIterator struct {
	Iterator
	held []*SSTable
}

// Close releases every SSTable reference this iterator acquired. Callers
// must call it exactly once when done scanning.
func (it *KeyspaceIterator) Close() {
	releaseAll(it.held)
}

// Scan returns an iterator over every key visible to txn, in ascending
// order.
func (ks *Keyspace) Scan(txn *Transaction) *KeyspaceIterator {
	inner, held := ks.fullIterator(txn)
	return &KeyspaceIterator{Iterator: inner, held: held}
}

// ScanFrom returns an iterator starting at keyBytes, inclusive or
// exclusive.
func (ks *Keyspace) ScanFrom(txn *Transaction, keyBytes []byte, inclusive bool) *KeyspaceIterator {
	it := ks.Scan(txn)
	it.Seek(Key{Bytes: keyBytes}, inclusive)
	return it
}

// Close stops the compaction goroutine, waits out in-flight flushes,
// and releases every open file handle.
func (ks *Keyspace) Close() error {
	if !ks.closed.CompareAndSwap(false, true) {
		return nil
	}
	ks.compactor.Stop()
	ks.memtables.WaitFlushes()
	if err := ks.memtables.CloseWALs(); err != nil {
		log.Printf("ridge: keyspace %s closing wals: %v", ks.id, err)
	}
	for level := 0; level < ks.sstables.NumLevels(); level++ {
		for _, sst := range ks.sstables.LevelSSTables(level) {
			if err := sst.Close(); err != nil {
				log.Printf("ridge: keyspace %s closing sstable %d: %v", ks.id, sst.ID(), err)
			}
		}
	}
	return ks.manifest.Close()
}
