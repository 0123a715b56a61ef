package ridge

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Engine owns an ordered set of keyspaces, each an independent LSM
// tree, and the TransactionManager they share. Each keyspace's
// compaction loop runs as a supervised background goroutine.
type Engine struct {
	opts   Options
	txnMgr *TransactionManager

	mu           sync.RWMutex
	keyspaces    map[string]*Keyspace
	nextKeyspace uint64

	group  *errgroup.Group
	closed atomic.Bool
}

// Open initializes the engine rooted at opts.BasePath, reopening every
// keyspace found on disk. Corrupted SSTables inside a keyspace are
// skipped with a logged warning rather than failing the whole open.
func Open(opts Options) (*Engine, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.BasePath, 0755); err != nil {
		return nil, newIOErr(KindIoWrite, opts.BasePath, "create base directory", err)
	}
	// Scratch space for long-running operations layered above the engine
	// (external sort spills and the like).
	if err := os.MkdirAll(filepath.Join(opts.BasePath, "tmp"), 0755); err != nil {
		return nil, newIOErr(KindIoWrite, opts.BasePath, "create scratch directory", err)
	}

	txnMgr, err := NewTransactionManager(filepath.Join(opts.BasePath, "transaction-log"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:         opts,
		txnMgr:       txnMgr,
		keyspaces:    make(map[string]*Keyspace),
		nextKeyspace: 1,
		group:        new(errgroup.Group),
	}

	entries, err := os.ReadDir(opts.BasePath)
	if err != nil {
		txnMgr.Close()
		return nil, newIOErr(KindIoRead, opts.BasePath, "list base directory", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() || ent.Name() == "tmp" {
			continue
		}
		id := ent.Name()
		n, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil {
			continue
		}
		ks, warnings, err := openKeyspace(opts.BasePath, id, opts, txnMgr)
		if err != nil {
			e.closeAllKeyspaces()
			txnMgr.Close()
			return nil, err
		}
		for _, w := range warnings {
			log.Printf("ridge: keyspace %s opened with warning: %v", id, w)
		}
		e.keyspaces[id] = ks
		if n >= e.nextKeyspace {
			e.nextKeyspace = n + 1
		}
		e.group.Go(ks.compactor.run)
	}
	return e, nil
}

func validateOptions(opts Options) error {
	switch {
	case opts.BasePath == "":
		return newErr(KindInvalidArgument, "base_path must not be empty", nil)
	case opts.BlockSizeBytes < 64:
		return newErr(KindInvalidArgument, "block_size_bytes too small", nil)
	case opts.MemtableMaxSizeBytes <= 0:
		return newErr(KindInvalidArgument, "memtable_max_size_bytes must be positive", nil)
	case opts.SSTSizeBytes <= 0:
		return newErr(KindInvalidArgument, "sst_size_bytes must be positive", nil)
	case opts.CompactionStrategy == SimpleLeveled && opts.SimpleLeveled.MaxLevels < 2:
		return newErr(KindInvalidArgument, "simple_leveled max_levels must be at least 2", nil)
	}
	return nil
}

// CreateKeyspace allocates the next keyspace id, writes its descriptor,
// and brings the keyspace online.
func (e *Engine) CreateKeyspace(flags KeyspaceFlags) (string, error) {
	if e.closed.Load() {
		return "", newErr(KindInvalidArgument, "engine is closed", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := strconv.FormatUint(e.nextKeyspace, 10)
	dir := keyspaceDir(e.opts.BasePath, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", newIOErr(KindIoWrite, dir, "create keyspace directory", err)
	}
	if err := writeDescriptor(dir, flags); err != nil {
		return "", err
	}
	ks, warnings, err := openKeyspace(e.opts.BasePath, id, e.opts, e.txnMgr)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		log.Printf("ridge: keyspace %s created with warning: %v", id, w)
	}
	e.nextKeyspace++
	e.keyspaces[id] = ks
	e.group.Go(ks.compactor.run)
	return id, nil
}

// writeDescriptor writes the keyspace descriptor: a little-endian u64
// flag word, written once at creation and never rewritten.
func writeDescriptor(dir string, flags KeyspaceFlags) error {
	path := filepath.Join(dir, "desc")
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(flags >> (8 * i))
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return newIOErr(KindIoWrite, path, "write keyspace descriptor", err)
	}
	return nil
}

// GetKeyspace resolves a keyspace id.
func (e *Engine) GetKeyspace(id string) (*Keyspace, error) {
	e.mu.RLock()
	ks, ok := e.keyspaces[id]
	e.mu.RUnlock()
	if !ok {
		return nil, newErr(KindNotFound, fmt.Sprintf("keyspace %q does not exist", id), nil)
	}
	return ks, nil
}

// StartTransaction begins a transaction under the engine's shared
// manager.
func (e *Engine) StartTransaction(isolation IsolationLevel) *Transaction {
	return e.txnMgr.Start(isolation)
}

func (e *Engine) Commit(txn *Transaction) error   { return e.txnMgr.Commit(txn) }
func (e *Engine) Rollback(txn *Transaction) error { return e.txnMgr.Rollback(txn) }

// effectiveTxn substitutes the no-transaction read/write view for a nil
// txn: writes stamp txn-id 0, reads see every persisted version.
func effectiveTxn(txn *Transaction) *Transaction {
	if txn == nil {
		return &Transaction{ID: 0, Isolation: ReadUncommitted}
	}
	return txn
}

// Set writes value under keyBytes in the named keyspace.
func (e *Engine) Set(keyspaceID string, txn *Transaction, keyBytes, value []byte) error {
	ks, err := e.GetKeyspace(keyspaceID)
	if err != nil {
		return err
	}
	return ks.Set(effectiveTxn(txn), keyBytes, value)
}

// Delete writes a tombstone for keyBytes.
func (e *Engine) Delete(keyspaceID string, txn *Transaction, keyBytes []byte) error {
	ks, err := e.GetKeyspace(keyspaceID)
	if err != nil {
		return err
	}
	return ks.Delete(effectiveTxn(txn), keyBytes)
}

// Get resolves keyBytes to its newest version visible to txn.
func (e *Engine) Get(keyspaceID string, txn *Transaction, keyBytes []byte) ([]byte, bool, error) {
	ks, err := e.GetKeyspace(keyspaceID)
	if err != nil {
		return nil, false, err
	}
	return ks.Get(effectiveTxn(txn), keyBytes)
}

// Scan iterates every key visible to txn in ascending byte order. The
// caller must Close the iterator.
func (e *Engine) Scan(keyspaceID string, txn *Transaction) (*KeyspaceIterator, error) {
	ks, err := e.GetKeyspace(keyspaceID)
	if err != nil {
		return nil, err
	}
	return ks.Scan(effectiveTxn(txn)), nil
}

// ScanFrom is Scan positioned at keyBytes, inclusive or exclusive.
func (e *Engine) ScanFrom(keyspaceID string, txn *Transaction, keyBytes []byte, inclusive bool) (*KeyspaceIterator, error) {
	ks, err := e.GetKeyspace(keyspaceID)
	if err != nil {
		return nil, err
	}
	return ks.ScanFrom(effectiveTxn(txn), keyBytes, inclusive), nil
}

func (e *Engine) closeAllKeyspaces() {
	for id, ks := range e.keyspaces {
		if err := ks.Close(); err != nil {
			log.Printf("ridge: closing keyspace %s: %v", id, err)
		}
	}
}

// Close stops every keyspace's compaction thread, waits for them to
// drain, and releases every open file handle.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	e.closeAllKeyspaces()
	e.mu.Unlock()
	err := e.group.Wait()
	if cerr := e.txnMgr.Close(); err == nil {
		err = cerr
	}
	return err
}
