package ridge

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// walSyncInterval is how often a Relaxed-durability WAL flushes its
// buffer to disk in the background.
const walSyncInterval = 200 * time.Millisecond

// walBufferSize is the in-memory buffer capacity before a write forces a
// synchronous flush regardless of durability level.
const walBufferSize = 64 * 1024

// WAL is the companion append-only log for one memtable: records are
// buffered through an in-memory buffer and flushed per write (Strong)
// or by a background ticker (Relaxed). Record framing is
// `{u32 key_len, key, u32 value_len, value}`; an empty value encodes a
// tombstone.
type WAL struct {
	path       string
	file       *os.File
	buffer     *bytes.Buffer
	mu         sync.Mutex
	durability DurabilityLevel
	ticker     *time.Ticker
	stopChan   chan struct{}
	closed     bool
	wg         sync.WaitGroup
}

func NewWAL(path string, durability DurabilityLevel) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, newIOErr(KindIoWrite, path, "open wal", err)
	}
	w := &WAL{
		path:       path,
		file:       f,
		buffer:     bytes.NewBuffer(make([]byte, 0, walBufferSize)),
		durability: durability,
		stopChan:   make(chan struct{}),
	}
	if durability == Relaxed {
		w.ticker = time.NewTicker(walSyncInterval)
		w.wg.Add(1)
		go w.syncLoop()
	}
	return w, nil
}

func (w *WAL) syncLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.C:
			w.mu.Lock()
			if err := w.syncLocked(); err != nil {
				log.Printf("ridge: wal %s background sync failed: %v", w.path, err)
			}
			w.mu.Unlock()
		case <-w.stopChan:
			return
		}
	}
}

// appendRecord serializes (k, v) into buf. An empty v is written as a
// zero-length value, which Replay reads back as IsTombstone.
func appendRecord(buf *bytes.Buffer, k Key, v []byte) {
	encoded := k.Encode(nil)
	var klen [4]byte
	binary.LittleEndian.PutUint32(klen[:], uint32(len(encoded)))
	buf.Write(klen[:])
	buf.Write(encoded)
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(v)))
	buf.Write(vlen[:])
	buf.Write(v)
}

// Append writes one record. Under Strong durability the record is
// fsynced before Append returns; under Relaxed it is buffered and
// picked up by the background sync loop or the next forced Sync.
func (w *WAL) Append(k Key, v []byte) error {
	w.mu.Lock()
	appendRecord(w.buffer, k, v)
	if w.durability == Strong {
		err := w.syncLocked()
		w.mu.Unlock()
		return err
	}
	needFlush := w.buffer.Len() >= walBufferSize
	if needFlush {
		err := w.syncLocked()
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	return nil
}

func (w *WAL) syncLocked() error {
	if w.buffer.Len() == 0 {
		return nil
	}
	old := w.buffer
	w.buffer = bytes.NewBuffer(make([]byte, 0, walBufferSize))
	if _, err := w.file.Write(old.Bytes()); err != nil {
		return newIOErr(KindIoWrite, w.path, "write wal buffer", err)
	}
	if err := w.file.Sync(); err != nil {
		return newIOErr(KindIoFsync, w.path, "fsync wal", err)
	}
	return nil
}

// Sync forces any buffered records to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// walRecord is one decoded record returned by Replay.
type walRecord struct {
	Key   Key
	Value []byte
}

// Replay reads every well-formed record from the WAL file in order. A
// truncated trailing record, the result of a crash mid-append, is
// treated as end-of-log rather than an error.
func Replay(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newIOErr(KindIoRead, path, "open wal for replay", err)
	}
	defer f.Close()

	var records []walRecord
	for {
		var klen [4]byte
		if _, err := io.ReadFull(f, klen[:]); err != nil {
			if err == io.EOF {
				break
			}
			break // truncated header: treat as end-of-log
		}
		kn := binary.LittleEndian.Uint32(klen[:])
		encoded := make([]byte, kn)
		if _, err := io.ReadFull(f, encoded); err != nil {
			break
		}
		k, _, err := DecodeKey(encoded)
		if err != nil {
			break
		}
		var vlen [4]byte
		if _, err := io.ReadFull(f, vlen[:]); err != nil {
			break
		}
		vn := binary.LittleEndian.Uint32(vlen[:])
		value := make([]byte, vn)
		if vn > 0 {
			if _, err := io.ReadFull(f, value); err != nil {
				break
			}
		}
		records = append(records, walRecord{Key: k, Value: value})
	}
	return records, nil
}

// Close flushes any buffered records and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.durability == Relaxed {
		close(w.stopChan)
		w.ticker.Stop()
		w.wg.Wait()
	}

	w.mu.Lock()
	err := w.syncLocked()
	w.mu.Unlock()
	if err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Remove deletes the WAL file, called once its memtable has been
// durably flushed to an SSTable.
func (w *WAL) Remove() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return newIOErr(KindIoWrite, w.path, "remove wal", err)
	}
	return nil
}

func (w *WAL) Path() string { return w.path }
