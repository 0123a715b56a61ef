package ridge

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// manifestRecordKind discriminates the four manifest record shapes.
type manifestRecordKind uint8

const (
	recordMemtableFlushed manifestRecordKind = iota + 1
	recordCompaction
	recordOperationStart
	recordOperationEnd
)

// ManifestRecord is one decoded entry from the manifest log.
type ManifestRecord struct {
	Kind       manifestRecordKind
	MemtableID uint64
	SSTableID  uint64
	TaskDesc   string
	OpID       uuid.UUID
}

// Manifest is the append-only, CRC-framed structural log: a compaction
// brackets its work between an OperationStart and OperationEnd record so
// recovery can tell a completed change from one interrupted by a crash;
// a memtable flush is recorded by a single MemtableFlushed record. Records are
// fsynced individually; the manifest is low-volume and every record
// must be durable on its own.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func OpenManifest(path string) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, newIOErr(KindIoWrite, path, "open manifest", err)
	}
	return &Manifest{file: f, path: path}, nil
}

func encodeManifestRecord(r ManifestRecord) []byte {
	var body []byte
	body = append(body, byte(r.Kind))
	switch r.Kind {
	case recordMemtableFlushed:
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], r.MemtableID)
		binary.LittleEndian.PutUint64(buf[8:16], r.SSTableID)
		body = append(body, buf[:]...)
	case recordCompaction:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.TaskDesc)))
		body = append(body, lenBuf[:]...)
		body = append(body, r.TaskDesc...)
	case recordOperationStart:
		opBytes, _ := r.OpID.MarshalBinary()
		body = append(body, opBytes...)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.TaskDesc)))
		body = append(body, lenBuf[:]...)
		body = append(body, r.TaskDesc...)
	case recordOperationEnd:
		opBytes, _ := r.OpID.MarshalBinary()
		body = append(body, opBytes...)
	}
	crc := crc32.ChecksumIEEE(body)
	var lenAndCRC [8]byte
	binary.LittleEndian.PutUint32(lenAndCRC[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(lenAndCRC[4:8], crc)
	out := make([]byte, 0, 8+len(body))
	out = append(out, lenAndCRC[:]...)
	out = append(out, body...)
	return out
}

func (m *Manifest) append(r ManifestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := encodeManifestRecord(r)
	if _, err := m.file.Write(buf); err != nil {
		return newIOErr(KindIoWrite, m.path, "append manifest record", err)
	}
	if err := m.file.Sync(); err != nil {
		return newIOErr(KindIoFsync, m.path, "fsync manifest", err)
	}
	return nil
}

func (m *Manifest) LogMemtableFlushed(memtableID, sstableID uint64) error {
	return m.append(ManifestRecord{Kind: recordMemtableFlushed, MemtableID: memtableID, SSTableID: sstableID})
}

func (m *Manifest) LogCompaction(taskDesc string) error {
	return m.append(ManifestRecord{Kind: recordCompaction, TaskDesc: taskDesc})
}

// BeginOperation logs OperationStart(id, content) and returns the new
// operation id. Callers must call EndOperation once the work completes.
func (m *Manifest) BeginOperation(content string) (uuid.UUID, error) {
	id := uuid.New()
	err := m.append(ManifestRecord{Kind: recordOperationStart, OpID: id, TaskDesc: content})
	return id, err
}

func (m *Manifest) EndOperation(id uuid.UUID) error {
	return m.append(ManifestRecord{Kind: recordOperationEnd, OpID: id})
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// ReplayManifest reads every well-formed record (a truncated trailing
// record is treated as end-of-log, the same recovery posture as WAL
// Replay) and reports which operation ids never saw a matching
// OperationEnd: those are aborted operations whose artifacts must be
// cleaned up, not retried.
func ReplayManifest(path string) (records []ManifestRecord, abortedOps []uuid.UUID, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, newIOErr(KindIoRead, path, "open manifest for replay", err)
	}
	defer f.Close()

	started := map[uuid.UUID]bool{}
	for {
		var hdr [8]byte
		if _, rerr := io.ReadFull(f, hdr[:]); rerr != nil {
			break // short header: end-of-log or truncated trailing record
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
		body := make([]byte, n)
		if _, rerr := io.ReadFull(f, body); rerr != nil {
			break
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			break // corrupted trailing record: stop, treat as end-of-log
		}
		rec, perr := decodeManifestRecordBody(body)
		if perr != nil {
			break
		}
		records = append(records, rec)
		switch rec.Kind {
		case recordOperationStart:
			started[rec.OpID] = true
		case recordOperationEnd:
			delete(started, rec.OpID)
		}
	}
	for id := range started {
		abortedOps = append(abortedOps, id)
	}
	return records, abortedOps, nil
}

func decodeManifestRecordBody(body []byte) (ManifestRecord, error) {
	if len(body) < 1 {
		return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "manifest record body empty")
	}
	kind := manifestRecordKind(body[0])
	rest := body[1:]
	switch kind {
	case recordMemtableFlushed:
		if len(rest) < 16 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated MemtableFlushed record")
		}
		return ManifestRecord{
			Kind:       kind,
			MemtableID: binary.LittleEndian.Uint64(rest[0:8]),
			SSTableID:  binary.LittleEndian.Uint64(rest[8:16]),
		}, nil
	case recordCompaction:
		if len(rest) < 4 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated Compaction record")
		}
		n := binary.LittleEndian.Uint32(rest[0:4])
		if int(n) > len(rest)-4 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated Compaction descriptor")
		}
		return ManifestRecord{Kind: kind, TaskDesc: string(rest[4 : 4+n])}, nil
	case recordOperationStart:
		if len(rest) < 16+4 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated OperationStart record")
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(rest[0:16]); err != nil {
			return ManifestRecord{}, newCorruption(CorruptionUnspecified, "", "malformed operation id")
		}
		n := binary.LittleEndian.Uint32(rest[16:20])
		if int(n) > len(rest)-20 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated OperationStart content")
		}
		return ManifestRecord{Kind: kind, OpID: id, TaskDesc: string(rest[20 : 20+n])}, nil
	case recordOperationEnd:
		if len(rest) < 16 {
			return ManifestRecord{}, newCorruption(CorruptionIllegalSize, "", "truncated OperationEnd record")
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(rest[0:16]); err != nil {
			return ManifestRecord{}, newCorruption(CorruptionUnspecified, "", "malformed operation id")
		}
		return ManifestRecord{Kind: kind, OpID: id}, nil
	default:
		return ManifestRecord{}, newCorruption(CorruptionUnknownFlag, "", "unknown manifest record kind")
	}
}
