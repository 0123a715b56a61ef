package ridge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineSetGetSingleKeyspace(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ksID, _ := mustKeyspace(t, e)

	txn1 := e.StartTransaction(SnapshotIsolation)
	if err := e.Set(ksID, txn1, []byte("alpha"), []byte{1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.Commit(txn1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, ok, err := e.Get(ksID, nil, []byte("alpha"))
	if err != nil || !ok || !bytes.Equal(v, []byte{1}) {
		t.Fatalf("get(alpha) = %v/%v/%v, want [1]", v, ok, err)
	}
	if _, ok, err := e.Get(ksID, nil, []byte("beta")); err != nil || ok {
		t.Fatalf("get(beta) must miss, got ok=%v err=%v", ok, err)
	}
}

func TestEngineSnapshotIsolation(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ksID, _ := mustKeyspace(t, e)

	if err := e.Set(ksID, nil, []byte("x"), []byte{0}); err != nil {
		t.Fatalf("set: %v", err)
	}
	txnA := e.StartTransaction(SnapshotIsolation)
	txnB := e.StartTransaction(SnapshotIsolation)
	if err := e.Set(ksID, txnA, []byte("x"), []byte{9}); err != nil {
		t.Fatalf("set in txnA: %v", err)
	}

	if v, ok, _ := e.Get(ksID, txnB, []byte("x")); !ok || !bytes.Equal(v, []byte{0}) {
		t.Fatalf("txnB must still see the committed version, got %v/%v", v, ok)
	}
	if v, ok, _ := e.Get(ksID, txnA, []byte("x")); !ok || !bytes.Equal(v, []byte{9}) {
		t.Fatalf("txnA must see its own write, got %v/%v", v, ok)
	}

	if err := e.Commit(txnA); err != nil {
		t.Fatalf("commit txnA: %v", err)
	}
	if v, ok, _ := e.Get(ksID, txnB, []byte("x")); !ok || !bytes.Equal(v, []byte{0}) {
		t.Fatalf("txnB's snapshot must be stable across txnA's commit, got %v/%v", v, ok)
	}

	txnC := e.StartTransaction(SnapshotIsolation)
	if v, ok, _ := e.Get(ksID, txnC, []byte("x")); !ok || !bytes.Equal(v, []byte{9}) {
		t.Fatalf("txnC must see txnA's committed write, got %v/%v", v, ok)
	}
}

func TestEngineDeleteSemantics(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ksID, _ := mustKeyspace(t, e)

	if err := e.Set(ksID, nil, []byte("y"), []byte{7}); err != nil {
		t.Fatal(err)
	}
	if err := e.Set(ksID, nil, []byte("survivor"), []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(ksID, nil, []byte("y")); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := e.Get(ksID, nil, []byte("y")); ok {
		t.Fatal("deleted key must not be readable")
	}
	it, err := e.Scan(ksID, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer it.Close()
	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Key().Bytes))
	}
	if len(seen) != 1 || seen[0] != "survivor" {
		t.Fatalf("scan yielded %v, want only the survivor", seen)
	}
}

func TestEngineFlushAndShadowing(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableMaxSizeBytes = 64
	e := openTestEngine(t, opts)
	ksID, ks := mustKeyspace(t, e)

	for i := 0; i < 12; i++ {
		if err := e.Set(ksID, nil, []byte(fmt.Sprintf("shadow-%02d", i)), []byte("payload!")); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	eventually(t, func() bool {
		return len(ks.sstables.LevelSSTables(0)) > 0
	}, "memtable never flushed to level 0")

	// Overwrite one key in the (new) active memtable; reads must prefer it
	// over the flushed version.
	if err := e.Set(ksID, nil, []byte("shadow-03"), []byte("NEWVALUE")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := e.Get(ksID, nil, []byte("shadow-03"))
	if err != nil || !ok || string(v) != "NEWVALUE" {
		t.Fatalf("get after overwrite = %q/%v/%v", v, ok, err)
	}
	// And every other key is still readable through the L0 sstables.
	for i := 0; i < 12; i++ {
		if i == 3 {
			continue
		}
		key := fmt.Sprintf("shadow-%02d", i)
		if v, ok, _ := e.Get(ksID, nil, []byte(key)); !ok || string(v) != "payload!" {
			t.Fatalf("%s lost across flush: %q/%v", key, v, ok)
		}
	}
}

func TestEngineWALRecoveryAfterCrash(t *testing.T) {
	opts := testOptions(t)
	e1, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ksID, err := e1.CreateKeyspace(0)
	if err != nil {
		t.Fatalf("create keyspace: %v", err)
	}
	if err := e1.Set(ksID, nil, []byte("crash-key"), []byte("crash-value")); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Crash: no Close, no flush. The Strong-durability WAL already holds
	// the record.
	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	v, ok, err := e2.Get(ksID, nil, []byte("crash-key"))
	if err != nil || !ok || string(v) != "crash-value" {
		t.Fatalf("recovered get = %q/%v/%v", v, ok, err)
	}
	// Recovery flushes the replayed WAL into a level-0 sstable.
	ks, err := e2.GetKeyspace(ksID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ks.sstables.LevelSSTables(0)) == 0 {
		t.Fatal("recovery must flush the replayed WAL to level 0")
	}
}

func TestEngineReopenAfterCleanClose(t *testing.T) {
	opts := testOptions(t)
	e1, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ksID, err := e1.CreateKeyspace(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e1.Set(ksID, nil, []byte("durable"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	v, ok, err := e2.Get(ksID, nil, []byte("durable"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("get after clean reopen = %q/%v/%v", v, ok, err)
	}
}

func TestEngineScanOrderAndScanFrom(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ksID, ks := mustKeyspace(t, e)

	// Spread the data across an sstable and the memtable.
	for _, k := range []string{"cherry", "apple"} {
		if err := e.Set(ksID, nil, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatal(err)
		}
	}
	freezeAndFlush(t, ks)
	if err := e.Set(ksID, nil, []byte("banana"), []byte("v-banana")); err != nil {
		t.Fatal(err)
	}

	it, err := e.Scan(ksID, nil)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for it.Next() {
		order = append(order, string(it.Key().Bytes))
	}
	it.Close()
	want := []string{"apple", "banana", "cherry"}
	if len(order) != len(want) {
		t.Fatalf("scan yielded %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("scan yielded %v, want %v", order, want)
		}
	}

	from, err := e.ScanFrom(ksID, nil, []byte("banana"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !from.Next() || string(from.Key().Bytes) != "banana" {
		t.Fatal("inclusive scan_from must start at the matching key")
	}
	from.Close()

	from, err = e.ScanFrom(ksID, nil, []byte("banana"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !from.Next() || string(from.Key().Bytes) != "cherry" {
		t.Fatal("exclusive scan_from must start past the matching key")
	}
	from.Close()
}

func TestEngineRollbackDiscardsNothingButVisibility(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ksID, _ := mustKeyspace(t, e)

	txn := e.StartTransaction(SnapshotIsolation)
	if err := e.Set(ksID, txn, []byte("ghost"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(txn); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// A snapshot reader started after the rollback treats the id as
	// committed-but-superseded only if a newer version exists; with none,
	// the write surfaces to readers that accept its txn-id. The engine
	// layer does not rewrite history on rollback; the layer above keys
	// conflict handling. What must hold: rollback frees the active set.
	if _, ok := e.txnMgr.OldestActive(); ok {
		t.Fatal("rollback must clear the active set")
	}
}

func TestEngineGetUnknownKeyspace(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	_, err := e.GetKeyspace("999")
	var ee *Error
	if err == nil || !asEngineError(err, &ee) || ee.Kind != KindNotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
	if err := e.Set("999", nil, []byte("k"), []byte("v")); err == nil {
		t.Fatal("set on unknown keyspace must fail")
	}
}

func TestEngineKeyspacesAreIndependent(t *testing.T) {
	e := openTestEngine(t, testOptions(t))
	ks1, _ := mustKeyspace(t, e)
	ks2, _ := mustKeyspace(t, e)
	if ks1 == ks2 {
		t.Fatalf("keyspace ids must be distinct, both %q", ks1)
	}
	if err := e.Set(ks1, nil, []byte("k"), []byte("in-1")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.Get(ks2, nil, []byte("k")); ok {
		t.Fatal("write to one keyspace must not be visible in another")
	}
}

func TestEngineCreateKeyspaceLaysOutFiles(t *testing.T) {
	opts := testOptions(t)
	e := openTestEngine(t, opts)
	ksID, _ := mustKeyspace(t, e)

	dir := filepath.Join(opts.BasePath, ksID)
	if !fileExists(filepath.Join(dir, "desc")) {
		t.Fatal("keyspace descriptor missing")
	}
	if !fileExists(filepath.Join(dir, "MANIFEST")) {
		t.Fatal("manifest missing")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	foundWAL := false
	for _, ent := range entries {
		if len(ent.Name()) >= 4 && ent.Name()[:4] == "WAL-" {
			foundWAL = true
		}
	}
	if !foundWAL {
		t.Fatal("active memtable WAL missing")
	}
	if !fileExists(filepath.Join(opts.BasePath, "tmp")) {
		t.Fatal("scratch directory missing")
	}
	if !fileExists(filepath.Join(opts.BasePath, "transaction-log")) {
		t.Fatal("transaction log missing")
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e, err := Open(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateKeyspace(0); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenRejectsBadOptions(t *testing.T) {
	opts := testOptions(t)
	opts.BasePath = ""
	if _, err := Open(opts); err == nil {
		t.Fatal("empty base path must be rejected")
	}
	opts = testOptions(t)
	opts.BlockSizeBytes = 16
	if _, err := Open(opts); err == nil {
		t.Fatal("tiny block size must be rejected")
	}
}
