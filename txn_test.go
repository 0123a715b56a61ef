package ridge

import (
	"path/filepath"
	"testing"
)

func newTestTxnManager(t *testing.T) (*TransactionManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transaction-log")
	tm, err := NewTransactionManager(path)
	if err != nil {
		t.Fatalf("new transaction manager: %v", err)
	}
	return tm, path
}

func TestTransactionIDsAreMonotonic(t *testing.T) {
	tm, _ := newTestTxnManager(t)
	defer tm.Close()
	a := tm.Start(SnapshotIsolation)
	b := tm.Start(SnapshotIsolation)
	if b.ID <= a.ID {
		t.Fatalf("ids not monotonic: %d then %d", a.ID, b.ID)
	}
}

func TestTransactionSnapshotExcludesConcurrent(t *testing.T) {
	tm, _ := newTestTxnManager(t)
	defer tm.Close()
	a := tm.Start(SnapshotIsolation)
	b := tm.Start(SnapshotIsolation)

	if !b.activeSet[a.ID] {
		t.Fatal("b's snapshot must contain the still-active a")
	}
	if b.activeSet[b.ID] {
		t.Fatal("a snapshot never contains its own id")
	}
	if b.Visible(a.ID) {
		t.Fatal("a's writes are invisible to b while a is active at b's start")
	}
	if !b.Visible(0) {
		t.Fatal("pre-transactional writes are visible")
	}
	if b.Visible(b.ID + 1) {
		t.Fatal("future txn ids are invisible under snapshot isolation")
	}

	// Committing a does not change b's snapshot.
	if err := tm.Commit(a); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if b.Visible(a.ID) {
		t.Fatal("b's snapshot must be stable across a's commit")
	}

	c := tm.Start(SnapshotIsolation)
	if !c.Visible(a.ID) {
		t.Fatal("a's writes are visible to a transaction started after its commit")
	}
}

func TestReadUncommittedSeesEverything(t *testing.T) {
	tm, _ := newTestTxnManager(t)
	defer tm.Close()
	a := tm.Start(ReadUncommitted)
	if !a.Visible(a.ID+100) || !a.Visible(0) {
		t.Fatal("read uncommitted must see every version")
	}
}

func TestCommitRollbackMaintainActiveSet(t *testing.T) {
	tm, _ := newTestTxnManager(t)
	defer tm.Close()
	a := tm.Start(SnapshotIsolation)
	b := tm.Start(SnapshotIsolation)

	oldest, ok := tm.OldestActive()
	if !ok || oldest != a.ID {
		t.Fatalf("oldest active = %d/%v, want %d", oldest, ok, a.ID)
	}
	if err := tm.Commit(a); err != nil {
		t.Fatal(err)
	}
	oldest, ok = tm.OldestActive()
	if !ok || oldest != b.ID {
		t.Fatalf("oldest active = %d/%v, want %d", oldest, ok, b.ID)
	}
	if err := tm.Rollback(b); err != nil {
		t.Fatal(err)
	}
	if _, ok := tm.OldestActive(); ok {
		t.Fatal("no transaction should remain active")
	}
}

func TestCommitTwiceIsTransactionNotActive(t *testing.T) {
	tm, _ := newTestTxnManager(t)
	defer tm.Close()
	a := tm.Start(SnapshotIsolation)
	if err := tm.Commit(a); err != nil {
		t.Fatal(err)
	}
	err := tm.Commit(a)
	var e *Error
	if err == nil || !asEngineError(err, &e) || e.Kind != KindTransactionNotActive {
		t.Fatalf("second commit returned %v, want TransactionNotActive", err)
	}
	if err := tm.Rollback(a); err == nil {
		t.Fatal("rollback after commit must fail")
	}
}

func TestTransactionIDsSurviveReopen(t *testing.T) {
	tm, path := newTestTxnManager(t)
	a := tm.Start(SnapshotIsolation)
	b := tm.Start(SnapshotIsolation)
	if err := tm.Commit(a); err != nil {
		t.Fatal(err)
	}
	if err := tm.Rollback(b); err != nil {
		t.Fatal(err)
	}
	tm.Close()

	reopened, err := NewTransactionManager(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	c := reopened.Start(SnapshotIsolation)
	if c.ID <= b.ID {
		t.Fatalf("id %d issued after reopen must exceed the recovered max %d", c.ID, b.ID)
	}
}
