package ridge

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T, maxLevels int) *SSTablesIndex {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "ks"), 0755); err != nil {
		t.Fatal(err)
	}
	return NewSSTablesIndex(base, "ks", maxLevels)
}

func oneEntry(key string, txn uint64, value string) []blockEntry {
	return []blockEntry{{Key: NewKey([]byte(key), txn), Value: []byte(value)}}
}

func TestSSTablesIndexFlushAssignsSequentialIDs(t *testing.T) {
	idx := newTestIndex(t, 4)
	a, err := idx.FlushToDisk(oneEntry("a", 1, "v"), 256, 16, 4)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	b, err := idx.FlushToDisk(oneEntry("b", 1, "v"), 256, 16, 4)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if a.ID() != 0 || b.ID() != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", a.ID(), b.ID())
	}
	if len(idx.LevelSSTables(0)) != 2 {
		t.Fatal("both flushes must land in level 0")
	}
}

func TestSSTablesIndexDeleteWaitsForSnapshotRelease(t *testing.T) {
	idx := newTestIndex(t, 4)
	sst, err := idx.FlushToDisk(oneEntry("a", 1, "v"), 256, 16, 4)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	snap := idx.snapshot(0)
	if len(snap) != 1 {
		t.Fatalf("snapshot holds %d sstables, want 1", len(snap))
	}

	if err := idx.DeleteSSTables(0, []uint64{sst.ID()}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(idx.LevelSSTables(0)) != 0 {
		t.Fatal("deleted sstable must leave the level list immediately")
	}
	if !fileExists(sst.Path()) {
		t.Fatal("file must survive while the snapshot holds a reference")
	}
	releaseAll(snap)
	if fileExists(sst.Path()) {
		t.Fatal("file must be unlinked once the snapshot releases")
	}
}

func TestSSTablesIndexScanL0NewestFirst(t *testing.T) {
	idx := newTestIndex(t, 4)
	// Same exact key in two L0 files: the later flush must win the merge.
	if _, err := idx.FlushToDisk(oneEntry("x", 0, "old"), 256, 16, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.FlushToDisk(oneEntry("x", 0, "new"), 256, 16, 4); err != nil {
		t.Fatal(err)
	}
	it, held := idx.ScanFromLevels([]int{0})
	defer releaseAll(held)
	if !it.Next() || string(it.Value()) != "new" {
		t.Fatalf("L0 merge must prefer the newest flush, got %q", it.Value())
	}
	if it.Next() {
		t.Fatal("exact duplicate must surface once")
	}
}

func TestSSTablesIndexGetVisible(t *testing.T) {
	idx := newTestIndex(t, 4)
	if _, err := idx.FlushToDiskAt(oneEntry("deep", 1, "from-l2"), 2, 256, 16, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.FlushToDiskAt(oneEntry("shallow", 3, "from-l1"), 1, 256, 16, 4); err != nil {
		t.Fatal(err)
	}

	v, ok, err := idx.GetVisible([]byte("deep"), allVisible{})
	if err != nil || !ok || string(v) != "from-l2" {
		t.Fatalf("GetVisible(deep) = %q/%v/%v", v, ok, err)
	}
	v, ok, err = idx.GetVisible([]byte("shallow"), allVisible{})
	if err != nil || !ok || string(v) != "from-l1" {
		t.Fatalf("GetVisible(shallow) = %q/%v/%v", v, ok, err)
	}
	if _, ok, _ := idx.GetVisible([]byte("absent"), allVisible{}); ok {
		t.Fatal("GetVisible must miss cleanly")
	}
}

func TestSSTablesIndexAdoptExistingAdvancesNextID(t *testing.T) {
	idx := newTestIndex(t, 4)
	sst, err := idx.FlushToDisk(oneEntry("a", 1, "v"), 256, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	idx2 := NewSSTablesIndex(idx.basePath, idx.keyspaceID, 4)
	reopened, err := OpenSSTable(sst.Path(), sst.ID(), 4, 256)
	if err != nil {
		t.Fatal(err)
	}
	idx2.AdoptExisting(reopened)
	next, err := idx2.FlushToDisk(oneEntry("b", 1, "v"), 256, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID() <= sst.ID() {
		t.Fatalf("adopted id %d must advance the id allocator, got %d next", sst.ID(), next.ID())
	}
}

func TestParseSSTableIDFromName(t *testing.T) {
	if id, ok := parseSSTableIDFromName("sst-42"); !ok || id != 42 {
		t.Fatalf("sst-42 parsed as %d/%v", id, ok)
	}
	for _, name := range []string{"WAL-3", "sst-", "sst-x", "MANIFEST", "sst-1.tmp.99"} {
		if _, ok := parseSSTableIDFromName(name); ok {
			t.Fatalf("%q must not parse as an sstable", name)
		}
	}
}
