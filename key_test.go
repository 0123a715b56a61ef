package ridge

import (
	"bytes"
	"testing"
)

func TestKeyCompareOrdersBytesThenTxn(t *testing.T) {
	cases := []struct {
		a, b Key
		want int
	}{
		{NewKey([]byte("a"), 1), NewKey([]byte("b"), 1), -1},
		{NewKey([]byte("b"), 1), NewKey([]byte("a"), 9), 1},
		{NewKey([]byte("a"), 1), NewKey([]byte("a"), 2), -1},
		{NewKey([]byte("a"), 2), NewKey([]byte("a"), 1), 1},
		{NewKey([]byte("a"), 7), NewKey([]byte("a"), 7), 0},
		{NewKey([]byte("ab"), 1), NewKey([]byte("abc"), 1), -1},
	}
	for i, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Fatalf("case %d: Compare = %d, want %d", i, got, c.want)
		}
	}
}

func TestKeyPrefixDifference(t *testing.T) {
	k := NewKey([]byte("keyspace"), 1)
	overlap, rest := k.PrefixDifference(NewKey([]byte("keystone"), 2))
	if overlap != 4 || rest != 4 {
		t.Fatalf("got overlap=%d rest=%d, want 4/4", overlap, rest)
	}
	overlap, rest = k.PrefixDifference(NewKey([]byte("zzz"), 2))
	if overlap != 0 || rest != 8 {
		t.Fatalf("got overlap=%d rest=%d, want 0/8", overlap, rest)
	}
	overlap, rest = k.PrefixDifference(k)
	if overlap != 8 || rest != 0 {
		t.Fatalf("got overlap=%d rest=%d, want 8/0", overlap, rest)
	}
}

func TestKeySplitMergeRoundTrip(t *testing.T) {
	k := NewKey([]byte("hello-world"), 42)
	for n := 0; n <= len(k.Bytes); n++ {
		head, tail := k.Split(n)
		if head.TxnID != 42 || tail.TxnID != 42 {
			t.Fatalf("split at %d lost txn id", n)
		}
		merged := MergeKeys(head, tail, k.TxnID)
		if merged.Compare(k) != 0 {
			t.Fatalf("split/merge at %d: got %q txn %d", n, merged.Bytes, merged.TxnID)
		}
	}
}

func TestKeyEncodeDecodeRoundTrip(t *testing.T) {
	k := NewKey([]byte("some-key"), 77)
	buf := k.Encode(nil)
	if len(buf) != k.EncodedLen() {
		t.Fatalf("encoded length %d, want %d", len(buf), k.EncodedLen())
	}
	got, n, err := DecodeKey(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) || got.Compare(k) != 0 {
		t.Fatalf("round trip mismatch: %q txn %d", got.Bytes, got.TxnID)
	}
}

func TestDecodeKeyTruncated(t *testing.T) {
	k := NewKey([]byte("some-key"), 77)
	buf := k.Encode(nil)
	if _, _, err := DecodeKey(buf[:5]); err == nil {
		t.Fatal("expected error for truncated header")
	}
	if _, _, err := DecodeKey(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error for truncated key bytes")
	}
}

func TestTombstone(t *testing.T) {
	if !IsTombstone(Tombstone) {
		t.Fatal("Tombstone must read as tombstone")
	}
	if IsTombstone([]byte("v")) {
		t.Fatal("non-empty value is not a tombstone")
	}
	if !bytes.Equal(Tombstone, []byte{}) {
		t.Fatal("tombstone must be the empty value")
	}
}
