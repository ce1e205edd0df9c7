// Package dbtest exercises a tosdb.KeyValueStore implementation against a
// shared suite, run from each backend's own test file.
package dbtest

import (
	"bytes"
	"sort"
	"testing"

	"github.com/gpgtrust/trustdb/tosdb"
)

// TestDatabaseSuite runs a suite of tests against a KeyValueStore database
// implementation.
func TestDatabaseSuite(t *testing.T, New func() tosdb.KeyValueStore) {
	t.Run("PutGet", func(t *testing.T) {
		db := New()
		defer db.Close()
		testPutGet(db, t)
	})
	t.Run("Batch", func(t *testing.T) {
		db := New()
		defer db.Close()
		testBatch(db, t)
	})
	t.Run("Iterator", func(t *testing.T) {
		db := New()
		defer db.Close()
		testIterator(db, t)
	})
}

func testIterator(db tosdb.KeyValueStore, t *testing.T) {
	t.Helper()
	for _, k := range []string{"rb", "ra", "rc", "x1"} {
		if err := db.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	it := db.NewIterator([]byte("r"), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	want := []string{"ra", "rb", "rc"}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got keys %v, want %v", keys, want)
		}
	}
}

func testPutGet(db tosdb.KeyValueStore, t *testing.T) {
	t.Helper()
	key, value := []byte("k"), []byte("v")

	if err := db.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("got %q, want %q", got, value)
	}
	ok, err := db.Has(key)
	if err != nil || !ok {
		t.Fatalf("has(%q) = %v, %v, want true, nil", key, ok, err)
	}
	if err := db.Delete(key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := db.Has(key); ok {
		t.Fatalf("key still present after delete")
	}
	if _, err := db.Get(key); err == nil {
		t.Fatalf("expected error reading deleted key")
	}
}

func testBatch(db tosdb.KeyValueStore, t *testing.T) {
	t.Helper()
	b := db.NewBatch()
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		if err := b.Put(k, k); err != nil {
			t.Fatalf("batch put failed: %v", err)
		}
	}
	if b.ValueSize() == 0 {
		t.Fatalf("expected non-zero batch size")
	}
	if err := b.Write(); err != nil {
		t.Fatalf("batch write failed: %v", err)
	}
	var seen [][]byte
	for _, k := range keys {
		v, err := db.Get(k)
		if err != nil {
			t.Fatalf("get(%q) failed: %v", k, err)
		}
		seen = append(seen, v)
	}
	sort.Slice(seen, func(i, j int) bool { return bytes.Compare(seen[i], seen[j]) < 0 })
	for i, k := range []string{"a", "b", "c"} {
		if string(seen[i]) != k {
			t.Fatalf("batch contents mismatch at %d: got %q want %q", i, seen[i], k)
		}
	}
	b.Reset()
	if b.ValueSize() != 0 {
		t.Fatalf("expected batch to be empty after reset")
	}
}
