// ABOUTME: Tests for the KV store
// ABOUTME: Covers basic operations, durability across reopen and checkpoints

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestKV(t *testing.T, path string) *KV {
	t.Helper()
	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	return db
}

func TestKVBasicOperations(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "basic.db"))
	defer db.Close()

	if err := db.Set([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	val, ok := db.Get([]byte("key1"))
	if !ok || string(val) != "value1" {
		t.Errorf("Expected value1, got %q (found=%v)", val, ok)
	}

	if _, ok := db.Get([]byte("missing")); ok {
		t.Error("Expected missing key to be absent")
	}

	deleted, err := db.Del([]byte("key1"))
	if err != nil || !deleted {
		t.Fatalf("Failed to delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = db.Del([]byte("key1"))
	if err != nil || deleted {
		t.Errorf("Second delete should be a no-op: deleted=%v err=%v", deleted, err)
	}
}

func TestKVInMemory(t *testing.T) {
	db := &KV{}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()

	db.Set([]byte("a"), []byte("1"))
	if db.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", db.Len())
	}
	if err := db.Checkpoint(); err != nil {
		t.Errorf("Checkpoint on in-memory store should be a no-op: %v", err)
	}
}

func TestKVPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db := openTestKV(t, path)
	for i := 0; i < 100; i++ {
		db.Set([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i)))
	}
	db.Del([]byte("key050"))
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()

	if db.Len() != 99 {
		t.Errorf("Expected 99 keys after reopen, got %d", db.Len())
	}
	val, ok := db.Get([]byte("key099"))
	if !ok || string(val) != "val099" {
		t.Errorf("key099 lost after reopen: %q", val)
	}
	if _, ok := db.Get([]byte("key050")); ok {
		t.Error("Deleted key came back after reopen")
	}
}

func TestKVCheckpointAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	db := openTestKV(t, path)
	db.Set([]byte("before"), []byte("1"))
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	db.Set([]byte("after"), []byte("2"))
	db.Set([]byte("before"), []byte("3"))
	db.Close()

	if _, err := os.Stat(path + ".img"); err != nil {
		t.Fatalf("Expected image file: %v", err)
	}

	db = openTestKV(t, path)
	defer db.Close()

	if val, _ := db.Get([]byte("before")); string(val) != "3" {
		t.Errorf("Expected before=3, got %q", val)
	}
	if val, _ := db.Get([]byte("after")); string(val) != "2" {
		t.Errorf("Expected after=2, got %q", val)
	}
}

func TestKVClosed(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "closed.db"))
	db.Close()

	if err := db.Set([]byte("k"), []byte("v")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestKVScan(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "scan.db"))
	defer db.Close()

	for i := 0; i < 10; i++ {
		db.Set([]byte(fmt.Sprintf("key%02d", i)), []byte(fmt.Sprintf("val%02d", i)))
	}

	var keys []string
	db.Scan([]byte("key05"), func(key, val []byte) bool {
		keys = append(keys, string(key))
		return len(keys) < 3
	})

	if len(keys) != 3 || keys[0] != "key05" || keys[2] != "key07" {
		t.Errorf("Unexpected scan result: %v", keys)
	}
}

func TestKVScanCallbackMayRead(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "scan_read.db"))
	defer db.Close()

	db.Set([]byte("a"), []byte("b"))
	db.Set([]byte("b"), []byte("done"))

	var got string
	db.Scan([]byte("a"), func(key, val []byte) bool {
		next, _ := db.Get(val)
		got = string(next)
		return false
	})

	if got != "done" {
		t.Errorf("Expected nested read to see done, got %q", got)
	}
}

func TestKVRestartTwiceKeepsLatestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	db := openTestKV(t, path)
	db.Set([]byte("doc"), []byte("a"))
	db.Set([]byte("doc"), []byte("b"))
	db.Close()

	db = openTestKV(t, path)
	if db.txnSeq != 2 {
		t.Errorf("Expected transaction ids to resume after 2, got %d", db.txnSeq)
	}
	db.Set([]byte("doc"), []byte("c"))
	db.Set([]byte("other"), []byte("x"))
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()

	if val, _ := db.Get([]byte("doc")); string(val) != "c" {
		t.Errorf("Expected c after second restart, got %q", val)
	}
	if _, ok := db.Get([]byte("other")); !ok {
		t.Error("Expected other to survive the second restart")
	}
	if db.txnSeq != 4 {
		t.Errorf("Expected 4 logged transactions, got %d", db.txnSeq)
	}
}

func TestKVTornWALTailThenRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.db")

	db := openTestKV(t, path)
	db.Set([]byte("doc"), []byte("1"))
	db.Close()

	fd, err := os.OpenFile(path+".wal.000", os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	fd.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	fd.Close()

	db = openTestKV(t, path)
	if err := db.Set([]byte("doc"), []byte("2")); err != nil {
		t.Fatalf("Failed to set after torn tail: %v", err)
	}
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()

	if val, _ := db.Get([]byte("doc")); string(val) != "2" {
		t.Errorf("Expected the write after the torn tail to survive, got %q", val)
	}
}

func TestKVRestartAfterCheckpointResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")

	db := openTestKV(t, path)
	db.Set([]byte("a"), []byte("1"))
	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	db.Set([]byte("a"), []byte("2"))
	db.Close()

	db = openTestKV(t, path)
	db.Set([]byte("a"), []byte("3"))
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()
	if val, _ := db.Get([]byte("a")); string(val) != "3" {
		t.Errorf("Expected 3, got %q", val)
	}
}
