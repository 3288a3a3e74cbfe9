package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	w := &WAL{Path: path}
	if err := w.Open(); err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w, path
}

func TestEntryEncodeDecode(t *testing.T) {
	entry := &Entry{
		LSN:       42,
		TxnID:     100,
		OpType:    OpInsert,
		Key:       []byte("test-key"),
		Value:     []byte("test-value"),
		Timestamp: time.Now(),
	}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.LSN != entry.LSN || decoded.TxnID != entry.TxnID || decoded.OpType != entry.OpType {
		t.Errorf("header mismatch: got %s, want %s", decoded, entry)
	}
	if string(decoded.Key) != "test-key" || string(decoded.Value) != "test-value" {
		t.Errorf("payload mismatch: %q=%q", decoded.Key, decoded.Value)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp.Round(0)) {
		t.Errorf("timestamp mismatch: got %v, want %v", decoded.Timestamp, entry.Timestamp)
	}
}

func TestEntryDecodeCorrupted(t *testing.T) {
	data := (&Entry{LSN: 1, OpType: OpDelete, Key: []byte("k")}).Encode()
	data[EntryHeaderSize] ^= 0xFF

	if _, err := DecodeEntry(data); err != ErrCorrupted {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
	if _, err := DecodeEntry(data[:10]); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestWALWriteRead(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	for i := 0; i < 10; i++ {
		entry := Entry{
			LSN:    w.NextLSN(),
			TxnID:  1,
			OpType: OpInsert,
			Key:    []byte(fmt.Sprintf("key-%d", i)),
			Value:  []byte(fmt.Sprintf("value-%d", i)),
		}
		if err := w.Write(entry); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Fsync(); err != nil {
		t.Fatal(err)
	}

	files, err := w.Files()
	if err != nil {
		t.Fatal(err)
	}
	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.LSN != uint64(i+1) {
			t.Errorf("entry %d: expected LSN %d, got %d", i, i+1, e.LSN)
		}
	}
}

func TestWALReopenContinuesLSN(t *testing.T) {
	w, path := openTestWAL(t)

	for i := 0; i < 5; i++ {
		w.Write(Entry{LSN: w.NextLSN(), OpType: OpInsert, Key: []byte("k")})
	}
	w.Fsync()
	w.Close()

	w2 := &WAL{Path: path}
	if err := w2.Open(); err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	if lsn := w2.NextLSN(); lsn != 6 {
		t.Errorf("expected LSN 6 after reopen, got %d", lsn)
	}
}

func TestWALWriteAfterClose(t *testing.T) {
	w, _ := openTestWAL(t)
	w.Close()

	if err := w.Write(Entry{LSN: 1, OpType: OpInsert}); err != ErrLogClosed {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}
}

func TestReaderStopsAtTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	w.WriteBatch([]Entry{
		{LSN: w.NextLSN(), TxnID: 1, OpType: OpInsert, Key: []byte("a"), Value: []byte("1")},
		{LSN: w.NextLSN(), TxnID: 1, OpType: OpCommit},
	})
	w.Close()

	segment := path + ".000"
	fd, err := os.OpenFile(segment, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	full := (&Entry{LSN: 3, TxnID: 2, OpType: OpInsert, Key: []byte("b")}).Encode()
	fd.Write(full[:len(full)-3])
	fd.Close()

	entries, err := ReadAll([]string{segment})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected the 2 complete entries, got %d", len(entries))
	}
}

func TestIsWALFile(t *testing.T) {
	w := &WAL{Path: "/data/docs.db.wal"}

	cases := map[string]bool{
		"docs.db.wal.000": true,
		"docs.db.wal.012": true,
		"docs.db.wal.img": false,
		"docs.db.wal.":    false,
		"other.wal.000":   false,
	}
	for name, want := range cases {
		if got := w.isWALFile(name); got != want {
			t.Errorf("isWALFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestOpenCutsTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	w.WriteBatch([]Entry{
		{LSN: w.NextLSN(), TxnID: 1, OpType: OpInsert, Key: []byte("a"), Value: []byte("1")},
		{LSN: w.NextLSN(), TxnID: 1, OpType: OpCommit},
	})
	w.Close()

	segment := path + ".000"
	fd, err := os.OpenFile(segment, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	fd.Write([]byte{1, 2, 3, 4, 5})
	fd.Close()

	w = &WAL{Path: path}
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	if w.Discarded() != 5 {
		t.Errorf("expected 5 discarded bytes, got %d", w.Discarded())
	}
	if err := w.WriteBatch([]Entry{
		{LSN: w.NextLSN(), TxnID: 2, OpType: OpInsert, Key: []byte("b"), Value: []byte("2")},
		{LSN: w.NextLSN(), TxnID: 2, OpType: OpCommit},
	}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	entries, err := ReadAll([]string{segment})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries after the repaired tail, got %d", len(entries))
	}
	if string(entries[2].Key) != "b" {
		t.Errorf("expected the new write to follow the intact entries, got %s", entries[2])
	}
}

func TestOpenKeepsIntactSegment(t *testing.T) {
	w, path := openTestWAL(t)
	w.WriteBatch([]Entry{{LSN: w.NextLSN(), TxnID: 1, OpType: OpCommit}})
	w.Close()

	w = &WAL{Path: path}
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if w.Discarded() != 0 {
		t.Errorf("expected nothing discarded, got %d", w.Discarded())
	}
}
