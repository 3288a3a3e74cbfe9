// ABOUTME: Transaction support for atomic multi-key operations
// ABOUTME: Begin/Commit/Abort over a copy-on-write clone of the committed tree

package storage

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/nainya/versionstore/pkg/wal"
)

// KVTX represents a key-value transaction. Only one is active per KV at a
// time; Begin blocks until the previous one commits or aborts.
type KVTX struct {
	db   *KV
	tree *btree.BTreeG[item]
	ops  []wal.Entry
	done bool
}

// Begin starts a new transaction
func (db *KV) Begin() *KVTX {
	db.writer.Lock()

	// Clone marks the committed tree copy-on-write; it must not race with
	// another Clone, which the writer lock guarantees.
	db.mu.Lock()
	clone := db.tree.Clone()
	db.mu.Unlock()

	return &KVTX{db: db, tree: clone}
}

// Commit logs the transaction, then publishes the new tree to readers.
func (tx *KVTX) Commit() error {
	if tx.done {
		return fmt.Errorf("storage: transaction already finished")
	}
	tx.done = true
	defer tx.db.writer.Unlock()

	tx.db.mu.RLock()
	closed := tx.db.closed
	tx.db.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if len(tx.ops) == 0 {
		return nil
	}

	if log := tx.db.log; log != nil {
		tx.db.txnSeq++
		txnID := tx.db.txnSeq
		now := time.Now()
		batch := make([]wal.Entry, 0, len(tx.ops)+1)
		for _, op := range tx.ops {
			op.LSN = log.NextLSN()
			op.TxnID = txnID
			op.Timestamp = now
			batch = append(batch, op)
		}
		batch = append(batch, wal.Entry{LSN: log.NextLSN(), TxnID: txnID, OpType: wal.OpCommit, Timestamp: now})
		if err := log.WriteBatch(batch); err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
	}

	tx.db.mu.Lock()
	tx.db.tree = tx.tree
	tx.db.mu.Unlock()
	return nil
}

// Abort discards the transaction. Safe to call after Commit.
func (tx *KVTX) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.tree = nil
	tx.db.writer.Unlock()
}

// Get retrieves a value within the transaction
func (tx *KVTX) Get(key []byte) ([]byte, bool) {
	it, ok := tx.tree.Get(item{key: key})
	if !ok {
		return nil, false
	}
	return it.val, true
}

// Set inserts or updates a key-value pair within the transaction
func (tx *KVTX) Set(key []byte, val []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), val...)
	tx.tree.ReplaceOrInsert(item{key: k, val: v})
	tx.ops = append(tx.ops, wal.Entry{OpType: wal.OpInsert, Key: k, Value: v})
}

// Del deletes a key within the transaction
func (tx *KVTX) Del(key []byte) bool {
	if _, ok := tx.tree.Delete(item{key: key}); !ok {
		return false
	}
	tx.ops = append(tx.ops, wal.Entry{OpType: wal.OpDelete, Key: append([]byte(nil), key...)})
	return true
}

// Scan performs a range scan within the transaction. The callback must not
// modify the transaction.
func (tx *KVTX) Scan(start []byte, callback func(key, val []byte) bool) {
	scanTree(tx.tree, start, callback)
}
