// ABOUTME: Ordered KV store with copy-on-write transactions and WAL durability
// ABOUTME: Readers see the last committed tree; one writer at a time works on a clone

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/nainya/versionstore/pkg/wal"
)

const btreeDegree = 32

// ErrClosed is returned by operations on a closed KV
var ErrClosed = errors.New("storage: kv closed")

type item struct {
	key []byte
	val []byte
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// KV is an ordered key-value store. With a Path it is durable: commits are
// appended to "<Path>.wal" and checkpoints write "<Path>.img". Without a
// Path it lives in memory only.
type KV struct {
	Path string

	// CheckpointInterval enables periodic background checkpoints when > 0
	CheckpointInterval time.Duration

	// Logger receives background checkpoint failures
	Logger zerolog.Logger

	mu     sync.RWMutex // guards tree and closed
	tree   *btree.BTreeG[item]
	closed bool

	writer sync.Mutex // held by the active transaction
	txnSeq uint64

	log          *wal.WAL
	checkpointer *wal.Checkpointer
}

// Open loads the checkpoint image, replays committed WAL transactions on top
// of it and starts the checkpointer if configured.
func (db *KV) Open() error {
	db.tree = btree.NewG[item](btreeDegree, itemLess)
	db.closed = false
	db.txnSeq = 0

	if db.Path == "" {
		return nil
	}

	if _, err := wal.ReadImage(db.imagePath(), func(key, val []byte) error {
		db.tree.ReplaceOrInsert(item{key: key, val: val})
		return nil
	}); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	db.log = &wal.WAL{Path: db.Path + ".wal"}
	if err := db.log.Open(); err != nil {
		return fmt.Errorf("open wal: %w", err)
	}

	stats, err := wal.NewRecovery(db.log).RecoverWithStats(func(op wal.OpType, key, value []byte) error {
		switch op {
		case wal.OpInsert:
			db.tree.ReplaceOrInsert(item{key: key, val: value})
		case wal.OpDelete:
			db.tree.Delete(item{key: key})
		}
		return nil
	})
	if err != nil {
		db.log.Close()
		return fmt.Errorf("recover: %w", err)
	}
	// Transaction ids keep increasing across restarts
	db.txnSeq = stats.MaxTxnID
	if n := db.log.Discarded(); n > 0 {
		db.Logger.Warn().
			Str("component", "storage").
			Int64("bytes", n).
			Msg("dropped incomplete wal tail")
	}
	db.Logger.Debug().
		Str("component", "storage").
		Uint64("last_txn", stats.MaxTxnID).
		Int("committed_txns", stats.CommittedTxns).
		Int("replayed_ops", stats.ReplayedOperations).
		Msg("wal replayed")

	db.checkpointer = wal.NewCheckpointer(db.log, db.writeImage)
	db.checkpointer.SetLocker(&db.writer)
	db.checkpointer.SetLogger(db.Logger)
	if db.CheckpointInterval > 0 {
		db.checkpointer.SetInterval(db.CheckpointInterval)
		db.checkpointer.Start()
	}

	return nil
}

// Close stops background work and closes the log. Pending readers finish
// against the tree they already hold.
func (db *KV) Close() error {
	if db.checkpointer != nil && db.CheckpointInterval > 0 {
		db.checkpointer.Stop()
	}

	db.writer.Lock()
	defer db.writer.Unlock()

	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()

	if db.log != nil {
		return db.log.Close()
	}
	return nil
}

// Checkpoint writes the current state to the image file and drops the WAL
// segments it covers. No-op for in-memory stores.
func (db *KV) Checkpoint() error {
	if db.checkpointer == nil {
		return nil
	}
	return db.checkpointer.Checkpoint()
}

// Len returns the number of committed keys
func (db *KV) Len() int {
	return db.view().Len()
}

// Get retrieves a committed value by key
func (db *KV) Get(key []byte) ([]byte, bool) {
	it, ok := db.view().Get(item{key: key})
	if !ok {
		return nil, false
	}
	return it.val, true
}

// Set inserts or updates a key-value pair in its own transaction
func (db *KV) Set(key []byte, val []byte) error {
	tx := db.Begin()
	tx.Set(key, val)
	return tx.Commit()
}

// Del deletes a key in its own transaction
func (db *KV) Del(key []byte) (bool, error) {
	tx := db.Begin()
	deleted := tx.Del(key)
	if !deleted {
		tx.Abort()
		return false, nil
	}
	return true, tx.Commit()
}

// Scan visits committed pairs in key order starting at start until the
// callback returns false. The callback may call back into the KV.
func (db *KV) Scan(start []byte, callback func(key, val []byte) bool) {
	scanTree(db.view(), start, callback)
}

// view returns the committed tree. Committed trees are never mutated in
// place, so the caller may iterate without holding mu.
func (db *KV) view() *btree.BTreeG[item] {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tree
}

func (db *KV) imagePath() string {
	return db.Path + ".img"
}

// writeImage dumps the committed tree. Called by the checkpointer with the
// writer lock held.
func (db *KV) writeImage() error {
	tree := db.view()
	return wal.WriteImage(db.imagePath(), func(emit func(key, val []byte) error) error {
		var err error
		tree.Ascend(func(it item) bool {
			err = emit(it.key, it.val)
			return err == nil
		})
		return err
	})
}

func scanTree(tree *btree.BTreeG[item], start []byte, callback func(key, val []byte) bool) {
	tree.AscendGreaterOrEqual(item{key: start}, func(it item) bool {
		return callback(it.key, it.val)
	})
}
