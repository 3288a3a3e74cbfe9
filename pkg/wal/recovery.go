package wal

import (
	"fmt"
)

// ReplayFunc is called for each operation that needs to be replayed
type ReplayFunc func(op OpType, key, value []byte) error

// Recovery replays committed transactions from a WAL
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a recovery manager
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// Transaction is one contiguous run of entries sharing a TxnID. It is
// committed only when the run ends with a commit marker.
type Transaction struct {
	TxnID     uint64
	StartLSN  uint64
	Entries   []*Entry
	Committed bool
}

// RecoveryStats summarizes a replay
type RecoveryStats struct {
	TotalEntries       int
	CommittedTxns      int
	UncommittedTxns    int
	ReplayedOperations int
	LastCheckpointLSN  uint64

	// MaxTxnID is the highest transaction id found in the log, committed
	// or not. New transactions must be numbered above it.
	MaxTxnID uint64
}

// Recover replays committed operations after the last checkpoint, in log order.
func (r *Recovery) Recover(replay ReplayFunc) error {
	_, err := r.RecoverWithStats(replay)
	return err
}

// RecoverWithStats performs recovery and returns statistics
func (r *Recovery) RecoverWithStats(replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	files, err := r.wal.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return stats, nil
	}

	entries, err := ReadAll(files)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL entries: %w", err)
	}
	stats.TotalEntries = len(entries)
	for _, e := range entries {
		stats.MaxTxnID = max(stats.MaxTxnID, e.TxnID)
	}

	// Everything before the last checkpoint marker is in the image
	if i := lastCheckpoint(entries); i >= 0 {
		stats.LastCheckpointLSN = entries[i].LSN
		entries = entries[i+1:]
	}

	for _, txn := range groupByTransaction(entries) {
		if !txn.Committed {
			stats.UncommittedTxns++
			continue
		}

		stats.CommittedTxns++
		for _, entry := range txn.Entries {
			if entry.OpType != OpInsert && entry.OpType != OpDelete {
				continue
			}
			if err := replay(entry.OpType, entry.Key, entry.Value); err != nil {
				return stats, fmt.Errorf("replay failed at LSN %d: %w", entry.LSN, err)
			}
			stats.ReplayedOperations++
		}
	}

	return stats, nil
}

// groupByTransaction splits entries into runs. Transactions are written as
// one contiguous batch, so a run ends at its commit marker, at a checkpoint,
// or where an entry of another transaction begins; only the first kind is
// committed. Runs that reuse an earlier TxnID stay separate.
func groupByTransaction(entries []*Entry) []*Transaction {
	var (
		txns []*Transaction
		cur  *Transaction
	)
	flush := func() {
		if cur != nil {
			txns = append(txns, cur)
			cur = nil
		}
	}

	for _, entry := range entries {
		if entry.OpType == OpCheckpoint {
			flush()
			continue
		}
		if cur != nil && cur.TxnID != entry.TxnID {
			flush()
		}
		if cur == nil {
			cur = &Transaction{TxnID: entry.TxnID, StartLSN: entry.LSN}
		}

		if entry.OpType == OpCommit {
			cur.Committed = true
			flush()
			continue
		}
		cur.Entries = append(cur.Entries, entry)
	}
	flush()

	return txns
}

// lastCheckpoint returns the index of the last checkpoint marker, or -1
func lastCheckpoint(entries []*Entry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].OpType == OpCheckpoint {
			return i
		}
	}
	return -1
}
