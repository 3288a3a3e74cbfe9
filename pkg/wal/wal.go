// Package wal implements the commit log that makes storage.KV durable.
//
// Every KV transaction is appended as a run of insert/delete entries followed
// by a commit marker. Recovery replays committed transactions written after
// the last checkpoint on top of the checkpoint image.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	// MaxLogFileSize is the size at which the active log file is rotated (64MB)
	MaxLogFileSize = 64 << 20
)

// WAL is an append-only, segmented commit log. Segments are named
// "<base>.000", "<base>.001", ... next to Path.
type WAL struct {
	// Path is the base path for log segments (e.g. "/data/docs.db.wal")
	Path string

	fd        *os.File
	mu        sync.Mutex
	lsn       uint64 // atomic
	fileSize  int64
	fileIndex int
	closed    bool
	discarded int64
}

// Open opens the newest segment for appending, or creates the first one.
// A torn or damaged tail of the newest segment is cut off first so that
// new entries follow the last intact one.
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("wal: create directory: %w", err)
	}

	files, err := w.findLogFiles()
	if err != nil {
		return err
	}
	w.discarded = 0

	if len(files) == 0 {
		if err := w.openSegmentNoLock(0); err != nil {
			return err
		}
		atomic.StoreUint64(&w.lsn, 0)
		w.closed = false
		return nil
	}

	var maxLSN uint64
	var active segmentInfo
	for _, f := range files {
		info, err := scanSegment(f)
		if err != nil {
			return err
		}
		maxLSN = max(maxLSN, info.maxLSN)
		active = info
	}

	latest := files[len(files)-1]
	fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if active.validEnd < active.size {
		if err := truncateSynced(fd, active.validEnd); err != nil {
			fd.Close()
			return &SegmentError{Path: latest, Offset: active.validEnd, Err: err}
		}
		w.discarded = active.size - active.validEnd
	}

	w.fd = fd
	w.fileSize = active.validEnd
	w.fileIndex = w.segmentIndex(latest)
	atomic.StoreUint64(&w.lsn, maxLSN)
	w.closed = false
	return nil
}

// Discarded returns how many tail bytes the last Open cut from the active
// segment
func (w *WAL) Discarded() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discarded
}

// NextLSN returns the next Log Sequence Number
func (w *WAL) NextLSN() uint64 {
	return atomic.AddUint64(&w.lsn, 1)
}

// Write appends an entry, rotating to a new segment when the active one is full.
func (w *WAL) Write(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendNoLock(entry.Encode(), false)
}

// WriteBatch appends entries as one contiguous run in a single segment and
// fsyncs it. On failure the run is removed again, so a failed transaction
// never leaves a prefix behind.
func (w *WAL) WriteBatch(entries []Entry) error {
	var buf []byte
	for i := range entries {
		buf = entries[i].AppendEncoded(buf)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendNoLock(buf, true)
}

// appendNoLock writes data at the end of the active segment. Partial writes
// are truncated away (caller must hold mu).
func (w *WAL) appendNoLock(data []byte, durable bool) error {
	if w.closed {
		return ErrLogClosed
	}
	if w.fileSize > 0 && w.fileSize+int64(len(data)) > MaxLogFileSize {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
	}

	start := w.fileSize
	n, err := w.fd.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err == nil && durable {
		err = w.fd.Sync()
	}
	if err != nil {
		if terr := w.fd.Truncate(start); terr != nil {
			// The tail is unknown; refuse further appends until reopened,
			// which cuts it off.
			w.fd.Close()
			w.closed = true
			return &SegmentError{Path: w.fd.Name(), Offset: start, Err: errors.Join(err, terr)}
		}
		return &SegmentError{Path: w.fd.Name(), Offset: start, Err: err}
	}
	w.fileSize += int64(n)
	return nil
}

// Fsync ensures all written data is persisted to disk
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}
	return w.fd.Sync()
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	err := w.fd.Close()
	w.closed = true
	return err
}

// Files returns the log segments in replay order.
func (w *WAL) Files() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findLogFiles()
}

// rotateNoLock starts a new segment. Old segments are kept: only a
// checkpoint may remove them (caller must hold mu).
func (w *WAL) rotateNoLock() error {
	if err := w.fd.Sync(); err != nil {
		return err
	}
	if err := w.fd.Close(); err != nil {
		return err
	}
	return w.openSegmentNoLock(w.fileIndex + 1)
}

func (w *WAL) openSegmentNoLock(index int) error {
	fd, err := os.OpenFile(w.logFilePath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := syncDir(filepath.Dir(w.Path)); err != nil {
		fd.Close()
		return err
	}
	w.fd = fd
	w.fileSize = 0
	w.fileIndex = index
	return nil
}

// truncateBeforeActiveNoLock rotates and removes every segment older than
// the new active one (caller must hold mu).
func (w *WAL) truncateBeforeActiveNoLock() error {
	if err := w.rotateNoLock(); err != nil {
		return err
	}
	files, err := w.findLogFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if w.segmentIndex(f) >= w.fileIndex {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: remove segment %s: %w", f, err)
		}
	}
	return syncDir(filepath.Dir(w.Path))
}

func (w *WAL) baseName() string {
	return filepath.Base(w.Path)
}

func (w *WAL) logFilePath(index int) string {
	return filepath.Join(filepath.Dir(w.Path), fmt.Sprintf("%s.%03d", w.baseName(), index))
}

func (w *WAL) segmentIndex(file string) int {
	var idx int
	if _, err := fmt.Sscanf(filepath.Base(file), w.baseName()+".%d", &idx); err != nil {
		return -1
	}
	return idx
}

// findLogFiles returns all segments for this log sorted by index
func (w *WAL) findLogFiles() ([]string, error) {
	dir := filepath.Dir(w.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && w.isWALFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return w.segmentIndex(files[i]) < w.segmentIndex(files[j])
	})
	return files, nil
}

// isWALFile reports whether name is "<base>.<digits>" exactly, so that
// "docs.db.wal.001" matches but "docs.db.wal.img" does not.
func (w *WAL) isWALFile(name string) bool {
	prefix := w.baseName() + "."
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return false
	}
	for _, c := range name[len(prefix):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// truncateSynced cuts fd to size and makes the new length durable
func truncateSynced(fd *os.File, size int64) error {
	if err := fd.Truncate(size); err != nil {
		return err
	}
	return fd.Sync()
}

// syncDir makes renames and removals inside dir durable
func syncDir(dir string) error {
	fd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer fd.Close()
	return fd.Sync()
}
