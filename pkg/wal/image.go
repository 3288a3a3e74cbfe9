package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// WriteImage writes a full key-value image to path. The image is written to
// a temporary file, fsynced and renamed, so a reader sees either the old or
// the new image.
func WriteImage(path string, scan func(emit func(key, val []byte) error) error) error {
	tmp := path + ".tmp"
	fd, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create image: %w", err)
	}

	buf := bufio.NewWriter(fd)
	now := time.Now()
	var seq uint64
	err = scan(func(key, val []byte) error {
		seq++
		e := Entry{LSN: seq, OpType: OpImage, Key: key, Value: val, Timestamp: now}
		_, werr := buf.Write(e.Encode())
		return werr
	})
	if err == nil {
		err = buf.Flush()
	}
	if err == nil {
		err = fd.Sync()
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: write image: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wal: install image: %w", err)
	}
	// The rename must be durable before the checkpoint drops log segments
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("wal: sync image directory: %w", err)
	}
	return nil
}

// ReadImage calls fn for each pair stored in the image at path. A missing
// image is an empty one. Unlike log segments, a damaged image is an error.
func ReadImage(path string, fn func(key, val []byte) error) (int, error) {
	fd, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer fd.Close()

	r := bufio.NewReader(fd)
	count := 0
	for {
		entry, err := readEntry(r)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("wal: read image %s: %w", path, err)
		}
		if entry.OpType != OpImage {
			return count, fmt.Errorf("wal: read image %s: unexpected %s", path, entry)
		}
		if err := fn(entry.Key, entry.Value); err != nil {
			return count, err
		}
		count++
	}
}
