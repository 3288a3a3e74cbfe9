package wal

import (
	"errors"
	"fmt"
)

// Entry decoding failures. Both end a segment during replay.
var (
	ErrCorrupted = errors.New("wal: checksum mismatch")
	ErrTruncated = errors.New("wal: incomplete entry")
)

// Log state failures
var (
	ErrLogClosed   = errors.New("wal: log closed")
	ErrLogNotFound = errors.New("wal: no segments")
)

// SegmentError reports where in a segment reading or writing stopped
type SegmentError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("wal: %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// endsSegment reports whether err marks the end of the trustworthy part of
// a segment rather than an I/O failure
func endsSegment(err error) bool {
	return errors.Is(err, ErrTruncated) || errors.Is(err, ErrCorrupted)
}
