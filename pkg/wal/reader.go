package wal

import (
	"bufio"
	"io"
	"os"
)

// Reader walks the entries of several segments in order. Within a segment
// reading stops at the first incomplete or damaged frame; Open truncates
// the active segment there, so nothing valid is ever written after one.
type Reader struct {
	files []string
	next  int

	fd     *os.File
	br     *bufio.Reader
	offset int64 // end of the last frame returned from the current segment
}

// NewReader creates a reader over files, oldest first
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open positions the reader at the start of the first segment
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}
	return r.advance()
}

// Next returns the next entry, or io.EOF after the last segment
func (r *Reader) Next() (*Entry, error) {
	for r.fd != nil {
		e, err := readEntry(r.br)
		if err == nil {
			r.offset += int64(e.Size())
			return e, nil
		}
		if err != io.EOF && !endsSegment(err) {
			return nil, &SegmentError{Path: r.fd.Name(), Offset: r.offset, Err: err}
		}
		if err := r.advance(); err != nil {
			return nil, err
		}
	}
	return nil, io.EOF
}

// advance closes the current segment and opens the following one
func (r *Reader) advance() error {
	r.closeCurrent()
	if r.next >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.next])
	if err != nil {
		return err
	}
	r.next++
	r.fd = fd
	r.br = bufio.NewReader(fd)
	r.offset = 0
	return nil
}

func (r *Reader) closeCurrent() {
	if r.fd != nil {
		r.fd.Close()
		r.fd, r.br = nil, nil
	}
}

// Close releases the open segment
func (r *Reader) Close() error {
	r.closeCurrent()
	return nil
}

// ReadAll returns every readable entry of files
func ReadAll(files []string) ([]*Entry, error) {
	r := NewReader(files)
	if err := r.Open(); err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

// segmentInfo summarizes the valid prefix of one segment
type segmentInfo struct {
	validEnd int64  // offset just past the last intact frame
	size     int64  // bytes on disk
	maxLSN   uint64 // highest LSN among intact frames
}

// scanSegment reads path up to its first incomplete or damaged frame
func scanSegment(path string) (segmentInfo, error) {
	var info segmentInfo
	fd, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer fd.Close()

	stat, err := fd.Stat()
	if err != nil {
		return info, err
	}
	info.size = stat.Size()

	br := bufio.NewReader(fd)
	for {
		e, err := readEntry(br)
		if err == io.EOF || endsSegment(err) {
			return info, nil
		}
		if err != nil {
			return info, &SegmentError{Path: path, Offset: info.validEnd, Err: err}
		}
		info.validEnd += int64(e.Size())
		info.maxLSN = max(info.maxLSN, e.LSN)
	}
}
