package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// OpType tags what an entry records
type OpType byte

const (
	OpInsert     OpType = 1 // key set to value
	OpDelete     OpType = 2 // key removed
	OpCommit     OpType = 3 // ends the run of entries of one transaction
	OpCheckpoint OpType = 4 // state up to here is in the image file
	OpImage      OpType = 5 // one pair of a checkpoint image
)

var opNames = map[OpType]string{
	OpInsert:     "insert",
	OpDelete:     "delete",
	OpCommit:     "commit",
	OpCheckpoint: "checkpoint",
	OpImage:      "image",
}

func (op OpType) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Entry framing, little endian:
//
//	lsn u64 | txn u64 | op u8 | pad [7] | klen u32 | vlen u32 | unix nanos i64 | key | value | crc32
//
// The checksum covers everything before it.
const (
	EntryHeaderSize = 40
	checksumSize    = 4

	offLSN    = 0
	offTxn    = 8
	offOp     = 16
	offKeyLen = 24
	offValLen = 28
	offTime   = 32
)

// Entry is one framed record of a log segment or image file
type Entry struct {
	LSN       uint64
	TxnID     uint64
	OpType    OpType
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Size returns the framed length of e
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + checksumSize
}

// Encode frames e
func (e *Entry) Encode() []byte {
	return e.AppendEncoded(make([]byte, 0, e.Size()))
}

// AppendEncoded appends the framed form of e to dst
func (e *Entry) AppendEncoded(dst []byte) []byte {
	start := len(dst)
	var hdr [EntryHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[offLSN:], e.LSN)
	binary.LittleEndian.PutUint64(hdr[offTxn:], e.TxnID)
	hdr[offOp] = byte(e.OpType)
	binary.LittleEndian.PutUint32(hdr[offKeyLen:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(hdr[offValLen:], uint32(len(e.Value)))
	binary.LittleEndian.PutUint64(hdr[offTime:], uint64(e.Timestamp.UnixNano()))

	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)
	return binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// DecodeEntry parses one complete frame
func DecodeEntry(frame []byte) (*Entry, error) {
	if len(frame) < EntryHeaderSize+checksumSize {
		return nil, ErrTruncated
	}
	klen, vlen := payloadLens(frame)
	if len(frame) < EntryHeaderSize+klen+vlen+checksumSize {
		return nil, ErrTruncated
	}
	frame = frame[:EntryHeaderSize+klen+vlen+checksumSize]

	body := frame[:len(frame)-checksumSize]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(frame[len(body):]) {
		return nil, ErrCorrupted
	}

	e := &Entry{
		LSN:       binary.LittleEndian.Uint64(frame[offLSN:]),
		TxnID:     binary.LittleEndian.Uint64(frame[offTxn:]),
		OpType:    OpType(frame[offOp]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(frame[offTime:]))),
	}
	payload := body[EntryHeaderSize:]
	if klen > 0 {
		e.Key = append([]byte(nil), payload[:klen]...)
	}
	if vlen > 0 {
		e.Value = append([]byte(nil), payload[klen:]...)
	}
	return e, nil
}

func payloadLens(hdr []byte) (int, int) {
	return int(binary.LittleEndian.Uint32(hdr[offKeyLen:])), int(binary.LittleEndian.Uint32(hdr[offValLen:]))
}

// readEntry reads the next frame from r. A clean end of input is io.EOF; a
// frame cut short is ErrTruncated.
func readEntry(r io.Reader) (*Entry, error) {
	var hdr [EntryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	klen, vlen := payloadLens(hdr[:])
	if klen > MaxLogFileSize || vlen > MaxLogFileSize {
		return nil, ErrCorrupted
	}

	frame := make([]byte, EntryHeaderSize+klen+vlen+checksumSize)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[EntryHeaderSize:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return DecodeEntry(frame)
}

func (e *Entry) String() string {
	return fmt.Sprintf("wal entry lsn=%d txn=%d %s key=%dB value=%dB",
		e.LSN, e.TxnID, e.OpType, len(e.Key), len(e.Value))
}
