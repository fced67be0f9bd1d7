// Package batch implements the write-batch data model (§3): an ordered,
// length-prefixed sequence of mutation records prefixed by a 12-byte header
// (8-byte base sequence + 4-byte record count). Every record is stamped with
// the batch's base sequence plus its index once the batch is handed to the
// coordinator; batches are immutable from that point on.
package batch

import (
	"encoding/binary"
	"errors"
	"io"

	"emberkv/internal/status"
)

// RecordType enumerates the kinds of mutation a batch can carry.
type RecordType uint8

const (
	Put RecordType = iota
	Merge
	Delete
	SingleDelete
	DeleteRange
	BeginPrepare
	Commit
	Rollback
)

func (t RecordType) String() string {
	switch t {
	case Put:
		return "Put"
	case Merge:
		return "Merge"
	case Delete:
		return "Delete"
	case SingleDelete:
		return "SingleDelete"
	case DeleteRange:
		return "DeleteRange"
	case BeginPrepare:
		return "BeginPrepare"
	case Commit:
		return "Commit"
	case Rollback:
		return "Rollback"
	default:
		return "Unknown"
	}
}

// Record Layout:
//
// ┌──────────────┐
// │     type     │  uint8
// ├──────────────┤
// │      cf      │  uvarint — column family id
// ├──────────────┤
// │    keyLen    │  uvarint (absent for BeginPrepare/Commit/Rollback)
// ├──────────────┤
// │      key     │  []byte
// ├──────────────┤
// │    val2Len   │  uvarint — len(Value) for Put/Merge, len(end key) for DeleteRange
// ├──────────────┤
// │  value/endKey│  []byte
// └──────────────┘
//
// ErrTruncated is returned for a record whose declared length runs past the
// end of the supplied reader.
var ErrTruncated = errors.New("batch: truncated record")

// Record is a single mutation within a Batch. Seq is stamped by Batch.Stamp
// and is zero until then.
type Record struct {
	Type  RecordType
	CF    uint32
	Seq   uint64
	Key   []byte
	Value []byte // Merge operand for Merge, end-key for DeleteRange, value for Put
}

// hasKey reports whether this record type carries a key field.
func (t RecordType) hasKey() bool {
	switch t {
	case BeginPrepare, Commit, Rollback:
		return false
	default:
		return true
	}
}

// hasSecondField reports whether this record type carries a second
// length-prefixed field (value for Put/Merge, end-key for DeleteRange).
func (t RecordType) hasSecondField() bool {
	switch t {
	case Put, Merge, DeleteRange:
		return true
	default:
		return false
	}
}

func encodeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// Encode writes the record to w and returns the number of bytes written.
func (r *Record) Encode(w io.Writer) (int, error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write([]byte{byte(r.Type)}); err != nil {
		return cw.n, err
	}
	if err := encodeUvarint(cw, uint64(r.CF)); err != nil {
		return cw.n, err
	}
	if r.Type.hasKey() {
		if err := encodeUvarint(cw, uint64(len(r.Key))); err != nil {
			return cw.n, err
		}
		if len(r.Key) > 0 {
			if _, err := cw.Write(r.Key); err != nil {
				return cw.n, err
			}
		}
	}
	if r.Type.hasSecondField() {
		if err := encodeUvarint(cw, uint64(len(r.Value))); err != nil {
			return cw.n, err
		}
		if len(r.Value) > 0 {
			if _, err := cw.Write(r.Value); err != nil {
				return cw.n, err
			}
		}
	}
	return cw.n, nil
}

// DecodeRecord reads one record from r. It returns (nil, nil) on a clean
// EOF before any byte of a new record is read.
func DecodeRecord(r io.ByteReader) (*Record, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	br, ok := r.(io.Reader)
	if !ok {
		return nil, status.New(status.Corruption, "batch: reader does not support bulk reads")
	}

	rec := &Record{Type: RecordType(typeByte)}

	cf, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrTruncated
	}
	rec.CF = uint32(cf)

	if rec.Type.hasKey() {
		keyLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrTruncated
		}
		if keyLen > 0 {
			rec.Key = make([]byte, keyLen)
			if _, err := io.ReadFull(br, rec.Key); err != nil {
				return nil, ErrTruncated
			}
		}
	}

	if rec.Type.hasSecondField() {
		valLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrTruncated
		}
		if valLen > 0 {
			rec.Value = make([]byte, valLen)
			if _, err := io.ReadFull(br, rec.Value); err != nil {
				return nil, ErrTruncated
			}
		}
	}

	return rec, nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
