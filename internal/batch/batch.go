package batch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed 12-byte batch header: 8-byte base sequence plus
// 4-byte record count (§3).
const HeaderSize = 12

// Batch is an ordered, immutable-once-submitted sequence of mutation
// records sharing one base sequence number.
type Batch struct {
	baseSeq   uint64
	records   []Record
	truncated bool // true once any record's pre-commit callback rejected it
	immutable bool
}

// New returns an empty, mutable batch.
func New() *Batch {
	return &Batch{}
}

// Put appends a Put record.
func (b *Batch) Put(cf uint32, key, value []byte) *Batch {
	b.append(Record{Type: Put, CF: cf, Key: key, Value: value})
	return b
}

// Merge appends a Merge record.
func (b *Batch) Merge(cf uint32, key, operand []byte) *Batch {
	b.append(Record{Type: Merge, CF: cf, Key: key, Value: operand})
	return b
}

// Delete appends a Delete record.
func (b *Batch) Delete(cf uint32, key []byte) *Batch {
	b.append(Record{Type: Delete, CF: cf, Key: key})
	return b
}

// SingleDelete appends a SingleDelete record.
func (b *Batch) SingleDelete(cf uint32, key []byte) *Batch {
	b.append(Record{Type: SingleDelete, CF: cf, Key: key})
	return b
}

// DeleteRange appends a DeleteRange record covering [begin, end).
func (b *Batch) DeleteRange(cf uint32, begin, end []byte) *Batch {
	b.append(Record{Type: DeleteRange, CF: cf, Key: begin, Value: end})
	return b
}

// BeginPrepare appends a BeginPrepare marker, used by the WAL-only queue's
// 2PC write-committed path (§4.6).
func (b *Batch) BeginPrepare(cf uint32) *Batch {
	b.append(Record{Type: BeginPrepare, CF: cf})
	return b
}

// Commit appends a Commit marker.
func (b *Batch) Commit(cf uint32) *Batch {
	b.append(Record{Type: Commit, CF: cf})
	return b
}

// Rollback appends a Rollback marker.
func (b *Batch) Rollback(cf uint32) *Batch {
	b.append(Record{Type: Rollback, CF: cf})
	return b
}

func (b *Batch) append(r Record) {
	if b.immutable {
		panic("batch: mutated after being handed to the coordinator")
	}
	b.records = append(b.records, r)
}

// Seal marks the batch immutable — called once it is handed to the
// coordinator (§3: "Batches are immutable after being handed to the
// coordinator").
func (b *Batch) Seal() {
	b.immutable = true
}

// Count returns the number of records in the batch.
func (b *Batch) Count() int {
	return len(b.records)
}

// Truncate marks the batch as having a truncation point: a writer whose
// pre-commit callback failed and whose remaining records must not be
// merged with a later batch in place (§4.4 "Batch merging").
func (b *Batch) Truncate() {
	b.truncated = true
}

// Truncated reports whether Truncate was called.
func (b *Batch) Truncated() bool {
	return b.truncated
}

// IsCommitOrRollback reports whether every record in the batch is a Commit
// or Rollback marker — the §4.6 exemption from the low-priority throttle
// ("low-priority writers that are neither commit nor rollback are
// rate-limited").
func (b *Batch) IsCommitOrRollback() bool {
	if len(b.records) == 0 {
		return false
	}
	for _, r := range b.records {
		if r.Type != Commit && r.Type != Rollback {
			return false
		}
	}
	return true
}

// BaseSeq returns the base sequence number stamped by Stamp.
func (b *Batch) BaseSeq() uint64 {
	return b.baseSeq
}

// Stamp assigns base as the batch's base sequence and stamps every record's
// Seq with base + its index, per §3 ("Every record is stamped with the
// batch's base sequence plus its index").
func (b *Batch) Stamp(base uint64) {
	b.baseSeq = base
	for i := range b.records {
		b.records[i].Seq = base + uint64(i)
	}
}

// StampUniform assigns base as the batch's base sequence and gives every
// record the same Seq, base — the seq_per_batch contract (§4.6/§9 Open
// Questions): the whole batch consumes exactly one sequence number
// regardless of record count.
func (b *Batch) StampUniform(base uint64) {
	b.baseSeq = base
	for i := range b.records {
		b.records[i].Seq = base
	}
}

// SetBaseSeq sets the batch's header base-sequence field without touching
// any record's Seq, for a batch (typically one built by Merge) whose
// records already carry their final, individually-assigned sequence
// numbers.
func (b *Batch) SetBaseSeq(seq uint64) {
	b.baseSeq = seq
}

// Records returns the batch's records in order. The slice must not be
// mutated by the caller once the batch has been sealed.
func (b *Batch) Records() []Record {
	return b.records
}

// ByteSize estimates the encoded size of the batch, used for the writer
// queue's byte-budget accounting (§4.2).
func (b *Batch) ByteSize() int {
	n := HeaderSize
	for _, r := range b.records {
		n += 1 + 10 + len(r.Key) + len(r.Value) // type + generous varint overhead
	}
	return n
}

// Encode writes the 12-byte header followed by every record.
func (b *Batch) Encode(w io.Writer) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], b.baseSeq)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(b.records)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for i := range b.records {
		if _, err := b.records[i].Encode(w); err != nil {
			return err
		}
	}
	return nil
}

// EncodeToBytes is a convenience wrapper around Encode.
func (b *Batch) EncodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a batch (header + records) from r.
func Decode(r io.Reader) (*Batch, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	baseSeq := binary.LittleEndian.Uint64(hdr[0:8])
	count := binary.LittleEndian.Uint32(hdr[8:12])

	br := bufio.NewReader(r)
	b := &Batch{baseSeq: baseSeq, records: make([]Record, 0, count)}
	for i := uint32(0); i < count; i++ {
		rec, err := DecodeRecord(br)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrTruncated
		}
		b.records = append(b.records, *rec)
	}
	return b, nil
}

// MergeBatches copies the records of every batch in order into a single new
// batch, used by the write coordinator before the WAL append (§4.4) when a
// group has more than one writer, or the sole writer's batch has a
// truncation point. Callers are responsible for excluding batches belonging
// to writers whose pre-commit callback failed. Records keep the Seq values
// of their source batches; the returned batch's base sequence is 0 until
// SetBaseSeq is called.
func MergeBatches(batches ...*Batch) *Batch {
	out := New()
	for _, src := range batches {
		if src == nil {
			continue
		}
		out.records = append(out.records, src.records...)
	}
	return out
}
