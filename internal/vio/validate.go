package vio

import (
	"encoding/binary"
	"iter"
)

// Batch is a read-only view over a validated delivery. It aliases the
// buffer it was built from, so it must not outlive the delivery callback.
type Batch struct {
	data []byte
}

// Validate checks that the first n bytes of buf hold one or more whole
// records, each tagged with MagicNumber. It reports false for anything
// else; the caller is expected to drop the delivery without comment.
func Validate(buf []byte, n int) (Batch, bool) {
	if n <= 0 || n > len(buf) || n%RecordSize != 0 {
		return Batch{}, false
	}
	data := buf[:n]
	for off := 0; off < n; off += RecordSize {
		if binary.LittleEndian.Uint32(data[off+offMagic:]) != MagicNumber {
			return Batch{}, false
		}
	}
	return Batch{data: data}, true
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.data) / RecordSize
}

// At decodes the i-th record.
func (b Batch) At(i int) Record {
	var r Record
	b.Decode(i, &r)
	return r
}

// Decode decodes the i-th record into r.
func (b Batch) Decode(i int, r *Record) {
	off := i * RecordSize
	decodeRecord(b.data[off:off+RecordSize], r)
}

// All yields the records in arrival order.
func (b Batch) All() iter.Seq2[int, Record] {
	return func(yield func(int, Record) bool) {
		for i := 0; i < b.Len(); i++ {
			if !yield(i, b.At(i)) {
				return
			}
		}
	}
}
