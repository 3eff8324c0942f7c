package attachment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for the attachment codec.
var (
	// ErrMalformed is returned when decoding hits wire-level corruption or
	// truncation: an unparseable varint, a declared length reading past the
	// end of the buffer, or trailing bytes that do not form a complete
	// record. It is never returned for consumer-initiated aborts.
	ErrMalformed = errors.New("attachment: malformed attachment")

	// ErrEncoding is returned when the producer fails while being pulled.
	// Whatever partial output existed is discarded.
	ErrEncoding = errors.New("attachment: encoding failed")
)

// Encode pulls pairs from it until exhaustion and serializes them into a new
// Attachment. An empty producer yields a valid zero-length attachment. If the
// producer reports an error, Encode returns it wrapped in ErrEncoding and no
// attachment.
func Encode(it Iterator) (*Attachment, error) {
	// Start nil so an empty producer round-trips as zero bytes.
	var buf []byte
	for it.Next() {
		p := it.Pair()
		buf = binary.AppendUvarint(buf, uint64(len(p.Key)))
		buf = append(buf, p.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(p.Value)))
		buf = append(buf, p.Value...)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if buf == nil {
		buf = []byte{}
	}
	return &Attachment{buf: NewBuffer(buf)}, nil
}

// decodeIterator scans an encoded attachment record by record.
type decodeIterator struct {
	data []byte
	off  int
	cur  Pair
	ok   bool
	err  error
}

func (it *decodeIterator) Next() bool {
	it.ok = false
	if it.err != nil {
		return false
	}
	if it.off == len(it.data) {
		// Clean end exactly on a record boundary.
		return false
	}

	key, err := it.field("key")
	if err != nil {
		it.err = err
		return false
	}
	value, err := it.field("value")
	if err != nil {
		it.err = err
		return false
	}

	it.cur = Pair{Key: key, Value: value}
	it.ok = true
	return true
}

// field reads one varint-prefixed field at the current offset.
func (it *decodeIterator) field(name string) ([]byte, error) {
	rest := it.data[it.off:]
	n, size := binary.Uvarint(rest)
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid %s length varint at offset %d", ErrMalformed, name, it.off)
	}
	rest = rest[size:]
	if n > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes at offset %d",
			ErrMalformed, name, n, len(rest), it.off+size)
	}
	it.off += size + int(n)
	return rest[:n:n], nil
}

func (it *decodeIterator) Pair() Pair {
	if !it.ok {
		panic("attachment: Pair called without successful Next")
	}
	return it.cur
}

func (it *decodeIterator) Err() error { return it.err }

// decode drives fn over the encoded bytes. The consumer's error is returned
// verbatim; wire corruption is returned as ErrMalformed.
func decode(data []byte, fn func(Pair) error) error {
	it := decodeIterator{data: data}
	for it.Next() {
		if err := fn(it.Pair()); err != nil {
			return err
		}
	}
	return it.Err()
}
