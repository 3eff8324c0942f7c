// Package attachment encodes and decodes ordered key/value metadata carried
// alongside a message or query/reply, independent of the main payload.
//
// An attachment is an opaque byte string holding zero or more length-prefixed
// records:
//
//	Attachment := Record*
//	Record     := Uvarint(len(key)) key-bytes Uvarint(len(value)) value-bytes
//
// Varints are unsigned LEB128 (little-endian base-128, continuation bit in
// the high bit of each byte), exactly the encoding produced by
// encoding/binary's AppendUvarint. There is no outer count and no terminator;
// the decoder discovers the end of the sequence by reaching the end of the
// buffer on a record boundary. A zero-length attachment is valid and distinct
// from "no attachment" (absence is a nil *Attachment at the message level).
//
// Keys and values are opaque bytes. No encoding of their content is assumed,
// duplicates are allowed, and order is preserved: pairs decode in the order
// they were encoded.
//
// # Producing
//
// Pairs are pulled from an Iterator, so the encoder never needs to know the
// element count up front and sources need not be materialized collections:
//
//	att, err := attachment.Encode(attachment.Pairs(
//	    attachment.Pair{Key: []byte("k_const"), Value: []byte("v const")},
//	    attachment.Pair{Key: []byte("k_var"), Value: []byte("test_value_1")},
//	))
//
// For the common cases, Builder offers fluent construction and FromMap
// encodes a map in sorted key order.
//
// # Consuming
//
// Range invokes a callback once per pair, in order. The callback returning a
// non-nil error stops decoding immediately and Range returns that error
// verbatim, so application-level rejects (for example an unexpected key) stay
// distinguishable from wire corruption, which is always reported as
// ErrMalformed:
//
//	err := att.Range(func(p attachment.Pair) error {
//	    if !expected(p.Key) {
//	        return fmt.Errorf("unexpected key %q", p.Key)
//	    }
//	    return nil
//	})
//
// Because decoding is itself pull-based, callers that only need a single
// value can use Get without materializing the whole sequence.
package attachment
