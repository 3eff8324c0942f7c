package attachment

import "bytes"

// Attachment is the serialized form of an ordered sequence of key/value
// pairs, held in an owned Buffer. A zero-length Attachment is valid and
// distinct from "no attachment"; absence is a nil *Attachment at the
// message level.
type Attachment struct {
	buf *Buffer
}

// FromBytes wraps already-encoded attachment bytes, taking ownership of
// data. No validation is performed up front; malformed input surfaces as
// ErrMalformed on first decode.
func FromBytes(data []byte) *Attachment {
	if data == nil {
		data = []byte{}
	}
	return &Attachment{buf: NewBuffer(data)}
}

// Bytes returns the encoded form. The slice is borrowed from the
// attachment's owned storage and must not be mutated or retained past the
// call that uses it.
func (a *Attachment) Bytes() []byte {
	return a.buf.View().Bytes()
}

// Len returns the encoded length in bytes.
func (a *Attachment) Len() int {
	return a.buf.Len()
}

// IsEmpty reports whether the attachment holds zero pairs.
func (a *Attachment) IsEmpty() bool {
	return a.buf.Len() == 0
}

// Iter returns a fresh one-shot Iterator over the decoded pairs. Decoded
// keys and values borrow from the attachment's storage and are valid only
// while the attachment is.
//
// Wire corruption terminates iteration and is reported by Err as
// ErrMalformed.
func (a *Attachment) Iter() Iterator {
	return &decodeIterator{data: a.buf.View().Bytes()}
}

// Range invokes fn once per pair, in encoding order. If fn returns a
// non-nil error, decoding stops immediately and Range returns that error
// verbatim — it is never mistaken for wire corruption, which Range reports
// as ErrMalformed.
func (a *Attachment) Range(fn func(Pair) error) error {
	return decode(a.buf.View().Bytes(), fn)
}

// Count decodes the attachment and returns the number of pairs.
func (a *Attachment) Count() (int, error) {
	n := 0
	err := a.Range(func(Pair) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// errFound terminates a Get scan early once the key is located.
type errFound struct{}

func (errFound) Error() string { return "attachment: found" }

// Get scans for the first pair whose key equals key and returns its value.
// The scan stops as soon as the key is found, so picking one value out of a
// large attachment does not decode the rest. The returned value borrows
// from the attachment's storage.
func (a *Attachment) Get(key []byte) (value []byte, found bool, err error) {
	err = a.Range(func(p Pair) error {
		if bytes.Equal(p.Key, key) {
			value = p.Value
			found = true
			return errFound{}
		}
		return nil
	})
	if found {
		return value, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// GetString is Get for string keys, returning the value as a string copy.
func (a *Attachment) GetString(key string) (string, bool, error) {
	v, found, err := a.Get([]byte(key))
	if err != nil || !found {
		return "", found, err
	}
	return string(v), true, nil
}

// Builder accumulates pairs and encodes them in insertion order. The
// zero value is ready to use.
type Builder struct {
	pairs []Pair
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a pair. Key and value bytes are referenced, not copied; the
// caller must not mutate them before Build.
func (b *Builder) Add(key, value []byte) *Builder {
	b.pairs = append(b.pairs, Pair{Key: key, Value: value})
	return b
}

// AddString appends a pair with string key and value.
func (b *Builder) AddString(key, value string) *Builder {
	return b.Add([]byte(key), []byte(value))
}

// Len returns the number of accumulated pairs.
func (b *Builder) Len() int {
	return len(b.pairs)
}

// Build encodes the accumulated pairs into an Attachment. Building from an
// empty Builder yields a valid zero-length attachment.
func (b *Builder) Build() *Attachment {
	att, err := Encode(Pairs(b.pairs...))
	if err != nil {
		// Pairs never reports a producer error.
		panic("attachment: builder encode failed: " + err.Error())
	}
	return att
}
