package attachment

// Buffer is an owned contiguous byte region. Ownership is explicit: a Buffer
// is either valid or moved-from, and a moved-from Buffer must not be used
// again. Go has no compile-time move checking, so the contract is enforced
// with a runtime flag — using a moved-from Buffer panics, since that is a
// programming error rather than a recoverable condition.
type Buffer struct {
	data  []byte
	moved bool
}

// NewBuffer creates an owned Buffer taking ownership of data. The caller
// must not retain or mutate data afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// NewBufferCopy creates an owned Buffer holding a copy of data. The caller
// keeps ownership of the original slice.
func NewBufferCopy(data []byte) *Buffer {
	b := make([]byte, len(data))
	copy(b, data)
	return &Buffer{data: b}
}

// Move transfers ownership of the underlying storage to a new Buffer and
// leaves the source moved-from and inert. Any later use of the source
// panics.
func (b *Buffer) Move() *Buffer {
	b.check()
	out := &Buffer{data: b.data}
	b.data = nil
	b.moved = true
	return out
}

// View returns a borrowed, non-owning view of the buffer's bytes. The view
// is valid only for the duration of the call that received it and must not
// outlive the Buffer.
func (b *Buffer) View() View {
	b.check()
	return View{data: b.data}
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int {
	b.check()
	return len(b.data)
}

func (b *Buffer) check() {
	if b.moved {
		panic("attachment: use of moved-from buffer")
	}
}

// View is a borrowed read-only window into a Buffer (or any byte region
// owned by someone else). It never outlives the call that provided it;
// callers needing the bytes past that scope must Clone them.
type View struct {
	data []byte
}

// ViewOf borrows data without taking ownership.
func ViewOf(data []byte) View {
	return View{data: data}
}

// Bytes returns the viewed bytes. The slice aliases the owner's storage and
// must not be mutated or retained.
func (v View) Bytes() []byte {
	return v.data
}

// Len returns the view length in bytes.
func (v View) Len() int {
	return len(v.data)
}

// Clone copies the viewed bytes into a new owned Buffer.
func (v View) Clone() *Buffer {
	return NewBufferCopy(v.data)
}

// String returns the viewed bytes as a string (copying them).
func (v View) String() string {
	return string(v.data)
}
