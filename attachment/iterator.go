package attachment

import "sort"

// Pair is one key/value element of an attachment. Both sides are opaque
// bytes; zero-length keys and values are legal.
type Pair struct {
	Key   []byte
	Value []byte
}

// Iterator is the pull side of the producer/consumer contract. Neither side
// needs to know the element count up front: the encoder polls Next until it
// returns false, then checks Err to distinguish clean exhaustion from a
// producer failure.
//
// Iterators are one-shot and not restartable. Next returning false is
// terminal; built-in iterators stay exhausted afterwards. Calling Pair
// without a preceding successful Next is a programming error.
//
// Thread safety: an Iterator is not safe for concurrent use. Each iterator
// belongs to a single goroutine.
type Iterator interface {
	// Next advances to the next pair. It returns true if a pair is
	// available via Pair, and false on exhaustion or error.
	Next() bool

	// Pair returns the current pair. Valid only after Next returned true,
	// and only until the following Next call.
	Pair() Pair

	// Err returns the error that terminated iteration, or nil if the
	// producer was exhausted cleanly.
	Err() error
}

// sliceIterator iterates over a fixed set of pairs.
type sliceIterator struct {
	pairs []Pair
	pos   int
}

// Pairs returns an Iterator over the given pairs in order.
func Pairs(pairs ...Pair) Iterator {
	return &sliceIterator{pairs: pairs, pos: -1}
}

// FromMap returns an Iterator over the map's entries in ascending key order,
// so that encoding a map is deterministic.
func FromMap(m map[string][]byte) Iterator {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(m))
	for _, k := range keys {
		pairs = append(pairs, Pair{Key: []byte(k), Value: m[k]})
	}
	return &sliceIterator{pairs: pairs, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.pairs) {
		// Stay exhausted; release the backing slice.
		it.pairs = nil
		it.pos = 0
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Pair() Pair {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		panic("attachment: Pair called without successful Next")
	}
	return it.pairs[it.pos]
}

func (it *sliceIterator) Err() error { return nil }

// funcIterator adapts a pull function into an Iterator.
type funcIterator struct {
	next func() (Pair, bool, error)
	cur  Pair
	ok   bool
	done bool
	err  error
}

// FromFunc returns an Iterator backed by next, which is polled once per
// element. next returns the pair and true while elements remain, and false
// on exhaustion; a non-nil error aborts iteration and is reported by Err.
// After the first false or error, next is never called again.
func FromFunc(next func() (Pair, bool, error)) Iterator {
	return &funcIterator{next: next}
}

func (it *funcIterator) Next() bool {
	if it.done {
		return false
	}
	p, ok, err := it.next()
	if err != nil {
		it.done = true
		it.err = err
		it.ok = false
		return false
	}
	if !ok {
		it.done = true
		it.ok = false
		return false
	}
	it.cur = p
	it.ok = true
	return true
}

func (it *funcIterator) Pair() Pair {
	if !it.ok {
		panic("attachment: Pair called without successful Next")
	}
	return it.cur
}

func (it *funcIterator) Err() error { return it.err }
