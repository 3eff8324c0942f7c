// Package fifo provides a bounded single-producer/single-consumer queue
// with paired send and receive handles.
//
// A queue is created once per outstanding query and carries replies from
// the transport's delivery goroutine to application code. The capacity is
// fixed at creation; a full queue blocks the sender (backpressure) and an
// empty queue blocks the receiver.
//
// # Completion
//
// Closing the Sender is the completion signal. After the sender is closed
// and the queue drained, Recv returns ok=false on every call. There is no
// separate "done" element; the transport layer closes the sender when
// delivery finishes for any reason, so a blocked receiver always unblocks.
//
// # Abandonment
//
// A consumer that no longer wants replies closes the Receiver. Pending and
// future sends fail with ErrClosed instead of blocking forever, which lets
// the delivery goroutine stop early.
//
// # Thread safety
//
// The queue is safe for exactly one goroutine calling Send/Close on the
// Sender and one goroutine calling Recv/Close on the Receiver, operating
// concurrently. It is not designed for multiple simultaneous producers or
// consumers on the same pair.
package fifo

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send when the receive side has been closed.
var ErrClosed = errors.New("fifo: receiver closed")

// queue is the state shared by a Sender/Receiver pair.
type queue[T any] struct {
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	buf   []T
	head  int
	count int

	sendClosed bool // producer finished, no more sends
	recvClosed bool // consumer abandoned, drop everything
}

// Sender is the producing half of the queue. It is used by the transport's
// delivery context.
type Sender[T any] struct {
	q *queue[T]
}

// Receiver is the consuming half of the queue. It is used by application
// code looping until Recv returns ok=false.
type Receiver[T any] struct {
	q *queue[T]
}

// New creates a queue of the given capacity and returns its paired handles.
// Both halves share the same underlying ring for its entire lifetime.
// Capacity must be positive; a non-positive capacity is a programming error
// and panics.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity <= 0 {
		panic("fifo: capacity must be positive")
	}
	q := &queue[T]{buf: make([]T, capacity)}
	q.notFull.L = &q.mu
	q.notEmpty.L = &q.mu
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

// Send enqueues v, blocking while the queue is full. It returns ErrClosed
// if the receive side was closed, in which case v was not enqueued.
// Calling Send after Close is a programming error and panics.
func (s *Sender[T]) Send(v T) error {
	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sendClosed {
		panic("fifo: send on closed sender")
	}
	for q.count == len(q.buf) && !q.recvClosed {
		q.notFull.Wait()
	}
	if q.recvClosed {
		return ErrClosed
	}
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Close marks the producing side as finished. Once the queue drains, Recv
// returns ok=false. Close is idempotent and never blocks.
func (s *Sender[T]) Close() {
	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.sendClosed {
		q.sendClosed = true
		q.notEmpty.Broadcast()
	}
}

// Recv dequeues the next element, blocking while the queue is empty.
// It returns ok=false exactly when the sender has closed and all queued
// elements have been consumed, or when the receiver itself was closed.
// Calling Recv again after ok=false is safe and keeps returning false.
func (r *Receiver[T]) Recv() (v T, ok bool) {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.sendClosed && !q.recvClosed {
		q.notEmpty.Wait()
	}
	if q.recvClosed || q.count == 0 {
		var zero T
		return zero, false
	}
	v = q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return v, true
}

// TryRecv dequeues the next element without blocking. It returns ok=false
// when the queue is currently empty or the queue has completed; use Recv
// to distinguish the two by blocking.
func (r *Receiver[T]) TryRecv() (v T, ok bool) {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.recvClosed || q.count == 0 {
		var zero T
		return zero, false
	}
	v = q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return v, true
}

// Close abandons the queue from the consuming side. Queued elements are
// dropped, a blocked Send unblocks with ErrClosed, and subsequent Recv
// calls return ok=false. Close is idempotent.
func (r *Receiver[T]) Close() {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.recvClosed {
		q.recvClosed = true
		// Drop queued elements so they can be collected.
		clear(q.buf)
		q.count = 0
		q.notFull.Broadcast()
		q.notEmpty.Broadcast()
	}
}

// Len returns the number of queued elements. It is advisory only; the
// value may be stale by the time the caller acts on it.
func (r *Receiver[T]) Len() int {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return r.q.count
}

// Cap returns the fixed capacity chosen at creation.
func (r *Receiver[T]) Cap() int {
	return len(r.q.buf)
}
