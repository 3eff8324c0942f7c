// Package transport defines the contract between the courier session layer
// and the underlying messaging fabric.
//
// The session layer consumes a Transport only through effect-level
// operations: "send bytes tagged with a key expression and an attachment",
// "deliver arriving replies to this sink", "invoke this handler when a query
// arrives". Routing, wildcard matching, congestion and reliability policy
// all belong to the Transport implementation; the bundled implementations
// (transport/memory, transport/redis) match key expressions byte-for-byte.
//
// # Delivery context
//
// Reply, query and sample callbacks run on goroutines owned by the
// transport — the delivery context — concurrently with application code.
// A ReplySink's Deliver may block (backpressure from a slow consumer);
// query handlers run synchronously inside the delivery context and should
// not block indefinitely, as that stalls the context's ability to service
// other work.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors for transport implementations.
var (
	// ErrNotConnected is returned when operations are attempted before
	// Connect().
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrUndeclared is returned by Undeclare when the entity was already
	// undeclared.
	ErrUndeclared = errors.New("transport: already undeclared")
)

// Sample is a published value: a payload tagged with a key expression and
// an optional attachment. Attachment is nil when absent; an empty non-nil
// slice is a present, zero-pair attachment.
type Sample struct {
	KeyExpr    string
	Payload    []byte
	Attachment []byte
}

// Reply is one element of a query's reply stream: either an Ok sample or
// an error message. Exactly one of the two is meaningful, selected by IsErr.
type Reply struct {
	Sample Sample // valid when IsErr is false
	Error  string // valid when IsErr is true
	IsErr  bool
}

// OkReply wraps a sample as a successful reply.
func OkReply(s Sample) Reply {
	return Reply{Sample: s}
}

// ErrReply wraps an error message as an error reply. An error reply does
// not terminate the stream; the transport keeps delivering.
func ErrReply(msg string) Reply {
	return Reply{Error: msg, IsErr: true}
}

// ReplySink receives a query's reply stream from the delivery context. It
// is implemented by the session layer on top of a bounded queue.
type ReplySink interface {
	// Deliver hands one reply to the consumer. It blocks while the
	// consumer's queue is full and returns fifo.ErrClosed once the
	// consumer abandoned the query, letting the transport stop early.
	Deliver(r Reply) error

	// Done signals that no more replies will arrive. It must be called
	// exactly once per query lifetime from the transport's point of view,
	// after the last Deliver; implementations treat it as idempotent so
	// error paths can call it defensively. After Done, Deliver must not
	// be called again.
	Done()
}

// Replier sends replies for one inbound query back toward its origin.
type Replier interface {
	// Reply sends one Ok sample to the querier.
	Reply(ctx context.Context, s Sample) error

	// ReplyErr sends one error reply to the querier.
	ReplyErr(ctx context.Context, msg string) error
}

// Query is an inbound query handed to a QueryHandler. Payload and
// Attachment are borrowed from the transport and valid only for the
// duration of the handler invocation. Attachment is nil when the querier
// attached nothing.
type Query struct {
	KeyExpr    string
	Parameters string
	Payload    []byte
	Attachment []byte

	Replier Replier
}

// QueryHandler is invoked once per inbound query, synchronously in the
// delivery context. It must call the query's Replier zero or more times
// before returning; after it returns, the transport completes the query.
// ctx is the delivery context's context; it ends when the transport shuts
// down.
type QueryHandler func(ctx context.Context, q *Query)

// SampleHandler is invoked once per inbound sample on a declared
// subscriber, in the delivery context. The sample's slices are borrowed
// and valid only for the duration of the call.
type SampleHandler func(ctx context.Context, s Sample)

// Queryable is a declared query handler registration.
type Queryable interface {
	// Undeclare removes the registration and waits for in-flight handler
	// invocations to finish.
	Undeclare(ctx context.Context) error
}

// Subscriber is a declared sample handler registration.
type Subscriber interface {
	// Undeclare removes the registration.
	Undeclare(ctx context.Context) error
}

// Transport is the messaging fabric collaborator.
type Transport interface {
	// Connect establishes the transport's connections.
	Connect(ctx context.Context) error

	// Close tears the transport down, undeclaring everything still
	// declared and waiting for delivery goroutines to finish.
	Close(ctx context.Context) error

	// Put publishes a sample to subscribers of its key expression.
	Put(ctx context.Context, s Sample) error

	// Get issues a query and returns once delivery is set up; replies
	// arrive asynchronously on sink from the delivery context. The sink's
	// Done is always eventually called, even when no queryable matches.
	// Attachment is nil when absent.
	Get(ctx context.Context, keyExpr, parameters string, attachment []byte, sink ReplySink) error

	// DeclareQueryable registers handler for queries matching keyExpr.
	DeclareQueryable(ctx context.Context, keyExpr string, handler QueryHandler) (Queryable, error)

	// DeclareSubscriber registers handler for samples matching keyExpr.
	DeclareSubscriber(ctx context.Context, keyExpr string, handler SampleHandler) (Subscriber, error)
}
