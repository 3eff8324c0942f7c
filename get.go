package courier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier/attachment"
	"github.com/rbaliyan/courier/fifo"
	"github.com/rbaliyan/courier/transport"
	"go.opentelemetry.io/otel/attribute"
)

// callOptions holds per-call configuration for Put, Get, and Reply.
type callOptions struct {
	attachment  []byte // nil means absent, which differs from empty
	parameters  string
	replyBuffer int
}

// CallOption configures a single Put, Get, or Reply call. Options that do
// not apply to the call they are passed to are ignored (WithParameters and
// WithReplyBuffer only affect Get).
type CallOption func(*callOptions)

func newCallOptions(opts ...CallOption) *callOptions {
	o := &callOptions{replyBuffer: DefaultReplyBuffer}
	for _, opt := range opts {
		opt(o)
	}
	if o.replyBuffer < 1 {
		o.replyBuffer = 1
	}
	return o
}

// WithAttachment attaches ordered key/value metadata to the sample or
// query. A nil attachment is treated as absent; an empty attachment
// travels as zero bytes and is still distinguishable from absent on the
// receiving side.
func WithAttachment(a *attachment.Attachment) CallOption {
	return func(o *callOptions) {
		if a != nil {
			o.attachment = a.Bytes()
		}
	}
}

// WithParameters sets the query parameter string (the part after '?' in a
// selector). Only meaningful for Get.
func WithParameters(parameters string) CallOption {
	return func(o *callOptions) {
		o.parameters = parameters
	}
}

// WithReplyBuffer sets the reply queue capacity for a Get call. Replies
// beyond the capacity block the replying side until the caller drains the
// queue. Values below 1 are clamped to 1. Defaults to DefaultReplyBuffer.
func WithReplyBuffer(capacity int) CallOption {
	return func(o *callOptions) {
		o.replyBuffer = capacity
	}
}

// Sample is a received value: a key expression, a payload, and an optional
// attachment.
type Sample struct {
	keyExpr    string
	payload    []byte
	attachment []byte // nil = absent
}

// KeyExpr returns the key expression the sample was published under.
func (s *Sample) KeyExpr() string { return s.keyExpr }

// Payload returns the sample payload. Callers must not modify it.
func (s *Sample) Payload() []byte { return s.payload }

// PayloadString returns the payload as a string.
func (s *Sample) PayloadString() string { return string(s.payload) }

// HasAttachment reports whether the sample carries an attachment. An empty
// attachment still reports true.
func (s *Sample) HasAttachment() bool { return s.attachment != nil }

// Attachment returns the sample's attachment, or nil if absent. The
// returned attachment decodes lazily; malformed data surfaces from its
// iteration methods.
func (s *Sample) Attachment() *attachment.Attachment {
	if s.attachment == nil {
		return nil
	}
	return attachment.FromBytes(s.attachment)
}

// Reply is one element of a query's reply stream: either an OK sample or
// an error value from the queryable.
type Reply struct {
	sample *Sample
	errMsg string
	isErr  bool
}

// Ok returns the reply's sample if it is an OK reply.
func (r Reply) Ok() (*Sample, bool) {
	if r.isErr {
		return nil, false
	}
	return r.sample, true
}

// Err returns the error value if the reply is an error reply.
func (r Reply) Err() (string, bool) {
	if !r.isErr {
		return "", false
	}
	return r.errMsg, true
}

// IsErr reports whether the reply is an error reply.
func (r Reply) IsErr() bool { return r.isErr }

// ReplyReceiver is the consuming side of a query's reply stream. Replies
// are delivered in FIFO order through a bounded queue; when the stream
// completes, Recv returns ok=false.
//
// Typical use:
//
//	recv, err := sess.Get(ctx, "demo/room/*")
//	if err != nil { ... }
//	defer recv.Close()
//	for {
//		reply, ok := recv.Recv()
//		if !ok {
//			break
//		}
//		...
//	}
type ReplyReceiver struct {
	queryID string
	recv    *fifo.Receiver[Reply]
}

// QueryID returns the unique identifier assigned to the query.
func (r *ReplyReceiver) QueryID() string { return r.queryID }

// Recv blocks until a reply is available or the stream completes.
// Returns ok=false once all replies have been consumed and no more will
// arrive.
func (r *ReplyReceiver) Recv() (Reply, bool) {
	return r.recv.Recv()
}

// TryRecv returns a buffered reply without blocking. ok=false means the
// queue is momentarily empty, not that the stream is complete.
func (r *ReplyReceiver) TryRecv() (Reply, bool) {
	return r.recv.TryRecv()
}

// Close abandons the reply stream. Buffered replies are discarded and
// subsequent deliveries from the replying side fail fast instead of
// blocking. Safe to call multiple times and after completion.
func (r *ReplyReceiver) Close() {
	r.recv.Close()
}

// replySink adapts a fifo sender to the transport's delivery interface.
type replySink struct {
	send *fifo.Sender[Reply]
	done int32
}

func (s *replySink) Deliver(r transport.Reply) error {
	if atomic.LoadInt32(&s.done) == 1 {
		return fifo.ErrClosed
	}
	reply := Reply{isErr: r.IsErr, errMsg: r.Error}
	if !r.IsErr {
		reply.sample = &Sample{
			keyExpr:    r.Sample.KeyExpr,
			payload:    r.Sample.Payload,
			attachment: r.Sample.Attachment,
		}
	}
	return s.send.Send(reply)
}

func (s *replySink) Done() {
	if atomic.CompareAndSwapInt32(&s.done, 0, 1) {
		s.send.Close()
	}
}

// Get issues a query for keyExpr and returns a receiver for its replies.
//
// The reply stream is bounded (WithReplyBuffer); repliers block once it is
// full until the caller drains it. The stream completes implicitly when
// every matching queryable has finished; no sentinel reply is delivered.
// A query that matches no queryable completes immediately with zero
// replies.
func (s *session) Get(ctx context.Context, keyExpr string, opts ...CallOption) (*ReplyReceiver, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if !isValidKeyExpr(keyExpr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyExpr, keyExpr)
	}

	o := newCallOptions(opts...)
	queryID := uuid.NewString()

	ctx, end := s.otel.startSpan(ctx, "courier.Get",
		attribute.String("key_expr", keyExpr),
		attribute.String("query_id", queryID),
	)
	start := time.Now()

	sender, receiver := fifo.New[Reply](o.replyBuffer)
	sink := &replySink{send: sender}

	err := s.transport.Get(ctx, keyExpr, o.parameters, o.attachment, sink)
	s.otel.recordGet(ctx, time.Since(start), err)
	end(err)
	if err != nil {
		receiver.Close()
		return nil, fmt.Errorf("get %q: %w", keyExpr, err)
	}

	s.publishQuerySent(ctx, queryID, keyExpr, o.parameters)

	return &ReplyReceiver{queryID: queryID, recv: receiver}, nil
}

// publishQuerySent publishes the QuerySent lifecycle event. Publish
// failures are reported through the configured callback; they never fail
// the query.
func (s *session) publishQuerySent(ctx context.Context, queryID, keyExpr, parameters string) {
	if s.events == nil {
		return
	}
	err := s.events.QuerySent.Publish(ctx, QuerySentEvent{
		QueryID:    queryID,
		KeyExpr:    keyExpr,
		Parameters: parameters,
		SentAt:     time.Now(),
	})
	if err != nil {
		s.opts.safeEventPublishFailure("QuerySent", &EventPublishError{Event: "QuerySent", Err: err})
	}
}
