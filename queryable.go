package courier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/courier/attachment"
	"github.com/rbaliyan/courier/transport"
	"go.opentelemetry.io/otel/attribute"
)

// QueryHandler is invoked once per inbound query. Replies sent through the
// query block when the querier's reply queue is full, so a slow querier
// applies backpressure to the handler. The handler's return completes the
// query for this queryable; the querier's stream finishes once every
// matching queryable has completed.
type QueryHandler func(ctx context.Context, query *Query)

// Query is an inbound query delivered to a QueryHandler.
type Query struct {
	inner   transport.Query
	otel    *otelInstrumentation
	replies int64
}

// KeyExpr returns the key expression the query targets.
func (q *Query) KeyExpr() string { return q.inner.KeyExpr }

// Parameters returns the query parameter string (possibly empty).
func (q *Query) Parameters() string { return q.inner.Parameters }

// Payload returns the query payload, or nil if the query carries none.
func (q *Query) Payload() []byte { return q.inner.Payload }

// HasAttachment reports whether the query carries an attachment. An empty
// attachment still reports true.
func (q *Query) HasAttachment() bool { return q.inner.Attachment != nil }

// Attachment returns the query's attachment, or nil if absent.
func (q *Query) Attachment() *attachment.Attachment {
	if q.inner.Attachment == nil {
		return nil
	}
	return attachment.FromBytes(q.inner.Attachment)
}

// Reply sends an OK reply carrying payload under keyExpr. An empty keyExpr
// defaults to the query's key expression. Blocks while the querier's reply
// queue is full; fails with an error once the querier abandons the stream.
func (q *Query) Reply(ctx context.Context, keyExpr string, payload []byte, opts ...CallOption) error {
	if keyExpr == "" {
		keyExpr = q.inner.KeyExpr
	}
	if !isValidKeyExpr(keyExpr) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyExpr, keyExpr)
	}
	o := newCallOptions(opts...)
	err := q.inner.Replier.Reply(ctx, transport.Sample{
		KeyExpr:    keyExpr,
		Payload:    payload,
		Attachment: o.attachment,
	})
	if err != nil {
		return fmt.Errorf("reply %q: %w", keyExpr, err)
	}
	atomic.AddInt64(&q.replies, 1)
	if q.otel != nil {
		q.otel.recordReply(ctx, false)
	}
	return nil
}

// ReplyErr sends an error reply carrying msg.
func (q *Query) ReplyErr(ctx context.Context, msg string) error {
	if err := q.inner.Replier.ReplyErr(ctx, msg); err != nil {
		return fmt.Errorf("reply error: %w", err)
	}
	atomic.AddInt64(&q.replies, 1)
	if q.otel != nil {
		q.otel.recordReply(ctx, true)
	}
	return nil
}

// Replies returns the number of replies sent so far.
func (q *Query) Replies() int {
	return int(atomic.LoadInt64(&q.replies))
}

// Queryable is a declared query handler registration.
type Queryable interface {
	// KeyExpr returns the key expression the queryable serves.
	KeyExpr() string
	// Undeclare removes the registration and waits for in-flight handler
	// invocations, bounded by ctx.
	Undeclare(ctx context.Context) error
}

type queryable struct {
	keyExpr string
	inner   transport.Queryable
}

func (q *queryable) KeyExpr() string { return q.keyExpr }

func (q *queryable) Undeclare(ctx context.Context) error {
	return q.inner.Undeclare(ctx)
}

// DeclareQueryable registers handler for inbound queries matching keyExpr.
//
// Handler invocations count against the session's concurrency limit
// (WithMaxConcurrentQueries); Close waits for in-flight invocations up to
// the shutdown timeout.
func (s *session) DeclareQueryable(ctx context.Context, keyExpr string, handler QueryHandler) (Queryable, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if !isValidKeyExpr(keyExpr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyExpr, keyExpr)
	}
	if handler == nil {
		return nil, fmt.Errorf("courier: nil query handler for %q", keyExpr)
	}

	inner, err := s.transport.DeclareQueryable(ctx, keyExpr, s.wrapQueryHandler(keyExpr, handler))
	if err != nil {
		return nil, fmt.Errorf("declare queryable %q: %w", keyExpr, err)
	}
	s.logger.Debug("queryable declared", "key_expr", keyExpr)
	return &queryable{keyExpr: keyExpr, inner: inner}, nil
}

// wrapQueryHandler adds concurrency limiting, instrumentation, and event
// publication around a user handler.
func (s *session) wrapQueryHandler(keyExpr string, handler QueryHandler) transport.QueryHandler {
	return func(ctx context.Context, tq *transport.Query) {
		if err := s.querySem.Acquire(ctx, 1); err != nil {
			s.logger.Warn("query handler slot unavailable", "key_expr", keyExpr, "error", err)
			return
		}
		defer s.querySem.Release(1)

		// The session may have started closing between delivery and the
		// semaphore grant.
		if !s.IsConnected() {
			return
		}

		query := &Query{inner: *tq, otel: s.otel}

		ctx, end := s.otel.startSpan(ctx, "courier.Serve",
			attribute.String("key_expr", tq.KeyExpr),
		)
		start := time.Now()

		handler(ctx, query)

		replies := query.Replies()
		s.otel.recordServe(ctx, time.Since(start), replies)
		end(nil)

		s.publishQueryServed(ctx, keyExpr, replies)
	}
}

// publishQueryServed publishes the QueryServed lifecycle event.
func (s *session) publishQueryServed(ctx context.Context, keyExpr string, replies int) {
	if s.events == nil {
		return
	}
	err := s.events.QueryServed.Publish(ctx, QueryServedEvent{
		KeyExpr:  keyExpr,
		Replies:  replies,
		ServedAt: time.Now(),
	})
	if err != nil {
		s.opts.safeEventPublishFailure("QueryServed", &EventPublishError{Event: "QueryServed", Err: err})
	}
}
