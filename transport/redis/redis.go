// Package redis provides a Transport implementation over Redis pub/sub.
//
// Key expressions map to Redis channels under a configurable prefix:
//
//	<prefix>:smp:<keyexpr>   published samples
//	<prefix>:qry:<keyexpr>   inbound queries for declared queryables
//	<prefix>:rep:<query-id>  reply stream of one outstanding query
//
// A query publishes one frame on its qry channel and subscribes a fresh
// uuid-correlated rep channel for the replies. Every queryable that
// received the query terminates its contribution with a done frame; the
// querier counts done frames against the number of subscribers Redis
// reported at publish time and completes the reply stream when they match.
// If nobody was subscribed, the stream completes immediately.
//
// Frames are encoded with the attachment byte-pair codec (see frame.go).
// Matching is exact: no wildcard or key-expression resolution is applied.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/courier/retry"
	"github.com/rbaliyan/courier/transport"
)

// DefaultPrefix namespaces all channels created by this transport.
const DefaultPrefix = "courier"

// Option configures the transport.
type Option func(*Transport)

// WithPrefix overrides the channel prefix. Use distinct prefixes to run
// independent courier meshes on one Redis deployment.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithRetry overrides the retry policy applied to publish operations.
func WithRetry(cfg retry.Config) Option {
	return func(t *Transport) {
		t.retry = cfg
	}
}

// Transport implements transport.Transport over Redis pub/sub.
// Thread-safe for concurrent use.
type Transport struct {
	client    redis.UniversalClient
	prefix    string
	retry     retry.Config
	connected int32

	mu      sync.Mutex
	pubsubs map[*redis.PubSub]struct{}
	wg      sync.WaitGroup
}

// New creates a transport on top of an existing Redis client. The caller
// keeps ownership of the client; Close does not close it.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:  client,
		prefix:  DefaultPrefix,
		retry:   retry.DefaultConfig(),
		pubsubs: make(map[*redis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect verifies the Redis connection.
func (t *Transport) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connected, 0, 1) {
		return transport.ErrAlreadyConnected
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&t.connected, 0)
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close tears down all subscriptions and waits for delivery goroutines to
// finish or ctx to expire. The underlying Redis client stays open.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connected, 1, 0) {
		return nil
	}

	t.mu.Lock()
	for ps := range t.pubsubs {
		_ = ps.Close()
	}
	t.pubsubs = make(map[*redis.PubSub]struct{})
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close: %w", ctx.Err())
	}
}

func (t *Transport) checkConnected() error {
	if atomic.LoadInt32(&t.connected) != 1 {
		return transport.ErrNotConnected
	}
	return nil
}

func (t *Transport) track(ps *redis.PubSub) {
	t.mu.Lock()
	t.pubsubs[ps] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(ps *redis.PubSub) {
	t.mu.Lock()
	delete(t.pubsubs, ps)
	t.mu.Unlock()
}

func (t *Transport) sampleChannel(keyExpr string) string {
	return t.prefix + ":smp:" + keyExpr
}

func (t *Transport) queryChannel(keyExpr string) string {
	return t.prefix + ":qry:" + keyExpr
}

func (t *Transport) replyChannel(queryID string) string {
	return t.prefix + ":rep:" + queryID
}

// publish sends raw frame bytes on a channel, retrying transient failures,
// and returns the number of clients that received the message.
func (t *Transport) publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return retry.DoWithResult(ctx, t.retry, func(ctx context.Context) (int64, error) {
		return t.client.Publish(ctx, channel, payload).Result()
	})
}

// Put publishes a sample to subscribers of its key expression.
func (t *Transport) Put(ctx context.Context, s transport.Sample) error {
	if err := t.checkConnected(); err != nil {
		return err
	}
	f := frame{
		kind:       frameKindSample,
		keyExpr:    s.KeyExpr,
		payload:    s.Payload,
		attachment: s.Attachment,
	}
	if _, err := t.publish(ctx, t.sampleChannel(s.KeyExpr), f.encode()); err != nil {
		return fmt.Errorf("publish sample: %w", err)
	}
	return nil
}

// Get issues a query and streams replies into sink from a delivery
// goroutine. Done always eventually fires: immediately when no queryable
// is subscribed, otherwise after every recipient sent its done frame or
// the subscription was torn down.
func (t *Transport) Get(ctx context.Context, keyExpr, parameters string, att []byte, sink transport.ReplySink) error {
	if err := t.checkConnected(); err != nil {
		return err
	}

	queryID := uuid.NewString()
	replyTo := t.replyChannel(queryID)

	ps := t.client.Subscribe(ctx, replyTo)
	// Confirm the subscription before publishing the query, so no reply
	// can arrive on an unwatched channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe replies: %w", err)
	}

	f := frame{
		kind:       frameKindQuery,
		queryID:    queryID,
		keyExpr:    keyExpr,
		parameters: parameters,
		attachment: att,
		replyTo:    replyTo,
	}
	receivers, err := t.publish(ctx, t.queryChannel(keyExpr), f.encode())
	if err != nil {
		_ = ps.Close()
		return fmt.Errorf("publish query: %w", err)
	}
	if receivers == 0 {
		_ = ps.Close()
		sink.Done()
		return nil
	}

	t.track(ps)
	t.wg.Add(1)
	go t.deliverReplies(ps, sink, receivers)
	return nil
}

// deliverReplies is the delivery context of one outstanding query.
func (t *Transport) deliverReplies(ps *redis.PubSub, sink transport.ReplySink, expectDone int64) {
	defer t.wg.Done()
	defer t.untrack(ps)
	defer ps.Close()
	defer sink.Done()

	var doneSeen int64
	for msg := range ps.Channel() {
		f, err := decodeFrame([]byte(msg.Payload))
		if err != nil {
			// Corrupt frame: surface as an error reply, keep the stream
			// alive for the remaining queryables.
			if sink.Deliver(transport.ErrReply(err.Error())) != nil {
				return
			}
			continue
		}
		switch f.kind {
		case frameKindReplyOk:
			reply := transport.OkReply(transport.Sample{
				KeyExpr:    f.keyExpr,
				Payload:    f.payload,
				Attachment: f.attachment,
			})
			if sink.Deliver(reply) != nil {
				return
			}
		case frameKindReplyErr:
			if sink.Deliver(transport.ErrReply(f.errMsg)) != nil {
				return
			}
		case frameKindDone:
			doneSeen++
			if doneSeen >= expectDone {
				return
			}
		}
	}
}

// DeclareQueryable subscribes to the query channel for keyExpr and serves
// arriving queries with handler, one at a time per registration.
func (t *Transport) DeclareQueryable(ctx context.Context, keyExpr string, handler transport.QueryHandler) (transport.Queryable, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}

	ps := t.client.Subscribe(ctx, t.queryChannel(keyExpr))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe queries: %w", err)
	}

	q := &queryable{t: t, ps: ps, handler: handler, served: make(chan struct{})}
	t.track(ps)
	t.wg.Add(1)
	go q.serve()
	return q, nil
}

// queryable serves queries arriving on one subscription.
type queryable struct {
	t          *Transport
	ps         *redis.PubSub
	handler    transport.QueryHandler
	served     chan struct{}
	undeclared int32
}

func (q *queryable) serve() {
	defer q.t.wg.Done()
	defer q.t.untrack(q.ps)
	defer close(q.served)

	ctx := context.Background()
	for msg := range q.ps.Channel() {
		f, err := decodeFrame([]byte(msg.Payload))
		if err != nil || f.kind != frameKindQuery || f.replyTo == "" {
			continue
		}

		// The handler runs synchronously in this delivery goroutine.
		q.handler(ctx, &transport.Query{
			KeyExpr:    f.keyExpr,
			Parameters: f.parameters,
			Attachment: f.attachment,
			Replier:    &replier{t: q.t, replyTo: f.replyTo},
		})

		done := frame{kind: frameKindDone, queryID: f.queryID}
		if _, err := q.t.publish(context.Background(), f.replyTo, done.encode()); err != nil {
			// The querier's stream will still terminate when its
			// subscription closes; nothing more to do here.
			continue
		}
	}
}

// Undeclare closes the subscription and waits for the serving goroutine
// (including any in-flight handler) to finish or ctx to expire.
func (q *queryable) Undeclare(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.undeclared, 0, 1) {
		return transport.ErrUndeclared
	}
	if err := q.ps.Close(); err != nil {
		return fmt.Errorf("undeclare queryable: %w", err)
	}
	select {
	case <-q.served:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("undeclare queryable: %w", ctx.Err())
	}
}

// replier publishes one inbound query's replies to its reply channel.
type replier struct {
	t       *Transport
	replyTo string
}

func (r *replier) Reply(ctx context.Context, s transport.Sample) error {
	f := frame{
		kind:       frameKindReplyOk,
		keyExpr:    s.KeyExpr,
		payload:    s.Payload,
		attachment: s.Attachment,
	}
	if _, err := r.t.publish(ctx, r.replyTo, f.encode()); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

func (r *replier) ReplyErr(ctx context.Context, msg string) error {
	f := frame{kind: frameKindReplyErr, errMsg: msg}
	if _, err := r.t.publish(ctx, r.replyTo, f.encode()); err != nil {
		return fmt.Errorf("publish error reply: %w", err)
	}
	return nil
}

// DeclareSubscriber subscribes to the sample channel for keyExpr and
// invokes handler per arriving sample.
func (t *Transport) DeclareSubscriber(ctx context.Context, keyExpr string, handler transport.SampleHandler) (transport.Subscriber, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}

	ps := t.client.Subscribe(ctx, t.sampleChannel(keyExpr))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe samples: %w", err)
	}

	s := &subscriber{t: t, ps: ps, handler: handler, drained: make(chan struct{})}
	t.track(ps)
	t.wg.Add(1)
	go s.serve()
	return s, nil
}

// subscriber delivers samples arriving on one subscription.
type subscriber struct {
	t          *Transport
	ps         *redis.PubSub
	handler    transport.SampleHandler
	drained    chan struct{}
	undeclared int32
}

func (s *subscriber) serve() {
	defer s.t.wg.Done()
	defer s.t.untrack(s.ps)
	defer close(s.drained)

	ctx := context.Background()
	for msg := range s.ps.Channel() {
		f, err := decodeFrame([]byte(msg.Payload))
		if err != nil || f.kind != frameKindSample {
			continue
		}
		s.handler(ctx, transport.Sample{
			KeyExpr:    f.keyExpr,
			Payload:    f.payload,
			Attachment: f.attachment,
		})
	}
}

// Undeclare closes the subscription and waits for delivery to drain.
func (s *subscriber) Undeclare(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.undeclared, 0, 1) {
		return transport.ErrUndeclared
	}
	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("undeclare subscriber: %w", err)
	}
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("undeclare subscriber: %w", ctx.Err())
	}
}
