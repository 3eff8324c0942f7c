// Package memory provides an in-process Transport implementation for
// testing and embedded use. Key expressions are matched byte-for-byte;
// there is no wildcard resolution. Data never leaves the process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/courier/transport"
)

// Transport implements transport.Transport with in-process routing.
// Thread-safe for concurrent use.
type Transport struct {
	connected int32

	mu          sync.RWMutex
	queryables  map[string][]*queryable
	subscribers map[string][]*subscriber

	// wg tracks delivery goroutines so Close can drain them.
	wg sync.WaitGroup
}

// New creates a new in-process transport.
func New() *Transport {
	return &Transport{
		queryables:  make(map[string][]*queryable),
		subscribers: make(map[string][]*subscriber),
	}
}

// Connect marks the transport as connected.
func (t *Transport) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connected, 0, 1) {
		return transport.ErrAlreadyConnected
	}
	return nil
}

// Close marks the transport as disconnected and waits for in-flight
// delivery goroutines to finish or ctx to expire.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.connected, 1, 0) {
		return nil
	}

	t.mu.Lock()
	t.queryables = make(map[string][]*queryable)
	t.subscribers = make(map[string][]*subscriber)
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

// Put delivers a sample to all subscribers declared for its key expression.
// Delivery happens on a dedicated goroutine (the delivery context);
// subscribers declared by the same transport see samples from one Put in
// declaration order.
func (t *Transport) Put(_ context.Context, s Sample) error {
	if err := t.checkConnected(); err != nil {
		return err
	}

	t.mu.RLock()
	subs := make([]*subscriber, len(t.subscribers[s.KeyExpr]))
	copy(subs, t.subscribers[s.KeyExpr])
	t.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	// Detach from the caller's slices before handing off.
	owned := cloneSample(s)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx := context.Background()
		for _, sub := range subs {
			sub.deliver(ctx, owned)
		}
	}()
	return nil
}

// Sample aliases transport.Sample for callers that only import this package.
type Sample = transport.Sample

// Get issues a query against every queryable declared for keyExpr. Each
// matching handler runs synchronously on the query's delivery goroutine,
// in declaration order; the sink's Done fires after the last handler
// returns. With no matching queryable, Done fires immediately and the
// reply stream is empty.
func (t *Transport) Get(_ context.Context, keyExpr, parameters string, attachment []byte, sink transport.ReplySink) error {
	if err := t.checkConnected(); err != nil {
		return err
	}

	t.mu.RLock()
	var matched []*queryable
	for _, q := range t.queryables[keyExpr] {
		if q.acquire() {
			matched = append(matched, q)
		}
	}
	t.mu.RUnlock()

	att := cloneBytes(attachment)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer sink.Done()

		ctx := context.Background()
		for _, q := range matched {
			query := &transport.Query{
				KeyExpr:    keyExpr,
				Parameters: parameters,
				Attachment: att,
				Replier:    &replier{sink: sink},
			}
			q.handler(ctx, query)
			q.release()
		}
	}()
	return nil
}

// DeclareQueryable registers handler for queries whose key expression
// equals keyExpr exactly.
func (t *Transport) DeclareQueryable(_ context.Context, keyExpr string, handler transport.QueryHandler) (transport.Queryable, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}

	q := &queryable{t: t, keyExpr: keyExpr, handler: handler}
	t.mu.Lock()
	t.queryables[keyExpr] = append(t.queryables[keyExpr], q)
	t.mu.Unlock()
	return q, nil
}

// DeclareSubscriber registers handler for samples whose key expression
// equals keyExpr exactly.
func (t *Transport) DeclareSubscriber(_ context.Context, keyExpr string, handler transport.SampleHandler) (transport.Subscriber, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}

	s := &subscriber{t: t, keyExpr: keyExpr, handler: handler}
	t.mu.Lock()
	t.subscribers[keyExpr] = append(t.subscribers[keyExpr], s)
	t.mu.Unlock()
	return s, nil
}

// replier pushes a queryable handler's replies into the querier's sink.
// Reply bytes are copied so handlers may reuse their buffers after Reply
// returns.
type replier struct {
	sink transport.ReplySink
}

func (r *replier) Reply(_ context.Context, s transport.Sample) error {
	return r.sink.Deliver(transport.OkReply(cloneSample(s)))
}

func (r *replier) ReplyErr(_ context.Context, msg string) error {
	return r.sink.Deliver(transport.ErrReply(msg))
}

// queryable is one registered query handler.
type queryable struct {
	t       *Transport
	keyExpr string
	handler transport.QueryHandler

	mu         sync.Mutex
	inflight   sync.WaitGroup
	undeclared bool
}

// acquire reserves the queryable for one query; it fails once undeclared.
func (q *queryable) acquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.undeclared {
		return false
	}
	q.inflight.Add(1)
	return true
}

func (q *queryable) release() {
	q.inflight.Done()
}

// Undeclare removes the registration and waits for in-flight handler
// invocations to finish or ctx to expire.
func (q *queryable) Undeclare(ctx context.Context) error {
	q.mu.Lock()
	if q.undeclared {
		q.mu.Unlock()
		return transport.ErrUndeclared
	}
	q.undeclared = true
	q.mu.Unlock()

	q.t.mu.Lock()
	q.t.queryables[q.keyExpr] = remove(q.t.queryables[q.keyExpr], q)
	q.t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("undeclare queryable: %w", ctx.Err())
	}
}

// subscriber is one registered sample handler.
type subscriber struct {
	t       *Transport
	keyExpr string
	handler transport.SampleHandler

	mu         sync.Mutex
	undeclared bool
}

func (s *subscriber) deliver(ctx context.Context, sample transport.Sample) {
	s.mu.Lock()
	gone := s.undeclared
	s.mu.Unlock()
	if gone {
		return
	}
	s.handler(ctx, sample)
}

// Undeclare removes the registration. Samples already in flight may still
// be dropped rather than delivered.
func (s *subscriber) Undeclare(_ context.Context) error {
	s.mu.Lock()
	if s.undeclared {
		s.mu.Unlock()
		return transport.ErrUndeclared
	}
	s.undeclared = true
	s.mu.Unlock()

	s.t.mu.Lock()
	s.t.subscribers[s.keyExpr] = remove(s.t.subscribers[s.keyExpr], s)
	s.t.mu.Unlock()
	return nil
}

func remove[T comparable](list []T, v T) []T {
	for i, e := range list {
		if e == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneSample(s transport.Sample) transport.Sample {
	return transport.Sample{
		KeyExpr:    s.KeyExpr,
		Payload:    cloneBytes(s.Payload),
		Attachment: cloneBytes(s.Attachment),
	}
}
