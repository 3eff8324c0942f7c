package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rbaliyan/courier/transport"
)

// collectSink buffers delivered replies and signals completion.
type collectSink struct {
	mu      sync.Mutex
	replies []transport.Reply
	done    chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{done: make(chan struct{})}
}

func (s *collectSink) Deliver(r transport.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return nil
}

func (s *collectSink) Done() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *collectSink) wait(t *testing.T) []transport.Reply {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not complete")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies
}

func setup(t *testing.T) *Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr := New(client)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("ping failure rolls back state", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		defer client.Close()
		mr.Close()

		tr := New(client)
		if err := tr.Connect(ctx); err == nil {
			t.Fatal("expected connect to fail against a dead server")
		}
		// State rolled back: a later connect may be attempted again.
		if err := tr.Put(ctx, transport.Sample{KeyExpr: "k"}); !errors.Is(err, transport.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("double connect fails", func(t *testing.T) {
		tr := setup(t)
		if err := tr.Connect(ctx); !errors.Is(err, transport.ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}
	})
}

func TestQueryReplyEndToEnd(t *testing.T) {
	ctx := context.Background()
	tr := setup(t)

	q, err := tr.DeclareQueryable(ctx, "demo/room", func(ctx context.Context, query *transport.Query) {
		_ = query.Replier.Reply(ctx, transport.Sample{
			KeyExpr:    query.KeyExpr,
			Payload:    []byte("reply:" + query.Parameters),
			Attachment: query.Attachment,
		})
	})
	if err != nil {
		t.Fatalf("declare queryable failed: %v", err)
	}
	defer q.Undeclare(ctx)

	sink := newCollectSink()
	att := []byte{1, 'k', 1, 'v'}
	if err := tr.Get(ctx, "demo/room", "p=1", att, sink); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	replies := sink.wait(t)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	r := replies[0]
	if r.IsErr {
		t.Fatalf("unexpected error reply: %q", r.Error)
	}
	if string(r.Sample.Payload) != "reply:p=1" {
		t.Errorf("payload mismatch: %q", r.Sample.Payload)
	}
	if string(r.Sample.Attachment) != string(att) {
		t.Errorf("attachment did not survive the round trip: %v", r.Sample.Attachment)
	}
}

func TestQueryNoQueryable(t *testing.T) {
	tr := setup(t)

	sink := newCollectSink()
	if err := tr.Get(context.Background(), "nobody/home", "", nil, sink); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// Zero subscribers: completion must be immediate, not a timeout.
	if replies := sink.wait(t); len(replies) != 0 {
		t.Errorf("expected empty reply stream, got %d replies", len(replies))
	}
}

func TestErrorReply(t *testing.T) {
	ctx := context.Background()
	tr := setup(t)

	q, err := tr.DeclareQueryable(ctx, "failing", func(ctx context.Context, query *transport.Query) {
		_ = query.Replier.ReplyErr(ctx, "no data")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	sink := newCollectSink()
	if err := tr.Get(ctx, "failing", "", nil, sink); err != nil {
		t.Fatal(err)
	}
	replies := sink.wait(t)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if !replies[0].IsErr || replies[0].Error != "no data" {
		t.Errorf("expected error reply, got %+v", replies[0])
	}
}

func TestMultipleQueryables(t *testing.T) {
	ctx := context.Background()
	tr := setup(t)

	for i := 0; i < 3; i++ {
		q, err := tr.DeclareQueryable(ctx, "multi", func(ctx context.Context, query *transport.Query) {
			_ = query.Replier.Reply(ctx, transport.Sample{KeyExpr: query.KeyExpr, Payload: []byte("pong")})
		})
		if err != nil {
			t.Fatal(err)
		}
		defer q.Undeclare(ctx)
	}

	sink := newCollectSink()
	if err := tr.Get(ctx, "multi", "", nil, sink); err != nil {
		t.Fatal(err)
	}
	// The stream completes only after every queryable's done frame.
	if replies := sink.wait(t); len(replies) != 3 {
		t.Errorf("expected 3 replies, got %d", len(replies))
	}
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	tr := setup(t)

	received := make(chan transport.Sample, 1)
	sub, err := tr.DeclareSubscriber(ctx, "feed", func(_ context.Context, s transport.Sample) {
		received <- transport.Sample{
			KeyExpr:    s.KeyExpr,
			Payload:    append([]byte(nil), s.Payload...),
			Attachment: append([]byte(nil), s.Attachment...),
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Put(ctx, transport.Sample{KeyExpr: "feed", Payload: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-received:
		if s.KeyExpr != "feed" || string(s.Payload) != "hello" {
			t.Errorf("sample mismatch: %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sample not delivered")
	}

	if err := sub.Undeclare(ctx); err != nil {
		t.Fatalf("undeclare failed: %v", err)
	}
	if err := sub.Undeclare(ctx); !errors.Is(err, transport.ErrUndeclared) {
		t.Errorf("expected ErrUndeclared, got %v", err)
	}
}

func TestPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	trA := New(client, WithPrefix("mesh-a"))
	trB := New(client, WithPrefix("mesh-b"))
	for _, tr := range []*Transport{trA, trB} {
		if err := tr.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer tr.Close(ctx)
	}

	q, err := trA.DeclareQueryable(ctx, "shared", func(ctx context.Context, query *transport.Query) {
		_ = query.Replier.Reply(ctx, transport.Sample{KeyExpr: query.KeyExpr, Payload: []byte("a")})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	// A query on mesh-b must not reach mesh-a's queryable.
	sink := newCollectSink()
	if err := trB.Get(ctx, "shared", "", nil, sink); err != nil {
		t.Fatal(err)
	}
	if replies := sink.wait(t); len(replies) != 0 {
		t.Errorf("prefixes must isolate meshes; got %d replies", len(replies))
	}
}

func TestUndeclareQueryableStopsServing(t *testing.T) {
	ctx := context.Background()
	tr := setup(t)

	q, err := tr.DeclareQueryable(ctx, "temp", func(ctx context.Context, query *transport.Query) {
		_ = query.Replier.Reply(ctx, transport.Sample{KeyExpr: query.KeyExpr, Payload: []byte("x")})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Undeclare(ctx); err != nil {
		t.Fatal(err)
	}

	sink := newCollectSink()
	if err := tr.Get(ctx, "temp", "", nil, sink); err != nil {
		t.Fatal(err)
	}
	if replies := sink.wait(t); len(replies) != 0 {
		t.Errorf("expected no replies after undeclare, got %d", len(replies))
	}
}
