package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/courier/attachment"
	"github.com/rbaliyan/courier/transport/memory"
)

// setupTestSession creates a connected session over the in-process
// transport, with additional options applied on top.
func setupTestSession(t *testing.T, opts ...Option) Session {
	t.Helper()
	sess, err := New(append([]Option{WithTransport(memory.New())}, opts...)...)
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

// drain consumes a reply stream to completion.
func drain(recv *ReplyReceiver) []Reply {
	var replies []Reply
	for {
		r, ok := recv.Recv()
		if !ok {
			return replies
		}
		replies = append(replies, r)
	}
}

func TestNew(t *testing.T) {
	t.Run("requires transport", func(t *testing.T) {
		_, err := New()
		if !errors.Is(err, ErrTransportRequired) {
			t.Errorf("expected ErrTransportRequired, got %v", err)
		}
	})

	t.Run("creates session with transport", func(t *testing.T) {
		sess, err := New(WithTransport(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sess == nil {
			t.Fatal("expected non-nil session")
		}
		if sess.IsConnected() {
			t.Error("session should start disconnected")
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("connect and close", func(t *testing.T) {
		sess, err := New(WithTransport(memory.New()))
		if err != nil {
			t.Fatal(err)
		}

		if err := sess.Connect(ctx); err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if !sess.IsConnected() {
			t.Error("expected connected state")
		}

		if err := sess.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}

		if err := sess.Close(ctx); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if sess.IsConnected() {
			t.Error("expected disconnected state")
		}

		if err := sess.Close(ctx); err != nil {
			t.Errorf("second close should not error, got %v", err)
		}
	})

	t.Run("operations require connect", func(t *testing.T) {
		sess, err := New(WithTransport(memory.New()))
		if err != nil {
			t.Fatal(err)
		}

		if err := sess.Put(ctx, "k", []byte("v")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("put: expected ErrNotConnected, got %v", err)
		}
		if _, err := sess.Get(ctx, "k"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("get: expected ErrNotConnected, got %v", err)
		}
		if _, err := sess.DeclareQueryable(ctx, "k", func(context.Context, *Query) {}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("declare queryable: expected ErrNotConnected, got %v", err)
		}
		if _, err := sess.DeclareSubscriber(ctx, "k", func(context.Context, *Sample) {}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("declare subscriber: expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("operations fail after close", func(t *testing.T) {
		sess, err := New(WithTransport(memory.New()))
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		if err := sess.Close(ctx); err != nil {
			t.Fatal(err)
		}
		if err := sess.Put(ctx, "k", []byte("v")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestKeyExprValidation(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	bad := []string{"", "has space", "has\ttab", "has\nnewline", "ctl\x01char"}
	for _, keyExpr := range bad {
		if err := sess.Put(ctx, keyExpr, []byte("v")); !errors.Is(err, ErrInvalidKeyExpr) {
			t.Errorf("put %q: expected ErrInvalidKeyExpr, got %v", keyExpr, err)
		}
		if _, err := sess.Get(ctx, keyExpr); !errors.Is(err, ErrInvalidKeyExpr) {
			t.Errorf("get %q: expected ErrInvalidKeyExpr, got %v", keyExpr, err)
		}
	}

	if err := sess.Put(ctx, "demo/room/1", []byte("v")); err != nil {
		t.Errorf("path-style key expression should be valid, got %v", err)
	}
}

func TestQueryReplyWithAttachments(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	// The queryable inspects the query attachment and echoes its own.
	q, err := sess.DeclareQueryable(ctx, "demo/room", func(ctx context.Context, query *Query) {
		if !query.HasAttachment() {
			_ = query.ReplyErr(ctx, "expected attachment")
			return
		}

		v, found, err := query.Attachment().GetString("k_var")
		if err != nil || !found {
			_ = query.ReplyErr(ctx, "missing k_var")
			return
		}

		replyAtt := attachment.NewBuilder().
			AddString("k_const", "v const").
			AddString("echo", v).
			Build()
		_ = query.Reply(ctx, "", []byte("reply-data"), WithAttachment(replyAtt))
	})
	if err != nil {
		t.Fatalf("declare queryable failed: %v", err)
	}
	defer q.Undeclare(ctx)

	queryAtt := attachment.NewBuilder().
		AddString("k_const", "v const").
		AddString("k_var", "test_value_1").
		Build()

	recv, err := sess.Get(ctx, "demo/room", WithAttachment(queryAtt))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer recv.Close()

	replies := drain(recv)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}

	sample, ok := replies[0].Ok()
	if !ok {
		msg, _ := replies[0].Err()
		t.Fatalf("expected ok reply, got error %q", msg)
	}
	if sample.PayloadString() != "reply-data" {
		t.Errorf("payload mismatch: %q", sample.PayloadString())
	}
	if sample.KeyExpr() != "demo/room" {
		t.Errorf("expected reply key expression to default to the query's, got %q", sample.KeyExpr())
	}
	if !sample.HasAttachment() {
		t.Fatal("expected reply attachment")
	}

	echo, found, err := sample.Attachment().GetString("echo")
	if err != nil || !found {
		t.Fatalf("echo lookup failed: found=%v err=%v", found, err)
	}
	if echo != "test_value_1" {
		t.Errorf("expected echoed value %q, got %q", "test_value_1", echo)
	}

	n, err := sample.Attachment().Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 reply attachment pairs, got %d", n)
	}
}

func TestQueryNoAttachment(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	q, err := sess.DeclareQueryable(ctx, "plain", func(ctx context.Context, query *Query) {
		if query.HasAttachment() {
			_ = query.ReplyErr(ctx, "unexpected attachment")
			return
		}
		_ = query.Reply(ctx, "", []byte("ok"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	recv, err := sess.Get(ctx, "plain")
	if err != nil {
		t.Fatal(err)
	}
	replies := drain(recv)
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if replies[0].IsErr() {
		msg, _ := replies[0].Err()
		t.Fatalf("absent attachment leaked through: %q", msg)
	}
	if replies[0].sample.HasAttachment() {
		t.Error("expected reply without attachment")
	}
}

func TestQueryEmptyAttachmentIsPresent(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	q, err := sess.DeclareQueryable(ctx, "empty-att", func(ctx context.Context, query *Query) {
		if !query.HasAttachment() {
			_ = query.ReplyErr(ctx, "attachment lost")
			return
		}
		n, err := query.Attachment().Count()
		if err != nil || n != 0 {
			_ = query.ReplyErr(ctx, "expected zero pairs")
			return
		}
		_ = query.Reply(ctx, "", []byte("ok"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	recv, err := sess.Get(ctx, "empty-att", WithAttachment(attachment.NewBuilder().Build()))
	if err != nil {
		t.Fatal(err)
	}
	replies := drain(recv)
	if len(replies) != 1 || replies[0].IsErr() {
		t.Fatalf("empty attachment must stay distinguishable from absent: %+v", replies)
	}
}

func TestQueryNoQueryable(t *testing.T) {
	sess := setupTestSession(t)

	recv, err := sess.Get(context.Background(), "nobody/home")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if replies := drain(recv); len(replies) != 0 {
		t.Errorf("expected empty stream, got %d replies", len(replies))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("completion should be immediate, took %v", elapsed)
	}
}

func TestQueryErrorReplies(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	q, err := sess.DeclareQueryable(ctx, "mixed", func(ctx context.Context, query *Query) {
		_ = query.Reply(ctx, "", []byte("first"))
		_ = query.ReplyErr(ctx, "partial failure")
		_ = query.Reply(ctx, "", []byte("second"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	recv, err := sess.Get(ctx, "mixed")
	if err != nil {
		t.Fatal(err)
	}
	replies := drain(recv)
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	// Error replies do not terminate the stream, and order is preserved.
	if replies[0].IsErr() || !replies[1].IsErr() || replies[2].IsErr() {
		t.Errorf("reply kinds out of order: %v %v %v",
			replies[0].IsErr(), replies[1].IsErr(), replies[2].IsErr())
	}
	if msg, _ := replies[1].Err(); msg != "partial failure" {
		t.Errorf("expected error message preserved, got %q", msg)
	}
}

func TestReplyBufferBackpressure(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	const total = 10
	sent := make(chan int, total)
	q, err := sess.DeclareQueryable(ctx, "burst", func(ctx context.Context, query *Query) {
		for i := 0; i < total; i++ {
			if err := query.Reply(ctx, "", []byte{byte(i)}); err != nil {
				return
			}
			sent <- i
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	recv, err := sess.Get(ctx, "burst", WithReplyBuffer(2))
	if err != nil {
		t.Fatal(err)
	}

	// Without draining, the replier can run at most capacity+1 sends ahead.
	time.Sleep(100 * time.Millisecond)
	if n := len(sent); n > 3 {
		t.Errorf("expected backpressure to hold the replier near capacity 2, got %d sends", n)
	}

	replies := drain(recv)
	if len(replies) != total {
		t.Fatalf("expected %d replies after draining, got %d", total, len(replies))
	}
	for i, r := range replies {
		sample, ok := r.Ok()
		if !ok || sample.Payload()[0] != byte(i) {
			t.Fatalf("reply %d out of order", i)
		}
	}
}

func TestReplyReceiverClose(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	delivered := make(chan error, 1)
	q, err := sess.DeclareQueryable(ctx, "abandoned", func(ctx context.Context, query *Query) {
		// Flood until the querier walks away.
		for i := 0; ; i++ {
			if err := query.Reply(ctx, "", []byte("x")); err != nil {
				delivered <- err
				return
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Undeclare(ctx)

	recv, err := sess.Get(ctx, "abandoned", WithReplyBuffer(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := recv.Recv(); !ok {
		t.Fatal("expected at least one reply")
	}
	recv.Close()

	select {
	case <-delivered:
		// Replier unblocked with an error instead of hanging.
	case <-time.After(2 * time.Second):
		t.Fatal("replier still blocked after receiver close")
	}

	if _, ok := recv.Recv(); ok {
		t.Error("expected no replies after close")
	}
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	sess := setupTestSession(t)

	received := make(chan *Sample, 1)
	sub, err := sess.DeclareSubscriber(ctx, "feed", func(_ context.Context, s *Sample) {
		received <- s
	})
	if err != nil {
		t.Fatal(err)
	}

	att := attachment.NewBuilder().AddString("source", "sensor-1").Build()
	if err := sess.Put(ctx, "feed", []byte("temp=21"), WithAttachment(att)); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-received:
		if s.PayloadString() != "temp=21" {
			t.Errorf("payload mismatch: %q", s.PayloadString())
		}
		v, found, err := s.Attachment().GetString("source")
		if err != nil || !found || v != "sensor-1" {
			t.Errorf("attachment lookup failed: %q found=%v err=%v", v, found, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sample not delivered")
	}

	if err := sub.Undeclare(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEventsAvailableAfterConnect(t *testing.T) {
	sess, err := New(WithTransport(memory.New()))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Events() != nil {
		t.Error("events should be nil before connect")
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Close(context.Background())
	if sess.Events() == nil {
		t.Error("expected events after connect")
	}
}
