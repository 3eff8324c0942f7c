// Package courier provides a small pub/sub and query/reply messaging
// session with pluggable transports.
//
// A session publishes samples (Put), subscribes to them
// (DeclareSubscriber), issues queries with streamed replies (Get), and
// serves queries (DeclareQueryable). Samples and queries can carry an
// attachment: ordered key/value metadata encoded with the attachment
// package and passed through the transport untouched.
//
// Basic usage:
//
//	sess, err := courier.New(
//		courier.WithTransport(memory.New()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sess.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//
//	// Serve queries.
//	q, _ := sess.DeclareQueryable(ctx, "demo/room", func(ctx context.Context, query *courier.Query) {
//		query.Reply(ctx, "", []byte("hello"))
//	})
//	defer q.Undeclare(ctx)
//
//	// Issue a query and drain its reply stream.
//	recv, _ := sess.Get(ctx, "demo/room")
//	for {
//		reply, ok := recv.Recv()
//		if !ok {
//			break
//		}
//		if sample, ok := reply.Ok(); ok {
//			fmt.Println(sample.PayloadString())
//		}
//	}
//
// Reply streams are bounded: a reply queue of fixed capacity connects the
// replying side to the querying side, so a slow querier applies
// backpressure to repliers instead of buffering without limit. The stream
// completes implicitly when every matching queryable has finished.
//
// Transports live in subpackages: transport/memory for in-process use and
// tests, transport/redis for cross-process messaging over Redis pub/sub.
//
// Sessions emit lifecycle events (sample published, query sent, query
// served) through github.com/rbaliyan/event; wire a Redis client or a
// custom event transport to observe them across processes, or leave the
// default no-op transport in place.
package courier
