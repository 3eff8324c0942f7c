package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/courier/transport"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"
)

// SessionHealth provides health and state information about the session.
type SessionHealth interface {
	// IsConnected returns true if the session is connected and ready.
	IsConnected() bool
}

// Session is a connection to the messaging fabric. It publishes samples,
// issues queries, and serves inbound queries.
//
// Composed of:
//   - SessionHealth: Health and state queries (IsConnected)
//
// All data-plane operations return ErrNotConnected before Connect() and
// after Close().
type Session interface {
	SessionHealth

	// Connect establishes the transport connection and the event bus.
	Connect(ctx context.Context) error
	// Close drains in-flight query handlers and tears everything down.
	Close(ctx context.Context) error

	// Put publishes a payload under a key expression, optionally carrying
	// an attachment (WithAttachment).
	Put(ctx context.Context, keyExpr string, payload []byte, opts ...CallOption) error

	// Get issues a query and returns a receiver for its reply stream.
	// Replies arrive asynchronously from the transport's delivery context
	// through a bounded queue; loop on Recv until ok=false.
	Get(ctx context.Context, keyExpr string, opts ...CallOption) (*ReplyReceiver, error)

	// DeclareQueryable registers a handler invoked once per inbound query
	// matching keyExpr.
	DeclareQueryable(ctx context.Context, keyExpr string, handler QueryHandler) (Queryable, error)

	// DeclareSubscriber registers a handler invoked once per inbound
	// sample matching keyExpr.
	DeclareSubscriber(ctx context.Context, keyExpr string, handler SampleHandler) (Subscriber, error)

	// Events returns per-session event instances for subscribing to
	// lifecycle notifications.
	Events() *SessionEvents
}

// Session states.
const (
	stateDisconnected int32 = 0
	stateConnected    int32 = 1
)

// session implements Session.
type session struct {
	opts      *options
	transport transport.Transport
	logger    *slog.Logger
	otel      *otelInstrumentation
	plugins   *pluginRegistry

	// querySem bounds concurrent inbound query handlers; Close drains it.
	querySem *semaphore.Weighted

	eventBus *event.Bus
	events   *SessionEvents

	state int32
}

// New creates a session from the given options. The session starts
// disconnected; call Connect before using it.
func New(opts ...Option) (Session, error) {
	o := newOptions(opts...)
	if o.transport == nil {
		return nil, ErrTransportRequired
	}

	otelInst, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	s := &session{
		opts:      o,
		transport: o.transport,
		logger:    o.logger,
		otel:      otelInst,
		plugins:   newPluginRegistry(o.logger),
		querySem:  semaphore.NewWeighted(int64(o.maxConcurrentQueries)),
	}
	for _, p := range o.plugins {
		s.plugins.register(p)
	}
	return s, nil
}

// IsConnected returns true if the session is connected and ready.
func (s *session) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// checkAccess verifies the session is usable for data-plane operations.
func (s *session) checkAccess() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes the transport connection, the event bus, and plugins.
func (s *session) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnected) {
		return ErrAlreadyConnected
	}

	// Roll the state back on any failure below.
	success := false
	defer func() {
		if !success {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.transport.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrAlreadyConnected) {
			// Externally managed transport; treat as connected.
			s.logger.Debug("transport already connected")
		} else {
			return fmt.Errorf("connect transport: %w", err)
		}
	}

	if err := s.initEventBus(ctx); err != nil {
		_ = s.transport.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		_ = s.eventBus.Close(ctx)
		_ = s.transport.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("courier session connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this session.
func (s *session) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "courier"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newSessionEvents(busName)
	if err := registerSessionEvents(ctx, bus, s.events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register session events: %w", err)
	}
	return nil
}

// Close drains in-flight query handlers, then closes plugins, the event
// bus, and the transport.
func (s *session) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight query handlers to complete (graceful shutdown).
	// After the state flips, no new handlers start because checkAccess
	// fails; acquiring every semaphore slot waits out the existing ones.
	s.logger.Info("waiting for in-flight query handlers...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.querySem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentQueries)); err != nil {
		s.logger.Warn("timeout waiting for in-flight query handlers, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.querySem.Release(int64(s.opts.maxConcurrentQueries))
	}

	// Close plugins first (reverse order of init)
	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	// Close event bus only if using a real transport. The noop bus holds
	// no resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	s.logger.Info("courier session closed")
	return errors.Join(errs...)
}

// Events returns per-session event instances. Nil before Connect.
func (s *session) Events() *SessionEvents {
	return s.events
}
