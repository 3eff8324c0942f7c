package courier

import (
	"context"
	"fmt"

	"github.com/rbaliyan/courier/transport"
)

// SampleHandler is invoked once per sample delivered to a subscriber.
type SampleHandler func(ctx context.Context, sample *Sample)

// Subscriber is a declared sample handler registration.
type Subscriber interface {
	// KeyExpr returns the key expression the subscriber listens on.
	KeyExpr() string
	// Undeclare removes the registration and waits for in-flight handler
	// invocations, bounded by ctx.
	Undeclare(ctx context.Context) error
}

type subscriber struct {
	keyExpr string
	inner   transport.Subscriber
}

func (s *subscriber) KeyExpr() string { return s.keyExpr }

func (s *subscriber) Undeclare(ctx context.Context) error {
	return s.inner.Undeclare(ctx)
}

// DeclareSubscriber registers handler for samples published under keyExpr.
func (s *session) DeclareSubscriber(ctx context.Context, keyExpr string, handler SampleHandler) (Subscriber, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if !isValidKeyExpr(keyExpr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyExpr, keyExpr)
	}
	if handler == nil {
		return nil, fmt.Errorf("courier: nil sample handler for %q", keyExpr)
	}

	inner, err := s.transport.DeclareSubscriber(ctx, keyExpr, func(ctx context.Context, ts transport.Sample) {
		if !s.IsConnected() {
			return
		}
		handler(ctx, &Sample{
			keyExpr:    ts.KeyExpr,
			payload:    ts.Payload,
			attachment: ts.Attachment,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("declare subscriber %q: %w", keyExpr, err)
	}
	s.logger.Debug("subscriber declared", "key_expr", keyExpr)
	return &subscriber{keyExpr: keyExpr, inner: inner}, nil
}
