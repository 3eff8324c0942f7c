package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/courier/transport"
	"go.opentelemetry.io/otel/attribute"
)

// Put publishes payload under keyExpr to all matching subscribers.
//
// An attachment given via WithAttachment travels alongside the payload
// without being interpreted. Put does not wait for subscriber delivery;
// it returns once the transport has accepted the sample.
func (s *session) Put(ctx context.Context, keyExpr string, payload []byte, opts ...CallOption) error {
	if err := s.checkAccess(); err != nil {
		return err
	}
	if !isValidKeyExpr(keyExpr) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyExpr, keyExpr)
	}

	o := newCallOptions(opts...)

	ctx, end := s.otel.startSpan(ctx, "courier.Put",
		attribute.String("key_expr", keyExpr),
		attribute.Int("payload_size", len(payload)),
	)
	start := time.Now()

	if err := s.plugins.beforePut(ctx, keyExpr, payload); err != nil {
		end(err)
		return err
	}

	err := s.transport.Put(ctx, transport.Sample{
		KeyExpr:    keyExpr,
		Payload:    payload,
		Attachment: o.attachment,
	})
	s.otel.recordPut(ctx, time.Since(start), len(payload), err)
	end(err)
	if err != nil {
		return fmt.Errorf("put %q: %w", keyExpr, err)
	}

	if err := s.plugins.afterPut(ctx, keyExpr, payload); err != nil {
		s.logger.Error("after-put hook failed", "key_expr", keyExpr, "error", err)
	}

	s.publishSamplePublished(ctx, keyExpr, len(payload), o.attachment != nil)
	return nil
}

// publishSamplePublished publishes the SamplePublished lifecycle event.
func (s *session) publishSamplePublished(ctx context.Context, keyExpr string, payloadSize int, hasAttachment bool) {
	if s.events == nil {
		return
	}
	err := s.events.SamplePublished.Publish(ctx, SamplePublishedEvent{
		KeyExpr:       keyExpr,
		PayloadSize:   payloadSize,
		HasAttachment: hasAttachment,
		PublishedAt:   time.Now(),
	})
	if err != nil {
		s.opts.safeEventPublishFailure("SamplePublished", &EventPublishError{Event: "SamplePublished", Err: err})
	}
}
