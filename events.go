package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for courier lifecycle events.
const (
	EventNameSamplePublished = "courier.sample.published"
	EventNameQuerySent       = "courier.query.sent"
	EventNameQueryServed     = "courier.query.served"
)

// SamplePublishedEvent is published after a successful Put.
type SamplePublishedEvent struct {
	KeyExpr       string    `json:"key_expr"`
	PayloadSize   int       `json:"payload_size"`
	HasAttachment bool      `json:"has_attachment"`
	PublishedAt   time.Time `json:"published_at"`
}

// QuerySentEvent is published after a query has been handed to the
// transport. The reply stream may still be in flight when subscribers
// observe it.
type QuerySentEvent struct {
	QueryID    string    `json:"query_id"`
	KeyExpr    string    `json:"key_expr"`
	Parameters string    `json:"parameters,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// QueryServedEvent is published after an inbound query handler returned.
type QueryServedEvent struct {
	KeyExpr  string    `json:"key_expr"`
	Replies  int       `json:"replies"`
	ServedAt time.Time `json:"served_at"`
}

// SessionEvents provides access to per-session event instances. Each
// session creates its own events bound to its own event bus, enabling
// independent routing and parallel testing.
//
// Subscribe to events:
//
//	sess.Events().QuerySent.Subscribe(ctx, handler)
//	sess.Events().QueryServed.Subscribe(ctx, handler)
type SessionEvents struct {
	// SamplePublished is published after a successful Put.
	SamplePublished event.Event[SamplePublishedEvent]

	// QuerySent is published after Get handed a query to the transport.
	QuerySent event.Event[QuerySentEvent]

	// QueryServed is published after an inbound query handler returned.
	QueryServed event.Event[QueryServedEvent]
}

// newSessionEvents creates per-session event instances with a unique name
// prefix.
func newSessionEvents(namePrefix string) *SessionEvents {
	return &SessionEvents{
		SamplePublished: event.New[SamplePublishedEvent](namePrefix + "." + EventNameSamplePublished),
		QuerySent:       event.New[QuerySentEvent](namePrefix + "." + EventNameQuerySent),
		QueryServed:     event.New[QueryServedEvent](namePrefix + "." + EventNameQueryServed),
	}
}

// registerSessionEvents registers per-session events with the given bus.
func registerSessionEvents(ctx context.Context, bus *event.Bus, events *SessionEvents) error {
	if err := event.Register(ctx, bus, events.SamplePublished); err != nil {
		return fmt.Errorf("register SamplePublished: %w", err)
	}
	if err := event.Register(ctx, bus, events.QuerySent); err != nil {
		return fmt.Errorf("register QuerySent: %w", err)
	}
	if err := event.Register(ctx, bus, events.QueryServed); err != nil {
		return fmt.Errorf("register QueryServed: %w", err)
	}
	return nil
}
