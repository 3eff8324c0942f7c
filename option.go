package courier

import (
	"log/slog"
	"time"

	eventtransport "github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/courier/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// DefaultReplyBuffer is the reply queue capacity used by Get when
	// WithReplyBuffer is not given.
	DefaultReplyBuffer = 16

	// DefaultMaxConcurrentQueries bounds inbound query handlers running
	// concurrently per session.
	DefaultMaxConcurrentQueries = 10

	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout
)

// options holds session configuration.
type options struct {
	transport transport.Transport
	logger    *slog.Logger

	plugins []Plugin

	// Concurrency limits
	maxConcurrentQueries int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventTransport        eventtransport.Transport // optional, noop if nil
	redisClient           redis.UniversalClient    // Redis client for event transport (optional)
	onEventPublishFailure EventPublishFailureFunc  // always set after newOptions
}

// EventPublishFailureFunc is called when a lifecycle event fails to publish.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic
// recovery, so a misbehaving callback cannot take down a delivery context.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:               slog.Default(),
		maxConcurrentQueries: DefaultMaxConcurrentQueries,
		shutdownTimeout:      DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.shutdownTimeout < MinShutdownTimeout {
		o.shutdownTimeout = MinShutdownTimeout
	}
	if o.maxConcurrentQueries < 1 {
		o.maxConcurrentQueries = 1
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a session.
type Option func(*options)

// WithTransport sets the messaging fabric the session runs on. Required.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPlugin registers a plugin. Plugins are initialized in registration
// order during Connect and closed in reverse order during Close.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithMaxConcurrentQueries bounds the number of inbound query handlers a
// session runs concurrently. Values below 1 are clamped to 1.
func WithMaxConcurrentQueries(n int) Option {
	return func(o *options) {
		o.maxConcurrentQueries = n
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight query
// handlers to finish. Values below MinShutdownTimeout are clamped.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithTracing enables OpenTelemetry tracing for session operations.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics for session operations.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for event bus naming and
// telemetry attribution. Defaults to "courier".
func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

// WithTracerProvider sets a custom tracer provider. Defaults to the global
// provider when tracing is enabled.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider. Defaults to the global
// provider when metrics are enabled.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithEventTransport sets a custom transport for lifecycle events.
func WithEventTransport(t eventtransport.Transport) Option {
	return func(o *options) {
		o.eventTransport = t
	}
}

// WithRedisClient sets a Redis client used for the lifecycle event bus.
// Ignored when WithEventTransport is also given.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithOnEventPublishFailure sets the callback invoked when a lifecycle
// event fails to publish. The default logs the failure.
func WithOnEventPublishFailure(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		o.onEventPublishFailure = fn
	}
}
