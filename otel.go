package courier

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/courier"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the session.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	putLatency metric.Float64Histogram
	putCount   metric.Int64Counter
	putErrors  metric.Int64Counter

	getLatency metric.Float64Histogram
	getCount   metric.Int64Counter
	getErrors  metric.Int64Counter

	serveLatency metric.Float64Histogram
	serveCount   metric.Int64Counter

	replyCount metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.putLatency, err = meter.Float64Histogram(
		"courier.put.duration",
		metric.WithDescription("Duration of put operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.putCount, err = meter.Int64Counter(
		"courier.put.count",
		metric.WithDescription("Number of samples published"),
	)
	if err != nil {
		return err
	}

	o.putErrors, err = meter.Int64Counter(
		"courier.put.errors",
		metric.WithDescription("Number of put errors"),
	)
	if err != nil {
		return err
	}

	o.getLatency, err = meter.Float64Histogram(
		"courier.get.duration",
		metric.WithDescription("Duration of query issue operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.getCount, err = meter.Int64Counter(
		"courier.get.count",
		metric.WithDescription("Number of queries issued"),
	)
	if err != nil {
		return err
	}

	o.getErrors, err = meter.Int64Counter(
		"courier.get.errors",
		metric.WithDescription("Number of query issue errors"),
	)
	if err != nil {
		return err
	}

	o.serveLatency, err = meter.Float64Histogram(
		"courier.serve.duration",
		metric.WithDescription("Duration of inbound query handler invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.serveCount, err = meter.Int64Counter(
		"courier.serve.count",
		metric.WithDescription("Number of inbound queries served"),
	)
	if err != nil {
		return err
	}

	o.replyCount, err = meter.Int64Counter(
		"courier.reply.count",
		metric.WithDescription("Number of replies sent by query handlers"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller must invoke the returned func with the operation's error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordPut records put operation metrics.
func (o *otelInstrumentation) recordPut(ctx context.Context, duration time.Duration, payloadSize int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("payload_size", payloadSize),
	)

	o.putLatency.Record(ctx, duration.Seconds(), attrs)
	o.putCount.Add(ctx, 1, attrs)
	if err != nil {
		o.putErrors.Add(ctx, 1, attrs)
	}
}

// recordGet records query issue metrics.
func (o *otelInstrumentation) recordGet(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.getLatency.Record(ctx, duration.Seconds())
	o.getCount.Add(ctx, 1)
	if err != nil {
		o.getErrors.Add(ctx, 1)
	}
}

// recordServe records inbound query handler metrics.
func (o *otelInstrumentation) recordServe(ctx context.Context, duration time.Duration, replies int) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("replies", replies),
	)

	o.serveLatency.Record(ctx, duration.Seconds(), attrs)
	o.serveCount.Add(ctx, 1, attrs)
}

// recordReply records one reply sent by a query handler.
func (o *otelInstrumentation) recordReply(ctx context.Context, isErr bool) {
	if !o.metricsEnabled {
		return
	}

	o.replyCount.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("is_err", isErr),
	))
}
