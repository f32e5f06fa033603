package sendpool

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/sendpool"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Allocation (select and reserve)
	selectLatency metric.Float64Histogram
	selectCount   metric.Int64Counter
	selectErrors  metric.Int64Counter

	// Counters and health
	sent              metric.Int64Counter
	deliveryEvents    metric.Int64Counter
	resetCount        metric.Int64Counter
	statusTransitions metric.Int64Counter
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

	o.selectLatency, err = meter.Float64Histogram(
		"sendpool.select.duration",
		metric.WithDescription("Duration of mailbox selection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.selectCount, err = meter.Int64Counter(
		"sendpool.select.count",
		metric.WithDescription("Number of mailbox selections"),
	)
	if err != nil {
		return err
	}

	o.selectErrors, err = meter.Int64Counter(
		"sendpool.select.errors",
		metric.WithDescription("Number of selections that returned no mailbox"),
	)
	if err != nil {
		return err
	}

	o.sent, err = meter.Int64Counter(
		"sendpool.sent",
		metric.WithDescription("Number of sends counted against mailboxes"),
	)
	if err != nil {
		return err
	}

	o.deliveryEvents, err = meter.Int64Counter(
		"sendpool.delivery_events",
		metric.WithDescription("Number of applied delivery events"),
	)
	if err != nil {
		return err
	}

	o.resetCount, err = meter.Int64Counter(
		"sendpool.reset.count",
		metric.WithDescription("Number of mailboxes whose daily counter was reset"),
	)
	if err != nil {
		return err
	}

	o.statusTransitions, err = meter.Int64Counter(
		"sendpool.status_transitions",
		metric.WithDescription("Number of mailbox status changes"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned func ends the span, recording err if it is non-nil.
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

// selectOutcome labels a selection result with a low-cardinality value.
func selectOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoActiveInboxes):
		return "no_active_inboxes"
	case errors.Is(err, ErrAllInboxesAtLimit):
		return "at_limit"
	}
	return "error"
}

// recordSelect records select and reserve metrics.
func (o *otelInstrumentation) recordSelect(ctx context.Context, op string, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", selectOutcome(err)),
	)

	o.selectLatency.Record(ctx, duration.Seconds(), attrs)
	o.selectCount.Add(ctx, 1, attrs)
	if err != nil {
		o.selectErrors.Add(ctx, 1, attrs)
	}
}

func (o *otelInstrumentation) recordSent(ctx context.Context, orgID string) {
	if !o.metricsEnabled {
		return
	}
	o.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("org_id", orgID)))
}

func (o *otelInstrumentation) recordDeliveryEvent(ctx context.Context, kind EventKind) {
	if !o.metricsEnabled {
		return
	}
	o.deliveryEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(kind))))
}

func (o *otelInstrumentation) recordReset(ctx context.Context, mailboxes int) {
	if !o.metricsEnabled {
		return
	}
	o.resetCount.Add(ctx, int64(mailboxes))
}

func (o *otelInstrumentation) recordStatusTransition(ctx context.Context, from, to store.Status) {
	if !o.metricsEnabled {
		return
	}
	o.statusTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
