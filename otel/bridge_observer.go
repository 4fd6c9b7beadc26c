// Package otel records toolbridge observations into OpenTelemetry.
package otel

import (
	"context"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolbridge/bridge"
)

const instrumentationName = "github.com/petal-labs/toolbridge"

// BridgeObserver records bridge calls, retries, session transitions and
// health probes as metrics and spans.
type BridgeObserver struct {
	tracer trace.Tracer

	calls       metric.Int64Counter
	retries     metric.Int64Counter
	transitions metric.Int64Counter
	health      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewBridgeObserver creates an observer bound to the provided meter/tracer.
// A nil tracer disables spans.
func NewBridgeObserver(meter metric.Meter, tracer trace.Tracer) (*BridgeObserver, error) {
	calls, err := meter.Int64Counter(
		"toolbridge.calls",
		metric.WithDescription("Number of dispatched tool calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"toolbridge.retries",
		metric.WithDescription("Number of automatic re-acquire-and-retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"toolbridge.session.transitions",
		metric.WithDescription("Number of provider session state transitions"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		"toolbridge.health.checks",
		metric.WithDescription("Number of session health probes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolbridge.call.duration",
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BridgeObserver{
		tracer:      tracer,
		calls:       calls,
		retries:     retries,
		transitions: transitions,
		health:      health,
		latency:     latency,
	}, nil
}

// NewGlobalBridgeObserver binds an observer to the global meter and tracer
// providers.
func NewGlobalBridgeObserver() (*BridgeObserver, error) {
	return NewBridgeObserver(
		otelapi.GetMeterProvider().Meter(instrumentationName),
		otelapi.GetTracerProvider().Tracer(instrumentationName),
	)
}

// ObserveCall records one call outcome.
func (o *BridgeObserver) ObserveCall(observation bridge.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("operation", observation.Operation),
		attribute.String("transport", string(observation.Transport)),
		attribute.Bool("success", observation.Success),
		attribute.Bool("served_from_cache", observation.ServedFromCache),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	spanAttrs := append(attrs,
		attribute.String("call_id", observation.CallID),
		attribute.Int("attempts", observation.Attempts),
	)
	end := time.Now()
	_, span := o.tracer.Start(ctx, "toolbridge.call",
		trace.WithTimestamp(end.Add(-observation.Duration)),
		trace.WithAttributes(spanAttrs...),
	)
	if observation.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(observation.ErrorKind))
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveRetry records one retry attempt.
func (o *BridgeObserver) ObserveRetry(observation bridge.RetryObservation) {
	if o == nil {
		return
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", observation.Server),
		attribute.String("operation", observation.Operation),
		attribute.Int("attempt", observation.Attempt),
		attribute.String("error_kind", string(observation.ErrorKind)),
	))
}

// ObserveSession records one session state transition.
func (o *BridgeObserver) ObserveSession(observation bridge.SessionObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("from", string(observation.From)),
		attribute.String("to", string(observation.To)),
		attribute.Bool("poisoned", observation.Poisoned),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveHealth records one health probe.
func (o *BridgeObserver) ObserveHealth(observation bridge.HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.Bool("healthy", observation.Healthy),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}
	ctx := context.Background()
	o.health.Add(ctx, 1, metric.WithAttributes(attrs...))

	if o.tracer == nil {
		return
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, "toolbridge.health.check",
		trace.WithTimestamp(end.Add(-observation.Duration)),
		trace.WithAttributes(append(attrs, attribute.String("session_id", observation.SessionID))...),
	)
	if observation.Healthy {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(observation.ErrorKind))
	}
	span.End(trace.WithTimestamp(end))
}

var _ bridge.Observer = (*BridgeObserver)(nil)
