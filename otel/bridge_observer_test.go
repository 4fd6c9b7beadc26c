package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/toolbridge/bridge"
	bridgeotel "github.com/petal-labs/toolbridge/otel"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, tp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data for %s, got %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func spanAttr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestBridgeObserverRecordsCalls(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()

	observer, err := bridgeotel.NewBridgeObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewBridgeObserver() error = %v", err)
	}

	observer.ObserveCall(bridge.CallObservation{
		CallID:    "call-1",
		Server:    "docs",
		Operation: "get_doc",
		Transport: bridge.TransportDirect,
		Attempts:  1,
		Duration:  120 * time.Millisecond,
		Success:   true,
	})
	observer.ObserveCall(bridge.CallObservation{
		CallID:    "call-2",
		Server:    "docs",
		Operation: "get_doc",
		Transport: bridge.TransportDirect,
		Attempts:  2,
		Duration:  30 * time.Millisecond,
		ErrorKind: bridge.KindTransportError,
	})

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolbridge.calls"); got != 2 {
		t.Fatalf("toolbridge.calls = %d, want 2", got)
	}
	latency := findMetric(rm, "toolbridge.call.duration")
	if latency == nil {
		t.Fatal("toolbridge.call.duration metric not found")
	}
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", latency.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Fatalf("histogram count = %d, want 2", count)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].Name != "toolbridge.call" {
		t.Fatalf("span name = %q, want toolbridge.call", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Fatalf("first span status = %v, want Ok", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != string(bridge.KindTransportError) {
		t.Fatalf("second span status = %+v, want Error/%s", spans[1].Status, bridge.KindTransportError)
	}
	if v, ok := spanAttr(spans[1], "call_id"); !ok || v.AsString() != "call-2" {
		t.Fatalf("call_id attribute = %v, %v", v, ok)
	}
	if elapsed := spans[0].EndTime.Sub(spans[0].StartTime); elapsed != 120*time.Millisecond {
		t.Fatalf("span duration = %v, want 120ms", elapsed)
	}
}

func TestBridgeObserverRecordsRetriesSessionsAndHealth(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()

	observer, err := bridgeotel.NewBridgeObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewBridgeObserver() error = %v", err)
	}

	observer.ObserveRetry(bridge.RetryObservation{Server: "docs", Operation: "get_doc", Attempt: 2, ErrorKind: bridge.KindTransportError})
	observer.ObserveSession(bridge.SessionObservation{Server: "docs", From: bridge.StateInitializing, To: bridge.StateReady})
	observer.ObserveSession(bridge.SessionObservation{Server: "docs", From: bridge.StateReady, To: bridge.StateDegraded, ErrorKind: bridge.KindProcessCrashed, Crashes: 1})
	observer.ObserveHealth(bridge.HealthObservation{Server: "docs", SessionID: "s-1", Healthy: false, Duration: time.Millisecond, ErrorKind: bridge.KindTransportError})

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolbridge.retries"); got != 1 {
		t.Fatalf("toolbridge.retries = %d, want 1", got)
	}
	if got := sumOf(t, rm, "toolbridge.session.transitions"); got != 2 {
		t.Fatalf("toolbridge.session.transitions = %d, want 2", got)
	}
	if got := sumOf(t, rm, "toolbridge.health.checks"); got != 1 {
		t.Fatalf("toolbridge.health.checks = %d, want 1", got)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "toolbridge.health.check" {
		t.Fatalf("spans = %+v, want one toolbridge.health.check", spans)
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("health span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestBridgeObserverWithoutTracer(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := bridgeotel.NewBridgeObserver(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("NewBridgeObserver() error = %v", err)
	}
	observer.ObserveCall(bridge.CallObservation{Server: "docs", Operation: "get_doc", Success: true})
	observer.ObserveHealth(bridge.HealthObservation{Server: "docs", Healthy: true})

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "toolbridge.calls"); got != 1 {
		t.Fatalf("toolbridge.calls = %d, want 1", got)
	}

	var nilObserver *bridgeotel.BridgeObserver
	nilObserver.ObserveCall(bridge.CallObservation{})
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")

	shutdown, err := bridgeotel.Setup(context.Background(), bridgeotel.SetupConfig{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := bridgeotel.Setup(context.Background(), bridgeotel.SetupConfig{
		ServiceName: "toolbridge-test",
		Endpoint:    "http://127.0.0.1:1/v1/traces",
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
