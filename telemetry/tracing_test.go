package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func hasAttr(attrs []attribute.KeyValue, key, val string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == val {
			return true
		}
	}
	return false
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("live-tender", "test")
	if err != nil || shutdown == nil {
		t.Fatalf("InitTracing = (non-nil: %v), %v", shutdown != nil, err)
	}
	shutdown()
}

func TestStartSpanCarriesCorrelation(t *testing.T) {
	rec := recordSpans(t)
	ctx := WithCorrelation(context.Background(), "corr-1")
	_, span := StartSpan(ctx, "session", "session.run", UsernameAttr("alice"))
	RecordError(span, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "session.run" {
		t.Errorf("name = %q", s.Name())
	}
	if !hasAttr(s.Attributes(), "correlation_id", "corr-1") || !hasAttr(s.Attributes(), "live.username", "alice") {
		t.Errorf("attributes = %v", s.Attributes())
	}
	if s.Status().Code != codes.Error || s.Status().Description != "boom" {
		t.Errorf("status = %+v", s.Status())
	}
}

func TestSpanStatus(t *testing.T) {
	rec := recordSpans(t)
	_, ok := StartSpan(context.Background(), "http-server", "GET /status")
	SetSpanHTTPStatus(ok, 200)
	ok.End()
	_, bad := StartSpan(context.Background(), "http-server", "GET /readyz")
	SetSpanHTTPStatus(bad, 503)
	bad.End()
	_, done := StartSpan(context.Background(), "session", "session.post_process")
	RecordError(done, nil)
	SetSpanSuccess(done)
	done.End()

	want := []codes.Code{codes.Unset, codes.Error, codes.Ok}
	spans := rec.Ended()
	if len(spans) != len(want) {
		t.Fatalf("ended spans = %d", len(spans))
	}
	for i, s := range spans {
		if s.Status().Code != want[i] {
			t.Errorf("%s: status = %v, want %v", s.Name(), s.Status().Code, want[i])
		}
	}
}
