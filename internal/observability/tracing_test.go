package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"realtime-transcription-service/internal/observability/logging"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
}

func TestStartSpan_RecordsSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "session")
	if len(TraceID(ctx)) != 32 {
		t.Errorf("expected 32-char trace id, got %q", TraceID(ctx))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
}

func TestWithTrace_AddsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "log")
	defer span.End()

	var buf bytes.Buffer
	logging.InitWriter(logging.Config{Level: "info", Format: "json"}, &buf)
	l := logging.WithTrace(ctx, logging.Logger())
	l.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"traceId":"`+TraceID(ctx)+`"`) {
		t.Errorf("log line missing traceId: %s", buf.String())
	}
}

func TestInitTracing(t *testing.T) {
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	shutdown, err := InitTracing(TracingConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test-span")
	if TraceID(ctx) == "" {
		t.Error("expected a trace id from the registered provider")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
