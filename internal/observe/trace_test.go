package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider recording into an in-memory
// exporter.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs points the default logger at a buffer for the test's duration.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "analysis")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lower-case hex", cid)
	}
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("correlation ID %q differs from trace ID", cid)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	_, _, exp := testSetup(t)

	_, span := StartSpan(context.Background(), "comparability.Run")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "comparability.Run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "comparability.Run")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestFailSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	FailSpan(ok, nil)
	ok.End()

	_, failed := tracer.Start(context.Background(), "failed")
	FailSpan(failed, errors.New("voyage: 503"))
	failed.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error changed status to %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "voyage: 503" {
		t.Errorf("status = %v %q, want Error %q", spans[1].Status.Code, spans[1].Status.Description, "voyage: 503")
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", spans[1].Events)
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name     string
		withSpan bool
	}{
		{"with span", true},
		{"without span", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.withSpan {
				tp, _ := newTestTracerProvider(t)
				c, s := tp.Tracer("test").Start(ctx, "log-test")
				defer s.End()
				ctx = c
			}

			Logger(ctx).Info("pipeline finished")

			logged := buf.String()
			for _, key := range []string{"trace_id=", "span_id="} {
				if got := strings.Contains(logged, key); got != tt.withSpan {
					t.Errorf("contains %q = %v, want %v; output: %s", key, got, tt.withSpan, logged)
				}
			}
		})
	}
}
