package observe

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultServiceName is reported when ProviderConfig.ServiceName is empty.
const DefaultServiceName = "sharedspace"

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service.name resource attribute. Defaults to
	// [DefaultServiceName].
	ServiceName string

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string

	// TraceSampleRatio is the fraction of new traces that are sampled, in
	// (0, 1]. Zero samples everything. Incoming sampled parents are always
	// honoured.
	TraceSampleRatio float64

	// TraceExporter receives finished spans. When nil, spans are recorded for
	// correlation IDs and logs but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry holds the SDK providers installed by [InitProvider].
type Telemetry struct {
	// MetricsHandler serves the Prometheus text format of every sharedspace
	// instrument plus Go runtime and process metrics.
	MetricsHandler http.Handler

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
	shutdownErr   error
}

// Shutdown flushes and closes the meter and tracer providers. Later calls
// return the result of the first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range t.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
	})
	return t.shutdownErr
}

// InitProvider installs global OTel meter and tracer providers and the W3C
// trace-context propagator.
//
// Metrics go to a dedicated Prometheus registry exposed as
// [Telemetry.MetricsHandler], so nothing else registered with the default
// Prometheus registry leaks into /metrics.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	// ── Metrics ──────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	// ── Traces ───────────────────────────────────────────────────────────────
	sampler := sdktrace.AlwaysSample()
	if cfg.TraceSampleRatio > 0 && cfg.TraceSampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		shutdownFuncs:  []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}
