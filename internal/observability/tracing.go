// Package observability provides OpenTelemetry tracing, Prometheus-text
// metrics and an audit trail for lazyrunner.
package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// TracerName names the lazyrunner tracer.
const TracerName = "github.com/hoytak/lazyrunner"

// TracingConfig configures span export. Without an endpoint nothing is
// exported and spans go to the global provider, a no-op unless someone
// installed one.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // OTLP gRPC, e.g. localhost:4317
	SampleRate     float64
}

func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{ServiceName: "lazyrunner", ServiceVersion: "0.1.0", SampleRate: 1.0}
}

// TracerProvider owns the SDK provider when one was created.
type TracerProvider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracing installs an OTLP exporting provider as the global provider.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.OTLPEndpoint, err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(Sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &TracerProvider{sdk: tp, tracer: tp.Tracer(TracerName)}, nil
}

// Sampler maps a sample rate in [0, 1] to a root sampler.
func Sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

func (tp *TracerProvider) Tracer() trace.Tracer { return tp.tracer }

// StartCommandSpan starts the root span of a CLI command or worker request.
func StartCommandSpan(ctx context.Context, command string, modules []string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "lazyrunner."+command,
		trace.WithAttributes(
			attribute.String("lazyrunner.command", command),
			attribute.String("lazyrunner.modules", strings.Join(modules, ",")),
		),
	)
}

// StartExportSpan wraps a write to the graph store or the result catalog.
func StartExportSpan(ctx context.Context, target string, items int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "export."+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("export.target", target),
			attribute.Int("export.items", items),
		),
	)
}

func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ModuleSpans records one span per module run, parented on the span in the
// context of the resolving call. Runs are reported after they finish, so
// spans are back-dated by the run duration.
type ModuleSpans struct {
	resolver.NopObserver
}

func (ModuleSpans) ModuleRan(ctx context.Context, module, key string, d time.Duration, err error) {
	end := time.Now()
	_, span := otel.Tracer(TracerName).Start(ctx, "module."+module,
		trace.WithTimestamp(end.Add(-d)),
		trace.WithAttributes(
			attribute.String("lazyrunner.module", module),
			attribute.String("lazyrunner.key", key),
		),
	)
	RecordError(span, err)
	span.End(trace.WithTimestamp(end))
}
