package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes. Run attributes sit on the keel.run root span, resource
// attributes on each keel.resource child.
var (
	AttrRunID        = attribute.Key("keel.run.id")
	AttrRunStatus    = attribute.Key("keel.run.status")
	AttrRunDryRun    = attribute.Key("keel.run.dry_run")
	AttrRunResources = attribute.Key("keel.run.resources")

	AttrResourceType = attribute.Key("keel.resource.type")
	AttrResourceName = attribute.Key("keel.resource.name")
	AttrAction       = attribute.Key("keel.resource.action")
	AttrOutcome      = attribute.Key("keel.resource.outcome")
	AttrProviderOp   = attribute.Key("keel.provider.operation")
	AttrErrorClass   = attribute.Key("error.class")

	AttrNotifyTarget = attribute.Key("keel.notify.target")
	AttrNotifyTiming = attribute.Key("keel.notify.timing")
)

// Tracer starts the run and resource spans. A disabled Tracer hands out
// no-op spans.
type Tracer struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewTracer builds a Tracer and installs it as the global OpenTelemetry
// provider. The stdout exporter writes to stderr, away from command output.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	return newTracer(cfg, serviceName, serviceVersion, os.Stderr)
}

func newTracer(cfg TracingConfig, serviceName, serviceVersion string, stdout io.Writer) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := spanExporter(cfg, stdout)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	// The none exporter still samples, so trace IDs reach logs and events.
	if exporter != nil {
		var batch []sdktrace.BatchSpanProcessorOption
		if cfg.BatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
		}
		if cfg.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{sdk: sdk, tracer: sdk.Tracer(serviceName)}, nil
}

// spanExporter returns nil for the none exporter. The OTLP client dials
// lazily, so an unreachable collector never delays a run.
func spanExporter(cfg TracingConfig, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, dryRun bool, resources int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "keel.run", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrRunDryRun.Bool(dryRun),
		AttrRunResources.Int(resources),
	))
}

// StartResourceSpan starts the span of one resource visit.
func (t *Tracer) StartResourceSpan(ctx context.Context, resourceType, resourceName, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "keel.resource", trace.WithAttributes(
		AttrResourceType.String(resourceType),
		AttrResourceName.String(resourceName),
		AttrAction.String(action),
	))
}

// Shutdown exports pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the hex trace ID active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
