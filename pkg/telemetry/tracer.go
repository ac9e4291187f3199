package telemetry

import (
	"context"
	"fmt"
	"strconv"

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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrCommand        = attribute.Key("hubctl.command")
	AttrOperationID    = attribute.Key("operation.id")
	AttrOperationState = attribute.Key("operation.state")
	AttrTargetID       = attribute.Key("target.id")
	AttrPrincipalKind  = attribute.Key("principal.kind")
	AttrAttempt        = attribute.Key("attempt.number")
	AttrOutcome        = attribute.Key("attempt.outcome")
	AttrFailureClass   = attribute.Key("failure.class")
	AttrRetryDelay     = attribute.Key("retry.delay_seconds")
	AttrProbe          = attribute.Key("probe.name")
	AttrVerdict        = attribute.Key("diagnostic.overall")
)

// Tracer opens the command, operation, attempt and probe spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer provider. When tracing is disabled spans are
// still created, so parent/child wiring holds, but never sampled.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NewTracerFromProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())), serviceName), nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return NewTracerFromProvider(provider, serviceName), nil
}

// newExporter returns nil for the "none" exporter.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("hubctl")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// NewTracerFromProvider wraps an existing provider, such as one backed by a
// span recorder in tests.
func NewTracerFromProvider(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}
}

// StartSpan starts a span with attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartOperationSpan starts the span covering one orchestrated request.
func (t *Tracer) StartOperationSpan(ctx context.Context, operationID, targetID, principalKind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "operation.run",
		AttrOperationID.String(operationID),
		AttrTargetID.String(targetID),
		AttrPrincipalKind.String(principalKind),
	)
}

// StartAttemptSpan starts the span of one attempt, backdated to when the
// attempt began.
func (t *Tracer) StartAttemptSpan(ctx context.Context, attempt int, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "attempt."+strconv.Itoa(attempt), opts...)
}

// StartProbeSpan starts a span for a read-only probe call.
func (t *Tracer) StartProbeSpan(ctx context.Context, probe, resourceID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "probe."+probe,
		AttrProbe.String(probe),
		AttrTargetID.String(resourceID),
	)
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks the span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddRetryEvent adds a retry.scheduled event to the operation span.
func AddRetryEvent(span trace.Span, class string, attempt int, delaySeconds float64) {
	span.AddEvent("retry.scheduled", trace.WithAttributes(
		AttrFailureClass.String(class),
		AttrAttempt.Int(attempt),
		AttrRetryDelay.Float64(delaySeconds),
	))
}
