package telemetry

import (
	"context"
	"fmt"

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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with provisioning span helpers.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
			config: cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		// spans are sampled but not exported
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithBlock()))

	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span with common attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartPropagationSpan starts a span covering one identity change.
func (t *Tracer) StartPropagationSpan(ctx context.Context, anyType, key string, op string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "propagation.propagate",
		AttrAnyType.String(anyType),
		AttrEntityKey.String(key),
		AttrOperation.String(op),
	)
}

// StartTaskSpan starts a span for one task execution against one resource.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, resource, op string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "propagation.task",
		AttrTaskID.String(taskID),
		AttrResource.String(resource),
		AttrOperation.String(op),
	)
}

// StartReconcileSpan starts a span for a pull or push run.
func (t *Tracer) StartReconcileSpan(ctx context.Context, runID, direction, resource string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "reconcile."+direction,
		AttrRunID.String(runID),
		AttrResource.String(resource),
	)
}

// StartPageSpan starts a span for one reconciliation page.
func (t *Tracer) StartPageSpan(ctx context.Context, runID string, page int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "reconcile.page",
		AttrRunID.String(runID),
		AttrPage.Int(page),
	)
}

// StartConnectorSpan starts a span for a native connector call.
func (t *Tracer) StartConnectorSpan(ctx context.Context, instance, operation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "connector."+operation,
		AttrConnector.String(instance),
		AttrConnectorOp.String(operation),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Common attribute keys for provisioning spans.
var (
	AttrRunID       = attribute.Key("run.id")
	AttrTaskID      = attribute.Key("task.id")
	AttrResource    = attribute.Key("resource.key")
	AttrAnyType     = attribute.Key("identity.any_type")
	AttrEntityKey   = attribute.Key("identity.key")
	AttrOperation   = attribute.Key("operation")
	AttrStatus      = attribute.Key("status")
	AttrPage        = attribute.Key("page")
	AttrConnector   = attribute.Key("connector.instance")
	AttrConnectorOp = attribute.Key("connector.operation")
	AttrErrorKind   = attribute.Key("error.kind")
)
