package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry bundle whose parts all discard their input.
func Nop() *Telemetry {
	return &Telemetry{
		Logger:  NewLoggerFrom(zerolog.Nop()),
		Tracer:  nil,
		Metrics: nil,
		Events:  nil,
		Config:  DefaultConfig(),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// Shutdown stops the event publisher and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// ObserveConnectorCall wraps a native connector call with a span, call metrics
// and error metrics. kindOf classifies a failure for the error counter.
func ObserveConnectorCall(
	ctx context.Context,
	tracer *Tracer,
	metrics *Metrics,
	instance, operation string,
	kindOf func(error) string,
	fn func(ctx context.Context) error,
) error {
	var span trace.Span
	ctx, span = tracer.StartConnectorSpan(ctx, instance, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	metrics.RecordConnectorCall(instance, operation, timer.Duration())
	if err != nil {
		kind := "unknown"
		if kindOf != nil {
			kind = kindOf(err)
		}
		metrics.RecordConnectorError(instance, operation, kind)
		span.SetAttributes(AttrErrorKind.String(kind))
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
