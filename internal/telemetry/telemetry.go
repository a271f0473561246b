package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdiitm/logconsole/internal/domain"
)

const serviceName = "logconsole-session-engine"

var tracer trace.Tracer

type Option func(*config)

type config struct {
	exporter sdktrace.SpanExporter
	endpoint string
}

// WithNoopExporter records spans in-process and discards them.
func WithNoopExporter() Option {
	return func(c *config) {
		c.exporter = noopExporter{}
	}
}

func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(c *config) {
		c.exporter = exp
	}
}

func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

func Init(opts ...Option) (*sdktrace.TracerProvider, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	if cfg.exporter == nil {
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		cfg.exporter = exp
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(cfg.exporter),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)
	return tp, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(serviceName)
	}
	return tracer
}

func StartPollSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.poll",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// EndPollSpan records the batch size before ending a poll span.
func EndPollSpan(span trace.Span, batchSize int, err error) {
	span.SetAttributes(attribute.Int64("batch.size", int64(batchSize)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func StartCaptureSpan(ctx context.Context, sessionID string, r domain.Record) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.capture",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("record.topic", r.Topic),
			attribute.Int64("record.partition", int64(r.Partition)),
			attribute.Int64("record.offset", r.Offset),
		),
	)
}

func StartLifecycleSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.lifecycle",
		trace.WithAttributes(
			attribute.String("lifecycle.op", op),
			attribute.String("session.id", sessionID),
		),
	)
}

func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "retention.sweep")
}

type noopExporter struct{}

func (noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error { return nil }
