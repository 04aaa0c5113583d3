package observability

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// otelSpanWrapper wraps an OpenTelemetry span to implement the Span interface
type otelSpanWrapper struct {
	span trace.Span
}

// End implements Span.End
func (o *otelSpanWrapper) End() {
	o.span.End()
}

// SetStatus implements Span.SetStatus
func (o *otelSpanWrapper) SetStatus(code int, description string) {
	var statusCode codes.Code
	switch code {
	case 1:
		statusCode = codes.Ok
	case 2:
		statusCode = codes.Error
	default:
		statusCode = codes.Unset
	}
	o.span.SetStatus(statusCode, description)
}

// SetAttribute implements Span.SetAttribute
func (o *otelSpanWrapper) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	case []attribute.KeyValue:
		o.span.SetAttributes(v...)
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// AddEvent implements Span.AddEvent
func (o *otelSpanWrapper) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	o.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError implements Span.RecordError
func (o *otelSpanWrapper) RecordError(err error) {
	o.span.RecordError(err)
}

// SpanContext implements Span.SpanContext
func (o *otelSpanWrapper) SpanContext() trace.SpanContext {
	return o.span.SpanContext()
}

// TracerProvider implements Span.TracerProvider
func (o *otelSpanWrapper) TracerProvider() trace.TracerProvider {
	return o.span.TracerProvider()
}

// Span attribute keys for the messaging substrate's own call sites —
// these are what show up on a trace when debugging a callback cycle across
// two services, per spec's §5/§9 call-out that trace_id propagation is
// load-bearing there.
const (
	// ActionTypeAttributeKey is the Domain Action's action_type.
	ActionTypeAttributeKey = attribute.Key("action.type")

	// ActionServiceAttributeKey is the origin or target service name.
	ActionServiceAttributeKey = attribute.Key("action.service")

	// StreamAttributeKey is the Redis stream key a span's work happened on.
	StreamAttributeKey = attribute.Key("action.stream")

	// DeliveryCountAttributeKey is a stream entry's 1-based delivery ordinal.
	DeliveryCountAttributeKey = attribute.Key("action.delivery_count")

	// TierResourceAttributeKey is the resource name a tier check evaluated.
	TierResourceAttributeKey = attribute.Key("tier.resource")
)

// InitTracing initializes OpenTelemetry tracing, exporting spans to an
// OTLP/gRPC collector at cfg.Endpoint.
func InitTracing(cfg TracingConfig) (func(), error) {
	if !cfg.Enabled {
		log.Println("actioncore: tracing disabled")
		return func() {}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "actioncore"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("observability: dial trace collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build trace resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	SetTracer(otel.Tracer(cfg.ServiceName))
	log.Printf("actioncore: tracing initialized for service %q (%s)", cfg.ServiceName, cfg.Environment)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("observability: tracer provider shutdown: %v", err)
		}
	}, nil
}

var (
	globalTracer     trace.Tracer
	globalTracerInit bool
)

// SetTracer sets the global tracer
func SetTracer(t trace.Tracer) {
	globalTracer = t
	globalTracerInit = true
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	if !globalTracerInit {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return globalTracer
}

// StartSpan starts a new span and returns the wrapped span and context.
// Safe to call with tracing never initialized: GetTracer falls back to a
// no-op tracer, so instrumenting a call site never requires a caller to
// also wire a collector.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, otelSpan := GetTracer().Start(ctx, name)
	return ctx, &otelSpanWrapper{span: otelSpan}
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attributes...))
}

// SetSpanStatus marks the current span as errored, if err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attributes...)
}

// RecordSpanError records an error on the current span without also
// changing its status — used for a retried-but-not-yet-terminal handler
// failure, where the overall span may still end successfully.
func RecordSpanError(ctx context.Context, err error, options ...trace.EventOption) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, options...)
}

// TraceStreamEntry starts a span around one stream worker entry's
// processing, tagged with the service and stream it was read from.
func TraceStreamEntry(ctx context.Context, service, stream string, deliveryCount int64) (context.Context, Span) {
	ctx, span := StartSpan(ctx, "streamworker.process_entry")
	span.SetAttribute(string(ActionServiceAttributeKey), service)
	span.SetAttribute(string(StreamAttributeKey), stream)
	span.SetAttribute(string(DeliveryCountAttributeKey), deliveryCount)
	return ctx, span
}

// TraceActionSend starts a span around a Domain-Action Client append call.
func TraceActionSend(ctx context.Context, actionType, targetService string) (context.Context, Span) {
	ctx, span := StartSpan(ctx, "action.send")
	span.SetAttribute(string(ActionTypeAttributeKey), actionType)
	span.SetAttribute(string(ActionServiceAttributeKey), targetService)
	return ctx, span
}

// TraceTierCheck starts a span around a Tier Policy Engine validation.
func TraceTierCheck(ctx context.Context, resource string) (context.Context, Span) {
	ctx, span := StartSpan(ctx, "tier.validate")
	span.SetAttribute(string(TierResourceAttributeKey), resource)
	return ctx, span
}
