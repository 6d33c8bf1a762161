package interceptors

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-oms/contracts"
)

const (
	tracerName = "github.com/glimte/mmate-oms/interceptors"
	spanKey    = "oms.tracing.span"
)

// TracingHandler opens a producer span per send and injects the trace
// context into the message properties
type TracingHandler struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// TracingOption configures a TracingHandler
type TracingOption func(*TracingHandler)

// WithPropagator sets the propagator used to inject trace context
func WithPropagator(p propagation.TextMapPropagator) TracingOption {
	return func(h *TracingHandler) {
		h.propagator = p
	}
}

// NewTracingHandler creates a tracing handler using tp
func NewTracingHandler(tp trace.TracerProvider, opts ...TracingOption) *TracingHandler {
	h := &TracingHandler{
		tracer:     tp.Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Handler
func (h *TracingHandler) Name() string {
	return "TracingHandler"
}

// PreHandle implements Handler
func (h *TracingHandler) PreHandle(inv *Invocation) error {
	ctx, span := h.tracer.Start(inv.Context(), "send "+inv.Destination(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", inv.Destination()),
			attribute.String("messaging.message.id", inv.MessageID()),
			attribute.String("messaging.operation", inv.Mode.String()),
			attribute.Int("messaging.message.body.size", len(inv.Message.Body)),
		),
	)
	inv.SetContext(ctx)
	inv.Set(spanKey, span)

	if inv.Message.Properties == nil {
		inv.Message.Properties = make(contracts.Properties)
	}
	h.propagator.Inject(ctx, propagation.MapCarrier(inv.Message.Properties))
	return nil
}

// PostHandle implements Handler
func (h *TracingHandler) PostHandle(inv *Invocation) {
	value, ok := inv.Get(spanKey)
	if !ok {
		return
	}
	span, ok := value.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if inv.Err != nil {
		span.RecordError(inv.Err)
		span.SetStatus(codes.Error, inv.Err.Error())
		return
	}
	for _, key := range inv.Result.MetadataKeys() {
		v, _ := inv.Result.Metadata(key)
		span.SetAttributes(attribute.String("messaging.result."+key, v))
	}
	span.SetStatus(codes.Ok, "")
}
