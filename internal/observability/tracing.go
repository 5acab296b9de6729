package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartSendSpan starts a span for an inbox send/post operation.
func (tm *TraceManager) StartSendSpan(ctx context.Context, messageID, msgType, from, to string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "hub.send", trace.WithAttributes(
		attribute.String("message.id", messageID),
		attribute.String("message.type", msgType),
		attribute.String("message.from", from),
		attribute.String("message.to", to),
	))
}

// StartPullSpan starts a span for a lease-pull operation.
func (tm *TraceManager) StartPullSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "hub.pull", trace.WithAttributes(
		attribute.String("agent.id", agentID),
	))
}

// StartWebhookSpan starts a span for a webhook delivery attempt.
func (tm *TraceManager) StartWebhookSpan(ctx context.Context, agentID, messageID string, attempt int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "hub.webhook_deliver", trace.WithAttributes(
		attribute.String("messaging.system", "webhook"),
		attribute.String("agent.id", agentID),
		attribute.String("message.id", messageID),
		attribute.Int("attempt", attempt),
	))
}

// StartSweeperSpan starts a span for a single sweeper phase execution.
func (tm *TraceManager) StartSweeperSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "hub.sweeper_phase", trace.WithAttributes(
		attribute.String("sweeper.phase", phase),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(1, err.Error()) // Error status
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(2, "") // OK status
}

// AddMessageAttributes adds the envelope's body fields to a span as
// best-effort typed attributes, for debugging slow or failing sends.
func (tm *TraceManager) AddMessageAttributes(span trace.Span, messageID, msgType string, body map[string]interface{}) {
	span.SetAttributes(
		attribute.String("message.id", messageID),
		attribute.String("message.type", msgType),
	)

	for key, value := range body {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("message.body."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("message.body."+key, v))
		case int:
			span.SetAttributes(attribute.Int("message.body."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("message.body."+key, v))
		default:
			span.SetAttributes(attribute.String("message.body."+key, fmt.Sprintf("%v", v)))
		}
	}
}

// AddDeliveryResult records the terminal status of a pull/ack/nack or
// webhook delivery on its span.
func (tm *TraceManager) AddDeliveryResult(span trace.Span, status string, errorMessage string) {
	span.SetAttributes(attribute.String("delivery.status", status))

	if errorMessage != "" {
		span.SetAttributes(attribute.String("delivery.error", errorMessage))
	}
}

// AddSpanEvent adds a timestamped event to a span for tracking processing steps.
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute adds a component identifier to a span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("hub.component", component))
}
