package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager exposes the hub's OpenTelemetry instruments. One instance is
// shared across inbox, group, webhook and sweeper components.
type MetricsManager struct {
	meter metric.Meter

	// Inbox metrics
	messagesSentTotal   metric.Int64Counter
	messagesPulledTotal metric.Int64Counter
	messagesAckedTotal  metric.Int64Counter
	messagesNackedTotal metric.Int64Counter
	messagesExpiredTotal metric.Int64Counter
	messagesDeadTotal   metric.Int64Counter
	inboxOperationDuration metric.Float64Histogram

	// System metrics
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Webhook metrics
	webhookAttemptsTotal    metric.Int64Counter
	webhookSuccessTotal     metric.Int64Counter
	webhookDeadLetterTotal  metric.Int64Counter
	webhookDeliveryDuration metric.Float64Histogram

	// Sweeper metrics
	sweeperPhaseDuration metric.Float64Histogram
	sweeperPhaseErrors   metric.Int64Counter

	// Agent metrics
	agentsOnline metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.messagesSentTotal, err = meter.Int64Counter(
		"hub_messages_sent_total",
		metric.WithDescription("Total number of messages accepted by send/post"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.messagesPulledTotal, err = meter.Int64Counter(
		"hub_messages_pulled_total",
		metric.WithDescription("Total number of messages leased via pull"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.messagesAckedTotal, err = meter.Int64Counter(
		"hub_messages_acked_total",
		metric.WithDescription("Total number of messages acked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.messagesNackedTotal, err = meter.Int64Counter(
		"hub_messages_nacked_total",
		metric.WithDescription("Total number of messages nacked (requeued or extended)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.messagesExpiredTotal, err = meter.Int64Counter(
		"hub_messages_expired_total",
		metric.WithDescription("Total number of messages transitioned to expired"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.messagesDeadTotal, err = meter.Int64Counter(
		"hub_messages_dead_total",
		metric.WithDescription("Total number of messages transitioned to dead"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.inboxOperationDuration, err = meter.Float64Histogram(
		"hub_inbox_operation_duration_seconds",
		metric.WithDescription("Inbox engine operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.webhookAttemptsTotal, err = meter.Int64Counter(
		"hub_webhook_attempts_total",
		metric.WithDescription("Total number of webhook delivery attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.webhookSuccessTotal, err = meter.Int64Counter(
		"hub_webhook_success_total",
		metric.WithDescription("Total number of successful webhook deliveries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.webhookDeadLetterTotal, err = meter.Int64Counter(
		"hub_webhook_dead_letter_total",
		metric.WithDescription("Total number of webhook jobs moved to dead-letter"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.webhookDeliveryDuration, err = meter.Float64Histogram(
		"hub_webhook_delivery_duration_seconds",
		metric.WithDescription("Webhook POST round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.sweeperPhaseDuration, err = meter.Float64Histogram(
		"hub_sweeper_phase_duration_seconds",
		metric.WithDescription("Sweeper phase execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.sweeperPhaseErrors, err = meter.Int64Counter(
		"hub_sweeper_phase_errors_total",
		metric.WithDescription("Total number of errors recovered from a sweeper phase"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.agentsOnline, err = meter.Int64UpDownCounter(
		"hub_agents_online",
		metric.WithDescription("Current number of agents with status=online"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Inbox metrics methods

func (mm *MetricsManager) IncrementMessagesSent(ctx context.Context, msgType string) {
	mm.messagesSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (mm *MetricsManager) IncrementMessagesPulled(ctx context.Context, recipient string) {
	mm.messagesPulledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("recipient", recipient)))
}

func (mm *MetricsManager) IncrementMessagesAcked(ctx context.Context, recipient string) {
	mm.messagesAckedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("recipient", recipient)))
}

func (mm *MetricsManager) IncrementMessagesNacked(ctx context.Context, recipient, mode string) {
	mm.messagesNackedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recipient", recipient),
		attribute.String("mode", mode),
	))
}

func (mm *MetricsManager) IncrementMessagesExpired(ctx context.Context, n int64) {
	mm.messagesExpiredTotal.Add(ctx, n)
}

func (mm *MetricsManager) IncrementMessagesDead(ctx context.Context, n int64) {
	mm.messagesDeadTotal.Add(ctx, n)
}

func (mm *MetricsManager) RecordInboxOperationDuration(ctx context.Context, op string, duration time.Duration) {
	mm.inboxOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
	))
}

// System metrics methods

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// Webhook metrics methods

func (mm *MetricsManager) IncrementWebhookAttempts(ctx context.Context, agentID string) {
	mm.webhookAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (mm *MetricsManager) IncrementWebhookSuccess(ctx context.Context, agentID string) {
	mm.webhookSuccessTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (mm *MetricsManager) IncrementWebhookDeadLetter(ctx context.Context, agentID string) {
	mm.webhookDeadLetterTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (mm *MetricsManager) RecordWebhookDeliveryDuration(ctx context.Context, agentID string, duration time.Duration) {
	mm.webhookDeliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("agent_id", agentID),
	))
}

// Sweeper metrics methods

func (mm *MetricsManager) RecordSweeperPhaseDuration(ctx context.Context, phase string, duration time.Duration) {
	mm.sweeperPhaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
	))
}

func (mm *MetricsManager) IncrementSweeperPhaseErrors(ctx context.Context, phase string) {
	mm.sweeperPhaseErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// Agent metrics methods

func (mm *MetricsManager) SetAgentsOnlineDelta(ctx context.Context, delta int64) {
	mm.agentsOnline.Add(ctx, delta)
}

// StartTimer returns a helper that records an inbox operation's duration
// when called.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, op string) {
	start := time.Now()
	return func(ctx context.Context, op string) {
		mm.RecordInboxOperationDuration(ctx, op, time.Since(start))
	}
}
