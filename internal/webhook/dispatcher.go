// Package webhook implements the webhook dispatcher (C7): signed POST
// delivery to an agent's configured webhook URL, retried with exponential
// backoff and full jitter, dead-lettering on exhaustion. Grounded on the
// Generativebots webhook registry/subscription shape
// (internal/webhooks/registry.go) and its HMAC-SHA256 payload signing
// (internal/federation/crypto.go), with retry expressed via the teacher's
// own indirect cenkalti/backoff dependency.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/observability"
	"github.com/agentdispatch/hub/internal/storage"
)

// MaxAttempts is the default ceiling on delivery attempts before a job is
// dead-lettered (spec.md §4.7, overridable via Config.MaxAttempts).
const MaxAttempts = 8

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 10 * time.Minute
)

// MessageLookup resolves a message id to its stored envelope, used to build
// the webhook payload. Implemented by the inbox engine's storage access.
type MessageLookup func(ctx context.Context, messageID string) (*model.MessageState, error)

// AgentWebhook resolves an agent id to its webhook URL and signing secret.
type AgentWebhook func(ctx context.Context, agentID string) (url, secret string, err error)

// Dispatcher pulls due webhook_queue jobs and delivers them.
type Dispatcher struct {
	store       storage.Store
	lookupMsg   MessageLookup
	lookupAgent AgentWebhook
	httpClient  *http.Client
	maxAttempts int
	metrics     *observability.MetricsManager
	tracer      *observability.TraceManager
	logger      *slog.Logger
}

// Config bundles Dispatcher's constructor parameters.
type Config struct {
	Store       storage.Store
	LookupMsg   MessageLookup
	LookupAgent AgentWebhook
	MaxAttempts int
	Metrics     *observability.MetricsManager
	Tracer      *observability.TraceManager
	Logger      *slog.Logger
}

// New builds a webhook Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:       cfg.Store,
		lookupMsg:   cfg.LookupMsg,
		lookupAgent: cfg.LookupAgent,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: cfg.MaxAttempts,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
	}
}

// Enqueue persists a new webhook delivery job, due immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, job *model.WebhookJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	return d.store.Put(ctx, storage.CollectionWebhookQueue, job.ID, job, true)
}

// payload is the JSON body POSTed to the webhook URL (spec.md §4.7).
// Signature is the hex HMAC-SHA256 over the canonicalized payload with
// this field excluded entirely (unsignedPayload), computed by
// signPayload and set just before the body is sent.
type payload struct {
	Event       string         `json:"event"`
	MessageID   string         `json:"message_id"`
	DeliveredAt time.Time      `json:"delivered_at"`
	Envelope    model.Envelope `json:"envelope"`
	Signature   string         `json:"signature"`
}

// unsignedPayload mirrors payload's fields minus Signature, so the HMAC is
// computed over the body with that field excluded rather than present-but-
// empty.
type unsignedPayload struct {
	Event       string         `json:"event"`
	MessageID   string         `json:"message_id"`
	DeliveredAt time.Time      `json:"delivered_at"`
	Envelope    model.Envelope `json:"envelope"`
}

// RunOnce pulls and attempts delivery of up to limit due jobs. It is called
// by the sweeper or a dedicated worker loop; it never blocks waiting for
// new jobs to appear.
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) (attempted int, err error) {
	now := time.Now().UTC()
	cursor := ""
	for attempted < limit {
		filter := storage.Filter{
			Decode: decodeJob,
			Match: func(v interface{}) bool {
				j := v.(*model.WebhookJob)
				return !j.Terminal && !j.NextAttemptAt.After(now)
			},
		}

		claimed, cerr := d.store.Claim(ctx, storage.CollectionWebhookQueue, "", filter, func(v interface{}) (interface{}, error) {
			j := v.(*model.WebhookJob)
			j.Attempts++
			return j, nil
		})
		if cerr != nil {
			if model.KindOf(cerr) == model.ErrMessageNotFound {
				return attempted, nil
			}
			return attempted, cerr
		}

		job := claimed.(*model.WebhookJob)
		attempted++
		d.deliver(ctx, job)
	}
	return attempted, nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *model.WebhookJob) {
	if d.tracer != nil {
		var sp trace.Span
		ctx, sp = d.tracer.StartWebhookSpan(ctx, job.RecipientID, job.MessageID, job.Attempts)
		defer sp.End()
	}
	if d.metrics != nil {
		d.metrics.IncrementWebhookAttempts(ctx, job.RecipientID)
	}

	start := time.Now()
	status, deliverErr := d.attempt(ctx, job)
	if d.metrics != nil {
		d.metrics.RecordWebhookDeliveryDuration(ctx, job.RecipientID, time.Since(start))
	}

	job.LastStatus = status
	if deliverErr != nil {
		job.LastError = deliverErr.Error()
	} else {
		job.LastError = ""
	}

	switch {
	case status >= 200 && status < 300:
		job.Terminal = true
		if d.metrics != nil {
			d.metrics.IncrementWebhookSuccess(ctx, job.RecipientID)
		}
		d.logger.InfoContext(ctx, "webhook delivered", "message_id", job.MessageID, "recipient", job.RecipientID, "attempts", job.Attempts)
	case isTerminalClientError(status):
		job.Terminal = true
		if d.metrics != nil {
			d.metrics.IncrementWebhookDeadLetter(ctx, job.RecipientID)
		}
		d.logger.WarnContext(ctx, "webhook terminally rejected", "message_id", job.MessageID, "status", status)
	case job.Attempts >= d.maxAttempts:
		job.Terminal = true
		if d.metrics != nil {
			d.metrics.IncrementWebhookDeadLetter(ctx, job.RecipientID)
		}
		d.logger.WarnContext(ctx, "webhook dead-lettered after max attempts", "message_id", job.MessageID, "attempts", job.Attempts)
	default:
		job.NextAttemptAt = time.Now().UTC().Add(nextBackoff(job.Attempts))
	}

	if err := d.store.Put(ctx, storage.CollectionWebhookQueue, job.ID, job, false); err != nil {
		d.logger.ErrorContext(ctx, "failed to persist webhook job state", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job *model.WebhookJob) (statusCode int, err error) {
	msg, err := d.lookupMsg(ctx, job.MessageID)
	if err != nil {
		return 0, err
	}

	url, secret, err := d.lookupAgent(ctx, job.RecipientID)
	if err != nil {
		return 0, err
	}
	if url == "" {
		return 0, fmt.Errorf("recipient %s has no webhook configured", job.RecipientID)
	}

	deliveredAt := time.Now().UTC()
	unsigned, err := json.Marshal(unsignedPayload{
		Event:       "message.delivered",
		MessageID:   job.MessageID,
		DeliveredAt: deliveredAt,
		Envelope:    msg.Envelope,
	})
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(payload{
		Event:       "message.delivered",
		MessageID:   job.MessageID,
		DeliveredAt: deliveredAt,
		Envelope:    msg.Envelope,
		Signature:   signPayload(unsigned, secret),
	})
	if err != nil {
		return 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// signPayload returns the hex HMAC-SHA256 of body using secret, the
// webhook payload signature the recipient verifies on its side.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func isTerminalClientError(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// nextBackoff returns the delay before the attempt-th+1 retry: exponential
// from initialBackoff, capped at maxBackoff, with full jitter. A fresh
// backoff.ExponentialBackOff is built on every call and stepped attempt
// times, so each job's delay is computed from its persisted attempt count
// rather than from a backoff.BackOff instance kept across attempts (which
// cannot survive a process restart between attempts).
func nextBackoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialBackoff,
		RandomizationFactor: 1.0, // full jitter
		Multiplier:          2.0,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:       0,
		Clock:                backoff.SystemClock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func decodeJob(raw []byte) (interface{}, error) {
	var j model.WebhookJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
