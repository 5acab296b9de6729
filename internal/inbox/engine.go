// Package inbox implements the inbox engine (C4): direct send, lease-based
// pull, ack, nack/requeue, idempotency, and reply correlation. It is the
// largest core component (spec.md §2 gives it 25% of the core), grounded on
// the teacher's EventBusService routing shape (internal/agenthub/broker.go)
// generalized from gRPC-streamed pub/sub to lease-pull-over-storage.
package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentdispatch/hub/internal/ephemeral"
	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/observability"
	"github.com/agentdispatch/hub/internal/storage"
)

const (
	// MinTTLSec and MaxTTLSec bound an envelope's requested ttl_sec.
	MinTTLSec = 1
	MaxTTLSec = 7 * 24 * 3600

	// DefaultLeaseSeconds and MaxLeaseSeconds bound Pull's lease_seconds.
	DefaultLeaseSeconds = 30
	MaxLeaseSeconds      = 300

	// DefaultTTLSeconds is the envelope ttl_sec fallback used when
	// Config.DefaultTTLSec is unset, matching spec.md §6's documented
	// MESSAGE_TTL_SEC default.
	DefaultTTLSeconds = 86400
)

// AgentLookup resolves an agent id to its record, used to validate
// recipients exist and to discover a configured webhook for enqueueing a
// delivery job. Implemented by registry.Registry.
type AgentLookup func(ctx context.Context, agentID string) (*model.Agent, error)

// Engine implements the inbox send/pull/ack/nack/reply surface.
type Engine struct {
	store               storage.Store
	lookupAgent         AgentLookup
	maxDeliveryAttempts int
	defaultLeaseSec     int
	defaultTTLSec       int
	metrics             *observability.MetricsManager
	tracer              *observability.TraceManager
	logger              *slog.Logger
	enqueueWebhook      func(ctx context.Context, job *model.WebhookJob) error
}

// Config bundles Engine's constructor parameters.
type Config struct {
	Store               storage.Store
	LookupAgent         AgentLookup
	MaxDeliveryAttempts int
	DefaultLeaseSec     int
	// DefaultTTLSec is the envelope ttl_sec applied when a send omits one,
	// sourced from config.AppConfig.MessageTTLSec (spec.md §6
	// MESSAGE_TTL_SEC).
	DefaultTTLSec int
	Metrics       *observability.MetricsManager
	Tracer        *observability.TraceManager
	Logger        *slog.Logger
	// EnqueueWebhook is called after a message is persisted for a
	// recipient with a configured webhook. May be nil if the webhook
	// dispatcher is not wired (e.g. in tests).
	EnqueueWebhook func(ctx context.Context, job *model.WebhookJob) error
}

// New builds an inbox Engine.
func New(cfg Config) *Engine {
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 10
	}
	if cfg.DefaultLeaseSec <= 0 {
		cfg.DefaultLeaseSec = DefaultLeaseSeconds
	}
	if cfg.DefaultTTLSec <= 0 {
		cfg.DefaultTTLSec = DefaultTTLSeconds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:               cfg.Store,
		lookupAgent:         cfg.LookupAgent,
		maxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		defaultLeaseSec:     cfg.DefaultLeaseSec,
		defaultTTLSec:       cfg.DefaultTTLSec,
		metrics:             cfg.Metrics,
		tracer:              cfg.Tracer,
		logger:              cfg.Logger,
		enqueueWebhook:      cfg.EnqueueWebhook,
	}
}

// SendInput is the caller-supplied envelope for a direct send. Signature
// verification happens before Send is called (it is the HTTP edge /
// signature.Verifier's job); Send assumes the caller already authenticated
// the sender when registered.
type SendInput struct {
	Envelope model.Envelope
}

// Send validates and persists a direct message for envelope.To, dedupes by
// (From, IdempotencyKey), and enqueues a webhook job if the recipient has
// one configured.
func (e *Engine) Send(ctx context.Context, env model.Envelope) (messageID string, err error) {
	if e.metrics != nil {
		stop := e.metrics.StartTimer()
		defer stop(ctx, "send")
	}

	if err := e.validateEnvelope(&env); err != nil {
		return "", err
	}

	recipient, err := e.lookupAgent(ctx, env.To)
	if err != nil {
		return "", model.WrapError(model.ErrAgentNotFound, err, "recipient %q not found", env.To)
	}
	if recipient.Status == model.AgentDeregistered {
		return "", model.NewError(model.ErrAgentNotFound, "recipient %q is deregistered", env.To)
	}

	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	if env.IdempotencyKey != "" {
		if existingID, isNew, dupErr := e.dedupe(ctx, env); dupErr != nil {
			return "", dupErr
		} else if !isNew {
			return existingID, nil
		}
	}

	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	now := time.Now().UTC()
	state := &model.MessageState{
		Envelope:   env,
		Recipient:  env.To,
		Status:     model.StatusDelivered,
		InsertedAt: now,
		ExpiresAt:  now.Add(time.Duration(env.TTLSec) * time.Second),
	}

	if err := e.store.Put(ctx, storage.CollectionMessages, env.ID, state, true); err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.IncrementMessagesSent(ctx, env.Type)
	}
	e.logger.InfoContext(ctx, "message sent", "message_id", env.ID, "from", env.From, "to", env.To, "type", env.Type)

	if recipient.WebhookURL != "" && e.enqueueWebhook != nil {
		job := &model.WebhookJob{
			ID:            uuid.NewString(),
			MessageID:     env.ID,
			RecipientID:   env.To,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := e.enqueueWebhook(ctx, job); err != nil {
			// Webhook failures never surface to the sender (spec.md §7);
			// log and continue, the message is still in the inbox.
			e.logger.ErrorContext(ctx, "failed to enqueue webhook job", "message_id", env.ID, "error", err)
		}
	}

	return env.ID, nil
}

func (e *Engine) dedupe(ctx context.Context, env model.Envelope) (existingID string, isNew bool, err error) {
	// The server-assigned id differs on every send, so it is left out of the
	// hash that decides whether two sends carried the same envelope.
	hashed := env
	hashed.ID = ""
	raw, err := json.Marshal(hashed)
	if err != nil {
		return "", false, model.WrapError(model.ErrInternal, err, "encode envelope for idempotency check")
	}
	bodyHash := hashBytes(raw)

	indexKey := env.From + "\x00" + env.IdempotencyKey
	stored, created, err := e.store.PutIfAbsentIndex(ctx, "idempotency", indexKey, env.ID+"\x00"+bodyHash)
	if err != nil {
		return "", false, err
	}
	if created {
		return "", true, nil
	}

	parts := splitOnce(stored)
	priorID, priorHash := parts[0], parts[1]
	if priorHash != bodyHash {
		return "", false, model.NewError(model.ErrConflict, "idempotency_key %q already used with a different body", env.IdempotencyKey)
	}
	return priorID, false, nil
}

// Pull atomically claims the oldest deliverable message for recipient,
// setting status=leased. Returns (nil, nil) when the inbox has nothing to
// deliver (the "204"/inbox-empty sentinel).
func (e *Engine) Pull(ctx context.Context, recipient string, leaseSeconds int) (*model.MessageState, error) {
	if e.metrics != nil {
		stop := e.metrics.StartTimer()
		defer stop(ctx, "pull")
	}

	if leaseSeconds <= 0 {
		leaseSeconds = e.defaultLeaseSec
	}
	if leaseSeconds > MaxLeaseSeconds {
		leaseSeconds = MaxLeaseSeconds
	}
	lease := time.Duration(leaseSeconds) * time.Second

	filter := storage.Filter{
		Decode: decodeMessageState,
		Match: func(v interface{}) bool {
			s := v.(*model.MessageState)
			return s.Recipient == recipient &&
				(s.Status == model.StatusDelivered || s.Status == model.StatusQueued)
		},
	}

	now := time.Now().UTC()
	claimed, err := e.store.Claim(ctx, storage.CollectionMessages, "", filter, func(v interface{}) (interface{}, error) {
		s := v.(*model.MessageState)
		s.Status = model.StatusLeased
		s.LeasedUntil = now.Add(lease)
		s.DeliveryAttempts++
		// The sweeper purges ephemeral bodies once per tick; a pull landing
		// between elapse and the next tick must not hand back a body whose
		// TTL has already passed, so the same check runs here, eagerly,
		// inside the same atomic claim.
		if ephemeral.ShouldPurge(s, now) {
			ephemeral.Purge(s, now)
		}
		return s, nil
	})
	if err != nil {
		if model.KindOf(err) == model.ErrMessageNotFound {
			return nil, nil
		}
		return nil, err
	}

	state := claimed.(*model.MessageState)

	if e.metrics != nil {
		e.metrics.IncrementMessagesPulled(ctx, recipient)
	}
	e.logger.InfoContext(ctx, "message pulled", "message_id", state.Envelope.ID, "recipient", recipient, "attempt", state.DeliveryAttempts)

	return state, nil
}

// Ack marks a leased message acked by its current holder, optionally
// recording a result payload. Only callable within the lease window.
func (e *Engine) Ack(ctx context.Context, recipient, messageID string, result json.RawMessage) error {
	return e.mutateLeased(ctx, recipient, messageID, func(s *model.MessageState) error {
		s.Status = model.StatusAcked
		s.Result = result
		s.TerminalAt = time.Now().UTC()
		if e.metrics != nil {
			e.metrics.IncrementMessagesAcked(ctx, recipient)
		}
		return nil
	})
}

// NackMode selects between requeue (immediate retry eligibility) and
// extend (push the lease forward without losing the lease).
type NackMode string

const (
	NackRequeue NackMode = "requeue"
	NackExtend  NackMode = "extend"
)

// Nack requeues or extends the lease on a message the caller currently
// holds. A requeue of a message whose delivery_attempts has already reached
// the engine's max-delivery-attempts ceiling dead-letters it instead.
func (e *Engine) Nack(ctx context.Context, recipient, messageID string, mode NackMode, extendSeconds int) error {
	return e.mutateLeased(ctx, recipient, messageID, func(s *model.MessageState) error {
		switch mode {
		case NackExtend:
			if extendSeconds <= 0 {
				extendSeconds = e.defaultLeaseSec
			}
			s.LeasedUntil = s.LeasedUntil.Add(time.Duration(extendSeconds) * time.Second)
		default:
			if s.DeliveryAttempts >= e.maxDeliveryAttempts {
				s.Status = model.StatusDead
				s.TerminalAt = time.Now().UTC()
				if e.metrics != nil {
					e.metrics.IncrementMessagesDead(ctx, 1)
				}
			} else {
				s.Status = model.StatusQueued
				s.LeasedUntil = time.Time{}
			}
		}
		if e.metrics != nil {
			e.metrics.IncrementMessagesNacked(ctx, recipient, string(mode))
		}
		return nil
	})
}

func (e *Engine) mutateLeased(ctx context.Context, recipient, messageID string, mutate func(*model.MessageState) error) error {
	var state model.MessageState
	if err := e.store.Get(ctx, storage.CollectionMessages, messageID, &state); err != nil {
		return err
	}
	if state.Recipient != recipient {
		return model.NewError(model.ErrMessageNotFound, "message %q not found for recipient %q", messageID, recipient)
	}
	if state.Status != model.StatusLeased {
		return model.NewError(model.ErrLeaseExpired, "message %q is not currently leased", messageID)
	}
	if time.Now().UTC().After(state.LeasedUntil) {
		return model.NewError(model.ErrLeaseExpired, "lease on message %q has expired", messageID)
	}

	if err := mutate(&state); err != nil {
		return err
	}

	return e.store.Put(ctx, storage.CollectionMessages, messageID, &state, false)
}

// Reply clones the original message's correlation id, sets reply_to, routes
// the new envelope to the original sender via Send, and auto-acks the
// original.
func (e *Engine) Reply(ctx context.Context, recipient, originalMessageID string, reply model.Envelope) (string, error) {
	var original model.MessageState
	if err := e.store.Get(ctx, storage.CollectionMessages, originalMessageID, &original); err != nil {
		return "", err
	}
	if original.Recipient != recipient {
		return "", model.NewError(model.ErrMessageNotFound, "message %q not found for recipient %q", originalMessageID, recipient)
	}

	correlationID := original.Envelope.CorrelationID
	if correlationID == "" {
		correlationID = original.Envelope.ID
	}

	reply.CorrelationID = correlationID
	reply.ReplyTo = original.Envelope.ID
	reply.From = recipient
	reply.To = original.Envelope.From

	replyID, err := e.Send(ctx, reply)
	if err != nil {
		return "", err
	}

	if err := e.Ack(ctx, recipient, originalMessageID, nil); err != nil {
		e.logger.WarnContext(ctx, "failed to auto-ack replied message", "message_id", originalMessageID, "error", err)
	}

	return replyID, nil
}

// Get returns a message's full state by id, regardless of recipient or
// lease status. Used by the webhook dispatcher to build delivery payloads.
func (e *Engine) Get(ctx context.Context, messageID string) (*model.MessageState, error) {
	var state model.MessageState
	if err := e.store.Get(ctx, storage.CollectionMessages, messageID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Stats returns message counts by status for recipient's inbox.
func (e *Engine) Stats(ctx context.Context, recipient string) (map[model.MessageStatus]int, error) {
	counts := make(map[model.MessageStatus]int)
	cursor := ""
	for {
		items, next, more, err := e.store.List(ctx, storage.CollectionMessages, storage.Filter{
			Decode: decodeMessageState,
			Match: func(v interface{}) bool {
				return v.(*model.MessageState).Recipient == recipient
			},
		}, storage.MaxListPage, cursor)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			counts[it.(*model.MessageState).Status]++
		}
		if !more {
			break
		}
		cursor = next
	}
	return counts, nil
}

// Reclaim forces immediate lease reclamation for recipient's expired
// leases, exposed as the operator-triggered POST /inbox/reclaim in
// addition to the automatic sweeper phase (spec.md §6 lists it under
// "(ops)").
func (e *Engine) Reclaim(ctx context.Context, recipient string) (reclaimed int, err error) {
	now := time.Now().UTC()
	for {
		filter := storage.Filter{
			Decode: decodeMessageState,
			Match: func(v interface{}) bool {
				s := v.(*model.MessageState)
				return (recipient == "" || s.Recipient == recipient) &&
					s.Status == model.StatusLeased && now.After(s.LeasedUntil)
			},
		}
		_, err := e.store.Claim(ctx, storage.CollectionMessages, "", filter, func(v interface{}) (interface{}, error) {
			s := v.(*model.MessageState)
			s.ReclaimCount++
			if s.ReclaimCount >= e.maxDeliveryAttempts {
				s.Status = model.StatusDead
				s.TerminalAt = now
			} else {
				s.Status = model.StatusQueued
				s.LeasedUntil = time.Time{}
			}
			return s, nil
		})
		if err != nil {
			if model.KindOf(err) == model.ErrMessageNotFound {
				return reclaimed, nil
			}
			return reclaimed, err
		}
		reclaimed++
	}
}

// CascadeDelete removes every message in recipient's inbox, used by the
// registry on deregister.
func (e *Engine) CascadeDelete(ctx context.Context, recipient string) error {
	cursor := ""
	for {
		items, next, more, err := e.store.List(ctx, storage.CollectionMessages, storage.Filter{
			Decode: decodeMessageState,
			Match: func(v interface{}) bool {
				return v.(*model.MessageState).Recipient == recipient
			},
		}, storage.MaxListPage, cursor)
		if err != nil {
			return err
		}
		for _, it := range items {
			s := it.(*model.MessageState)
			if err := e.store.Delete(ctx, storage.CollectionMessages, s.Envelope.ID); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) validateEnvelope(env *model.Envelope) error {
	if env.From == "" {
		return model.NewError(model.ErrInvalidEnvelope, "from is required")
	}
	if env.To == "" {
		return model.NewError(model.ErrInvalidEnvelope, "to is required")
	}
	if env.Type == "" {
		return model.NewError(model.ErrInvalidEnvelope, "type is required")
	}
	if env.TTLSec == 0 {
		env.TTLSec = e.defaultTTLSec
	}
	if env.TTLSec < MinTTLSec || env.TTLSec > MaxTTLSec {
		return model.NewError(model.ErrTTLOutOfRange, "ttl_sec %d out of range [%d, %d]", env.TTLSec, MinTTLSec, MaxTTLSec)
	}
	return nil
}

func decodeMessageState(raw []byte) (interface{}, error) {
	var s model.MessageState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func splitOnce(s string) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}
