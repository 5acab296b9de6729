// Package sweeper implements the background sweeper loop (C8): a single
// periodic task that, every tick, runs lease reclamation, expiration,
// cleanup, ephemeral purge, and heartbeat-timeout checks in order.
// Grounded on the teacher's MetricsTicker (internal/agenthub/metrics.go), a
// clean time.Ticker-driven loop, generalized from a one-shot metrics
// snapshot to five ordered maintenance phases.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentdispatch/hub/internal/ephemeral"
	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/observability"
	"github.com/agentdispatch/hub/internal/storage"
)

// CleanupRetention is how long a terminal-state message is kept (for
// polling/history) before phase 3 hard-deletes it.
const CleanupRetention = time.Hour

// AgentOffliner is implemented by registry.Registry; kept as a narrow
// interface so the sweeper does not need the whole registry surface.
type AgentOffliner interface {
	MarkOffline(ctx context.Context, agentID string) error
}

// WebhookRunner is implemented by webhook.Dispatcher.
type WebhookRunner interface {
	RunOnce(ctx context.Context, limit int) (int, error)
}

// Sweeper owns the ticker-driven maintenance loop.
type Sweeper struct {
	store               storage.Store
	agents              AgentOffliner
	webhooks            WebhookRunner
	interval            time.Duration
	maxDeliveryAttempts int
	heartbeatTimeout    time.Duration
	metrics             *observability.MetricsManager
	tracer              *observability.TraceManager
	logger              *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// Config bundles Sweeper's constructor parameters.
type Config struct {
	Store               storage.Store
	Agents              AgentOffliner
	Webhooks            WebhookRunner
	Interval            time.Duration
	MaxDeliveryAttempts int
	HeartbeatTimeout    time.Duration
	Metrics             *observability.MetricsManager
	Tracer              *observability.TraceManager
	Logger              *slog.Logger
}

// New builds a Sweeper. Call Start to begin ticking.
func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 10
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:               cfg.Store,
		agents:              cfg.Agents,
		webhooks:            cfg.Webhooks,
		interval:            cfg.Interval,
		maxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		metrics:             cfg.Metrics,
		tracer:              cfg.Tracer,
		logger:              cfg.Logger,
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start runs the sweeper loop until ctx is canceled or Stop is called. It
// is meant to be run in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// tick runs the five phases in order. A panic or error in one phase is
// recovered, logged, and does not block the next phase or the next tick
// (spec.md §4.8, §7).
func (s *Sweeper) tick(ctx context.Context) {
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"lease_reclamation", s.reclaimLeases},
		{"expiration", s.expireMessages},
		{"cleanup", s.cleanupTerminal},
		{"ephemeral_purge", s.purgeEphemeral},
		{"heartbeat_check", s.checkHeartbeats},
	}

	for _, phase := range phases {
		s.runPhase(ctx, phase.name, phase.run)
	}

	if s.webhooks != nil {
		if _, err := s.webhooks.RunOnce(ctx, storage.MaxListPage); err != nil {
			s.logger.ErrorContext(ctx, "webhook dispatch pass failed", "error", err)
		}
	}
}

func (s *Sweeper) runPhase(ctx context.Context, name string, run func(context.Context) error) {
	start := time.Now()

	if s.tracer != nil {
		var sp trace.Span
		ctx, sp = s.tracer.StartSweeperSpan(ctx, name)
		defer sp.End()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "sweeper phase panicked", "phase", name, "recovered", r)
			if s.metrics != nil {
				s.metrics.IncrementSweeperPhaseErrors(ctx, name)
			}
		}
		if s.metrics != nil {
			s.metrics.RecordSweeperPhaseDuration(ctx, name, time.Since(start))
		}
	}()

	if err := run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweeper phase failed", "phase", name, "error", err)
		if s.metrics != nil {
			s.metrics.IncrementSweeperPhaseErrors(ctx, name)
		}
	}
}

// reclaimLeases: status=leased && leased_until<now -> queued (or dead once
// the incremented reclaim_count reaches the ceiling), paged at <=1000.
func (s *Sweeper) reclaimLeases(ctx context.Context) error {
	now := time.Now().UTC()
	return s.pageAndClaim(ctx, func(v interface{}) bool {
		msg := v.(*model.MessageState)
		return msg.Status == model.StatusLeased && now.After(msg.LeasedUntil)
	}, func(v interface{}) (interface{}, error) {
		msg := v.(*model.MessageState)
		msg.ReclaimCount++
		if msg.ReclaimCount >= s.maxDeliveryAttempts {
			msg.Status = model.StatusDead
			msg.TerminalAt = now
			if s.metrics != nil {
				s.metrics.IncrementMessagesDead(ctx, 1)
			}
		} else {
			msg.Status = model.StatusQueued
			msg.LeasedUntil = time.Time{}
		}
		return msg, nil
	})
}

// expireMessages: non-terminal && expires_at<now -> expired.
func (s *Sweeper) expireMessages(ctx context.Context) error {
	now := time.Now().UTC()
	return s.pageAndClaim(ctx, func(v interface{}) bool {
		msg := v.(*model.MessageState)
		return !msg.Status.Terminal() && now.After(msg.ExpiresAt)
	}, func(v interface{}) (interface{}, error) {
		msg := v.(*model.MessageState)
		msg.Status = model.StatusExpired
		msg.TerminalAt = now
		if s.metrics != nil {
			s.metrics.IncrementMessagesExpired(ctx, 1)
		}
		return msg, nil
	})
}

// cleanupTerminal: terminal messages whose terminal_at predates the
// retention floor are hard-deleted.
func (s *Sweeper) cleanupTerminal(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-CleanupRetention)
	cursor := ""
	for {
		items, next, more, err := s.store.List(ctx, storage.CollectionMessages, storage.Filter{
			Decode: decodeMessageState,
			Match: func(v interface{}) bool {
				msg := v.(*model.MessageState)
				return msg.Status.Terminal() && !msg.TerminalAt.IsZero() && msg.TerminalAt.Before(cutoff)
			},
		}, storage.MaxListPage, cursor)
		if err != nil {
			return err
		}
		for _, it := range items {
			msg := it.(*model.MessageState)
			if err := s.store.Delete(ctx, storage.CollectionMessages, msg.Envelope.ID); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
		cursor = next
	}
}

// purgeEphemeral: ephemeral TTL elapsed && body still present -> clear body.
// The match/mutate pair delegates to the shared ephemeral package so this
// phase and inbox.Engine.Pull's eager purge-on-read agree on the exact
// elapsed condition.
func (s *Sweeper) purgeEphemeral(ctx context.Context) error {
	now := time.Now().UTC()
	return s.pageAndClaim(ctx, func(v interface{}) bool {
		return ephemeral.ShouldPurge(v.(*model.MessageState), now)
	}, func(v interface{}) (interface{}, error) {
		msg := v.(*model.MessageState)
		ephemeral.Purge(msg, now)
		return msg, nil
	})
}

// checkHeartbeats: agents whose last_heartbeat predates the configured
// timeout are marked offline.
func (s *Sweeper) checkHeartbeats(ctx context.Context) error {
	if s.agents == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.heartbeatTimeout)
	cursor := ""
	for {
		items, next, more, err := s.store.List(ctx, storage.CollectionAgents, storage.Filter{
			Decode: decodeAgent,
			Match: func(v interface{}) bool {
				a := v.(*model.Agent)
				return a.Status == model.AgentOnline && a.LastHeartbeat.Before(cutoff)
			},
		}, storage.MaxListPage, cursor)
		if err != nil {
			return err
		}
		for _, it := range items {
			a := it.(*model.Agent)
			if err := s.agents.MarkOffline(ctx, a.ID); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
		cursor = next
	}
}

// pageAndClaim repeatedly claims matching messages (one at a time, via
// storage.Store.Claim, so acquisition stays atomic against concurrent
// pulls/acks) until no more match or MaxListPage claims have been made this
// phase — continuing on the next tick if more remain (spec.md §4.8, §9).
func (s *Sweeper) pageAndClaim(ctx context.Context, match func(interface{}) bool, mutate func(interface{}) (interface{}, error)) error {
	filter := storage.Filter{Decode: decodeMessageState, Match: match}
	for i := 0; i < storage.MaxListPage; i++ {
		_, err := s.store.Claim(ctx, storage.CollectionMessages, "", filter, mutate)
		if err != nil {
			if model.KindOf(err) == model.ErrMessageNotFound {
				return nil
			}
			return err
		}
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

func decodeAgent(raw []byte) (interface{}, error) {
	var a model.Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
