// Package hub wires the hub's core components into a single process: the
// storage adapter, registry, signature verifier, inbox and group engines,
// webhook dispatcher, sweeper, and stats reporter, plus the observability
// stack each of them shares. Grounded on the teacher's AgentHubServer
// composition (internal/agenthub/grpc.go), generalized from "server wrapping
// one gRPC service" to "server wrapping the whole component graph" since the
// hub has no single RPC surface to wrap.
package hub

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentdispatch/hub/internal/config"
	"github.com/agentdispatch/hub/internal/group"
	"github.com/agentdispatch/hub/internal/inbox"
	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/observability"
	"github.com/agentdispatch/hub/internal/registry"
	"github.com/agentdispatch/hub/internal/signature"
	"github.com/agentdispatch/hub/internal/stats"
	"github.com/agentdispatch/hub/internal/storage"
	"github.com/agentdispatch/hub/internal/storage/memory"
	"github.com/agentdispatch/hub/internal/storage/rediskv"
	"github.com/agentdispatch/hub/internal/sweeper"
	"github.com/agentdispatch/hub/internal/webhook"
)

// Hub owns every core component and the observability stack wiring them
// together. One Hub backs one hub process.
type Hub struct {
	Config *config.AppConfig

	Observability  *observability.Observability
	MetricsManager *observability.MetricsManager
	TraceManager   *observability.TraceManager
	HealthServer   *observability.HealthServer

	Store    storage.Store
	Registry *registry.Registry
	Verifier *signature.Verifier
	Inbox    *inbox.Engine
	Group    *group.Engine
	Webhook  *webhook.Dispatcher
	Sweeper  *sweeper.Sweeper
	Stats    *stats.Reporter

	Logger *slog.Logger
}

// New builds a fully wired Hub from cfg. It does not start the sweeper or
// any HTTP server; call Start for that.
func New(cfg *config.AppConfig) (*Hub, error) {
	obsConfig := observability.DefaultConfig(cfg.ServiceName)
	obs, err := observability.NewObservability(obsConfig)
	if err != nil {
		return nil, fmt.Errorf("initialize observability: %w", err)
	}

	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("initialize metrics manager: %w", err)
	}
	traceManager := observability.NewTraceManager(obsConfig.ServiceName)
	logger := obs.Logger

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize storage backend %q: %w", cfg.StorageBackend, err)
	}

	reg := registry.New(store, logger)

	// signature.KeyLookup has no context parameter; registry.LookupKey takes
	// one, since every other registry method threads a caller context
	// through. A background context is appropriate here: key lookup is a
	// pure storage read with no caller-scoped cancellation or deadline to
	// propagate across the signature package's synchronous interface.
	verifier := signature.New(func(keyID string) (ed25519.PublicKey, ed25519.PublicKey, bool) {
		return reg.LookupKey(context.Background(), keyID)
	}, cfg.AllowUnregisteredSenders)

	// The health/metrics server listens on its own port (PrometheusPort),
	// separate from cfg.Port, the same split the teacher's AgentHubServer
	// keeps between its gRPC port and its HealthPort — here cfg.Port is
	// free for cmd/hubd's HTTP API router instead.
	healthServer := observability.NewHealthServer(cfg.PrometheusPort, cfg.ServiceName, cfg.ServiceVersion)
	healthServer.AddChecker("storage", observability.NewStorageHealthChecker("storage", store.Ping))

	h := &Hub{
		Config:         cfg,
		Observability:  obs,
		MetricsManager: metricsManager,
		TraceManager:   traceManager,
		HealthServer:   healthServer,
		Store:          store,
		Registry:       reg,
		Verifier:       verifier,
		Stats:          stats.New(store),
		Logger:         logger,
	}

	// h.Webhook.Enqueue is referenced by inbox.Engine.Send, but the
	// Dispatcher itself needs h.Inbox.Get to look up a message's envelope —
	// a genuine mutual dependency between "deliver" and "push once
	// delivered." Broken with a forward-declared variable closed over by the
	// Engine's EnqueueWebhook callback, set once the Dispatcher exists,
	// rather than an import cycle between the two packages.
	var webhookDispatcher *webhook.Dispatcher

	h.Inbox = inbox.New(inbox.Config{
		Store:               store,
		LookupAgent:         reg.Get,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		DefaultLeaseSec:     cfg.DefaultLeaseSec,
		DefaultTTLSec:       cfg.MessageTTLSec,
		Metrics:             metricsManager,
		Tracer:              traceManager,
		Logger:              logger,
		EnqueueWebhook: func(ctx context.Context, job *model.WebhookJob) error {
			return webhookDispatcher.Enqueue(ctx, job)
		},
	})

	webhookDispatcher = webhook.New(webhook.Config{
		Store:       store,
		LookupMsg:   h.Inbox.Get,
		LookupAgent: reg.WebhookConfig,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Metrics:     metricsManager,
		Tracer:      traceManager,
		Logger:      logger,
	})
	h.Webhook = webhookDispatcher

	h.Group = group.New(store, h.Inbox, logger, cfg.MessageTTLSec)

	h.Sweeper = sweeper.New(sweeper.Config{
		Store:               store,
		Agents:              reg,
		Webhooks:            h.Webhook,
		Interval:            cfg.CleanupInterval(),
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		HeartbeatTimeout:    cfg.HeartbeatTimeout(),
		Metrics:             metricsManager,
		Tracer:              traceManager,
		Logger:              logger,
	})

	return h, nil
}

func newStore(cfg *config.AppConfig) (storage.Store, error) {
	if cfg.UsesExternalStore() {
		return rediskv.New(rediskv.Config{
			URL:    cfg.ExternalStoreURL,
			AppID:  cfg.ExternalStoreAppID,
			APIKey: cfg.ExternalStoreAPIKey,
		})
	}
	return memory.New(), nil
}

// Start begins the sweeper loop and the health/metrics HTTP server. It
// blocks until ctx is canceled or the health server fails.
func (h *Hub) Start(ctx context.Context) error {
	go h.Sweeper.Start(ctx)

	h.Logger.InfoContext(ctx, "hub health server starting",
		"port", h.Config.PrometheusPort,
		"health_endpoint", fmt.Sprintf("http://localhost:%s/health", h.Config.PrometheusPort),
	)
	return h.HealthServer.Start(ctx)
}

// Shutdown stops the sweeper and flushes observability exporters, giving
// in-flight work up to the supplied context's deadline to finish — the same
// stop-accepting/drain/flush shape as the teacher's AgentHubServer.Shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Logger.InfoContext(ctx, "shutting down hub")

	h.Sweeper.Stop()

	if err := h.HealthServer.Shutdown(ctx); err != nil {
		h.Logger.ErrorContext(ctx, "error shutting down health server", "error", err)
	}

	if err := h.Observability.Shutdown(ctx); err != nil {
		h.Logger.ErrorContext(ctx, "observability shutdown failed", "error", err)
		return err
	}
	return nil
}

// ShutdownTimeout is the default grace period Shutdown's caller should give
// in-flight requests before forcing an exit (spec.md §5).
const ShutdownTimeout = 30 * time.Second
