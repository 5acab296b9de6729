package hub

import (
	"context"
	"testing"
	"time"

	"github.com/agentdispatch/hub/internal/config"
	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/registry"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Port:                0,
		StorageBackend:      "memory",
		CleanupIntervalMS:   50,
		MessageTTLSec:       86400,
		DefaultLeaseSec:     30,
		MaxDeliveryAttempts: 10,
		WebhookMaxAttempts:  8,
		HeartbeatTimeoutSec: 3,
		PrometheusPort:      "0",
		ServiceName:         "admp-hub-test",
		ServiceVersion:      "test",
		Environment:         "test",
		LogLevel:            "ERROR",
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	h, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer h.Observability.Shutdown(context.Background())

	if h.Store == nil || h.Registry == nil || h.Verifier == nil || h.Inbox == nil ||
		h.Group == nil || h.Webhook == nil || h.Sweeper == nil || h.Stats == nil {
		t.Fatalf("New() left a core component nil: %+v", h)
	}
}

func TestHubEndToEndSendAndPull(t *testing.T) {
	h, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer h.Observability.Shutdown(context.Background())

	ctx := context.Background()

	sender, err := h.Registry.Register(ctx, registry.RegisterInput{Name: "sender"})
	if err != nil {
		t.Fatalf("Register(sender) = %v", err)
	}
	recipient, err := h.Registry.Register(ctx, registry.RegisterInput{Name: "recipient"})
	if err != nil {
		t.Fatalf("Register(recipient) = %v", err)
	}

	msgID, err := h.Inbox.Send(ctx, model.Envelope{
		From: sender.Agent.ID,
		To:   recipient.Agent.ID,
		Type: "task.request",
	})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}

	pulled, err := h.Inbox.Pull(ctx, recipient.Agent.ID, 30)
	if err != nil {
		t.Fatalf("Pull() = %v", err)
	}
	if pulled == nil || pulled.Envelope.ID != msgID {
		t.Fatalf("Pull() = %+v, want message %q", pulled, msgID)
	}
}

func TestShutdownStopsSweeper(t *testing.T) {
	h, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.Sweeper.Start(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
}
